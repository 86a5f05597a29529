package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"batchd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	Ready() bool
	// Infer admits, queues and waits for one request on behalf of identity.
	Infer(ctx context.Context, identity string, req types.InferRequest) (types.InferResponse, error)
	// CallUpstream forwards req to a named remote target.
	CallUpstream(ctx context.Context, identity, name string, req types.InferRequest) (types.InferResponse, error)
	Unload(id string) error
}

type server struct {
	svc Service
}

// NewMux builds the HTTP handler for svc.
func NewMux(svc Service) http.Handler {
	s := &server{svc: svc}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
		}))
	}
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", s.handleModels)
	r.Delete("/models/{id}", s.handleUnload)
	r.Get("/status", s.handleStatus)
	r.Post("/infer", s.handleInfer)
	r.Post("/upstreams/{name}/infer", s.handleUpstreamInfer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return MetricsMiddleware(r)
}

// handleModels godoc
// @Summary      List models
// @Description  Returns every model found in the registry.
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Router       /models [get]
func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: s.svc.ListModels()})
}

// handleUnload godoc
// @Summary      Unload a model
// @Description  Releases a resident model. Fails with 409 while batches run on it.
// @Tags         models
// @Param        id   path  string  true  "Model id"
// @Success      204
// @Failure      404  {object}  types.ErrorResponse
// @Failure      409  {object}  types.ErrorResponse
// @Router       /models/{id} [delete]
func (s *server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Unload(chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus godoc
// @Summary      Scheduler status
// @Tags         status
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

// handleInfer godoc
// @Summary      Run inference
// @Description  Queues the request for batched execution and waits for its result.
// @Tags         inference
// @Accept       json
// @Produce      json
// @Param        X-Client-ID  header  string             false  "Admission identity; defaults to the client address"
// @Param        request      body    types.InferRequest true   "Inference request"
// @Success      200  {object}  types.InferResponse
// @Failure      400  {object}  types.ErrorResponse
// @Failure      404  {object}  types.ErrorResponse
// @Failure      429  {object}  types.ErrorResponse
// @Failure      503  {object}  types.ErrorResponse
// @Failure      507  {object}  types.ErrorResponse
// @Router       /infer [post]
func (s *server) handleInfer(w http.ResponseWriter, r *http.Request) {
	s.serveInfer(w, r, s.svc.Infer)
}

// handleUpstreamInfer godoc
// @Summary      Forward inference to an upstream
// @Tags         inference
// @Accept       json
// @Produce      json
// @Param        name     path  string             true  "Upstream name"
// @Param        request  body  types.InferRequest true  "Inference request"
// @Success      200  {object}  types.InferResponse
// @Failure      404  {object}  types.ErrorResponse
// @Failure      502  {object}  types.ErrorResponse
// @Failure      503  {object}  types.ErrorResponse
// @Router       /upstreams/{name}/infer [post]
func (s *server) handleUpstreamInfer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.serveInfer(w, r, func(ctx context.Context, identity string, req types.InferRequest) (types.InferResponse, error) {
		return s.svc.CallUpstream(ctx, identity, name, req)
	})
}

type inferFunc func(ctx context.Context, identity string, req types.InferRequest) (types.InferResponse, error)

func (s *server) serveInfer(w http.ResponseWriter, r *http.Request, call inferFunc) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.InferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	identity := clientIdentity(r)
	rl := newRequestLog(r, identity, req.Model)
	rl.started()

	// Shutdown of the server cancels in-flight work too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if inferTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, inferTimeout)
		defer tcancel()
	}
	resp, err := call(ctx, identity, req)
	if err != nil {
		// Client went away; nobody is listening.
		if r.Context().Err() != nil {
			rl.ended(499, err)
			return
		}
		rl.ended(writeServiceError(w, err), err)
		return
	}
	rl.result(resp.Content)
	writeJSON(w, http.StatusOK, resp)
	rl.ended(http.StatusOK, nil)
}

// clientIdentity keys admission: an explicit X-Client-ID header wins,
// otherwise the client address (RealIP has already applied proxy headers).
func clientIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Error().Err(err).Msg("encode response")
	}
}
