package main

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"batchd/internal/admission"
	"batchd/internal/batch"
	"batchd/internal/config"
	"batchd/internal/httpapi"
	"batchd/internal/manager"
	"batchd/internal/registry"
	"batchd/internal/resilience"
	"batchd/internal/runtime"
	"batchd/internal/upstream"
)

// buildLimiter turns the admission section into a limiter. The returned
// closer releases the redis client, if one was created.
func buildLimiter(a config.Admission, log zerolog.Logger) (*admission.Limiter, io.Closer, error) {
	opts := admission.Options{Name: a.Policy, PerIdentity: a.PerIdentity}
	switch a.Policy {
	case "off":
		return nil, nil, nil
	case "token_bucket":
		return admission.New(func(string) admission.Policy {
			return admission.NewTokenBucket(a.BucketCapacity, a.RefillRatePerSecond)
		}, opts), nil, nil
	case "fixed_window":
		return admission.New(func(string) admission.Policy {
			return admission.NewFixedWindow(a.MaxRequestsPerWindow, a.WindowDuration.Std())
		}, opts), nil, nil
	case "redis_window":
		client := redis.NewClient(&redis.Options{Addr: a.RedisAddr})
		f := admission.RedisWindowFactory(client, a.RedisKeyPrefix, a.MaxRequestsPerWindow, a.WindowDuration.Std(), log)
		return admission.New(f, opts), client, nil
	default:
		return nil, nil, errors.Errorf("unknown admission policy %q", a.Policy)
	}
}

func buildRuntime(cfg config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case "llama":
		return runtime.NewLlama(runtime.LlamaConfig{
			CtxSize:   cfg.Llama.CtxSize,
			Threads:   cfg.Llama.Threads,
			MaxTokens: cfg.Llama.MaxTokens,
		}), nil
	case "sim":
		return runtime.NewSim(runtime.SimConfig{
			LoadDelay: cfg.Sim.LoadDelay.Std(),
			ExecDelay: cfg.Sim.ExecDelay.Std(),
			MaxTokens: cfg.Llama.MaxTokens,
		}), nil
	default:
		return nil, errors.Errorf("unknown runtime %q", cfg.Runtime)
	}
}

func upstreamTargets(us []config.Upstream) []upstream.Target {
	out := make([]upstream.Target, 0, len(us))
	for _, u := range us {
		out = append(out, upstream.Target{Name: u.Name, BaseURL: u.BaseURL, APIKey: u.APIKey, Model: u.Model})
	}
	return out
}

// buildManager assembles the scheduler stack from cfg. The closer releases
// resources owned outside the manager (the admission redis client).
func buildManager(cfg config.Config, log zerolog.Logger) (*manager.Manager, io.Closer, error) {
	reg, err := registry.LoadDir(cfg.ModelsDir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load models")
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		return nil, nil, err
	}
	lim, closer, err := buildLimiter(cfg.Admission, log)
	if err != nil {
		return nil, nil, err
	}
	r := cfg.Resilience
	mgr, err := manager.NewWithConfig(manager.ManagerConfig{
		Registry:            reg,
		DefaultModel:        cfg.DefaultModel,
		Runtime:             rt,
		Limiter:             lim,
		AdmissionPolicy:     cfg.Admission.Policy,
		MemoryCapacityBytes: cfg.Residency.MemoryCapacityBytes,
		LoadTimeout:         cfg.Residency.LoadTimeout.Std(),
		MaxBatchSize:        cfg.Batch.MaxBatchSize,
		MaxWait:             cfg.Batch.MaxWaitTime.Std(),
		QueueDepth:          cfg.Batch.QueueDepth,
		Overflow:            batch.Overflow(cfg.Batch.Overflow),
		Resilience: resilience.Config{
			FailureThreshold: r.FailureThreshold,
			Cooldown:         r.CooldownDuration.Std(),
			MaxRetries:       r.MaxRetries,
			BaseDelay:        r.BaseRetryDelay.Std(),
			MaxDelay:         r.MaxRetryDelay.Std(),
		},
		Upstreams: upstreamTargets(cfg.Upstreams),
		Logger:    &log,
	})
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, err
	}
	return mgr, closer, nil
}

// configureHTTP pushes the http section into the API package.
func configureHTTP(h config.HTTP, log zerolog.Logger) {
	httpapi.SetLogger(log)
	httpapi.SetMaxBodyBytes(h.MaxBodyBytes)
	httpapi.SetInferTimeout(h.InferTimeout.Std())
	httpapi.SetCORSOptions(h.CORS.Enabled, h.CORS.Origins, h.CORS.Methods, h.CORS.Headers)
}

// serve runs the API until ctx is done, then drains the server and the
// scheduler.
func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	mgr, closer, err := buildManager(cfg, log)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warn().Err(err).Msg("manager close")
		}
	}()

	configureHTTP(cfg.HTTP, log)
	httpapi.SetBaseContext(ctx)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Str("runtime", cfg.Runtime).
			Str("admission", cfg.Admission.Policy).Msg("batchd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server error")
		}
		return nil
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
