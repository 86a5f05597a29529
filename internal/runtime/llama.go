//go:build llama

package runtime

import (
	"context"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/pkg/errors"

	"batchd/internal/residency"
	"batchd/internal/resilience"
	"batchd/pkg/types"
)

// LlamaBuilt reports whether this binary links llama.cpp.
const LlamaBuilt = true

// LlamaConfig holds llama.cpp settings shared by every loaded model.
type LlamaConfig struct {
	CtxSize   int
	Threads   int
	MaxTokens int
}

type llamaRuntime struct {
	cfg LlamaConfig
}

// NewLlama returns the in-process llama.cpp runtime.
func NewLlama(cfg LlamaConfig) Runtime {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	return &llamaRuntime{cfg: cfg}
}

func (r *llamaRuntime) Name() string { return "llama" }

// llamaModel owns a loaded model. llama.cpp contexts are not reentrant, so
// predictions on one model are serialized.
type llamaModel struct {
	mu    sync.Mutex
	model *llama.LLama
}

func (m *llamaModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
	return nil
}

func (r *llamaRuntime) Load(ctx context.Context, mdl types.Model) (residency.Handle, error) {
	if strings.TrimSpace(mdl.Path) == "" {
		return nil, resilience.Permanent(errors.Errorf("model %s has empty path", mdl.ID))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mo := []llama.ModelOption{llama.SetContext(r.cfg.CtxSize)}
	m, err := llama.New(mdl.Path, mo...)
	if err != nil {
		return nil, errors.Wrapf(err, "llama load %s", mdl.Path)
	}
	return &llamaModel{model: m}, nil
}

// Execute runs the batch's prompts one after another on the resident model.
func (r *llamaRuntime) Execute(ctx context.Context, entry residency.ModelEntry, payloads []types.InferRequest) ([]types.InferResult, error) {
	h, ok := entry.Handle.(*llamaModel)
	if !ok || h == nil {
		return nil, resilience.Permanent(errors.Errorf("model %s has no llama handle", entry.ID))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model == nil {
		return nil, errors.Errorf("model %s was freed", entry.ID)
	}
	out := make([]types.InferResult, len(payloads))
	for i, req := range payloads {
		if err := Validate(req); err != nil {
			return nil, err
		}
		p := ParamsFor(req, r.cfg.MaxTokens)
		finish := "stop"
		n := 0
		h.model.SetTokenCallback(func(string) bool {
			select {
			case <-ctx.Done():
				return false
			default:
			}
			n++
			if n >= p.MaxTokens {
				finish = "length"
			}
			return true
		})
		text, err := h.model.Predict(req.Prompt, predictOptions(p, r.cfg.Threads)...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrapf(err, "llama predict on %s", entry.ID)
		}
		u := usage(req.Prompt, text)
		if n > 0 {
			u.CompletionTokens = n
			u.TotalTokens = u.PromptTokens + n
		}
		out[i] = types.InferResult{Content: text, FinishReason: finish, Usage: u}
	}
	return out, nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts Params into go-llama.cpp options.
func predictOptions(p Params, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, p.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(p.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(p.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(p.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(p.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if p.Seed != 0 {
		po = append(po, llama.SetSeed(p.Seed))
	}
	if len(p.Stop) > 0 {
		po = append(po, llama.SetStopWords(p.Stop...))
	}
	return po
}
