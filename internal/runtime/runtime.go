// Package runtime provides the model loaders and batch executors behind the
// scheduler: an in-process llama.cpp runtime (build tag llama), a stub for
// default builds and a simulated runtime for demos and tests.
package runtime

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"batchd/internal/residency"
	"batchd/internal/resilience"
	"batchd/pkg/types"
)

// Runtime loads models and executes batches against loaded handles.
type Runtime interface {
	// Name identifies the runtime in logs and status.
	Name() string
	// Load brings mdl into memory. The handle is closed on eviction when it
	// implements io.Closer.
	Load(ctx context.Context, mdl types.Model) (residency.Handle, error)
	// Execute runs payloads on the model held by entry and returns one
	// result per payload, in order.
	Execute(ctx context.Context, entry residency.ModelEntry, payloads []types.InferRequest) ([]types.InferResult, error)
}

// dependencyUnavailableError signals a missing runtime dependency (e.g. a
// binary built without llama.cpp) so the HTTP layer can return 503.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// Retrying cannot install a missing dependency.
func (e dependencyUnavailableError) Retryable() bool { return false }

// ErrDependencyUnavailable constructs a dependency-unavailable error.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return "invalid request: " + e.msg }

// IsInvalidRequest reports whether err came from Validate.
func IsInvalidRequest(err error) bool {
	var e invalidRequestError
	return errors.As(err, &e)
}

// Validate rejects sampling parameters no runtime can honour. The returned
// error is permanent for the invoker.
func Validate(req types.InferRequest) error {
	var bad string
	switch {
	case strings.TrimSpace(req.Prompt) == "":
		bad = "prompt is empty"
	case req.MaxTokens < 0:
		bad = "max_tokens must be >= 0"
	case req.Temperature < 0:
		bad = "temperature must be >= 0"
	case req.TopP < 0 || req.TopP > 1:
		bad = "top_p must be within [0,1]"
	case req.TopK < 0:
		bad = "top_k must be >= 0"
	case req.RepeatPenalty < 0:
		bad = "repeat_penalty must be >= 0"
	default:
		return nil
	}
	return resilience.Permanent(invalidRequestError{msg: bad})
}

// Params are the generation settings of one request with defaults applied.
type Params struct {
	Temperature   float32
	TopP          float32
	TopK          int
	MaxTokens     int
	Stop          []string
	Seed          int
	RepeatPenalty float32
}

// ParamsFor maps a request onto Params, using defaultMaxTokens when the
// request leaves max_tokens unset.
func ParamsFor(req types.InferRequest, defaultMaxTokens int) Params {
	p := Params{
		Temperature:   float32(req.Temperature),
		TopP:          float32(req.TopP),
		TopK:          req.TopK,
		MaxTokens:     req.MaxTokens,
		Stop:          req.Stop,
		Seed:          int(req.Seed),
		RepeatPenalty: float32(req.RepeatPenalty),
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = defaultMaxTokens
	}
	return p
}

// countTokens is a whitespace approximation used where the runtime does not
// report token usage.
func countTokens(s string) int { return len(strings.Fields(s)) }

func usage(prompt, completion string) types.Usage {
	p, c := countTokens(prompt), countTokens(completion)
	return types.Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}
