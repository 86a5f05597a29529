//go:build !llama

package runtime

import (
	"context"

	"batchd/internal/residency"
	"batchd/pkg/types"
)

// LlamaBuilt reports whether this binary links llama.cpp.
const LlamaBuilt = false

// LlamaConfig holds llama.cpp settings shared by every loaded model.
type LlamaConfig struct {
	CtxSize   int
	Threads   int
	MaxTokens int
}

// llamaRuntime refuses to load anything so default, CGO-free builds never
// pretend to run inference.
type llamaRuntime struct{}

// NewLlama returns a runtime that reports llama.cpp as unavailable.
func NewLlama(LlamaConfig) Runtime { return llamaRuntime{} }

func (llamaRuntime) Name() string { return "llama" }

func (llamaRuntime) Load(context.Context, types.Model) (residency.Handle, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (llamaRuntime) Execute(ctx context.Context, _ residency.ModelEntry, _ []types.InferRequest) ([]types.InferResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}
