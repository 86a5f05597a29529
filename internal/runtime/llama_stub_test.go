//go:build !llama

package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"batchd/internal/residency"
	"batchd/pkg/types"
)

func TestLlamaStubReportsUnavailable(t *testing.T) {
	rt := NewLlama(LlamaConfig{})
	assert.False(t, LlamaBuilt)
	assert.Equal(t, "llama", rt.Name())
	_, err := rt.Load(context.Background(), types.Model{ID: "m", Path: "/x.gguf"})
	assert.True(t, IsDependencyUnavailable(err))
	_, err = rt.Execute(context.Background(), residency.ModelEntry{ID: "m"}, nil)
	assert.True(t, IsDependencyUnavailable(err))
}
