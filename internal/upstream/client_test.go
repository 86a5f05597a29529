package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchd/internal/resilience"
	"batchd/pkg/types"
)

// fakeUpstream answers chat completions with the queued statuses, then 200.
func fakeUpstream(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if int(n) <= len(statuses) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(statuses[n-1])
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
			return
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"model":  body.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": body.Model + ":" + body.Messages[0].Content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 2, "completion_tokens": 3, "total_tokens": 5},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newClient(t *testing.T, srv *httptest.Server, inv *resilience.Invoker) *Client {
	t.Helper()
	c, err := New([]Target{{Name: "remote", BaseURL: srv.URL + "/v1", Model: "gpt-test"}}, inv, nil)
	require.NoError(t, err)
	return c
}

func TestCall_Success(t *testing.T) {
	srv, calls := fakeUpstream(t)
	c := newClient(t, srv, resilience.New(resilience.Config{}))
	res, err := c.Call(context.Background(), "remote", types.InferRequest{Prompt: "hello", Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, "gpt-test:hello", res.Content)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, 5, res.Usage.TotalTokens)
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
	assert.Equal(t, []string{"remote"}, c.Names())
}

func TestCall_RetriesServerErrors(t *testing.T) {
	srv, calls := fakeUpstream(t, http.StatusServiceUnavailable, http.StatusTooManyRequests)
	c := newClient(t, srv, resilience.New(resilience.Config{MaxRetries: 3, BaseDelay: time.Millisecond}))
	_, err := c.Call(context.Background(), "remote", types.InferRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(calls))
}

func TestCall_ClientErrorIsPermanent(t *testing.T) {
	srv, calls := fakeUpstream(t, http.StatusBadRequest)
	inv := resilience.New(resilience.Config{MaxRetries: 3, FailureThreshold: 1, BaseDelay: time.Millisecond})
	c := newClient(t, srv, inv)
	_, err := c.Call(context.Background(), "remote", types.InferRequest{Prompt: "x"})
	require.Error(t, err)
	var se StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
	assert.Equal(t, resilience.StateClosed, inv.State(TargetID("remote")))
}

func TestCall_OpensCircuit(t *testing.T) {
	srv, calls := fakeUpstream(t, 500, 500, 500)
	inv := resilience.New(resilience.Config{MaxRetries: 1, FailureThreshold: 2, Cooldown: time.Minute})
	c := newClient(t, srv, inv)
	ctx := context.Background()
	_, err := c.Call(ctx, "remote", types.InferRequest{Prompt: "x"})
	assert.True(t, resilience.IsRetriesExhausted(err))
	_, err = c.Call(ctx, "remote", types.InferRequest{Prompt: "x"})
	assert.True(t, resilience.IsRetriesExhausted(err))
	_, err = c.Call(ctx, "remote", types.InferRequest{Prompt: "x"})
	assert.True(t, resilience.IsCircuitOpen(err))
	assert.EqualValues(t, 2, atomic.LoadInt32(calls))
}

func TestCall_UnknownTarget(t *testing.T) {
	srv, _ := fakeUpstream(t)
	c := newClient(t, srv, resilience.New(resilience.Config{}))
	_, err := c.Call(context.Background(), "nope", types.InferRequest{Prompt: "x"})
	assert.True(t, IsUnknownTarget(err))
}

func TestNew_Validates(t *testing.T) {
	inv := resilience.New(resilience.Config{})
	_, err := New([]Target{{Name: "", BaseURL: "http://x"}}, inv, nil)
	assert.Error(t, err)
	_, err = New([]Target{{Name: "a", BaseURL: "http://x"}, {Name: "a", BaseURL: "http://y"}}, inv, nil)
	assert.Error(t, err)
	_, err = New([]Target{{Name: "a"}}, inv, nil)
	assert.Error(t, err)
	_, err = New(nil, nil, nil)
	assert.Error(t, err)
}
