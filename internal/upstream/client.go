// Package upstream calls remote OpenAI-compatible inference services through
// the resilient invoker, one breaker per named upstream.
package upstream

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"batchd/internal/resilience"
	"batchd/pkg/types"
)

// Target describes one upstream service.
type Target struct {
	Name    string `json:"name" yaml:"name" toml:"name"`
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
	// Model is sent when the request does not name one.
	Model string `json:"model" yaml:"model" toml:"model"`
}

type target struct {
	cfg Target
	api *openai.Client
}

// Client routes calls to named upstreams.
type Client struct {
	invoker *resilience.Invoker
	targets map[string]*target
	log     zerolog.Logger
}

// New builds a Client. Names must be unique and non-empty.
func New(targets []Target, invoker *resilience.Invoker, logger *zerolog.Logger) (*Client, error) {
	if invoker == nil {
		return nil, errors.New("upstream: invoker is required")
	}
	c := &Client{invoker: invoker, targets: make(map[string]*target, len(targets))}
	if logger != nil {
		c.log = logger.With().Str("component", "upstream").Logger()
	} else {
		c.log = zerolog.Nop()
	}
	for _, t := range targets {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, errors.New("upstream: target name is empty")
		}
		if _, dup := c.targets[name]; dup {
			return nil, errors.Errorf("upstream: duplicate target %q", name)
		}
		if strings.TrimSpace(t.BaseURL) == "" {
			return nil, errors.Errorf("upstream: target %q has no base_url", name)
		}
		cfg := openai.DefaultConfig(t.APIKey)
		cfg.BaseURL = strings.TrimRight(t.BaseURL, "/")
		c.targets[name] = &target{cfg: t, api: openai.NewClientWithConfig(cfg)}
	}
	return c, nil
}

// Names lists the configured upstreams.
func (c *Client) Names() []string {
	out := make([]string, 0, len(c.targets))
	for n := range c.targets {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// TargetID is the breaker key used for upstream name.
func TargetID(name string) string { return "upstream:" + name }

// Call sends req to the named upstream as a single-message chat completion.
func (c *Client) Call(ctx context.Context, name string, req types.InferRequest) (types.InferResult, error) {
	t, ok := c.targets[name]
	if !ok {
		return types.InferResult{}, unknownTargetError{name: name}
	}
	creq := chatRequest(t.cfg, req)
	return resilience.Do(ctx, c.invoker, TargetID(name), func(ctx context.Context) (types.InferResult, error) {
		resp, err := t.api.CreateChatCompletion(ctx, creq)
		if err != nil {
			c.log.Debug().Err(err).Str("upstream", name).Msg("upstream call failed")
			return types.InferResult{}, classify(err)
		}
		if len(resp.Choices) == 0 {
			return types.InferResult{}, errors.Errorf("upstream %s returned no choices", name)
		}
		ch := resp.Choices[0]
		return types.InferResult{
			Content:      ch.Message.Content,
			FinishReason: string(ch.FinishReason),
			Usage: types.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}, nil
	})
}

func chatRequest(t Target, req types.InferRequest) openai.ChatCompletionRequest {
	model := req.Model
	if t.Model != "" {
		model = t.Model
	}
	creq := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		Stop:        req.Stop,
	}
	if req.Seed != 0 {
		seed := int(req.Seed)
		creq.Seed = &seed
	}
	return creq
}

// classify marks client errors other than 408/429 as permanent so the invoker
// neither retries them nor counts them against the breaker.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return resilience.Permanent(StatusError{Status: status, Err: err})
	}
	if status != 0 {
		return StatusError{Status: status, Err: err}
	}
	return err
}

// StatusError carries the HTTP status an upstream answered with.
type StatusError struct {
	Status int
	Err    error
}

func (e StatusError) Error() string { return e.Err.Error() }
func (e StatusError) Unwrap() error { return e.Err }

type unknownTargetError struct{ name string }

func (e unknownTargetError) Error() string { return "unknown upstream: " + e.name }

// IsUnknownTarget reports whether err names an upstream that is not configured.
func IsUnknownTarget(err error) bool {
	var e unknownTargetError
	return errors.As(err, &e)
}
