package types

// InferRequest represents an inference request payload.
type InferRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: tinyllama-q4.gguf
	Model string `json:"model,omitempty" example:"tinyllama-q4.gguf"`
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Scheduling priority; lower values are served first.
	// example: 1
	Priority int `json:"priority,omitempty" example:"1"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences. Generation stops when any sequence is matched.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	// Random seed for reproducibility; 0 or omitted lets the server choose.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Repeat penalty applied by some llama runtimes.
	// example: 1.1
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" example:"1.1"`
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// InferResult is the outcome of one request inside an executed batch.
type InferResult struct {
	// Generated text.
	Content string `json:"content"`
	// Why generation stopped (stop, length).
	// example: stop
	FinishReason string `json:"finish_reason,omitempty" example:"stop"`
	Usage        Usage  `json:"usage"`
}

// InferResponse is returned by POST /infer.
type InferResponse struct {
	// Request identifier assigned at submission.
	// example: 0b3c6f0e-9f39-4a4b-9d55-7c8e1a3e2a10
	ID string `json:"id" example:"0b3c6f0e-9f39-4a4b-9d55-7c8e1a3e2a10"`
	// Model that served the request.
	// example: tinyllama-q4.gguf
	Model string `json:"model" example:"tinyllama-q4.gguf"`
	InferResult
	// Time spent queued before dispatch, in milliseconds.
	// example: 12
	QueuedMS int64 `json:"queued_ms" example:"12"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// ResidentModel summarizes a resident model for /status.
type ResidentModel struct {
	// example: tinyllama-q4.gguf
	ModelID string `json:"model_id" example:"tinyllama-q4.gguf"`
	// Whether the load step has completed.
	Loaded bool `json:"loaded"`
	// Usage score; incremented on every access.
	// example: 7
	Score uint64 `json:"score" example:"7"`
	// Last access time (unix seconds).
	// example: 1700000000
	LastAccessed int64 `json:"last_accessed_unix" example:"1700000000"`
	// example: 668788096
	FootprintBytes int64 `json:"footprint_bytes" example:"668788096"`
	// Number of batches currently executing against the model.
	Pins int `json:"pins"`
}

// CircuitStatus summarizes one circuit breaker.
type CircuitStatus struct {
	// example: tinyllama-q4.gguf
	Target string `json:"target" example:"tinyllama-q4.gguf"`
	// closed, open or half-open.
	// example: closed
	State string `json:"state" example:"closed"`
	// Consecutive failures counted toward the threshold.
	Failures int `json:"failures"`
	// Last failure time (unix seconds), 0 if none.
	LastFailure int64 `json:"last_failure_unix,omitempty"`
}

// QueueStatus summarizes the batch scheduler.
type QueueStatus struct {
	// Requests waiting for a batch.
	Depth int `json:"depth"`
	// 0 means unbounded.
	MaxDepth int `json:"max_depth"`
	// example: 8
	MaxBatchSize int `json:"max_batch_size" example:"8"`
	// example: 50
	MaxWaitMS         int64  `json:"max_wait_ms" example:"50"`
	BatchesDispatched uint64 `json:"batches_dispatched"`
	Completed         uint64 `json:"completed"`
	Failed            uint64 `json:"failed"`
	Cancelled         uint64 `json:"cancelled"`
	Shed              uint64 `json:"shed"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall state (ready, idle, stopped).
	// example: ready
	State string `json:"state" example:"ready"`
	// Resident and loading models.
	Resident []ResidentModel `json:"resident"`
	// Memory capacity in bytes (0 = unlimited).
	// example: 8589934592
	CapacityBytes int64 `json:"capacity_bytes" example:"8589934592"`
	// Currently allocated bytes.
	// example: 2147483648
	AllocatedBytes int64 `json:"allocated_bytes" example:"2147483648"`
	// Total number of evictions performed to free memory.
	// example: 5
	EvictionsTotal uint64 `json:"evictions_total" example:"5"`
	// Total number of model loads.
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	Queue      QueueStatus     `json:"queue"`
	Circuits   []CircuitStatus `json:"circuits"`
	// Runtime executing batches (llama or sim).
	// example: llama
	Runtime string `json:"runtime" example:"llama"`
	// Configured upstream names.
	Upstreams []string `json:"upstreams,omitempty"`
	// Admission policy in effect.
	// example: token_bucket
	AdmissionPolicy string `json:"admission_policy" example:"token_bucket"`
	// Identities currently tracked by the limiter.
	AdmissionIdentities int `json:"admission_identities"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
