package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "50ms", "30s" or "1m" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config holds runtime parameters for the service. Load starts from Defaults,
// so fields absent from the file keep their default.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`
	// Runtime selects the executor backend: llama or sim.
	Runtime   string `json:"runtime" yaml:"runtime" toml:"runtime"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	Admission  Admission  `json:"admission" yaml:"admission" toml:"admission"`
	Residency  Residency  `json:"residency" yaml:"residency" toml:"residency"`
	Batch      Batch      `json:"batch" yaml:"batch" toml:"batch"`
	Resilience Resilience `json:"resilience" yaml:"resilience" toml:"resilience"`
	Llama      Llama      `json:"llama" yaml:"llama" toml:"llama"`
	Sim        Sim        `json:"sim" yaml:"sim" toml:"sim"`
	HTTP       HTTP       `json:"http" yaml:"http" toml:"http"`
	Upstreams  []Upstream `json:"upstreams" yaml:"upstreams" toml:"upstreams"`
}

// Admission configures request admission.
type Admission struct {
	// Policy is token_bucket, fixed_window, redis_window or off.
	Policy               string   `json:"policy" yaml:"policy" toml:"policy"`
	PerIdentity          bool     `json:"per_identity" yaml:"per_identity" toml:"per_identity"`
	MaxRequestsPerWindow int      `json:"max_requests_per_window" yaml:"max_requests_per_window" toml:"max_requests_per_window"`
	WindowDuration       Duration `json:"window_duration" yaml:"window_duration" toml:"window_duration"`
	BucketCapacity       int      `json:"bucket_capacity" yaml:"bucket_capacity" toml:"bucket_capacity"`
	RefillRatePerSecond  float64  `json:"refill_rate_per_second" yaml:"refill_rate_per_second" toml:"refill_rate_per_second"`
	RedisAddr            string   `json:"redis_addr" yaml:"redis_addr" toml:"redis_addr"`
	RedisKeyPrefix       string   `json:"redis_key_prefix" yaml:"redis_key_prefix" toml:"redis_key_prefix"`
}

// Residency configures the model memory budget.
type Residency struct {
	// MemoryCapacityBytes of 0 disables the bound.
	MemoryCapacityBytes int64    `json:"memory_capacity_bytes" yaml:"memory_capacity_bytes" toml:"memory_capacity_bytes"`
	LoadTimeout         Duration `json:"load_timeout" yaml:"load_timeout" toml:"load_timeout"`
}

// Batch configures batch assembly and the intake queue.
type Batch struct {
	MaxBatchSize int      `json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`
	MaxWaitTime  Duration `json:"max_wait_time" yaml:"max_wait_time" toml:"max_wait_time"`
	// QueueDepth of 0 leaves the intake unbounded.
	QueueDepth int `json:"queue_depth" yaml:"queue_depth" toml:"queue_depth"`
	// Overflow is reject, block or shed.
	Overflow string `json:"overflow" yaml:"overflow" toml:"overflow"`
}

// Resilience configures retries and circuit breaking.
type Resilience struct {
	FailureThreshold int      `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`
	CooldownDuration Duration `json:"cooldown_duration" yaml:"cooldown_duration" toml:"cooldown_duration"`
	MaxRetries       int      `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	BaseRetryDelay   Duration `json:"base_retry_delay" yaml:"base_retry_delay" toml:"base_retry_delay"`
	MaxRetryDelay    Duration `json:"max_retry_delay" yaml:"max_retry_delay" toml:"max_retry_delay"`
}

// Llama holds llama.cpp settings.
type Llama struct {
	CtxSize   int `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	Threads   int `json:"threads" yaml:"threads" toml:"threads"`
	MaxTokens int `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
}

// Sim holds the simulated runtime delays.
type Sim struct {
	LoadDelay Duration `json:"load_delay" yaml:"load_delay" toml:"load_delay"`
	ExecDelay Duration `json:"exec_delay" yaml:"exec_delay" toml:"exec_delay"`
}

// HTTP configures the API server.
type HTTP struct {
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	InferTimeout Duration `json:"infer_timeout" yaml:"infer_timeout" toml:"infer_timeout"`
	CORS         CORS     `json:"cors" yaml:"cors" toml:"cors"`
}

// CORS configures the optional CORS middleware.
type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// Upstream is a remote OpenAI-compatible service.
type Upstream struct {
	Name    string `json:"name" yaml:"name" toml:"name"`
	BaseURL string `json:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key" toml:"api_key"`
	Model   string `json:"model" yaml:"model" toml:"model"`
}

// Defaults returns the configuration used when nothing else is specified.
func Defaults() Config {
	return Config{
		Addr:      ":8080",
		ModelsDir: "~/models/llm",
		Runtime:   "llama",
		LogLevel:  "info",
		LogFormat: "json",
		Admission: Admission{
			Policy:               "token_bucket",
			MaxRequestsPerWindow: 60,
			WindowDuration:       Duration(time.Minute),
			BucketCapacity:       20,
			RefillRatePerSecond:  10,
			RedisKeyPrefix:       "batchd:admission",
		},
		Residency: Residency{
			LoadTimeout: Duration(5 * time.Minute),
		},
		Batch: Batch{
			MaxBatchSize: 8,
			MaxWaitTime:  Duration(50 * time.Millisecond),
			Overflow:     "reject",
		},
		Resilience: Resilience{
			FailureThreshold: 5,
			CooldownDuration: Duration(30 * time.Second),
			MaxRetries:       3,
			BaseRetryDelay:   Duration(100 * time.Millisecond),
			MaxRetryDelay:    Duration(5 * time.Second),
		},
		Llama: Llama{
			CtxSize:   4096,
			MaxTokens: 256,
		},
		HTTP: HTTP{
			MaxBodyBytes: 1 << 20,
			InferTimeout: Duration(2 * time.Minute),
			CORS: CORS{
				Methods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				Headers: []string{"Content-Type", "Authorization", "X-Client-ID", "X-Request-ID"},
			},
		},
	}
}

// Load reads a configuration file based on its extension on top of Defaults.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
