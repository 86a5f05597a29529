package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Runtime {
	case "llama", "sim":
	default:
		bad("runtime: unknown %q (want llama or sim)", c.Runtime)
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		bad("log_format: unknown %q (want json or console)", c.LogFormat)
	}

	a := c.Admission
	switch a.Policy {
	case "off":
	case "token_bucket":
		if a.BucketCapacity <= 0 {
			bad("admission.bucket_capacity must be > 0")
		}
		if a.RefillRatePerSecond < 0 {
			bad("admission.refill_rate_per_second must be >= 0")
		}
	case "fixed_window", "redis_window":
		if a.MaxRequestsPerWindow <= 0 {
			bad("admission.max_requests_per_window must be > 0")
		}
		if a.WindowDuration <= 0 {
			bad("admission.window_duration must be > 0")
		}
		if a.Policy == "redis_window" && strings.TrimSpace(a.RedisAddr) == "" {
			bad("admission.redis_addr is required for redis_window")
		}
	default:
		bad("admission.policy: unknown %q", a.Policy)
	}

	if c.Residency.MemoryCapacityBytes < 0 {
		bad("residency.memory_capacity_bytes must be >= 0")
	}
	if c.Residency.LoadTimeout < 0 {
		bad("residency.load_timeout must be >= 0")
	}

	b := c.Batch
	if b.MaxBatchSize <= 0 {
		bad("batch.max_batch_size must be > 0")
	}
	if b.MaxWaitTime <= 0 {
		bad("batch.max_wait_time must be > 0")
	}
	if b.QueueDepth < 0 {
		bad("batch.queue_depth must be >= 0")
	}
	switch b.Overflow {
	case "", "reject", "block", "shed":
	default:
		bad("batch.overflow: unknown %q (want reject, block or shed)", b.Overflow)
	}

	r := c.Resilience
	if r.FailureThreshold <= 0 {
		bad("resilience.failure_threshold must be > 0")
	}
	if r.CooldownDuration <= 0 {
		bad("resilience.cooldown_duration must be > 0")
	}
	if r.MaxRetries < 1 {
		bad("resilience.max_retries must be >= 1")
	}
	if r.BaseRetryDelay < 0 || r.MaxRetryDelay < 0 {
		bad("resilience retry delays must be >= 0")
	}

	if c.HTTP.MaxBodyBytes < 0 {
		bad("http.max_body_bytes must be >= 0")
	}

	seen := map[string]bool{}
	for i, u := range c.Upstreams {
		name := strings.TrimSpace(u.Name)
		switch {
		case name == "":
			bad("upstreams[%d]: name is required", i)
		case seen[name]:
			bad("upstreams[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(u.BaseURL) == "" {
			bad("upstreams[%d]: base_url is required", i)
		}
	}
	return errors.Join(errs...)
}
