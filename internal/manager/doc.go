// Package manager wires admission, residency, batching and resilient
// execution into the request flow served by the HTTP API. It is structured
// into small files by concern:
//
//   - manager.go: Manager type, lifecycle (Start/Close), simple getters.
//   - config.go: ManagerConfig and NewWithConfig.
//   - errors.go: error types and helpers (IsRateLimited, IsModelNotFound, ...).
//   - infer.go: Submit/Infer, the admission -> enqueue -> wait path.
//   - upstream.go: admitted calls to remote upstreams.
//   - status.go: Status reporting.
//   - unload.go: operator-driven unload.
//
// External packages should treat this package as the orchestration layer and
// use public methods only.
package manager
