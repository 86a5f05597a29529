// Package residency tracks which models are loaded inside a bounded memory
// budget. It is split by concern:
//
//   - manager.go: Manager type, Config and constructor.
//   - budget.go: Budget accounting (capacity/allocated).
//   - ensure.go: Ensure/Acquire, coalesced loading and Touch.
//   - evict.go: victim selection by (score, last access).
//   - lease.go: pins that keep a model resident while a batch runs.
//   - unload.go: explicit Unload and Close.
//   - events.go: lifecycle events and publishers.
//   - errors.go: error types and helpers (IsInsufficientMemory, ...).
//
// All budget and residency-map mutations happen under Manager.mu. The loader
// runs outside the lock once the allocation is committed; the entry stays
// unloaded, and cannot be evicted, until the loader returns.
package residency
