// Package syncd assembles the PulseArc sync daemon: a durable,
// encrypted, priority-ordered outbox that buffers activity payloads on
// disk and forwards them to the ingest API with retry, budget and
// circuit-breaker discipline.
//
// Payloads are opaque bytes. Each item is compressed once it clears a
// configurable threshold, sealed with a per-payload key minted from a
// local root key bundle, and persisted in SQLite before enqueue
// returns. A single outbox worker drains the queue in priority order
// and applies exponential backoff with configurable jitter to anything
// the upstream rejects transiently.
package syncd
