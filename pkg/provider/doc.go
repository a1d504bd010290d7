// Package provider adapts remote LLM APIs to a single streaming interface.
//
// Invariants:
// - Adapters emit raw finish-reason and usage values; they never normalize them.
// - An adapter channel is closed exactly once, after the final event.
// - Classify maps every error to a failure kind; HTTP status and retry hints
//   are preserved.
// - Provider clients are built once per provider and shared across sessions.
// - Package installs are serialized process-wide.
package provider
