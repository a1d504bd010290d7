// Package session holds the conversation data model driven by the agent
// runner and persists finished sessions as JSONL files.
//
// Invariants:
// - Messages are append-only; steps are immutable once finished.
// - TokenUsage fields are finite and non-negative; Input excludes cache reads.
// - Session ids are validated and path-safe before touching disk.
// - Writes for the same session are serialized.
//
// Usage:
//
//	store, _ := session.NewStore(session.StoreConfig{Dir: "/tmp/relay/sessions"})
//	_ = store.Save(ctx, sess)
//	loaded, _ := store.Load(ctx, sess.ID)
//	_ = loaded
package session
