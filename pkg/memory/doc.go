// Package memory implements the tiered memory store: session-scoped
// short-term entries, job-pinned working items, and durable long-term items,
// plus typed links between them.
//
// Invariants:
// - Mutations run inside store transactions; no partial writes survive.
// - Expired short-term entries are never returned, swept or not.
// - Pinned working items survive every automatic cleanup.
// - Promotion is idempotent per source unless forced.
//
// Usage:
//
//	mgr := memory.NewManager(st, embedder, logger)
//	entry, _ := mgr.AppendShort(ctx, sessionID, memory.ShortTermEntry{Role: "user", Content: "..."})
//	item, _ := mgr.PromoteToLong(ctx, memory.Ref{Kind: memory.KindShortTerm, ID: entry.ID}, memory.PromoteOptions{})
//	_ = item
package memory
