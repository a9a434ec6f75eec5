// Package retrieval runs scoped hybrid search over the memory tiers and the
// knowledge base.
//
// A query flows through four stages: the scope filter decides which rows are
// visible at all, keyword and vector search run in parallel over that set,
// the merged scores are optionally re-ranked, and a freshness check drops
// stale memory. Either search leg may fail without failing the query; the
// response metadata reports what degraded.
//
// The merge stage orders results deterministically, breaking score ties on
// the item key. A wired re-ranker may reorder them nondeterministically
// (an LLM re-ranker in particular); set Options.DisableRerank when a run
// must be reproducible.
package retrieval
