// Package knowledge manages the curated knowledge base: explicitly authored
// entries plus entries mirrored from a markdown notes directory.
//
// The bm25 full-text index is updated in the same transaction as every row
// mutation. Vectors are written best-effort after commit; a missing vector
// only narrows an entry to keyword search until the background sweep
// backfills it.
package knowledge
