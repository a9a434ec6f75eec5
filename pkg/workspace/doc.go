// Package workspace assembles a complete memory core over one directory:
// the SQLite store, the three memory tiers, the knowledge base with optional
// notes import, the retrieval pipeline, and the background sweep.
package workspace
