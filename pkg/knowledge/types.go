package knowledge

import (
	"time"
)

// Entry is one curated knowledge-base document. Entries are explicitly
// authored or imported from note files; conversational memory never becomes
// an Entry implicitly.
type Entry struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags"`
	FileRefs []string `json:"file_refs"`
	IsActive bool     `json:"is_active"`
	// CreatedBy records the author handle, or "importer" for file imports.
	CreatedBy string `json:"created_by"`
	// SourcePath is set for entries imported from a notes directory and
	// keys re-import deduplication together with ContentHash.
	SourcePath  string    `json:"source_path,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Draft is the caller-supplied part of an entry for create and update.
type Draft struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags"`
	FileRefs []string `json:"file_refs"`
}
