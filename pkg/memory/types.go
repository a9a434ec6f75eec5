package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies which tier (or the knowledge base) an item belongs to.
// Links address items by (kind, id) pairs because the tiers live in
// heterogeneous tables.
type Kind string

const (
	KindShortTerm Kind = "short_term"
	KindWorking   Kind = "working"
	KindLongTerm  Kind = "long_term"
	KindKnowledge Kind = "knowledge"
)

// Ref addresses one item in one tier.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// Key renders the ref as the key used in the vector table.
func (r Ref) Key() string {
	return string(r.Kind) + ":" + r.ID
}

// ParseKey parses a vector-table key back into a Ref.
func ParseKey(key string) (Ref, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return Ref{}, fmt.Errorf("invalid item key: %q", key)
	}
	return Ref{Kind: Kind(kind), ID: id}, nil
}

// ShortTermEntry is one conversational exchange in a session. Entries are
// immutable after creation; only the expiry sweep or session teardown
// removes them.
type ShortTermEntry struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCall   string     `json:"tool_call,omitempty"`
	TokenCount int        `json:"token_count"`
	Model      string     `json:"model,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry is inert at the given instant. Expired
// entries may persist on disk until a sweep, but are never retrieved.
func (e *ShortTermEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// WorkingKind tags what a working-memory item captures.
type WorkingKind string

const (
	WorkingContext    WorkingKind = "context"
	WorkingDecision   WorkingKind = "decision"
	WorkingFileRef    WorkingKind = "file_ref"
	WorkingCheckpoint WorkingKind = "checkpoint"
)

func validWorkingKind(k WorkingKind) bool {
	switch k {
	case WorkingContext, WorkingDecision, WorkingFileRef, WorkingCheckpoint:
		return true
	}
	return false
}

// WorkingMemoryItem is content attached to one job. A pinned item is never
// removed by any automatic cleanup; only unpin or job deletion does.
type WorkingMemoryItem struct {
	ID        string      `json:"id"`
	JobID     string      `json:"job_id"`
	Kind      WorkingKind `json:"kind"`
	Content   string      `json:"content"`
	Priority  int         `json:"priority"`
	Pinned    bool        `json:"pinned"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Category classifies auto-derived long-term knowledge.
type Category string

const (
	CategoryDecision   Category = "decision"
	CategoryPattern    Category = "pattern"
	CategoryConstraint Category = "constraint"
	CategoryLearning   Category = "learning"
)

func validCategory(c Category) bool {
	switch c {
	case CategoryDecision, CategoryPattern, CategoryConstraint, CategoryLearning:
		return true
	}
	return false
}

// LongTermMemoryItem is durable cross-session memory, typically promoted
// from a short-term or working item. AccessCount only ever increases, on
// retrieval hits.
type LongTermMemoryItem struct {
	ID          string    `json:"id"`
	Category    Category  `json:"category"`
	Content     string    `json:"content"`
	Confidence  float64   `json:"confidence"`
	AccessCount int       `json:"access_count"`
	SourceKind  Kind      `json:"source_kind,omitempty"`
	SourceID    string    `json:"source_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Relation is the type of a directed link between two items.
type Relation string

const (
	RelDerivedFrom Relation = "derived_from"
	RelRelatedTo   Relation = "related_to"
	RelSupersedes  Relation = "supersedes"
)

func validRelation(r Relation) bool {
	switch r {
	case RelDerivedFrom, RelRelatedTo, RelSupersedes:
		return true
	}
	return false
}

// MemoryLink is a directed, typed edge between two memory or knowledge
// items. Cycles are legal; traversal is depth-bounded.
type MemoryLink struct {
	ID        string    `json:"id"`
	From      Ref       `json:"from"`
	To        Ref       `json:"to"`
	Rel       Relation  `json:"rel"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidationError reports a rejected input. It is always surfaced to the
// caller before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
