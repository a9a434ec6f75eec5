package retrieval

import (
	"fmt"
	"time"

	"github.com/harun/mnemo/pkg/memory"
)

// Scope restricts which memory an agent may see. Short-term entries are only
// visible inside their own session and working items inside their own job;
// long-term memory and the knowledge base are always in scope.
type Scope struct {
	SessionID string `json:"session_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// Options tunes one retrieval run. Zero values fall back to the workspace
// defaults supplied at pipeline construction.
type Options struct {
	MaxResults     int
	CandidateLimit int
	KeywordWeight  float64
	SemanticWeight float64
	// FreshnessWindow drops stale results. Nil falls back to the workspace
	// default; a negative window disables the check; zero admits only items
	// touched at the query instant.
	FreshnessWindow *time.Duration
	// ExpandLinks attaches refs reachable over memory links to each result.
	ExpandLinks bool
	// DisableRerank skips the re-rank stage even when a reranker is wired.
	DisableRerank bool
}

// Result is one scored retrieval hit.
type Result struct {
	Ref     memory.Ref `json:"ref"`
	Content string     `json:"content"`
	Title   string     `json:"title,omitempty"`
	// Score is the merged, re-ranked relevance in [0,1], higher is better.
	Score         float64 `json:"score"`
	KeywordScore  float64 `json:"keyword_score"`
	SemanticScore float64 `json:"semantic_score"`
	Pinned        bool    `json:"pinned,omitempty"`
	// Confidence is set for long-term items.
	Confidence float64      `json:"confidence,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	Related    []memory.Ref `json:"related,omitempty"`
}

// Metadata describes how a retrieval run went, including any stages that
// degraded instead of failing the whole query.
type Metadata struct {
	Candidates    int           `json:"candidates"`
	Elapsed       time.Duration `json:"elapsed"`
	Degraded      []string      `json:"degraded,omitempty"`
	RerankApplied bool          `json:"rerank_applied"`
}

// Response bundles the ranked results with the run metadata.
type Response struct {
	Results  []Result `json:"results"`
	Metadata Metadata `json:"metadata"`
}

// QueryError reports a rejected retrieval request.
type QueryError struct {
	Reason string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("invalid query: %s", e.Reason)
}
