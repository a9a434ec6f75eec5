package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/embedding"
	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/store"
)

const tracerName = "mnemo.retrieval"

// Config wires a Pipeline and sets the workspace-level defaults a caller can
// override per query.
type Config struct {
	Store     *store.Store
	Memory    *memory.Manager
	Knowledge *knowledge.Manager
	Embedder  embedding.Provider // optional
	Reranker  Reranker           // optional
	Logger    zerolog.Logger

	MaxResults     int
	CandidateLimit int
	KeywordWeight  float64
	SemanticWeight float64
	// FreshnessWindow defaults to 30 days when nil. A pointer so an explicit
	// zero or negative window survives defaulting.
	FreshnessWindow *time.Duration
	// EmbedTimeout bounds the query-embedding call. When it fires the run
	// degrades to keyword-only instead of failing.
	EmbedTimeout time.Duration
	MaxLinkDepth int
}

// Pipeline runs the retrieval stages: scope filter, hybrid search, re-rank,
// freshness check. Safe for concurrent use.
type Pipeline struct {
	store     *store.Store
	memory    *memory.Manager
	knowledge *knowledge.Manager
	embedder  embedding.Provider
	reranker  Reranker
	logger    zerolog.Logger

	defaults     Options
	embedTimeout time.Duration
	maxLinkDepth int
}

// NewPipeline creates a pipeline from cfg, applying defaults for any zero
// tuning value.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil || cfg.Memory == nil || cfg.Knowledge == nil {
		return nil, fmt.Errorf("store, memory, and knowledge managers are required")
	}

	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 50
	}
	if cfg.KeywordWeight <= 0 && cfg.SemanticWeight <= 0 {
		cfg.KeywordWeight = 0.4
		cfg.SemanticWeight = 0.6
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 300 * time.Millisecond
	}
	if cfg.MaxLinkDepth <= 0 {
		cfg.MaxLinkDepth = 2
	}
	freshness := 30 * 24 * time.Hour
	if cfg.FreshnessWindow != nil {
		freshness = *cfg.FreshnessWindow
	}

	observability.EnsureRegistered()

	return &Pipeline{
		store:     cfg.Store,
		memory:    cfg.Memory,
		knowledge: cfg.Knowledge,
		embedder:  cfg.Embedder,
		reranker:  cfg.Reranker,
		logger:    cfg.Logger,
		defaults: Options{
			MaxResults:      cfg.MaxResults,
			CandidateLimit:  cfg.CandidateLimit,
			KeywordWeight:   cfg.KeywordWeight,
			SemanticWeight:  cfg.SemanticWeight,
			FreshnessWindow: &freshness,
		},
		embedTimeout: cfg.EmbedTimeout,
		maxLinkDepth: cfg.MaxLinkDepth,
	}, nil
}

// Retrieve answers one query within a scope. Partial failures degrade the
// run and are reported in the response metadata; only the loss of both
// search legs fails the query.
func (p *Pipeline) Retrieve(ctx context.Context, query string, scope Scope, opts *Options) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "retrieval.retrieve",
		attribute.String("session_id", scope.SessionID),
		attribute.String("job_id", scope.JobID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	start := time.Now()
	success := false
	defer func() {
		observability.RecordRetrieval(time.Since(start), success)
	}()

	if strings.TrimSpace(query) == "" {
		return nil, &QueryError{Reason: "query cannot be empty"}
	}
	resolved := p.resolveOptions(opts)

	var (
		wg          sync.WaitGroup
		vectorHits  []vectorHit
		keywordHits []keywordHit
		vectorErr   error
		keywordErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if p.embedder == nil {
			vectorErr = embedding.ErrUnavailable
			return
		}
		embedCtx, cancel := context.WithTimeout(ctx, p.embedTimeout)
		defer cancel()
		vectorHits, vectorErr = p.vectorSearch(embedCtx, query, scope, resolved.CandidateLimit)
	}()
	go func() {
		defer wg.Done()
		keywordHits, keywordErr = p.keywordSearch(ctx, query, scope, resolved.CandidateLimit)
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta := Metadata{}
	keywordWeight := resolved.KeywordWeight
	semanticWeight := resolved.SemanticWeight

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search degraded, keyword only")
		observability.RecordRetrievalDegraded("semantic")
		meta.Degraded = append(meta.Degraded, "semantic")
		keywordWeight, semanticWeight = 1, 0
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search degraded, vector only")
		observability.RecordRetrievalDegraded("keyword")
		meta.Degraded = append(meta.Degraded, "keyword")
		keywordWeight, semanticWeight = 0, 1
	}
	if vectorErr != nil && keywordErr != nil {
		span.RecordError(keywordErr)
		span.SetStatus(codes.Error, "both search legs failed")
		return nil, fmt.Errorf("retrieval failed: %w", keywordErr)
	}

	results := merge(vectorHits, keywordHits, keywordWeight, semanticWeight)
	meta.Candidates = len(results)

	results = applyFreshness(results, *resolved.FreshnessWindow, time.Now())

	if p.reranker != nil && !resolved.DisableRerank {
		reranked, err := p.reranker.Rerank(ctx, query, results)
		if err != nil {
			logger.Warn().Err(err).Str("reranker", p.reranker.Name()).Msg("Rerank degraded, keeping merge order")
			observability.RecordRetrievalDegraded("rerank")
			meta.Degraded = append(meta.Degraded, "rerank")
		} else {
			results = reranked
			meta.RerankApplied = true
		}
	}

	if len(results) > resolved.MaxResults {
		results = results[:resolved.MaxResults]
	}

	p.touchLongTermHits(ctx, results, logger)

	if resolved.ExpandLinks {
		p.expandLinks(ctx, results, logger)
	}

	meta.Elapsed = time.Since(start)
	success = true

	logger.Debug().
		Int("results", len(results)).
		Int("candidates", meta.Candidates).
		Strs("degraded", meta.Degraded).
		Msg("Retrieval completed")

	return &Response{Results: results, Metadata: meta}, nil
}

func (p *Pipeline) resolveOptions(opts *Options) Options {
	resolved := p.defaults
	if opts == nil {
		return resolved
	}

	if opts.MaxResults > 0 {
		resolved.MaxResults = opts.MaxResults
	}
	if opts.CandidateLimit > 0 {
		resolved.CandidateLimit = opts.CandidateLimit
	}
	if opts.KeywordWeight > 0 || opts.SemanticWeight > 0 {
		resolved.KeywordWeight = opts.KeywordWeight
		resolved.SemanticWeight = opts.SemanticWeight
	}
	if opts.FreshnessWindow != nil {
		resolved.FreshnessWindow = opts.FreshnessWindow
	}
	resolved.ExpandLinks = opts.ExpandLinks
	resolved.DisableRerank = opts.DisableRerank
	return resolved
}

// touchLongTermHits bumps access counters on long-term results. Best-effort:
// a failed touch never fails the query.
func (p *Pipeline) touchLongTermHits(ctx context.Context, results []Result, logger zerolog.Logger) {
	var ids []string
	for _, r := range results {
		if r.Ref.Kind == memory.KindLongTerm {
			ids = append(ids, r.Ref.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := p.memory.TouchLong(ctx, ids); err != nil {
		logger.Warn().Err(err).Msg("Failed to bump access counts")
	}
}

// expandLinks attaches refs reachable over memory links to each result.
func (p *Pipeline) expandLinks(ctx context.Context, results []Result, logger zerolog.Logger) {
	for i := range results {
		related, err := p.memory.Traverse(ctx, results[i].Ref, p.maxLinkDepth)
		if err != nil {
			logger.Warn().Err(err).Str("ref", results[i].Ref.Key()).Msg("Link expansion failed")
			continue
		}
		results[i].Related = related
	}
}
