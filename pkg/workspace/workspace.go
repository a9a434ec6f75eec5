package workspace

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/mnemo/internal/logger"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/config"
	"github.com/harun/mnemo/pkg/embedding"
	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/retrieval"
	"github.com/harun/mnemo/pkg/store"
	"github.com/harun/mnemo/pkg/sweeper"
)

// Workspace is one fully wired memory core: store, tier managers, knowledge
// base, retrieval pipeline, and the background sweep. Each workspace owns
// its own store file; nothing is shared across workspaces.
type Workspace struct {
	Store     *store.Store
	Memory    *memory.Manager
	Knowledge *knowledge.Manager
	Importer  *knowledge.Importer
	Pipeline  *retrieval.Pipeline

	embedder *embedding.CachedProvider
	sweeper  *sweeper.Sweeper
	watcher  *knowledge.Watcher
	logger   zerolog.Logger
	logOwner *logger.Logger
	tracing  bool
}

// OpenFromConfig loads the configuration file at configPath (the default
// location when empty), builds the configured logger, and opens the
// workspace rooted at the configured data directory.
func OpenFromConfig(configPath string) (*Workspace, error) {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	ws, err := Open(cfg.DataDir, cfg, lg.GetZerolog())
	if err != nil {
		lg.Close()
		return nil, err
	}
	ws.logOwner = lg
	return ws, nil
}

// Open opens (or creates) the workspace rooted at dir and wires every
// component from cfg.
func Open(dir string, cfg *config.Config, logger zerolog.Logger) (*Workspace, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.Init(cfg.Tracing.ServiceName); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	st, err := store.Open(filepath.Join(dir, "mnemo.db"), logger)
	if err != nil {
		return nil, err
	}

	embedder, err := buildEmbedder(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := st.EnsureVectorTable(cfg.Embedding.Dimension); err != nil {
		st.Close()
		return nil, err
	}

	memMgr := memory.NewManager(st, embedder, logger)
	knowMgr := knowledge.NewManager(st, embedder, logger)

	importer, err := knowledge.NewImporter(knowMgr, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	freshness := time.Duration(cfg.Retrieval.FreshnessWindowDays) * 24 * time.Hour
	pipeline, err := retrieval.NewPipeline(retrieval.Config{
		Store:           st,
		Memory:          memMgr,
		Knowledge:       knowMgr,
		Embedder:        embedder,
		Reranker:        buildReranker(cfg, logger),
		Logger:          logger,
		MaxResults:      cfg.Retrieval.MaxResults,
		CandidateLimit:  cfg.Retrieval.CandidateLimit,
		KeywordWeight:   cfg.Retrieval.KeywordWeight,
		SemanticWeight:  cfg.Retrieval.SemanticWeight,
		FreshnessWindow: &freshness,
		EmbedTimeout:    time.Duration(cfg.Retrieval.EmbedTimeoutMs) * time.Millisecond,
		MaxLinkDepth:    cfg.Retrieval.MaxLinkDepth,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	ws := &Workspace{
		Store:     st,
		Memory:    memMgr,
		Knowledge: knowMgr,
		Importer:  importer,
		Pipeline:  pipeline,
		embedder:  embedder,
		logger:    logger,
		tracing:   cfg.Tracing.Enabled,
	}

	if cfg.Sweep.Enabled {
		sw, err := sweeper.New(sweeper.Config{
			Store:            st,
			Memory:           memMgr,
			Embedder:         embedder,
			Logger:           logger,
			Schedule:         cfg.Sweep.Schedule,
			WorkingStaleness: time.Duration(cfg.Retrieval.WorkingStalenessDays) * 24 * time.Hour,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		sw.Start()
		ws.sweeper = sw
	}

	if cfg.Notes.Dir != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if _, err := importer.ScanDir(ctx, cfg.Notes.Dir); err != nil {
			logger.Warn().Err(err).Str("dir", cfg.Notes.Dir).Msg("Initial notes scan failed")
		}
		cancel()

		if cfg.Notes.Watch {
			watcher, err := knowledge.NewWatcher(importer, cfg.Notes.Dir, logger)
			if err != nil {
				ws.Close()
				return nil, err
			}
			ws.watcher = watcher
		}
	}

	logger.Info().Str("dir", dir).Msg("Workspace opened")
	return ws, nil
}

// Retrieve runs the retrieval pipeline.
func (w *Workspace) Retrieve(ctx context.Context, query string, scope retrieval.Scope, opts *retrieval.Options) (*retrieval.Response, error) {
	return w.Pipeline.Retrieve(ctx, query, scope, opts)
}

// Status reports the current workspace counters.
type Status struct {
	MemoryItems           map[memory.Kind]int `json:"memory_items"`
	KnowledgeEntries      int                 `json:"knowledge_entries"`
	StorePath             string              `json:"store_path"`
	EmbeddingCacheHitRate *float64            `json:"embedding_cache_hit_rate,omitempty"`
	LastSweep             *time.Time          `json:"last_sweep,omitempty"`
}

// Status returns current workspace counters.
func (w *Workspace) Status(ctx context.Context) (*Status, error) {
	counts, err := w.Memory.Counts(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := w.Knowledge.Count(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{
		MemoryItems:      counts,
		KnowledgeEntries: entries,
		StorePath:        w.Store.Path(),
	}
	if w.embedder != nil {
		rate := w.embedder.HitRate()
		status.EmbeddingCacheHitRate = &rate
	}
	if w.sweeper != nil {
		if last, _ := w.sweeper.LastRun(); !last.IsZero() {
			status.LastSweep = &last
		}
	}
	return status, nil
}

// Close stops background work and closes the store.
func (w *Workspace) Close() error {
	if w.watcher != nil {
		if err := w.watcher.Stop(); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to stop notes watcher")
		}
	}
	if w.sweeper != nil {
		w.sweeper.Stop()
	}
	if w.embedder != nil {
		w.embedder.Close()
	}
	err := w.Store.Close()
	if w.tracing {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if terr := tracing.Shutdown(ctx); terr != nil {
			w.logger.Warn().Err(terr).Msg("Failed to shut down tracing")
		}
		cancel()
	}
	if w.logOwner != nil {
		if lerr := w.logOwner.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}

func buildEmbedder(cfg *config.Config, logger zerolog.Logger) (*embedding.CachedProvider, error) {
	var inner embedding.Provider
	switch cfg.Embedding.Provider {
	case "openai":
		inner = embedding.NewOpenAIProvider(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimension)
	case "ollama":
		inner = embedding.NewOllamaProvider(cfg.Embedding.BaseURL, cfg.Embedding.Model, cfg.Embedding.Dimension)
	case "hash":
		inner = embedding.NewHashProvider(cfg.Embedding.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}
	return embedding.NewCachedProvider(inner, int64(cfg.Embedding.CacheEntries), logger)
}

func buildReranker(cfg *config.Config, logger zerolog.Logger) retrieval.Reranker {
	if !cfg.Retrieval.EnableRerank {
		return nil
	}
	if cfg.Rerank.Provider == "anthropic" {
		return retrieval.NewLLMReranker(cfg.Rerank.APIKey, cfg.Rerank.Model, logger)
	}
	return retrieval.HeuristicReranker{}
}
