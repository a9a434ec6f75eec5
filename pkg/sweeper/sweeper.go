package sweeper

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/pkg/embedding"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/store"
)

const backfillBatch = 64

// Config wires a Sweeper.
type Config struct {
	Store    *store.Store
	Memory   *memory.Manager
	Embedder embedding.Provider // optional, disables backfill when nil
	Logger   zerolog.Logger

	// Schedule is a standard five-field cron expression.
	Schedule string
	// WorkingStaleness ages out unpinned working items; zero disables.
	WorkingStaleness time.Duration
	// SweepTimeout bounds one sweep run.
	SweepTimeout time.Duration
}

// Sweeper runs the periodic lifecycle pass: short-term expiry, working
// staleness cleanup, and vector backfill for items that missed their
// embedding. A failed pass only logs; the next tick retries.
type Sweeper struct {
	cron     *cron.Cron
	store    *store.Store
	memory   *memory.Manager
	embedder embedding.Provider
	logger   zerolog.Logger

	staleness time.Duration
	timeout   time.Duration

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// New creates a sweeper on cfg.Schedule. Start must be called to begin
// ticking.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Store == nil || cfg.Memory == nil {
		return nil, fmt.Errorf("store and memory manager are required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "*/5 * * * *"
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = time.Minute
	}

	observability.EnsureRegistered()

	s := &Sweeper{
		cron:      cron.New(),
		store:     cfg.Store,
		memory:    cfg.Memory,
		embedder:  cfg.Embedder,
		logger:    cfg.Logger,
		staleness: cfg.WorkingStaleness,
		timeout:   cfg.SweepTimeout,
	}

	if _, err := s.cron.AddFunc(cfg.Schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}

	return s, nil
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Msg("Sweeper started")
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Sweeper stopped")
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Sweep failed, will retry next tick")
	}
}

// LastRun reports when the most recent sweep finished, zero if none ran yet.
func (s *Sweeper) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

// RunOnce executes one full sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	start := time.Now()
	defer func() {
		observability.RecordSweep(time.Since(start))
	}()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	expired, err := s.memory.ExpireShort(ctx)
	keep(err)

	var stale int
	if s.staleness > 0 {
		stale, err = s.memory.CleanupWorking(ctx, s.staleness)
		keep(err)
	}

	backfilled, err := s.backfillVectors(ctx)
	keep(err)

	if _, err := s.memory.Counts(ctx); err != nil {
		keep(err)
	}

	s.logger.Info().
		Int("expired", expired).
		Int("stale_working", stale).
		Int("backfilled", backfilled).
		Dur("elapsed", time.Since(start)).
		Msg("Sweep completed")

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErr = firstErr
	s.mu.Unlock()

	return firstErr
}

// backfillVectors embeds items that have no row in the vector table yet:
// knowledge entries whose best-effort embed failed at write time, and
// long-term items promoted while no provider was configured.
func (s *Sweeper) backfillVectors(ctx context.Context) (int, error) {
	if s.embedder == nil {
		return 0, nil
	}

	pending, err := s.collectMissing(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.text
	}

	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	var batchErr *embedding.BatchError
	if err != nil && !errors.As(err, &batchErr) {
		return 0, fmt.Errorf("backfill embedding failed: %w", err)
	}

	stored := 0
	storeErr := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		for i, p := range pending {
			if i >= len(vecs) || vecs[i] == nil {
				continue
			}
			data, err := json.Marshal(vecs[i])
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO embeddings (item_key, embedding) VALUES (?, ?)",
				p.key, string(data),
			); err != nil {
				return err
			}
			stored++
		}
		return nil
	})
	if storeErr != nil {
		return 0, storeErr
	}

	if batchErr != nil {
		s.logger.Warn().
			Int("failed", len(batchErr.FailedIndices)).
			Msg("Partial backfill, remainder retried next sweep")
	}
	return stored, nil
}

type pendingItem struct {
	key  string
	text string
}

func (s *Sweeper) collectMissing(ctx context.Context) ([]pendingItem, error) {
	var pending []pendingItem

	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT 'knowledge:' || id, title || char(10) || content
		FROM knowledge
		WHERE is_active = 1
		  AND NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.item_key = 'knowledge:' || knowledge.id)
		LIMIT ?`, backfillBatch)
	if err != nil {
		return nil, err
	}
	if pending, err = appendPending(pending, rows); err != nil {
		return nil, err
	}

	rows, err = s.store.DB().QueryContext(ctx, `
		SELECT 'long_term:' || id, content
		FROM long_term
		WHERE NOT EXISTS (SELECT 1 FROM embeddings e WHERE e.item_key = 'long_term:' || long_term.id)
		LIMIT ?`, backfillBatch)
	if err != nil {
		return nil, err
	}
	return appendPending(pending, rows)
}

func appendPending(pending []pendingItem, rows *sql.Rows) ([]pendingItem, error) {
	defer rows.Close()
	for rows.Next() {
		var p pendingItem
		if err := rows.Scan(&p.key, &p.text); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}
