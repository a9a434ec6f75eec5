package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/mnemo/internal/observability"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

const (
	// busyRetries bounds the write-acquisition retry loop; after the budget
	// is exhausted the caller gets ErrConflict instead of an indefinite wait.
	busyRetries   = 5
	busyBaseDelay = 10 * time.Millisecond
)

// Store is the durable, per-workspace SQLite store. One Store instance owns
// one workspace file; stores are never joined across workspaces.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// Open opens the workspace store at path, creating the file and applying any
// pending schema migrations idempotently. Safe to call on an existing store.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	observability.EnsureRegistered()

	if path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrOpen)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}

	db, err := sql.Open("sqlite3", path+"?_fts5=1&_foreign_keys=1&_busy_timeout=250")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}

	// WAL keeps readers unblocked while a writer holds its transaction
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, classify(err)
	}

	s := &Store{
		db:     db,
		path:   path,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().Str("path", path).Msg("Workspace store opened")
	return s, nil
}

// Path returns the on-disk location of the store file.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying handle for read queries. Mutations should go
// through WithTx so they inherit retry and rollback behavior.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and fully rolled back otherwise; no partial writes survive.
// Transient lock contention is retried with exponential backoff before
// surfacing ErrConflict.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(time.Since(start))
	}()

	var lastErr error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			delay := busyBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
		s.logger.Debug().Int("attempt", attempt+1).Msg("Write conflict, retrying")
	}

	return lastErr
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}

	return nil
}

// QueryRow wraps a single-row read, classifying driver errors.
func (s *Store) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(dest...); err != nil {
		return classify(err)
	}
	return nil
}

// EnsureVectorTable creates the vec0 virtual table for embeddings. The
// dimension comes from the configured provider, so the table is created
// lazily rather than in the base schema.
func (s *Store) EnsureVectorTable(dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension: %d", dimension)
	}

	schema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
			item_key TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, dimension)

	if _, err := s.db.Exec(schema); err != nil {
		return classify(fmt.Errorf("failed to create vector table: %w", err))
	}

	return nil
}

// Close closes the store handle.
func (s *Store) Close() error {
	s.logger.Info().Str("path", s.path).Msg("Workspace store closed")
	return s.db.Close()
}
