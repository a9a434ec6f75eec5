package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "workspace.db")
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	s, err := Open(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestOpen_CreatesStoreAndSchema(t *testing.T) {
	s := openTestStore(t)

	var version string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, "1", version)

	// All core tables exist
	for _, table := range []string{"short_term", "working_memory", "long_term", "knowledge", "memory_links"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	_, err := Open("", logger)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestOpen_Idempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "workspace.db")
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	s1, err := Open(dbPath, logger)
	require.NoError(t, err)

	_, err = s1.db.Exec(
		"INSERT INTO knowledge (id, title, content, created_at, updated_at) VALUES ('k1', 't', 'c', 1, 1)",
	)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Re-opening applies no destructive migration
	s2, err := Open(dbPath, logger)
	require.NoError(t, err)
	defer s2.Close()

	var count int
	require.NoError(t, s2.db.QueryRow("SELECT COUNT(*) FROM knowledge").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestOpen_CorruptFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "workspace.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("this is not a sqlite database, padded to be long enough to fool the header check"), 0600))

	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	_, err := Open(dbPath, logger)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt) || errors.Is(err, ErrOpen), "got: %v", err)
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	s := openTestStore(t)

	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO working_memory (id, job_id, kind, content, created_at, updated_at) VALUES ('w1', 'job', 'context', 'c', 1, 1)",
		)
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM working_memory").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTx_RollsBackAllOnError(t *testing.T) {
	s := openTestStore(t)

	boom := errors.New("boom")
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO working_memory (id, job_id, kind, content, created_at, updated_at) VALUES ('w1', 'job', 'context', 'c', 1, 1)",
		); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// The successful statement before the failure must not persist
	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM working_memory").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestWithTx_ContextCancelled(t *testing.T) {
	s := openTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.WithTx(ctx, func(tx *sql.Tx) error { return nil })
	assert.Error(t, err)
}

func TestEnsureVectorTable(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.EnsureVectorTable(384))
	// Idempotent
	require.NoError(t, s.EnsureVectorTable(384))

	assert.Error(t, s.EnsureVectorTable(0))
}

func TestClassify_NotFound(t *testing.T) {
	s := openTestStore(t)

	var id string
	err := s.QueryRow(context.Background(), "SELECT id FROM knowledge WHERE id = ?", []any{"missing"}, &id)
	assert.ErrorIs(t, err, ErrNotFound)
}
