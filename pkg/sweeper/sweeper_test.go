package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mnemo/pkg/embedding"
	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/store"
)

type fixture struct {
	store     *store.Store
	memory    *memory.Manager
	knowledge *knowledge.Manager
	logger    zerolog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	st, err := store.Open(filepath.Join(t.TempDir(), "mnemo.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureVectorTable(64))

	return &fixture{
		store:     st,
		memory:    memory.NewManager(st, embedding.NewHashProvider(64), logger),
		knowledge: knowledge.NewManager(st, embedding.NewHashProvider(64), logger),
		logger:    logger,
	}
}

func newSweeper(t *testing.T, f *fixture, embedder embedding.Provider, staleness time.Duration) *Sweeper {
	t.Helper()
	s, err := New(Config{
		Store:            f.store,
		Memory:           f.memory,
		Embedder:         embedder,
		Logger:           f.logger,
		WorkingStaleness: staleness,
	})
	require.NoError(t, err)
	return s
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	f := newFixture(t)

	_, err := New(Config{
		Store:    f.store,
		Memory:   f.memory,
		Logger:   f.logger,
		Schedule: "not a cron expr",
	})
	assert.Error(t, err)
}

func TestRunOnce_ExpiresShortTerm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, err := f.memory.AppendShort(ctx, "sess-1", memory.ShortTermEntry{
		Role: "user", Content: "gone soon", ExpiresAt: &past,
	})
	require.NoError(t, err)
	_, err = f.memory.AppendShort(ctx, "sess-1", memory.ShortTermEntry{
		Role: "user", Content: "stays",
	})
	require.NoError(t, err)

	s := newSweeper(t, f, nil, 0)
	require.NoError(t, s.RunOnce(ctx))

	entries, err := f.memory.ListShort(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "stays", entries[0].Content)
}

func TestRunOnce_CleansStaleWorkingButKeepsPinned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	pinned, err := f.memory.PinWorking(ctx, "job-1", memory.WorkingMemoryItem{
		Content: "pinned forever", CreatedAt: old, UpdatedAt: old,
	})
	require.NoError(t, err)
	_, err = f.memory.AddWorking(ctx, "job-1", memory.WorkingMemoryItem{
		Content: "stale scratch", CreatedAt: old, UpdatedAt: old,
	})
	require.NoError(t, err)

	s := newSweeper(t, f, nil, 24*time.Hour)
	require.NoError(t, s.RunOnce(ctx))

	items, err := f.memory.ListWorking(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, pinned.ID, items[0].ID)
}

func TestRunOnce_BackfillsMissingVectors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// created through a manager with no embedder, so no vector was written
	bare := knowledge.NewManager(f.store, nil, f.logger)
	entry, err := bare.Create(ctx, "alex", knowledge.Draft{
		Title: "Backfill target", Content: "this entry is waiting for a vector",
	})
	require.NoError(t, err)

	key := memory.Ref{Kind: memory.KindKnowledge, ID: entry.ID}.Key()
	assert.Zero(t, vectorCount(t, f.store, key))

	s := newSweeper(t, f, embedding.NewHashProvider(64), 0)
	require.NoError(t, s.RunOnce(ctx))

	assert.Equal(t, 1, vectorCount(t, f.store, key))
}

func TestRunOnce_NoEmbedderSkipsBackfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bare := knowledge.NewManager(f.store, nil, f.logger)
	_, err := bare.Create(ctx, "alex", knowledge.Draft{Title: "x", Content: "y"})
	require.NoError(t, err)

	s := newSweeper(t, f, nil, 0)
	assert.NoError(t, s.RunOnce(ctx))
}

func vectorCount(t *testing.T, st *store.Store, key string) int {
	t.Helper()
	var n int
	err := st.DB().QueryRow("SELECT COUNT(*) FROM embeddings WHERE item_key = ?", key).Scan(&n)
	require.NoError(t, err)
	return n
}
