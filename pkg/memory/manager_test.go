package memory

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
	"github.com/harun/mnemo/pkg/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	st, err := store.Open(filepath.Join(t.TempDir(), "mnemo.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.EnsureVectorTable(64))

	return NewManager(st, embedding.NewHashProvider(64), logger)
}

func TestAppendShort_AndList(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.AppendShort(ctx, "sess-1", ShortTermEntry{
		Role: "user", Content: "how do I rotate the signing key", TokenCount: 8,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	_, err = mgr.AppendShort(ctx, "sess-1", ShortTermEntry{
		Role: "assistant", Content: "use the rotate subcommand",
		CreatedAt: first.CreatedAt.Add(time.Second),
	})
	require.NoError(t, err)

	_, err = mgr.AppendShort(ctx, "sess-2", ShortTermEntry{Role: "user", Content: "other session"})
	require.NoError(t, err)

	entries, err := mgr.ListShort(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user", entries[0].Role)
	assert.Equal(t, "assistant", entries[1].Role)
}

func TestAppendShort_Validation(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		session string
		entry   ShortTermEntry
	}{
		{"empty session", "", ShortTermEntry{Role: "user", Content: "x"}},
		{"empty role", "s", ShortTermEntry{Content: "x"}},
		{"empty content", "s", ShortTermEntry{Role: "user"}},
		{"negative tokens", "s", ShortTermEntry{Role: "user", Content: "x", TokenCount: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mgr.AppendShort(ctx, tc.session, tc.entry)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestListShort_ExcludesExpired(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	_, err := mgr.AppendShort(ctx, "sess-1", ShortTermEntry{
		Role: "user", Content: "already gone", ExpiresAt: &past,
	})
	require.NoError(t, err)
	_, err = mgr.AppendShort(ctx, "sess-1", ShortTermEntry{
		Role: "user", Content: "still here", ExpiresAt: &future,
	})
	require.NoError(t, err)
	_, err = mgr.AppendShort(ctx, "sess-1", ShortTermEntry{
		Role: "user", Content: "never expires",
	})
	require.NoError(t, err)

	entries, err := mgr.ListShort(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotEqual(t, "already gone", e.Content)
	}
}

func TestExpireShort_RemovesOnlyExpired(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	for _, exp := range []*time.Time{&past, &future, nil} {
		_, err := mgr.AppendShort(ctx, "sess-1", ShortTermEntry{
			Role: "user", Content: "entry", ExpiresAt: exp,
		})
		require.NoError(t, err)
	}

	removed, err := mgr.ExpireShort(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := mgr.ListShort(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDeleteSession(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := mgr.AppendShort(ctx, "sess-1", ShortTermEntry{Role: "user", Content: "x"})
		require.NoError(t, err)
	}

	removed, err := mgr.DeleteSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err := mgr.ListShort(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWorking_PinAndCleanupLifecycle(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	pinned, err := mgr.PinWorking(ctx, "job-1", WorkingMemoryItem{
		Kind: WorkingDecision, Content: "use sqlite for persistence", Priority: 5,
	})
	require.NoError(t, err)
	assert.True(t, pinned.Pinned)

	stale, err := mgr.AddWorking(ctx, "job-1", WorkingMemoryItem{
		Kind: WorkingContext, Content: "scratch note",
		CreatedAt: time.Now().Add(-72 * time.Hour),
		UpdatedAt: time.Now().Add(-72 * time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, stale.Pinned)

	removed, err := mgr.CleanupWorking(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	items, err := mgr.ListWorking(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, pinned.ID, items[0].ID)
}

func TestWorking_PinnedSurvivesCleanupRegardlessOfAge(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	old := time.Now().Add(-30 * 24 * time.Hour)
	item, err := mgr.PinWorking(ctx, "job-1", WorkingMemoryItem{
		Content: "ancient but pinned", CreatedAt: old, UpdatedAt: old,
	})
	require.NoError(t, err)

	removed, err := mgr.CleanupWorking(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	items, err := mgr.ListWorking(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
}

func TestUnpinWorking_RemovesItem(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	item, err := mgr.PinWorking(ctx, "job-1", WorkingMemoryItem{Content: "temp"})
	require.NoError(t, err)

	require.NoError(t, mgr.UnpinWorking(ctx, item.ID))

	items, err := mgr.ListWorking(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, items)

	err = mgr.UnpinWorking(ctx, item.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListWorking_PriorityOrder(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.AddWorking(ctx, "job-1", WorkingMemoryItem{Content: "low", Priority: 1})
	require.NoError(t, err)
	_, err = mgr.AddWorking(ctx, "job-1", WorkingMemoryItem{Content: "high", Priority: 9})
	require.NoError(t, err)

	items, err := mgr.ListWorking(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "high", items[0].Content)
}

func TestSetWorkingPriorityAndPinned(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	item, err := mgr.AddWorking(ctx, "job-1", WorkingMemoryItem{Content: "x"})
	require.NoError(t, err)

	require.NoError(t, mgr.SetWorkingPriority(ctx, item.ID, 7))
	require.NoError(t, mgr.SetWorkingPinned(ctx, item.ID, true))

	items, err := mgr.ListWorking(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 7, items[0].Priority)
	assert.True(t, items[0].Pinned)

	err = mgr.SetWorkingPriority(ctx, "missing", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPromoteToLong_Idempotent(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	entry, err := mgr.AppendShort(ctx, "sess-1", ShortTermEntry{
		Role: "assistant", Content: "decided to use JWT for auth",
	})
	require.NoError(t, err)
	src := Ref{Kind: KindShortTerm, ID: entry.ID}

	first, err := mgr.PromoteToLong(ctx, src, PromoteOptions{Category: CategoryDecision, Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, CategoryDecision, first.Category)
	assert.Equal(t, entry.Content, first.Content)

	second, err := mgr.PromoteToLong(ctx, src, PromoteOptions{Category: CategoryDecision, Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	forced, err := mgr.PromoteToLong(ctx, src, PromoteOptions{Category: CategoryDecision, Confidence: 0.9, Force: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, forced.ID)
}

func TestPromoteToLong_MoveDeletesSource(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	item, err := mgr.AddWorking(ctx, "job-1", WorkingMemoryItem{
		Kind: WorkingDecision, Content: "always batch writes",
	})
	require.NoError(t, err)

	promoted, err := mgr.PromoteToLong(ctx, Ref{Kind: KindWorking, ID: item.ID}, PromoteOptions{Move: true})
	require.NoError(t, err)
	assert.Equal(t, item.Content, promoted.Content)

	items, err := mgr.ListWorking(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPromoteToLong_RecordsProvenanceLink(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	entry, err := mgr.AppendShort(ctx, "sess-1", ShortTermEntry{Role: "user", Content: "promote me"})
	require.NoError(t, err)

	promoted, err := mgr.PromoteToLong(ctx, Ref{Kind: KindShortTerm, ID: entry.ID}, PromoteOptions{})
	require.NoError(t, err)

	links, err := mgr.Links(ctx, Ref{Kind: KindLongTerm, ID: promoted.ID})
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, RelDerivedFrom, links[0].Rel)
	assert.Equal(t, entry.ID, links[0].To.ID)
}

func TestPromoteToLong_EmbeddingFailureAborts(t *testing.T) {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	st, err := store.Open(filepath.Join(t.TempDir(), "mnemo.db"), logger)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.EnsureVectorTable(64))

	mgr := NewManager(st, failingProvider{}, logger)
	ctx := context.Background()

	entry, err := mgr.AppendShort(ctx, "sess-1", ShortTermEntry{Role: "user", Content: "x"})
	require.NoError(t, err)

	_, err = mgr.PromoteToLong(ctx, Ref{Kind: KindShortTerm, ID: entry.ID}, PromoteOptions{})
	require.ErrorIs(t, err, embedding.ErrUnavailable)

	// nothing was written
	_, err = mgr.longBySource(ctx, Ref{Kind: KindShortTerm, ID: entry.ID})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPromoteToLong_Validation(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.PromoteToLong(ctx, Ref{Kind: KindShortTerm, ID: "x"}, PromoteOptions{Category: "bogus"})
	assert.True(t, IsValidation(err))

	_, err = mgr.PromoteToLong(ctx, Ref{Kind: KindShortTerm, ID: "x"}, PromoteOptions{Confidence: 1.5})
	assert.True(t, IsValidation(err))

	_, err = mgr.PromoteToLong(ctx, Ref{Kind: KindLongTerm, ID: "x"}, PromoteOptions{})
	assert.True(t, IsValidation(err))

	_, err = mgr.PromoteToLong(ctx, Ref{Kind: KindShortTerm, ID: "missing"}, PromoteOptions{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTouchLong_IncrementsAccessCount(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	entry, err := mgr.AppendShort(ctx, "sess-1", ShortTermEntry{Role: "user", Content: "touch me"})
	require.NoError(t, err)
	item, err := mgr.PromoteToLong(ctx, Ref{Kind: KindShortTerm, ID: entry.ID}, PromoteOptions{})
	require.NoError(t, err)

	require.NoError(t, mgr.TouchLong(ctx, []string{item.ID}))
	require.NoError(t, mgr.TouchLong(ctx, []string{item.ID}))

	got, err := mgr.GetLong(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
}

func TestCounts(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.AppendShort(ctx, "sess-1", ShortTermEntry{Role: "user", Content: "a"})
	require.NoError(t, err)
	_, err = mgr.AddWorking(ctx, "job-1", WorkingMemoryItem{Content: "b"})
	require.NoError(t, err)

	counts, err := mgr.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[KindShortTerm])
	assert.Equal(t, 1, counts[KindWorking])
	assert.Equal(t, 0, counts[KindLongTerm])
}

// failingProvider always reports the upstream as unreachable
type failingProvider struct{}

func (failingProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, embedding.ErrUnavailable
}

func (failingProvider) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, embedding.ErrUnavailable
}

func (failingProvider) Dimension() int { return 64 }
func (failingProvider) Name() string   { return "failing" }
