package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mnemo/pkg/embedding"
	"github.com/harun/mnemo/pkg/memory"
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

func TestCreate_AndGet(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	entry, err := mgr.Create(ctx, "alex", Draft{
		Title:    "JWT validation",
		Content:  "Always verify the signature before trusting claims.",
		Tags:     []string{"auth", "security"},
		FileRefs: []string{"internal/auth/jwt.go"},
	})
	require.NoError(t, err)
	assert.True(t, entry.IsActive)
	assert.Equal(t, "alex", entry.CreatedBy)

	got, err := mgr.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Title, got.Title)
	assert.Equal(t, []string{"auth", "security"}, got.Tags)
	assert.Equal(t, []string{"internal/auth/jwt.go"}, got.FileRefs)
}

func TestCreate_Validation(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		draft Draft
	}{
		{"empty title", Draft{Content: "x"}},
		{"empty content", Draft{Title: "x"}},
		{"duplicate tags", Draft{Title: "x", Content: "y", Tags: []string{"a", "a"}}},
		{"empty tag", Draft{Title: "x", Content: "y", Tags: []string{""}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mgr.Create(ctx, "alex", tc.draft)
			assert.True(t, memory.IsValidation(err))
		})
	}
}

func TestSearchFulltext_FindsAndRanks(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "alex", Draft{
		Title:   "JWT validation rules",
		Content: "JWT tokens must be validated: check signature, expiry, and issuer on every JWT.",
		Tags:    []string{"auth"},
	})
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "alex", Draft{
		Title:   "Deployment checklist",
		Content: "Run migrations before rolling pods. Mentions token refresh once.",
	})
	require.NoError(t, err)

	hits, err := mgr.SearchFulltext(ctx, "jwt validation", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "JWT validation rules", hits[0].Entry.Title)
}

func TestSearchFulltext_ExcludesInactive(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	entry, err := mgr.Create(ctx, "alex", Draft{
		Title: "Retired advice", Content: "use the legacy endpoint for uploads",
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Deactivate(ctx, entry.ID))

	hits, err := mgr.SearchFulltext(ctx, "legacy endpoint", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// reactivation brings it back without a rewrite
	require.NoError(t, mgr.SetActive(ctx, entry.ID, true))
	hits, err = mgr.SearchFulltext(ctx, "legacy endpoint", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSearchFulltext_QuotedPunctuation(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Create(ctx, "alex", Draft{
		Title: "Quoting", Content: "plain content here",
	})
	require.NoError(t, err)

	// punctuation in the query must not break the MATCH grammar
	_, err = mgr.SearchFulltext(ctx, `"unbalanced (parens`, 10)
	assert.NoError(t, err)
}

func TestUpdate_RewritesFTS(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	entry, err := mgr.Create(ctx, "alex", Draft{
		Title: "Original", Content: "content about databases",
	})
	require.NoError(t, err)

	_, err = mgr.Update(ctx, entry.ID, Draft{
		Title: "Rewritten", Content: "content about kubernetes scheduling",
	})
	require.NoError(t, err)

	hits, err := mgr.SearchFulltext(ctx, "kubernetes", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "Rewritten", hits[0].Entry.Title)

	hits, err = mgr.SearchFulltext(ctx, "databases", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestGet_NotFound(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCount_ActiveOnly(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	a, err := mgr.Create(ctx, "alex", Draft{Title: "a", Content: "one"})
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "alex", Draft{Title: "b", Content: "two"})
	require.NoError(t, err)
	require.NoError(t, mgr.Deactivate(ctx, a.ID))

	n, err := mgr.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
