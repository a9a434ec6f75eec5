package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/mnemo/pkg/store"
)

func seedLong(t *testing.T, mgr *Manager, content string) Ref {
	t.Helper()
	ctx := context.Background()

	entry, err := mgr.AppendShort(ctx, "sess-seed", ShortTermEntry{Role: "user", Content: content})
	require.NoError(t, err)
	item, err := mgr.PromoteToLong(ctx, Ref{Kind: KindShortTerm, ID: entry.ID}, PromoteOptions{})
	require.NoError(t, err)
	return Ref{Kind: KindLongTerm, ID: item.ID}
}

func TestLink_AndList(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	a := seedLong(t, mgr, "item a")
	b := seedLong(t, mgr, "item b")

	link, err := mgr.Link(ctx, a, b, RelRelatedTo)
	require.NoError(t, err)
	assert.NotEmpty(t, link.ID)

	links, err := mgr.Links(ctx, a)
	require.NoError(t, err)

	// promotion already created a derived_from link
	var found bool
	for _, l := range links {
		if l.Rel == RelRelatedTo && l.To == b {
			found = true
		}
	}
	assert.True(t, found)
}

func TestLink_Validation(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	a := seedLong(t, mgr, "item a")

	_, err := mgr.Link(ctx, a, a, RelRelatedTo)
	assert.True(t, IsValidation(err))

	_, err = mgr.Link(ctx, a, Ref{Kind: KindLongTerm, ID: "missing"}, RelRelatedTo)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = mgr.Link(ctx, a, a, Relation("bogus"))
	assert.True(t, IsValidation(err))
}

func TestUnlink(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	a := seedLong(t, mgr, "item a")
	b := seedLong(t, mgr, "item b")

	link, err := mgr.Link(ctx, a, b, RelSupersedes)
	require.NoError(t, err)

	require.NoError(t, mgr.Unlink(ctx, link.ID))
	err = mgr.Unlink(ctx, link.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTraverse_DepthBounded(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	a := seedLong(t, mgr, "hop zero")
	b := seedLong(t, mgr, "hop one")
	c := seedLong(t, mgr, "hop two")

	_, err := mgr.Link(ctx, a, b, RelRelatedTo)
	require.NoError(t, err)
	_, err = mgr.Link(ctx, b, c, RelRelatedTo)
	require.NoError(t, err)

	oneHop, err := mgr.Traverse(ctx, a, 1)
	require.NoError(t, err)
	assert.Contains(t, oneHop, b)
	assert.NotContains(t, oneHop, c)

	twoHops, err := mgr.Traverse(ctx, a, 2)
	require.NoError(t, err)
	assert.Contains(t, twoHops, b)
	assert.Contains(t, twoHops, c)
}

func TestTraverse_CycleSafe(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	a := seedLong(t, mgr, "cycle a")
	b := seedLong(t, mgr, "cycle b")

	_, err := mgr.Link(ctx, a, b, RelRelatedTo)
	require.NoError(t, err)
	_, err = mgr.Link(ctx, b, a, RelRelatedTo)
	require.NoError(t, err)

	reached, err := mgr.Traverse(ctx, a, 10)
	require.NoError(t, err)

	// a is the start and must not reappear; b exactly once
	assert.NotContains(t, reached, a)
	count := 0
	for _, ref := range reached {
		if ref == b {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestTraverse_ZeroDepth(t *testing.T) {
	mgr := newTestManager(t)

	a := seedLong(t, mgr, "lonely")
	reached, err := mgr.Traverse(context.Background(), a, 0)
	require.NoError(t, err)
	assert.Empty(t, reached)
}
