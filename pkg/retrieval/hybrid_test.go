package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/harun/mnemo/pkg/memory"
)

func kwHit(id string, score float64) keywordHit {
	return keywordHit{
		cand:  candidate{Ref: memory.Ref{Kind: memory.KindKnowledge, ID: id}, Active: true},
		score: score,
	}
}

func vecHit(id string, similarity float64) vectorHit {
	return vectorHit{
		cand:       candidate{Ref: memory.Ref{Kind: memory.KindKnowledge, ID: id}, Active: true},
		similarity: similarity,
	}
}

func TestMerge_CombinesBothComponents(t *testing.T) {
	results := merge(
		[]vectorHit{vecHit("both", 0.8), vecHit("vec-only", 0.9)},
		[]keywordHit{kwHit("both", 2.0), kwHit("kw-only", 1.0)},
		0.4, 0.6,
	)

	byID := make(map[string]Result)
	for _, r := range results {
		byID[r.Ref.ID] = r
	}

	both := byID["both"]
	assert.Positive(t, both.KeywordScore)
	assert.Positive(t, both.SemanticScore)
	assert.InDelta(t, both.KeywordScore*0.4+both.SemanticScore*0.6, both.Score, 1e-9)

	assert.Zero(t, byID["vec-only"].KeywordScore)
	assert.Zero(t, byID["kw-only"].SemanticScore)
}

func TestMerge_HigherComponentNeverLowersRank(t *testing.T) {
	// identical keyword scores, one item adds a semantic hit: it must not
	// rank below the keyword-only item
	results := merge(
		[]vectorHit{vecHit("a", 0.9)},
		[]keywordHit{kwHit("a", 1.0), kwHit("b", 1.0)},
		0.4, 0.6,
	)

	assert.Equal(t, "a", results[0].Ref.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestMerge_DeterministicTieBreak(t *testing.T) {
	for i := 0; i < 10; i++ {
		results := merge(nil,
			[]keywordHit{kwHit("zeta", 1.0), kwHit("alpha", 1.0), kwHit("mid", 1.0)},
			1.0, 0,
		)
		assert.Equal(t, "alpha", results[0].Ref.ID)
		assert.Equal(t, "mid", results[1].Ref.ID)
		assert.Equal(t, "zeta", results[2].Ref.ID)
	}
}

func TestMerge_Empty(t *testing.T) {
	assert.Empty(t, merge(nil, nil, 0.4, 0.6))
}

func TestTermOverlap(t *testing.T) {
	terms := queryTerms("JWT token, validation!")
	assert.Equal(t, 1.0, termOverlap(terms, "jwt token validation rules"))
	assert.Equal(t, 0.0, termOverlap(terms, "grocery list"))
	assert.InDelta(t, 1.0/3.0, termOverlap(terms, "a jwt primer"), 1e-9)
}

func TestApplyFreshness_ZeroWindowBoundary(t *testing.T) {
	now := time.Now()
	results := []Result{
		{Ref: memory.Ref{Kind: memory.KindLongTerm, ID: "at-now"}, CreatedAt: now},
		{Ref: memory.Ref{Kind: memory.KindLongTerm, ID: "older"}, CreatedAt: now.Add(-time.Nanosecond)},
	}

	kept := applyFreshness(results, 0, now)
	assert.Len(t, kept, 1)
	assert.Equal(t, "at-now", kept[0].Ref.ID)
}

func TestApplyFreshness_OnlyPinnedExempt(t *testing.T) {
	now := time.Now()
	old := now.Add(-90 * 24 * time.Hour)
	results := []Result{
		{Ref: memory.Ref{Kind: memory.KindWorking, ID: "pinned"}, CreatedAt: old, Pinned: true},
		{Ref: memory.Ref{Kind: memory.KindKnowledge, ID: "stale-kb"}, CreatedAt: old, UpdatedAt: old},
		{Ref: memory.Ref{Kind: memory.KindLongTerm, ID: "stale"}, CreatedAt: old},
	}

	kept := applyFreshness(results, 30*24*time.Hour, now)
	ids := make([]string, 0, len(kept))
	for _, r := range kept {
		ids = append(ids, r.Ref.ID)
	}
	assert.ElementsMatch(t, []string{"pinned"}, ids)
}

func TestApplyFreshness_RecentUpdateKeepsOldItem(t *testing.T) {
	now := time.Now()
	results := []Result{
		{
			Ref:       memory.Ref{Kind: memory.KindKnowledge, ID: "revised"},
			CreatedAt: now.Add(-90 * 24 * time.Hour),
			UpdatedAt: now.Add(-time.Hour),
		},
		{
			Ref:       memory.Ref{Kind: memory.KindKnowledge, ID: "untouched"},
			CreatedAt: now.Add(-90 * 24 * time.Hour),
			UpdatedAt: now.Add(-90 * 24 * time.Hour),
		},
	}

	kept := applyFreshness(results, 30*24*time.Hour, now)
	assert.Len(t, kept, 1)
	assert.Equal(t, "revised", kept[0].Ref.ID)
}

func TestApplyFreshness_NegativeWindowDisables(t *testing.T) {
	old := time.Now().Add(-365 * 24 * time.Hour)
	results := []Result{
		{Ref: memory.Ref{Kind: memory.KindLongTerm, ID: "ancient"}, CreatedAt: old},
	}

	kept := applyFreshness(results, -1, time.Now())
	assert.Len(t, kept, 1)
}
