package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/mnemo/pkg/embedding"
	"github.com/harun/mnemo/pkg/memory"
)

type keywordHit struct {
	cand  candidate
	score float64
}

type vectorHit struct {
	cand       candidate
	similarity float64
}

// keywordSearch scores scoped candidates against the query terms. Knowledge
// goes through the bm25 FTS index; the memory tiers are small and scoped, so
// they get term-overlap scoring over the rows the scope admits.
func (p *Pipeline) keywordSearch(ctx context.Context, query string, scope Scope, limit int) ([]keywordHit, error) {
	var hits []keywordHit

	ftsHits, err := p.knowledge.SearchFulltext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge search failed: %w", err)
	}
	for _, h := range ftsHits {
		hits = append(hits, keywordHit{
			cand: candidate{
				Ref:       memory.Ref{Kind: memory.KindKnowledge, ID: h.Entry.ID},
				Title:     h.Entry.Title,
				Content:   h.Entry.Content,
				CreatedAt: h.Entry.CreatedAt,
				UpdatedAt: h.Entry.UpdatedAt,
				Active:    true,
			},
			score: h.Score,
		})
	}

	scoped, err := p.collectScoped(ctx, scope, limit)
	if err != nil {
		return nil, err
	}

	terms := queryTerms(query)
	for _, c := range scoped {
		if score := termOverlap(terms, c.Content); score > 0 {
			hits = append(hits, keywordHit{cand: c, score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].cand.Ref.Key() < hits[j].cand.Ref.Key()
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// vectorSearch embeds the query and ranks the vector table by cosine
// distance, then resolves each key against the scope. Out-of-scope, expired,
// and inactive hits are discarded after the ANN pass, which is why the raw
// limit is oversampled.
func (p *Pipeline) vectorSearch(ctx context.Context, query string, scope Scope, limit int) ([]vectorHit, error) {
	if p.embedder == nil {
		return nil, embedding.ErrUnavailable
	}

	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}
	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query embedding: %w", err)
	}

	rows, err := p.store.DB().QueryContext(ctx, `
		SELECT item_key, vec_distance_cosine(embedding, ?) AS distance
		FROM embeddings
		ORDER BY distance ASC
		LIMIT ?`,
		string(vecJSON), limit*4,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var key string
		var distance float64
		if err := rows.Scan(&key, &distance); err != nil {
			return nil, err
		}

		ref, err := memory.ParseKey(key)
		if err != nil {
			p.logger.Warn().Str("key", key).Msg("Malformed vector key")
			continue
		}

		cand, err := p.resolveRef(ctx, scope, ref)
		if err != nil {
			return nil, err
		}
		if cand == nil {
			continue
		}

		hits = append(hits, vectorHit{cand: *cand, similarity: 1.0 - distance})
		if len(hits) >= limit {
			break
		}
	}
	return hits, rows.Err()
}

// merge normalizes each side to [0,1] and combines them with the configured
// weights. An item found by only one side keeps just that component. Ties
// break on the item key so ranking is deterministic.
func merge(vectorHits []vectorHit, keywordHits []keywordHit, keywordWeight, semanticWeight float64) []Result {
	byKey := make(map[string]*Result)

	var maxKeyword float64
	for _, h := range keywordHits {
		if h.score > maxKeyword {
			maxKeyword = h.score
		}
	}

	for _, h := range keywordHits {
		r := resultFromCandidate(h.cand)
		if maxKeyword > 0 {
			r.KeywordScore = h.score / maxKeyword
		}
		byKey[h.cand.Ref.Key()] = r
	}

	for _, h := range vectorHits {
		// map similarity [-1,1] to [0,1]
		normalized := (h.similarity + 1) / 2
		if existing, ok := byKey[h.cand.Ref.Key()]; ok {
			existing.SemanticScore = normalized
			continue
		}
		r := resultFromCandidate(h.cand)
		r.SemanticScore = normalized
		byKey[h.cand.Ref.Key()] = r
	}

	results := make([]Result, 0, len(byKey))
	for _, r := range byKey {
		r.Score = r.KeywordScore*keywordWeight + r.SemanticScore*semanticWeight
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Ref.Key() < results[j].Ref.Key()
	})
	return results
}

func resultFromCandidate(c candidate) *Result {
	return &Result{
		Ref:        c.Ref,
		Content:    c.Content,
		Title:      c.Title,
		Pinned:     c.Pinned,
		Confidence: c.Confidence,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, strings.Trim(f, `.,;:!?"'()[]`))
	}
	return terms
}

// termOverlap returns the fraction of query terms present in content.
func termOverlap(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, term := range terms {
		if term != "" && strings.Contains(lower, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
