package embedding

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"github.com/harun/mnemo/internal/observability"
	"github.com/rs/zerolog"
)

// CachedProvider wraps a Provider with an in-process cache keyed by the
// content hash of the normalized input. The cache is bounded by entry count,
// not time: embeddings for unchanged text never go stale. Shared safely
// across concurrent pipeline runs.
type CachedProvider struct {
	inner  Provider
	cache  *ristretto.Cache
	logger zerolog.Logger
}

// NewCachedProvider wraps inner with a cache holding at most maxEntries
// embeddings.
func NewCachedProvider(inner Provider, maxEntries int64, logger zerolog.Logger) (*CachedProvider, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}

	return &CachedProvider{
		inner:  inner,
		cache:  cache,
		logger: logger,
	}, nil
}

func (p *CachedProvider) Name() string {
	return p.inner.Name()
}

func (p *CachedProvider) Dimension() int {
	return p.inner.Dimension()
}

func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := ContentHash(text)

	if cached, ok := p.cache.Get(key); ok {
		if vec, ok := cached.([]float32); ok {
			observability.RecordEmbeddingCacheHit()
			return vec, nil
		}
	}
	observability.RecordEmbeddingCacheMiss()

	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	p.cache.Set(key, vec, 1)
	return vec, nil
}

// EmbedBatch serves cached entries locally and forwards only the misses to
// the inner provider, preserving input order.
func (p *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	var missTexts []string
	var missIndices []int
	for i, text := range texts {
		if cached, ok := p.cache.Get(ContentHash(text)); ok {
			if vec, ok := cached.([]float32); ok {
				observability.RecordEmbeddingCacheHit()
				results[i] = vec
				continue
			}
		}
		observability.RecordEmbeddingCacheMiss()
		missTexts = append(missTexts, text)
		missIndices = append(missIndices, i)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	vecs, err := p.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		// Re-map inner batch failure indices onto the caller's index space
		var batchErr *BatchError
		if be, ok := err.(*BatchError); ok {
			batchErr = &BatchError{Cause: be.Cause}
			failedSet := make(map[int]bool, len(be.FailedIndices))
			for _, idx := range be.FailedIndices {
				failedSet[idx] = true
			}
			for j, origIdx := range missIndices {
				if failedSet[j] {
					batchErr.FailedIndices = append(batchErr.FailedIndices, origIdx)
					continue
				}
				if j < len(vecs) && vecs[j] != nil {
					results[origIdx] = vecs[j]
					p.cache.Set(ContentHash(missTexts[j]), vecs[j], 1)
				}
			}
			return results, batchErr
		}
		return results, err
	}

	for j, origIdx := range missIndices {
		results[origIdx] = vecs[j]
		p.cache.Set(ContentHash(missTexts[j]), vecs[j], 1)
	}

	return results, nil
}

// HitRate reports the cache hit ratio since startup.
func (p *CachedProvider) HitRate() float64 {
	return p.cache.Metrics.Ratio()
}

// Wait blocks until pending cache writes are applied. Test helper.
func (p *CachedProvider) Wait() {
	p.cache.Wait()
}

// Close releases the cache.
func (p *CachedProvider) Close() {
	p.cache.Close()
}
