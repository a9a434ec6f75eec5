package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashProvider is a fully offline Provider that projects token counts into a
// fixed-size vector (feature hashing). Texts sharing tokens land near each
// other under cosine similarity, which is enough for offline use and for
// deterministic tests. No external calls, never fails.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hash-based embedding provider.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = 384
	}
	return &HashProvider{dimension: dimension}
}

func (p *HashProvider) Name() string {
	return "hash"
}

func (p *HashProvider) Dimension() int {
	return p.dimension
}

func (p *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dimension)

	for _, token := range strings.Fields(strings.ToLower(Normalize(text))) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()

		bucket := int(sum % uint64(p.dimension))
		// Half the tokens contribute negatively so vectors spread over the
		// full sphere instead of clustering in the positive orthant
		sign := float32(1)
		if (sum>>32)&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}

	return l2Normalize(vec), nil
}

func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = vec
	}
	return embeddings, nil
}

func l2Normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}

	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
