package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Provider generates vector embeddings from text. Implementations are
// selected by configuration; callers depend only on this interface.
type Provider interface {
	// Embed returns the embedding for one text. Deterministic for identical
	// normalized input.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns embeddings in input order. On partial failure it
	// returns a *BatchError naming the failed indices; successful positions
	// in the result slice are still populated.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the fixed output vector length.
	Dimension() int
	// Name identifies the provider in logs and metrics.
	Name() string
}

// Provider failure taxonomy. The retrieval pipeline recovers from these by
// degrading to keyword-only scoring; promotion surfaces them to the caller.
var (
	ErrUnavailable = errors.New("embedding: provider unavailable")
	ErrTimeout     = errors.New("embedding: request timed out")
	ErrMalformed   = errors.New("embedding: malformed provider response")
)

// BatchError reports which inputs of an EmbedBatch call failed.
type BatchError struct {
	FailedIndices []int
	Cause         error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("embedding: batch failed for %d input(s): %v", len(e.FailedIndices), e.Cause)
}

func (e *BatchError) Unwrap() error {
	return e.Cause
}

// Normalize canonicalizes text before hashing so that whitespace-only edits
// do not defeat the cache.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// ContentHash returns the stable cache key for a text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}
