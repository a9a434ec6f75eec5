package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harun/mnemo/internal/observability"
)

// OllamaProvider implements Provider against a local Ollama server, for
// fully offline embedding generation.
type OllamaProvider struct {
	baseURL    string
	model      string
	dimension  int
	httpClient *http.Client
}

// NewOllamaProvider creates a new Ollama embedding provider.
func NewOllamaProvider(baseURL, model string, dimension int) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if dimension <= 0 {
		dimension = 768
	}

	return &OllamaProvider{
		baseURL:   baseURL,
		model:     model,
		dimension: dimension,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

func (p *OllamaProvider) Dimension() int {
	return p.dimension
}

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := map[string]any{
		"model":  p.model,
		"prompt": text,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		observability.RecordEmbeddingRequest(p.Name(), false)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observability.RecordEmbeddingRequest(p.Name(), false)
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: ollama status %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		observability.RecordEmbeddingRequest(p.Name(), false)
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(result.Embedding) != p.dimension {
		observability.RecordEmbeddingRequest(p.Name(), false)
		return nil, fmt.Errorf("%w: got dimension %d, want %d", ErrMalformed, len(result.Embedding), p.dimension)
	}

	observability.RecordEmbeddingRequest(p.Name(), true)
	return result.Embedding, nil
}

// EmbedBatch embeds sequentially; the Ollama embeddings endpoint takes one
// prompt per call. Failed indices are reported, successes kept.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var failed []int
	var cause error

	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return results, err
			}
			failed = append(failed, i)
			cause = err
			continue
		}
		results[i] = vec
	}

	if len(failed) > 0 {
		return results, &BatchError{FailedIndices: failed, Cause: cause}
	}
	return results, nil
}
