package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
)

// Reranker reorders the merged results for a query. Implementations must
// return a permutation of the input; dropping or inventing results is the
// pipeline's job, not the reranker's.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []Result) ([]Result, error)
	Name() string
}

// HeuristicReranker reorders results with cheap local signals: pinned items
// first, then score blended with long-term confidence and a mild recency
// boost. It never fails, which makes it the fallback for the LLM reranker.
type HeuristicReranker struct{}

func (HeuristicReranker) Name() string { return "heuristic" }

func (HeuristicReranker) Rerank(_ context.Context, _ string, results []Result) ([]Result, error) {
	out := make([]Result, len(results))
	copy(out, results)

	now := time.Now()
	adjusted := func(r Result) float64 {
		score := r.Score
		if r.Confidence > 0 {
			score *= 0.8 + 0.2*r.Confidence
		}
		if age := now.Sub(r.CreatedAt); age >= 0 && age < 24*time.Hour {
			score *= 1.05
		}
		return score
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return adjusted(out[i]) > adjusted(out[j])
	})
	return out, nil
}

// LLMReranker asks a small model to order candidates by relevance to the
// query. The model sees truncated snippets, never full content.
type LLMReranker struct {
	client anthropic.Client
	model  anthropic.Model
	logger zerolog.Logger
}

// NewLLMReranker creates a reranker backed by the Anthropic API.
func NewLLMReranker(apiKey, model string, logger zerolog.Logger) *LLMReranker {
	return &LLMReranker{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
		logger: logger,
	}
}

func (r *LLMReranker) Name() string { return "llm" }

const snippetLimit = 300

func (r *LLMReranker) Rerank(ctx context.Context, query string, results []Result) ([]Result, error) {
	if len(results) < 2 {
		return results, nil
	}

	var sb strings.Builder
	sb.WriteString("Order the numbered snippets from most to least relevant to the query. ")
	sb.WriteString("Reply with a JSON array of the snippet numbers only, e.g. [2,0,1].\n\n")
	fmt.Fprintf(&sb, "Query: %s\n\n", query)
	for i, res := range results {
		snippet := res.Content
		if len(snippet) > snippetLimit {
			snippet = snippet[:snippetLimit]
		}
		fmt.Fprintf(&sb, "[%d] %s\n", i, snippet)
	}

	message, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(sb.String())),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}

	var text string
	for _, block := range message.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += b.Text
		}
	}

	order, err := parseOrder(text, len(results))
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(results))
	for _, idx := range order {
		out = append(out, results[idx])
	}
	return out, nil
}

// parseOrder extracts a permutation of [0,n) from the model reply. Missing
// indices are appended in original order so the output is always complete.
func parseOrder(text string, n int) ([]int, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("rerank reply has no JSON array: %q", text)
	}

	var raw []int
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("rerank reply is not an index array: %w", err)
	}

	seen := make(map[int]bool, n)
	order := make([]int, 0, n)
	for _, idx := range raw {
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order, nil
}
