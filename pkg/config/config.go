package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the memory core configuration
type Config struct {
	// Data directory (log files, default workspace root)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Retrieval pipeline defaults
	Retrieval RetrievalConfig `json:"retrieval" mapstructure:"retrieval"`

	// Embedding provider
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`

	// Re-ranker
	Rerank RerankConfig `json:"rerank" mapstructure:"rerank"`

	// Background sweep
	Sweep SweepConfig `json:"sweep" mapstructure:"sweep"`

	// OpenTelemetry tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Markdown notes import
	Notes NotesConfig `json:"notes" mapstructure:"notes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// RetrievalConfig holds default retrieval pipeline options
type RetrievalConfig struct {
	MaxResults           int     `json:"max_results" mapstructure:"max_results"`
	CandidateLimit       int     `json:"candidate_limit" mapstructure:"candidate_limit"`
	KeywordWeight        float64 `json:"keyword_weight" mapstructure:"keyword_weight"`
	SemanticWeight       float64 `json:"semantic_weight" mapstructure:"semantic_weight"`
	FreshnessWindowDays  int     `json:"freshness_window_days" mapstructure:"freshness_window_days"`
	EnableRerank         bool    `json:"enable_rerank" mapstructure:"enable_rerank"`
	EmbedTimeoutMs       int     `json:"embed_timeout_ms" mapstructure:"embed_timeout_ms"`
	MaxLinkDepth         int     `json:"max_link_depth" mapstructure:"max_link_depth"`
	WorkingStalenessDays int     `json:"working_staleness_days" mapstructure:"working_staleness_days"`
}

// EmbeddingConfig holds embedding provider configuration
type EmbeddingConfig struct {
	Provider     string `json:"provider" mapstructure:"provider"` // openai, ollama, hash
	Model        string `json:"model" mapstructure:"model"`
	APIKey       string `json:"api_key" mapstructure:"api_key"`
	BaseURL      string `json:"base_url" mapstructure:"base_url"`
	Dimension    int    `json:"dimension" mapstructure:"dimension"`
	CacheEntries int    `json:"cache_entries" mapstructure:"cache_entries"`
}

// RerankConfig holds re-ranker configuration
type RerankConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // heuristic, anthropic
	Model    string `json:"model" mapstructure:"model"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
}

// SweepConfig holds background expiry sweep configuration
type SweepConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// NotesConfig holds markdown knowledge import configuration
type NotesConfig struct {
	Dir   string `json:"dir" mapstructure:"dir"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
		Retrieval: RetrievalConfig{
			MaxResults:          10,
			CandidateLimit:      50,
			KeywordWeight:       0.4,
			SemanticWeight:      0.6,
			FreshnessWindowDays: 30,
			EnableRerank:        false,
			EmbedTimeoutMs:      300,
			MaxLinkDepth:        2,
		},
		Embedding: EmbeddingConfig{
			Provider:     "hash",
			Model:        "text-embedding-3-small",
			Dimension:    384,
			CacheEntries: 4096,
		},
		Rerank: RerankConfig{
			Provider: "heuristic",
			Model:    "claude-3-5-haiku-latest",
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "*/5 * * * *",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "mnemo",
		},
		Notes: NotesConfig{
			Watch: false,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	r := c.Retrieval
	if r.MaxResults <= 0 {
		return fmt.Errorf("retrieval: max_results must be positive")
	}
	if r.CandidateLimit < r.MaxResults {
		return fmt.Errorf("retrieval: candidate_limit must be >= max_results")
	}
	if r.KeywordWeight < 0 || r.KeywordWeight > 1 {
		return fmt.Errorf("retrieval: keyword_weight must be in [0,1]")
	}
	if r.SemanticWeight < 0 || r.SemanticWeight > 1 {
		return fmt.Errorf("retrieval: semantic_weight must be in [0,1]")
	}
	if r.KeywordWeight+r.SemanticWeight == 0 {
		return fmt.Errorf("retrieval: at least one scoring weight must be non-zero")
	}
	if r.FreshnessWindowDays < 0 {
		return fmt.Errorf("retrieval: freshness_window_days cannot be negative")
	}
	if r.EmbedTimeoutMs <= 0 {
		return fmt.Errorf("retrieval: embed_timeout_ms must be positive")
	}
	if r.MaxLinkDepth < 0 {
		return fmt.Errorf("retrieval: max_link_depth cannot be negative")
	}

	switch c.Embedding.Provider {
	case "openai", "ollama", "hash":
	default:
		return fmt.Errorf("embedding: invalid provider %s (must be: openai, ollama, hash)", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding: api_key is required for the openai provider")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding: dimension must be positive")
	}
	if c.Embedding.CacheEntries <= 0 {
		return fmt.Errorf("embedding: cache_entries must be positive")
	}

	switch c.Rerank.Provider {
	case "heuristic", "anthropic":
	default:
		return fmt.Errorf("rerank: invalid provider %s (must be: heuristic, anthropic)", c.Rerank.Provider)
	}
	if c.Rerank.Provider == "anthropic" && c.Rerank.APIKey == "" {
		return fmt.Errorf("rerank: api_key is required for the anthropic provider")
	}

	if c.Sweep.Enabled && c.Sweep.Schedule == "" {
		return fmt.Errorf("sweep: schedule is required when sweep is enabled")
	}

	if c.Tracing.Enabled && c.Tracing.ServiceName == "" {
		return fmt.Errorf("tracing: service_name is required when tracing is enabled")
	}

	return nil
}
