package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 0.4, cfg.Retrieval.KeywordWeight)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "mnemo.json")

	content := `{
		"data_dir": "` + dir + `",
		"retrieval": {
			"max_results": 5,
			"keyword_weight": 0.7,
			"semantic_weight": 0.3
		},
		"embedding": {
			"provider": "ollama",
			"base_url": "http://localhost:11434",
			"model": "nomic-embed-text",
			"dimension": 768
		}
	}`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := NewLoader(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Retrieval.MaxResults)
	assert.Equal(t, 0.7, cfg.Retrieval.KeywordWeight)
	assert.Equal(t, "ollama", cfg.Embedding.Provider)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
	// Untouched values keep defaults
	assert.Equal(t, 50, cfg.Retrieval.CandidateLimit)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestLoad_InvalidJSON(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "mnemo.json")
	require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0644))

	_, err := NewLoader(configPath).Load()
	assert.Error(t, err)
}
