package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the allowed config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "docrag")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	setupTestHome(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.Chunking.Size)
	assert.Equal(t, 50, cfg.Chunking.Overlap)
	assert.Equal(t, 20, cfg.Chunking.MinLength)
	assert.Equal(t, 0.7, cfg.Retrieval.SimilarityThreshold)
	assert.Equal(t, 3, cfg.Retrieval.AnswerMaxResults)
	assert.Equal(t, DurabilityBestEffort, cfg.Retrieval.Durability)
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, 6000, cfg.Embeddings.MaxInputChars)
	assert.Equal(t, "gpt-3.5-turbo", cfg.Generation.Model)
	assert.Equal(t, 1000, cfg.Generation.MaxTokens)
	assert.Equal(t, DefaultSynonyms(), cfg.Expansion.Synonyms)
	assert.False(t, cfg.Redaction.Enabled)
	assert.Equal(t, filepath.Join(cfg.Storage.DataDir, "docrag.db"), cfg.Storage.Database)
	assert.Equal(t, filepath.Join(cfg.Storage.DataDir, "indexes"), cfg.Storage.IndexDir)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := setupTestHome(t)
	data := t.TempDir()
	path := writeConfig(t, dir, fmt.Sprintf(`
storage:
  data_dir: %s
  compress: true
chunking:
  size: 1000
  overlap: 100
retrieval:
  max_results: 8
  durability: write-ahead
expansion:
  max_candidates: 3
  synonyms:
    database:
      - 데이터베이스
      - db
redaction:
  enabled: true
  allowlist: /etc/docrag/allowlist.toml
generation:
  timeout: 5s
  api_key: sk-from-file
`, data), 0600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, data, cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.Compress)
	assert.Equal(t, 1000, cfg.Chunking.Size)
	assert.Equal(t, 100, cfg.Chunking.Overlap)
	assert.Equal(t, 20, cfg.Chunking.MinLength)
	assert.Equal(t, 8, cfg.Retrieval.MaxResults)
	assert.Equal(t, DurabilityWriteAhead, cfg.Retrieval.Durability)
	assert.Equal(t, 3, cfg.Expansion.MaxCandidates)
	assert.Equal(t, []string{"데이터베이스", "db"}, cfg.Expansion.Synonyms["database"])
	assert.True(t, cfg.Redaction.Enabled)
	assert.Equal(t, "/etc/docrag/allowlist.toml", cfg.Redaction.Allowlist)
	assert.Equal(t, 5*time.Second, cfg.Generation.Timeout.Duration())
	assert.Equal(t, "sk-from-file", cfg.Generation.APIKey.Value())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "retrieval:\n  max_results: 8\n", 0600)

	t.Setenv("DOCRAG_RETRIEVAL_MAX_RESULTS", "11")
	t.Setenv("DOCRAG_RETRIEVAL_SIMILARITY_THRESHOLD", "0.5")
	t.Setenv("DOCRAG_EMBEDDINGS_API_KEY", "sk-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 11, cfg.Retrieval.MaxResults)
	assert.Equal(t, 0.5, cfg.Retrieval.SimilarityThreshold)
	assert.Equal(t, "sk-env", cfg.Embeddings.APIKey.Value())
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "chunking:\n  size: 100\n", 0644)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoad_InvalidValues(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "chunking:\n  size: 100\n  overlap: 100\n", 0600)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunking.overlap")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"qdrant", func(c *Config) { c.VectorStore.Provider = "qdrant" }, ""},
		{"unknown vector provider", func(c *Config) { c.VectorStore.Provider = "faiss" }, "vectorstore.provider"},
		{"qdrant bad port", func(c *Config) {
			c.VectorStore.Provider = "qdrant"
			c.VectorStore.QdrantPort = 0
		}, "qdrant_port"},
		{"short encryption key", func(c *Config) { c.Storage.EncryptionKey = "short" }, "encryption_key"},
		{"zero size", func(c *Config) { c.Chunking.Size = 0 }, "chunking.size"},
		{"threshold above one", func(c *Config) { c.Retrieval.SimilarityThreshold = 1.5 }, "similarity_threshold"},
		{"bad durability", func(c *Config) { c.Retrieval.Durability = "sync" }, "durability"},
		{"no candidates", func(c *Config) { c.Expansion.MaxCandidates = 0 }, "max_candidates"},
		{"unknown embedder", func(c *Config) { c.Embeddings.Provider = "cohere" }, "embeddings.provider"},
		{"bad temperature", func(c *Config) { c.Generation.Temperature = 3 }, "temperature"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			applyDefaults(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "retrieval.max_results", envKey("DOCRAG_RETRIEVAL_MAX_RESULTS"))
	assert.Equal(t, "vectorstore.qdrant_host", envKey("DOCRAG_VECTORSTORE_QDRANT_HOST"))
	assert.Equal(t, "debug", envKey("DOCRAG_DEBUG"))
}

func TestSecret_Redacted(t *testing.T) {
	s := Secret("sk-123")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "sk-123")
	assert.Equal(t, "sk-123", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
