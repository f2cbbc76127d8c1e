// Package config provides configuration loading for docrag.
//
// Configuration is read from a YAML file and environment variables on top
// of the defaults returned by Default.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/docrag/internal/logging"
)

// Config holds the complete docrag configuration.
type Config struct {
	Storage     StorageConfig     `koanf:"storage"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Chunking    ChunkingConfig    `koanf:"chunking"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	Expansion   ExpansionConfig   `koanf:"expansion"`
	Redaction   RedactionConfig   `koanf:"redaction"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Generation  GenerationConfig  `koanf:"generation"`
	Logging     logging.Config    `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// StorageConfig locates on-disk state.
type StorageConfig struct {
	DataDir       string `koanf:"data_dir"`       // root for indexes and the database
	Database      string `koanf:"database"`       // sqlite path, default {data_dir}/docrag.db
	IndexDir      string `koanf:"index_dir"`      // default {data_dir}/indexes
	Compress      bool   `koanf:"compress"`       // gzip persisted indexes
	EncryptionKey Secret `koanf:"encryption_key"` // optional 32-byte AES key for persisted indexes
}

// VectorStoreConfig selects the vector index backend.
type VectorStoreConfig struct {
	Provider         string `koanf:"provider"` // chromem or qdrant
	QdrantHost       string `koanf:"qdrant_host"`
	QdrantPort       int    `koanf:"qdrant_port"`
	QdrantTLS        bool   `koanf:"qdrant_tls"`
	QdrantAPIKey     Secret `koanf:"qdrant_api_key"`
	CollectionPrefix string `koanf:"collection_prefix"`
}

// ChunkingConfig controls document segmentation.
type ChunkingConfig struct {
	Size      int `koanf:"size"`
	Overlap   int `koanf:"overlap"`
	MinLength int `koanf:"min_length"`
}

// RetrievalConfig controls search and index durability.
type RetrievalConfig struct {
	MaxResults          int     `koanf:"max_results"`
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
	AnswerMaxResults    int     `koanf:"answer_max_results"`
	Durability          string  `koanf:"durability"` // best-effort or write-ahead
}

// ExpansionConfig holds the query synonym table.
type ExpansionConfig struct {
	MaxCandidates int                 `koanf:"max_candidates"`
	Synonyms      map[string][]string `koanf:"synonyms"`
}

// RedactionConfig controls secret masking of document text at ingest.
type RedactionConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Allowlist string `koanf:"allowlist"` // gitleaks-style TOML with an [allowlist] table
}

// EmbeddingsConfig selects and tunes the embedding provider.
type EmbeddingsConfig struct {
	Provider      string  `koanf:"provider"` // openai, tei or fastembed
	Model         string  `koanf:"model"`
	BaseURL       string  `koanf:"base_url"`
	APIKey        Secret  `koanf:"api_key"`
	Dimension     int     `koanf:"dimension"`
	MaxInputChars int     `koanf:"max_input_chars"`
	RateLimit     float64 `koanf:"rate_limit"` // requests per second, 0 disables
	BatchSize     int     `koanf:"batch_size"`
	CacheDir      string  `koanf:"cache_dir"` // fastembed model cache
}

// GenerationConfig configures the chat completion gateway.
type GenerationConfig struct {
	Provider    string   `koanf:"provider"`
	Model       string   `koanf:"model"`
	BaseURL     string   `koanf:"base_url"`
	APIKey      Secret   `koanf:"api_key"`
	MaxTokens   int      `koanf:"max_tokens"`
	Temperature float64  `koanf:"temperature"`
	Timeout     Duration `koanf:"timeout"`
	MaxRetries  int      `koanf:"max_retries"`
	RateLimit   float64  `koanf:"rate_limit"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	ServiceName string  `koanf:"service_name"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		VectorStore: VectorStoreConfig{
			Provider:         "chromem",
			QdrantHost:       "localhost",
			QdrantPort:       6334,
			CollectionPrefix: "docrag",
		},
		Chunking: ChunkingConfig{
			Size:      512,
			Overlap:   50,
			MinLength: 20,
		},
		Retrieval: RetrievalConfig{
			MaxResults:          5,
			SimilarityThreshold: 0.7,
			AnswerMaxResults:    3,
			Durability:          DurabilityBestEffort,
		},
		Expansion: ExpansionConfig{
			MaxCandidates: 4,
		},
		Embeddings: EmbeddingsConfig{
			Provider:      "openai",
			Model:         "text-embedding-3-small",
			BaseURL:       "https://api.openai.com/v1",
			Dimension:     1536,
			MaxInputChars: 6000,
			BatchSize:     100,
		},
		Generation: GenerationConfig{
			Provider:    "openai",
			Model:       "gpt-3.5-turbo",
			BaseURL:     "https://api.openai.com/v1",
			MaxTokens:   1000,
			Temperature: 0.7,
			Timeout:     Duration(60 * time.Second),
			MaxRetries:  3,
		},
		Logging: *logging.NewDefaultConfig(),
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "docrag",
			Insecure:    true,
			SampleRate:  1.0,
		},
	}
}

// Durability modes for index persistence after insert.
const (
	DurabilityBestEffort = "best-effort"
	DurabilityWriteAhead = "write-ahead"
)

// DefaultSynonyms is the concept-family table used when none is configured.
func DefaultSynonyms() map[string][]string {
	return map[string][]string{
		"ontology": {"온톨로지"},
	}
}

// applyDefaults fills derived values the defaults cannot know up front.
func applyDefaults(cfg *Config) {
	if cfg.Storage.Database == "" {
		cfg.Storage.Database = filepath.Join(cfg.Storage.DataDir, "docrag.db")
	}
	if cfg.Storage.IndexDir == "" {
		cfg.Storage.IndexDir = filepath.Join(cfg.Storage.DataDir, "indexes")
	}
	if cfg.Expansion.Synonyms == nil {
		cfg.Expansion.Synonyms = DefaultSynonyms()
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if k := len(c.Storage.EncryptionKey.Value()); k != 0 && k != 32 {
		errs = append(errs, fmt.Errorf("storage.encryption_key must be 32 bytes, got %d", k))
	}

	switch c.VectorStore.Provider {
	case "chromem":
	case "qdrant":
		if c.VectorStore.QdrantHost == "" {
			errs = append(errs, errors.New("vectorstore.qdrant_host is required for qdrant"))
		}
		if c.VectorStore.QdrantPort <= 0 || c.VectorStore.QdrantPort > 65535 {
			errs = append(errs, fmt.Errorf("vectorstore.qdrant_port out of range: %d", c.VectorStore.QdrantPort))
		}
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be chromem or qdrant, got %q", c.VectorStore.Provider))
	}

	if c.Chunking.Size <= 0 {
		errs = append(errs, fmt.Errorf("chunking.size must be positive, got %d", c.Chunking.Size))
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		errs = append(errs, fmt.Errorf("chunking.overlap must be in [0, size), got %d", c.Chunking.Overlap))
	}
	if c.Chunking.MinLength < 0 {
		errs = append(errs, fmt.Errorf("chunking.min_length cannot be negative"))
	}

	if c.Retrieval.MaxResults <= 0 || c.Retrieval.AnswerMaxResults <= 0 {
		errs = append(errs, errors.New("retrieval.max_results and retrieval.answer_max_results must be positive"))
	}
	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("retrieval.similarity_threshold must be in [0, 1], got %f", c.Retrieval.SimilarityThreshold))
	}
	if c.Retrieval.Durability != DurabilityBestEffort && c.Retrieval.Durability != DurabilityWriteAhead {
		errs = append(errs, fmt.Errorf("retrieval.durability must be %s or %s, got %q",
			DurabilityBestEffort, DurabilityWriteAhead, c.Retrieval.Durability))
	}

	if c.Expansion.MaxCandidates < 1 {
		errs = append(errs, errors.New("expansion.max_candidates must be at least 1"))
	}

	switch c.Embeddings.Provider {
	case "openai", "tei", "fastembed":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be openai, tei or fastembed, got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.Model == "" {
		errs = append(errs, errors.New("embeddings.model is required"))
	}
	if c.Embeddings.MaxInputChars < 0 {
		errs = append(errs, errors.New("embeddings.max_input_chars cannot be negative"))
	}

	if c.Generation.Model == "" {
		errs = append(errs, errors.New("generation.model is required"))
	}
	if c.Generation.MaxTokens <= 0 {
		errs = append(errs, errors.New("generation.max_tokens must be positive"))
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generation.temperature must be in [0, 2], got %f", c.Generation.Temperature))
	}
	if c.Generation.MaxRetries < 0 {
		errs = append(errs, errors.New("generation.max_retries cannot be negative"))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	return errors.Join(errs...)
}
