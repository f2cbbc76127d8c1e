// Package embeddings turns chunk and query text into vectors.
//
// A Provider talks to one backend (OpenAI-compatible API through
// langchaingo, a TEI server over HTTP, or local ONNX models through
// fastembed). Gateway wraps a Provider with input truncation, batching,
// rate limiting and metrics, and is what the retrieval pipeline uses.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the backend could not produce vectors.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider is the interface for embedding backends.
type Provider interface {
	// EmbedDocuments returns one vector per text, in order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the vector length, or 0 if unknown until first use.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// Config holds configuration for creating a provider and its gateway.
type Config struct {
	// Provider is "openai", "tei" or "fastembed".
	Provider string
	// Model is the embedding model name.
	Model string
	// BaseURL is the API root for openai and tei.
	BaseURL string
	// APIKey authenticates against OpenAI-compatible APIs.
	APIKey string
	// Dimension overrides the detected vector length.
	Dimension int
	// CacheDir is the fastembed model cache.
	CacheDir string
	// BatchSize caps texts per backend request.
	BatchSize int
	// MaxInputChars truncates longer texts (in runes). 0 disables.
	MaxInputChars int
	// RateLimit is backend requests per second. 0 disables.
	RateLimit float64
}

// ApplyDefaults sets defaults for zero values.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Model == "" {
		switch c.Provider {
		case "openai":
			c.Model = "text-embedding-3-small"
		default:
			c.Model = "BAAI/bge-small-en-v1.5"
		}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.Dimension == 0 {
		c.Dimension = detectDimensionFromModel(c.Model)
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	switch c.Provider {
	case "openai", "tei":
		if c.BaseURL == "" {
			return fmt.Errorf("%w: base URL required for %s", ErrInvalidConfig, c.Provider)
		}
	case "fastembed":
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.BatchSize < 0 || c.MaxInputChars < 0 || c.RateLimit < 0 {
		return fmt.Errorf("%w: batch size, max input chars and rate limit cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg Config) (Provider, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "openai":
		p, err = NewOpenAIProvider(cfg)
	case "tei":
		p, err = NewTEIProvider(cfg)
	default:
		p, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// detectDimensionFromModel returns the embedding dimension for a model
// name, or 0 when it cannot be inferred.
func detectDimensionFromModel(model string) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding"):
		return 1536
	case strings.Contains(lower, "base"):
		return 768
	case strings.Contains(lower, "large"):
		return 1024
	case strings.Contains(lower, "small"), strings.Contains(lower, "mini"):
		return 384
	default:
		return 0
	}
}

var knownDimensions = map[string]int{
	"text-embedding-ada-002":                 1536,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}
