// Package generation produces answer text from a grounded prompt.
//
// The Generator interface is what the answer pipeline depends on. The
// OpenAI implementation speaks the chat completions API through go-openai
// and works against any compatible server (OpenAI, vLLM, Ollama, LM Studio).
package generation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyPrompt indicates an empty prompt.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")

	// ErrEmptyResponse means the backend returned no choices.
	ErrEmptyResponse = errors.New("empty response from model")
)

// Usage counts tokens for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Completion is a generated answer.
type Completion struct {
	Text  string
	Model string
	Usage Usage
}

// Generator turns a prompt into a completion.
type Generator interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
}

const (
	defaultModel       = "gpt-3.5-turbo"
	defaultMaxTokens   = 1000
	defaultTimeout     = 60 * time.Second
	defaultMaxRetries  = 3
	defaultBaseBackoff = time.Second
)

// Config configures a Generator.
type Config struct {
	// Provider is "openai", the only supported value.
	Provider string
	Model    string
	// BaseURL overrides the API root, e.g. http://localhost:11434/v1.
	BaseURL   string
	APIKey    string
	MaxTokens int
	// Temperature is passed through as is; zero is deterministic sampling.
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	// RateLimit is requests per second. 0 disables.
	RateLimit float64
	// SystemPrompt is sent before the user prompt when set.
	SystemPrompt string
}

// ApplyDefaults sets defaults for zero values.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Provider != "openai" {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	if c.APIKey == "" && c.BaseURL == "" {
		return fmt.Errorf("%w: api key required unless a base URL is set", ErrInvalidConfig)
	}
	if c.MaxTokens < 0 || c.MaxRetries < 0 || c.RateLimit < 0 {
		return fmt.Errorf("%w: max tokens, max retries and rate limit cannot be negative", ErrInvalidConfig)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be within [0, 2]", ErrInvalidConfig)
	}
	return nil
}

// New creates the generator named by cfg.Provider.
func New(cfg Config, opts ...Option) (Generator, error) {
	g, err := NewOpenAIGenerator(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return g, nil
}
