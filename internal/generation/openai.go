package generation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/fyrsmithlabs/docrag/internal/generation"

var tracer = otel.Tracer(instrumentationName)

// Option configures an OpenAIGenerator.
type Option func(*OpenAIGenerator)

// WithLogger sets the generator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *OpenAIGenerator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMeter records token and latency metrics on meter.
func WithMeter(meter metric.Meter) Option {
	return func(g *OpenAIGenerator) {
		g.meter = meter
	}
}

// WithBackoff sets the initial retry backoff.
func WithBackoff(d time.Duration) Option {
	return func(g *OpenAIGenerator) {
		g.backoff = d
	}
}

// OpenAIGenerator implements Generator with the chat completions API.
type OpenAIGenerator struct {
	client  *openai.Client
	cfg     Config
	limiter *rate.Limiter
	backoff time.Duration
	logger  *zap.Logger
	meter   metric.Meter

	duration metric.Float64Histogram
	tokens   metric.Int64Counter
	failures metric.Int64Counter
}

// NewOpenAIGenerator creates a generator for an OpenAI-compatible server.
func NewOpenAIGenerator(cfg Config, opts ...Option) (*OpenAIGenerator, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	g := &OpenAIGenerator{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		backoff: defaultBaseBackoff,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if cfg.RateLimit > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	g.initMetrics()
	return g, nil
}

// Model returns the configured model name.
func (g *OpenAIGenerator) Model() string { return g.cfg.Model }

// Complete sends prompt as a single user message. Rate limits and server
// errors are retried with exponential backoff.
func (g *OpenAIGenerator) Complete(ctx context.Context, prompt string) (*Completion, error) {
	ctx, span := tracer.Start(ctx, "OpenAIGenerator.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", g.cfg.Model),
		attribute.Int("prompt_chars", len(prompt)),
	)

	if strings.TrimSpace(prompt) == "" {
		span.SetStatus(codes.Error, "empty prompt")
		return nil, ErrEmptyPrompt
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limiter")
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}
	}

	req := openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    g.messages(prompt),
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: float32(g.cfg.Temperature),
	}
	if req.Temperature == 0 {
		// A zero temperature is dropped from the request body.
		req.Temperature = math.SmallestNonzeroFloat32
	}

	began := time.Now()
	var (
		resp    openai.ChatCompletionResponse
		lastErr error
	)
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := g.backoff * time.Duration(1<<(attempt-1))
			g.logger.Debug("retrying chat completion",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, lastErr = g.client.CreateChatCompletion(ctx, req)
		if lastErr == nil || !isRetryableError(lastErr) {
			break
		}
	}
	elapsed := time.Since(began)

	if lastErr != nil {
		g.record(ctx, elapsed, Usage{}, lastErr)
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, "completion failed")
		return nil, fmt.Errorf("chat completion: %w", lastErr)
	}
	if len(resp.Choices) == 0 {
		g.record(ctx, elapsed, Usage{}, ErrEmptyResponse)
		span.SetStatus(codes.Error, "empty response")
		return nil, ErrEmptyResponse
	}

	c := &Completion{
		Text:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if c.Model == "" {
		c.Model = g.cfg.Model
	}
	g.record(ctx, elapsed, c.Usage, nil)

	span.SetAttributes(
		attribute.Int("tokens.input", c.Usage.InputTokens),
		attribute.Int("tokens.output", c.Usage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "")
	return c, nil
}

func (g *OpenAIGenerator) messages(prompt string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if g.cfg.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: g.cfg.SystemPrompt})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})
}

func (g *OpenAIGenerator) initMetrics() {
	meter := g.meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var err error
	g.duration, err = meter.Float64Histogram(
		"docrag.generation.duration_seconds",
		metric.WithDescription("Duration of chat completions including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		g.logger.Warn("failed to create duration histogram", zap.Error(err))
	}
	g.tokens, err = meter.Int64Counter(
		"docrag.generation.tokens_total",
		metric.WithDescription("Tokens consumed by chat completions by direction"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		g.logger.Warn("failed to create tokens counter", zap.Error(err))
	}
	g.failures, err = meter.Int64Counter(
		"docrag.generation.errors_total",
		metric.WithDescription("Failed chat completions"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		g.logger.Warn("failed to create errors counter", zap.Error(err))
	}
}

func (g *OpenAIGenerator) record(ctx context.Context, d time.Duration, u Usage, err error) {
	model := attribute.String("model", g.cfg.Model)
	if g.duration != nil {
		g.duration.Record(ctx, d.Seconds(), metric.WithAttributes(model))
	}
	if err != nil {
		if g.failures != nil {
			g.failures.Add(ctx, 1, metric.WithAttributes(model))
		}
		return
	}
	if g.tokens != nil {
		g.tokens.Add(ctx, int64(u.InputTokens), metric.WithAttributes(model, attribute.String("direction", "input")))
		g.tokens.Add(ctx, int64(u.OutputTokens), metric.WithAttributes(model, attribute.String("direction", "output")))
	}
}

// isRetryableError reports whether a failed request may succeed on retry:
// rate limits, server errors and transport failures.
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
