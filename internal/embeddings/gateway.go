package embeddings

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer(instrumentationName)

// Gateway is the embedding entry point used by ingestion and search.
//
// Over-long texts are truncated to MaxInputChars runes instead of failing
// the whole batch. Large batches are split into BatchSize requests and the
// results concatenated in order.
type Gateway struct {
	provider      Provider
	model         string
	maxInputChars int
	batchSize     int
	limiter       *rate.Limiter
	metrics       *Metrics
	logger        *zap.Logger
	dimension     atomic.Int64
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger *zap.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMeter records gateway metrics on meter.
func WithMeter(meter metric.Meter) GatewayOption {
	return func(g *Gateway) {
		g.metrics = NewMetrics(meter, g.logger)
	}
}

// NewGateway wraps provider. cfg supplies the model name and limits.
func NewGateway(provider Provider, cfg Config, opts ...GatewayOption) *Gateway {
	cfg.ApplyDefaults()
	g := &Gateway{
		provider:      provider,
		model:         cfg.Model,
		maxInputChars: cfg.MaxInputChars,
		batchSize:     cfg.BatchSize,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = NewMetrics(nil, g.logger)
	}
	if cfg.RateLimit > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	if d := provider.Dimension(); d > 0 {
		g.dimension.Store(int64(d))
	} else if cfg.Dimension > 0 {
		g.dimension.Store(int64(cfg.Dimension))
	}
	return g
}

// Model returns the embedding model identifier stamped on vector records.
func (g *Gateway) Model() string { return g.model }

// Dimension returns the vector length, learned from the first response
// when the provider could not report it up front.
func (g *Gateway) Dimension() int { return int(g.dimension.Load()) }

// EmbedDocuments embeds texts in order. The result length is whatever the
// backend returned; callers check it against len(texts).
func (g *Gateway) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "Gateway.EmbedDocuments")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", g.model),
		attribute.Int("texts", len(texts)),
	)

	if len(texts) == 0 {
		err := fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty input")
		return nil, err
	}

	prepared := g.truncate(ctx, texts)
	size := g.batchSize
	if size <= 0 {
		size = len(prepared)
	}

	out := make([][]float32, 0, len(prepared))
	for start := 0; start < len(prepared); start += size {
		end := min(start+size, len(prepared))
		batch := prepared[start:end]

		if err := g.wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limiter")
			return nil, err
		}

		began := time.Now()
		vectors, err := g.provider.EmbedDocuments(ctx, batch)
		g.metrics.RecordGeneration(ctx, g.model, "embed_documents", time.Since(began), len(batch), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "provider failed")
			return nil, err
		}
		out = append(out, vectors...)
	}

	g.observeDimension(out)
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// EmbedQuery embeds a single query.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.EmbedQueries(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedQueries embeds search queries in order through the provider's query
// path, which may differ from the document path (BGE models prefix queries
// and passages differently).
func (g *Gateway) EmbedQueries(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "Gateway.EmbedQueries")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", g.model),
		attribute.Int("texts", len(texts)),
	)

	if len(texts) == 0 || slices.Contains(texts, "") {
		err := fmt.Errorf("%w: query text cannot be empty", ErrEmptyInput)
		span.RecordError(err)
		span.SetStatus(codes.Error, "empty input")
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for _, text := range g.truncate(ctx, texts) {
		if err := g.wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limiter")
			return nil, err
		}

		began := time.Now()
		vector, err := g.provider.EmbedQuery(ctx, text)
		g.metrics.RecordGeneration(ctx, g.model, "embed_query", time.Since(began), 1, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "provider failed")
			return nil, err
		}
		out = append(out, vector)
	}

	g.observeDimension(out)
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// Close closes the underlying provider.
func (g *Gateway) Close() error {
	return g.provider.Close()
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// truncate returns texts cut to maxInputChars runes. The input slice is
// not modified.
func (g *Gateway) truncate(ctx context.Context, texts []string) []string {
	if g.maxInputChars <= 0 {
		return texts
	}
	out := make([]string, len(texts))
	cut := 0
	for i, t := range texts {
		if utf8.RuneCountInString(t) <= g.maxInputChars {
			out[i] = t
			continue
		}
		out[i] = string([]rune(t)[:g.maxInputChars])
		cut++
	}
	if cut > 0 {
		g.metrics.RecordTruncation(ctx, g.model, cut)
		g.logger.Debug("truncated embedding input",
			zap.Int("texts", cut),
			zap.Int("max_chars", g.maxInputChars))
	}
	return out
}

func (g *Gateway) observeDimension(vectors [][]float32) {
	if g.dimension.Load() > 0 {
		return
	}
	for _, v := range vectors {
		if len(v) > 0 {
			g.dimension.CompareAndSwap(0, int64(len(v)))
			return
		}
	}
}
