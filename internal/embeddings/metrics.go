package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/docrag/internal/embeddings"

// Metrics holds embedding gateway instruments.
type Metrics struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	truncated metric.Int64Counter
	errors    metric.Int64Counter
}

// NewMetrics creates instruments on meter. A nil meter uses the global
// provider. Instrument creation failures are logged and the instrument is
// skipped.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Metrics{}
	var err error

	m.duration, err = meter.Float64Histogram(
		"docrag.embedding.duration_seconds",
		metric.WithDescription("Duration of embedding requests by model and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"docrag.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding request"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.truncated, err = meter.Int64Counter(
		"docrag.embedding.truncated_total",
		metric.WithDescription("Texts cut to the maximum input length before embedding"),
		metric.WithUnit("{text}"),
	)
	if err != nil {
		logger.Warn("failed to create truncation counter", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"docrag.embedding.errors_total",
		metric.WithDescription("Embedding request failures by model and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}

	return m
}

// RecordGeneration records one backend request.
func (m *Metrics) RecordGeneration(ctx context.Context, model, operation string, d time.Duration, batchSize int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// RecordTruncation counts texts shortened before embedding.
func (m *Metrics) RecordTruncation(ctx context.Context, model string, n int) {
	if m == nil || m.truncated == nil || n == 0 {
		return
	}
	m.truncated.Add(ctx, int64(n), metric.WithAttributes(attribute.String("model", model)))
}
