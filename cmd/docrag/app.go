package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docrag/internal/answer"
	"github.com/fyrsmithlabs/docrag/internal/chunker"
	"github.com/fyrsmithlabs/docrag/internal/config"
	"github.com/fyrsmithlabs/docrag/internal/embeddings"
	"github.com/fyrsmithlabs/docrag/internal/expansion"
	"github.com/fyrsmithlabs/docrag/internal/generation"
	"github.com/fyrsmithlabs/docrag/internal/logging"
	"github.com/fyrsmithlabs/docrag/internal/registry"
	"github.com/fyrsmithlabs/docrag/internal/retrieval"
	"github.com/fyrsmithlabs/docrag/internal/secrets"
	"github.com/fyrsmithlabs/docrag/internal/store"
	"github.com/fyrsmithlabs/docrag/internal/store/sqlite"
	"github.com/fyrsmithlabs/docrag/internal/telemetry"
	"github.com/fyrsmithlabs/docrag/internal/vectorstore"
)

const meterName = "github.com/fyrsmithlabs/docrag"

// app holds the services a command runs against.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
	db        *sqlite.Store
	docs      store.DocumentStore
	registry  *registry.Registry
	gateway   *embeddings.Gateway
	retrieval *retrieval.Service
}

// newApp loads configuration and wires storage, the index registry and the
// embedding gateway. The generator is created on demand by answerService.
func newApp(ctx context.Context, opts *options) (a *app, err error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.telemetry, err = telemetry.New(ctx, telemetry.FromSection(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a.db, err = sqlite.Open(cfg.Storage.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.docs = a.db.DocumentStore()

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector backend: %w", err)
	}
	a.registry, err = registry.New(backend, registry.Config{
		CatalogPath: filepath.Join(cfg.Storage.DataDir, "tenants.json"),
		Durability:  cfg.Retrieval.Durability,
	}, registry.WithLogger(logger))
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to create index registry: %w", err)
	}

	embCfg := embeddings.Config{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		BaseURL:       cfg.Embeddings.BaseURL,
		APIKey:        cfg.Embeddings.APIKey.Value(),
		Dimension:     cfg.Embeddings.Dimension,
		CacheDir:      cfg.Embeddings.CacheDir,
		BatchSize:     cfg.Embeddings.BatchSize,
		MaxInputChars: cfg.Embeddings.MaxInputChars,
		RateLimit:     cfg.Embeddings.RateLimit,
	}
	provider, err := embeddings.NewProvider(embCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings provider: %w", err)
	}
	a.gateway = embeddings.NewGateway(provider, embCfg,
		embeddings.WithLogger(logger),
		embeddings.WithMeter(otel.Meter(meterName)))

	chunks, err := chunker.New(chunker.Config{
		Size:      cfg.Chunking.Size,
		Overlap:   cfg.Chunking.Overlap,
		MinLength: cfg.Chunking.MinLength,
	})
	if err != nil {
		return nil, err
	}

	var redactor retrieval.Redactor
	if cfg.Redaction.Enabled {
		allow, err := secrets.LoadAllowlist(cfg.Redaction.Allowlist)
		if err != nil {
			return nil, fmt.Errorf("failed to load redaction allowlist: %w", err)
		}
		r, err := secrets.New(secrets.WithAllowlist(allow), secrets.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create redactor: %w", err)
		}
		redactor = r
	}

	a.retrieval, err = retrieval.New(retrieval.Config{
		MaxResults: cfg.Retrieval.MaxResults,
		Threshold:  cfg.Retrieval.SimilarityThreshold,
	}, retrieval.Dependencies{
		Documents: a.docs,
		Embedder:  a.gateway,
		Index:     a.registry,
		Expander: expansion.New(expansion.Config{
			Synonyms:      cfg.Expansion.Synonyms,
			MaxCandidates: cfg.Expansion.MaxCandidates,
		}, logger),
		Chunker:  chunks,
		Redactor: redactor,
	}, retrieval.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func newBackend(cfg *config.Config, logger *zap.Logger) (vectorstore.Backend, error) {
	switch cfg.VectorStore.Provider {
	case "qdrant":
		return vectorstore.NewQdrantBackend(vectorstore.QdrantConfig{
			Host:             cfg.VectorStore.QdrantHost,
			Port:             cfg.VectorStore.QdrantPort,
			UseTLS:           cfg.VectorStore.QdrantTLS,
			APIKey:           cfg.VectorStore.QdrantAPIKey.Value(),
			CollectionPrefix: cfg.VectorStore.CollectionPrefix,
		}, logger)
	default:
		return vectorstore.NewChromemBackend(vectorstore.ChromemConfig{
			BaseDir:       cfg.Storage.IndexDir,
			Compress:      cfg.Storage.Compress,
			EncryptionKey: cfg.Storage.EncryptionKey.Value(),
		}, logger)
	}
}

// answerService creates the generator and the answer service.
func (a *app) answerService() (*answer.Service, error) {
	gen, err := generation.New(generation.Config{
		Provider:    a.cfg.Generation.Provider,
		Model:       a.cfg.Generation.Model,
		BaseURL:     a.cfg.Generation.BaseURL,
		APIKey:      a.cfg.Generation.APIKey.Value(),
		MaxTokens:   a.cfg.Generation.MaxTokens,
		Temperature: a.cfg.Generation.Temperature,
		Timeout:     a.cfg.Generation.Timeout.Duration(),
		MaxRetries:  a.cfg.Generation.MaxRetries,
		RateLimit:   a.cfg.Generation.RateLimit,
	}, generation.WithLogger(a.logger), generation.WithMeter(otel.Meter(meterName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}
	return answer.New(answer.Config{
		MaxResults: a.cfg.Retrieval.AnswerMaxResults,
	}, a.retrieval, gen, a.db.ConversationStore(), answer.WithLogger(a.logger))
}

// Close persists dirty indexes and releases every resource.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close(ctx))
	}
	if a.gateway != nil {
		errs = append(errs, a.gateway.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.logger != nil {
		_ = logging.Sync(a.logger)
	}
	return errors.Join(errs...)
}

// withApp runs fn against a freshly wired app and closes it afterwards.
func withApp(ctx context.Context, opts *options, fn func(*app) error) (err error) {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
