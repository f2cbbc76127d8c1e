package retrieval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docrag/internal/chunker"
	"github.com/fyrsmithlabs/docrag/internal/expansion"
	"github.com/fyrsmithlabs/docrag/internal/logging"
	"github.com/fyrsmithlabs/docrag/internal/vectorstore"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/docrag/internal/retrieval")

// Dependencies are the collaborators of a Service. Documents, Expander and
// Redactor are optional.
type Dependencies struct {
	Documents DocumentStore
	Embedder  Embedder
	Index     VectorIndex
	Expander  *expansion.Expander
	Chunker   *chunker.Chunker
	Redactor  Redactor
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service ingests documents and searches tenant indexes. It holds no
// per-request state and is safe for concurrent use.
type Service struct {
	docs     DocumentStore
	embedder Embedder
	index    VectorIndex
	expander *expansion.Expander
	chunker  *chunker.Chunker
	redactor Redactor
	cfg      Config
	logger   *zap.Logger
}

// New creates a Service.
func New(cfg Config, deps Dependencies, opts ...Option) (*Service, error) {
	if deps.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if deps.Index == nil {
		return nil, errors.New("vector index is required")
	}
	if deps.Chunker == nil {
		return nil, errors.New("chunker is required")
	}
	cfg.ApplyDefaults()

	s := &Service{
		docs:     deps.Documents,
		embedder: deps.Embedder,
		index:    deps.Index,
		expander: deps.Expander,
		chunker:  deps.Chunker,
		redactor: deps.Redactor,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest segments, embeds and indexes doc, replacing any records the
// document already had. Nothing is written to the index unless every chunk
// was embedded.
func (s *Service) Ingest(ctx context.Context, doc Document) (*IngestResult, error) {
	ctx, span := tracer.Start(ctx, "Service.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", doc.TenantID), attribute.String("document", doc.ID))
	log := logging.For(logging.WithTenant(ctx, doc.TenantID), s.logger).With(zap.String("document_id", doc.ID))

	if strings.TrimSpace(doc.ID) == "" {
		span.SetStatus(codes.Error, "missing document id")
		return nil, errors.New("document id is required")
	}
	if strings.TrimSpace(doc.Text) == "" {
		span.SetStatus(codes.Error, "empty document")
		return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, doc.ID)
	}

	text := doc.Text
	if s.redactor != nil {
		redacted, err := s.redactor.Redact(ctx, text)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "redaction failed")
			return nil, fmt.Errorf("redacting document %s: %w", doc.ID, err)
		}
		text = redacted
	}

	chunks := s.chunker.Split(doc.ID, text)
	if len(chunks) == 0 {
		span.SetStatus(codes.Error, "no chunks")
		return nil, fmt.Errorf("%w: %s", ErrUnchunkableDocument, doc.ID)
	}
	span.SetAttributes(attribute.Int("chunks", len(chunks)))

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	began := time.Now()
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailure, err)
	}
	if len(vectors) != len(chunks) {
		span.SetStatus(codes.Error, "embedding count mismatch")
		return nil, fmt.Errorf("%w: got %d vectors for %d chunks", ErrEmbeddingFailure, len(vectors), len(chunks))
	}

	model := s.embedder.Model()
	records := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		meta := c.Metadata()
		meta["length"] = strconv.Itoa(c.Length)
		records[i] = vectorstore.Record{
			DocumentID: doc.ID,
			ChunkIndex: c.Index,
			Content:    c.Content,
			Vector:     vectors[i],
			Model:      model,
			Dimension:  len(vectors[i]),
			Metadata:   meta,
		}
	}

	res, err := s.index.ReplaceDocument(ctx, doc.TenantID, doc.ID, records)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index update failed")
		return nil, fmt.Errorf("indexing document %s: %w", doc.ID, err)
	}

	if s.docs != nil {
		if err := s.docs.RecordChunkCount(ctx, doc.ID, len(chunks)); err != nil {
			if errors.Is(err, ErrDocumentNotFound) {
				log.Debug("document not in store, chunk count not recorded")
			} else {
				log.Warn("failed to record chunk count", zap.Error(err))
			}
		}
	}

	out := &IngestResult{
		TenantID:   doc.TenantID,
		DocumentID: doc.ID,
		Chunks:     len(chunks),
		Model:      model,
		Dimension:  records[0].Dimension,
		IndexCount: res.Count,
		PersistErr: res.PersistErr,
	}
	log.Info("document ingested",
		zap.Int("chunks", out.Chunks),
		zap.Int("index_count", out.IndexCount),
		zap.Duration("duration", time.Since(began)))
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// IngestDocument loads a document's text from the document store and
// ingests it.
func (s *Service) IngestDocument(ctx context.Context, tenantID, documentID string) (*IngestResult, error) {
	if s.docs == nil {
		return nil, errors.New("no document store configured")
	}
	text, err := s.docs.DocumentText(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("loading document %s: %w", documentID, err)
	}
	return s.Ingest(ctx, Document{ID: documentID, TenantID: tenantID, Text: text})
}

// Search returns the tenant's chunks most similar to query or any of its
// synonym rewrites, best first. A tenant without an index yields no
// results without embedding the query.
func (s *Service) Search(ctx context.Context, tenantID, query string, opts SearchOptions) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "Service.Search")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", tenantID))

	query = strings.TrimSpace(query)
	if query == "" {
		span.SetStatus(codes.Error, "empty query")
		return nil, ErrEmptyQuery
	}
	k, threshold := opts.MaxResults, opts.Threshold
	if k <= 0 {
		k = s.cfg.MaxResults
	}
	if threshold <= 0 {
		threshold = s.cfg.Threshold
	}

	has, err := s.index.HasIndex(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index lookup failed")
		return nil, fmt.Errorf("searching tenant %s: %w", tenantID, err)
	}
	if !has {
		logging.For(ctx, s.logger).Warn("tenant has no index, returning no results",
			zap.String("tenant", tenantID))
		span.SetStatus(codes.Ok, "no index")
		return nil, nil
	}

	candidates := []string{query}
	if s.expander != nil {
		candidates = s.expander.Expand(query)
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)), attribute.Int("k", k))

	vectors, err := s.embedder.EmbedQueries(ctx, candidates)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailure, err)
	}
	if len(vectors) != len(candidates) {
		span.SetStatus(codes.Error, "embedding count mismatch")
		return nil, fmt.Errorf("%w: got %d vectors for %d queries", ErrEmbeddingFailure, len(vectors), len(candidates))
	}

	best := make(map[string]Result)
	for i, candidate := range candidates {
		matches, err := s.index.Search(ctx, tenantID, vectors[i], k, threshold)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "index search failed")
			return nil, fmt.Errorf("searching tenant %s: %w", tenantID, err)
		}
		for _, m := range matches {
			key := vectorstore.RecordKey(m.DocumentID, m.ChunkIndex)
			if prev, ok := best[key]; ok && prev.Similarity >= m.Similarity {
				continue
			}
			best[key] = Result{
				DocumentID:   m.DocumentID,
				ChunkIndex:   m.ChunkIndex,
				Content:      m.Content,
				Similarity:   m.Similarity,
				Distance:     m.Distance,
				MatchedQuery: candidate,
				Metadata:     m.Metadata,
			}
		}
	}

	results := mergeResults(best, k)
	logging.For(ctx, s.logger).Debug("search completed",
		zap.String("tenant", tenantID),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(results)))
	span.SetAttributes(attribute.Int("results", len(results)))
	span.SetStatus(codes.Ok, "")
	return results, nil
}

// DeleteDocument removes a document's records from the tenant index.
func (s *Service) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	ctx, span := tracer.Start(ctx, "Service.DeleteDocument")
	defer span.End()
	if err := s.index.DeleteDocument(ctx, tenantID, documentID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return fmt.Errorf("deleting document %s: %w", documentID, err)
	}
	return nil
}

// mergeResults orders deduplicated hits by similarity, then document and
// chunk, and keeps the first k.
func mergeResults(best map[string]Result, k int) []Result {
	out := make([]Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Result) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		if c := cmp.Compare(a.DocumentID, b.DocumentID); c != 0 {
			return c
		}
		return cmp.Compare(a.ChunkIndex, b.ChunkIndex)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
