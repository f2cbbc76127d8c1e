// internal/vectorstore/chromem.go
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/docrag/internal/vectorstore")

const (
	chromemCollection = "chunks"
	manifestFile      = "manifest.json"
	indexFile         = "index.gob"
	manifestVersion   = 1
)

// ChromemConfig holds configuration for the embedded chromem backend.
type ChromemConfig struct {
	// BaseDir holds one subdirectory per tenant.
	BaseDir string

	// Compress gzips the index file.
	Compress bool

	// EncryptionKey enables AES-GCM encryption of the index file. Must be
	// 32 bytes when set.
	EncryptionKey string

	// Concurrency is the number of goroutines chromem uses when adding
	// documents.
	Concurrency int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.BaseDir = filepath.Join(home, ".local", "share", "docrag", "indexes")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("%w: base dir required", ErrInvalidConfig)
	}
	if c.EncryptionKey != "" && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("%w: encryption key must be 32 bytes", ErrInvalidConfig)
	}
	return nil
}

// manifest describes a persisted index. It is written after the index file,
// so a manifest always refers to a complete file.
type manifest struct {
	Version   int       `json:"version"`
	Model     string    `json:"model"`
	Dimension int       `json:"dimension"`
	Count     int       `json:"count"`
	File      string    `json:"file"`
	Encrypted bool      `json:"encrypted"`
	SavedAt   time.Time `json:"saved_at"`
}

// ChromemBackend keeps tenant indexes in memory with chromem-go and
// persists each one under {BaseDir}/{tenant}/.
type ChromemBackend struct {
	config ChromemConfig
	logger *zap.Logger
}

// NewChromemBackend creates a chromem backend. The base directory is created
// on first persist.
func NewChromemBackend(cfg ChromemConfig, logger *zap.Logger) (*ChromemBackend, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromemBackend{config: cfg, logger: logger}, nil
}

// Create returns an empty index for tenantID.
func (b *ChromemBackend) Create(_ context.Context, tenantID string) (Index, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	db := chromem.NewDB()
	coll, err := db.CreateCollection(chromemCollection, map[string]string{"tenant": tenantID}, precomputedOnly)
	if err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}
	return b.newIndex(tenantID, db, coll), nil
}

// Load reads the persisted index of tenantID. A missing directory yields
// ErrIndexUnavailable; unreadable data yields ErrIndexUnavailable wrapping
// ErrCorruptIndex.
func (b *ChromemBackend) Load(ctx context.Context, tenantID string) (Index, error) {
	_, span := tracer.Start(ctx, "ChromemBackend.Load")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", tenantID))

	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	dir := b.dir(tenantID)

	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		span.SetStatus(codes.Ok, "not persisted")
		return nil, fmt.Errorf("%w: tenant %s has no persisted index", ErrIndexUnavailable, tenantID)
	}
	if err != nil {
		return nil, b.corrupt(tenantID, "reading manifest", err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, b.corrupt(tenantID, "parsing manifest", err)
	}
	if m.File == "" || filepath.Base(m.File) != m.File {
		return nil, b.corrupt(tenantID, "manifest file name", fmt.Errorf("invalid file %q", m.File))
	}
	if m.Encrypted && b.config.EncryptionKey == "" {
		return nil, b.corrupt(tenantID, "manifest", errors.New("index is encrypted but no key is configured"))
	}

	key := ""
	if m.Encrypted {
		key = b.config.EncryptionKey
	}
	db := chromem.NewDB()
	if err := db.ImportFromFile(filepath.Join(dir, m.File), key, chromemCollection); err != nil {
		return nil, b.corrupt(tenantID, "importing index", err)
	}
	coll := db.GetCollection(chromemCollection, precomputedOnly)
	if coll == nil {
		return nil, b.corrupt(tenantID, "importing index", errors.New("collection missing from file"))
	}
	if coll.Count() != m.Count {
		return nil, b.corrupt(tenantID, "verifying index",
			fmt.Errorf("manifest lists %d records, file has %d", m.Count, coll.Count()))
	}

	idx := b.newIndex(tenantID, db, coll)
	idx.dim = m.Dimension
	idx.model = m.Model

	span.SetAttributes(attribute.Int("count", m.Count))
	span.SetStatus(codes.Ok, "")
	b.logger.Debug("loaded index",
		zap.String("tenant", tenantID),
		zap.Int("count", m.Count),
		zap.String("model", m.Model))
	return idx, nil
}

// Close is a no-op; indexes hold no external resources.
func (b *ChromemBackend) Close() error { return nil }

func (b *ChromemBackend) dir(tenantID string) string {
	return filepath.Join(b.config.BaseDir, tenantID)
}

func (b *ChromemBackend) newIndex(tenantID string, db *chromem.DB, coll *chromem.Collection) *chromemIndex {
	return &chromemIndex{
		tenantID: tenantID,
		dir:      b.dir(tenantID),
		config:   b.config,
		logger:   b.logger.With(zap.String("tenant", tenantID)),
		db:       db,
		coll:     coll,
	}
}

func (b *ChromemBackend) corrupt(tenantID, stage string, err error) error {
	b.logger.Warn("persisted index unreadable, treating as absent",
		zap.String("tenant", tenantID),
		zap.String("stage", stage),
		zap.Error(err))
	return fmt.Errorf("%w: %w: %s: %v", ErrIndexUnavailable, ErrCorruptIndex, stage, err)
}

// precomputedOnly is the collection embedding func. Records always carry
// their vectors, so chromem must never be asked to embed text itself.
func precomputedOnly(_ context.Context, _ string) ([]float32, error) {
	return nil, errors.New("chromem index stores precomputed vectors only")
}

type chromemIndex struct {
	mu       sync.RWMutex
	tenantID string
	dir      string
	config   ChromemConfig
	logger   *zap.Logger
	db       *chromem.DB
	coll     *chromem.Collection
	dim      int
	model    string
}

func (x *chromemIndex) Insert(ctx context.Context, records []Record) error {
	ctx, span := tracer.Start(ctx, "chromemIndex.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", x.tenantID),
		attribute.Int("records", len(records)),
	)

	x.mu.Lock()
	defer x.mu.Unlock()

	dim, model, err := checkRecords(records, x.dim, x.model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid records")
		return err
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		meta := make(map[string]string, len(r.Metadata)+3)
		for k, v := range r.Metadata {
			meta[k] = v
		}
		meta[MetaDocumentID] = r.DocumentID
		meta[MetaChunkIndex] = strconv.Itoa(r.ChunkIndex)
		meta[MetaModel] = r.Model

		docs[i] = chromem.Document{
			ID:        r.Key(),
			Content:   r.Content,
			Metadata:  meta,
			Embedding: append([]float32(nil), r.Vector...),
		}
	}

	if err := x.coll.AddDocuments(ctx, docs, x.config.Concurrency); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "add failed")
		return fmt.Errorf("adding records to tenant %s: %w", x.tenantID, err)
	}
	x.dim, x.model = dim, model

	span.SetStatus(codes.Ok, "")
	return nil
}

func (x *chromemIndex) Search(ctx context.Context, query []float32, k int, threshold float64) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "chromemIndex.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", x.tenantID),
		attribute.Int("k", k),
		attribute.Float64("threshold", threshold),
	)

	x.mu.RLock()
	defer x.mu.RUnlock()

	count := x.coll.Count()
	if k <= 0 || count == 0 {
		return nil, nil
	}
	if x.dim != 0 && len(query) != x.dim {
		err := fmt.Errorf("%w: index has %d, query has %d", ErrDimensionMismatch, x.dim, len(query))
		span.RecordError(err)
		span.SetStatus(codes.Error, "dimension mismatch")
		return nil, err
	}

	// chromem rejects nResults above the collection size.
	n := min(k, count)
	results, err := x.coll.QueryEmbedding(ctx, append([]float32(nil), query...), n, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("querying tenant %s: %w", x.tenantID, err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		chunk, _ := strconv.Atoi(r.Metadata[MetaChunkIndex])
		d := cosineDistance(float64(r.Similarity))
		matches = append(matches, Match{
			DocumentID: r.Metadata[MetaDocumentID],
			ChunkIndex: chunk,
			Content:    r.Content,
			Distance:   d,
			Similarity: Similarity(d),
			Metadata:   r.Metadata,
		})
	}
	matches = rankMatches(matches, k, threshold)

	span.SetAttributes(attribute.Int("results", len(matches)))
	span.SetStatus(codes.Ok, "")
	return matches, nil
}

func (x *chromemIndex) DeleteDocument(ctx context.Context, documentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if documentID == "" {
		return errors.New("document id required")
	}
	if x.coll.Count() == 0 {
		return nil
	}
	if err := x.coll.Delete(ctx, map[string]string{MetaDocumentID: documentID}, nil); err != nil {
		return fmt.Errorf("deleting document %s from tenant %s: %w", documentID, x.tenantID, err)
	}
	return nil
}

// Persist replaces the tenant's index file and manifest. Both are written
// to temporary files and renamed into place.
func (x *chromemIndex) Persist(ctx context.Context) error {
	_, span := tracer.Start(ctx, "chromemIndex.Persist")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", x.tenantID))

	x.mu.RLock()
	defer x.mu.RUnlock()

	if err := os.MkdirAll(x.dir, 0o700); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mkdir failed")
		return fmt.Errorf("creating index directory: %w", err)
	}

	name := indexFile
	if x.config.Compress {
		name += ".gz"
	}

	tmp, err := os.CreateTemp(x.dir, "index-*.tmp-"+name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "temp file failed")
		return fmt.Errorf("creating temp index file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()

	if err := x.db.ExportToFile(tmpPath, x.config.Compress, x.config.EncryptionKey, chromemCollection); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "export failed")
		return fmt.Errorf("exporting index: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(x.dir, name)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rename failed")
		return fmt.Errorf("replacing index file: %w", err)
	}

	m := manifest{
		Version:   manifestVersion,
		Model:     x.model,
		Dimension: x.dim,
		Count:     x.coll.Count(),
		File:      name,
		Encrypted: x.config.EncryptionKey != "",
		SavedAt:   time.Now().UTC(),
	}
	if err := writeJSONAtomic(filepath.Join(x.dir, manifestFile), m); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "manifest failed")
		return err
	}

	// Drop the file left over from a different compression setting.
	stale := indexFile
	if !x.config.Compress {
		stale += ".gz"
	}
	_ = os.Remove(filepath.Join(x.dir, stale))

	span.SetAttributes(attribute.Int("count", m.Count))
	span.SetStatus(codes.Ok, "")
	x.logger.Debug("persisted index", zap.Int("count", m.Count), zap.String("file", name))
	return nil
}

func (x *chromemIndex) Count() int {
	return x.coll.Count()
}

func (x *chromemIndex) Dimension() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.dim
}

func (x *chromemIndex) Model() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.model
}

// writeJSONAtomic marshals v into path via a temp file and rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
