// Package registry owns the resident vector index of every tenant.
//
// The Registry is an explicit object handed to the retrieval pipeline. Each
// tenant has its own entry and lock, so ingestion in one tenant never waits
// on another, and a search in a tenant never observes a half-applied
// ingestion. Indexes are created on first insert and loaded lazily on first
// search.
//
// Known tenants are recorded in a catalog file (tenants.json) next to the
// indexes so that tenants persisted by an earlier process are listed before
// they are loaded.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docrag/internal/logging"
	"github.com/fyrsmithlabs/docrag/internal/vectorstore"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/docrag/internal/registry")

// Durability modes for Insert.
const (
	// BestEffort keeps an insert whose persist failed and reports the
	// failure in InsertResult.
	BestEffort = "best-effort"

	// WriteAhead returns the persist failure as the Insert error.
	WriteAhead = "write-ahead"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("registry closed")

	// ErrCatalogCorrupted means tenants.json could not be parsed.
	ErrCatalogCorrupted = errors.New("tenant catalog corrupted")
)

// Entry is a catalog record for a tenant.
type Entry struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type catalogData struct {
	Version int               `json:"version"`
	Tenants map[string]*Entry `json:"tenants"`
}

// InsertResult describes a completed insert.
type InsertResult struct {
	Inserted int
	Count    int

	// PersistErr is the persist failure of a best-effort insert. The
	// records stay searchable in memory.
	PersistErr error
}

// Stats describes a tenant's index.
type Stats struct {
	TenantID  string
	Resident  bool
	Count     int
	Dimension int
	Model     string
	Dirty     bool
}

// Config configures a Registry.
type Config struct {
	// CatalogPath is the tenants.json location. Empty disables the catalog.
	CatalogPath string

	// Durability is BestEffort (default) or WriteAhead.
	Durability string
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

type entry struct {
	mu    sync.RWMutex
	index vectorstore.Index
	// dirty is set when the resident index has changes a persist failed to
	// write.
	dirty bool
}

// Registry maps tenant ids to resident indexes.
type Registry struct {
	backend    vectorstore.Backend
	durability string
	logger     *zap.Logger

	entries sync.Map // tenant id -> *entry

	catalogMu   sync.Mutex
	catalogPath string
	catalog     *catalogData

	closeMu sync.RWMutex
	closed  bool
}

// New creates a registry over backend.
func New(backend vectorstore.Backend, cfg Config, opts ...Option) (*Registry, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	switch cfg.Durability {
	case "":
		cfg.Durability = BestEffort
	case BestEffort, WriteAhead:
	default:
		return nil, fmt.Errorf("unknown durability mode %q", cfg.Durability)
	}

	r := &Registry{
		backend:     backend,
		durability:  cfg.Durability,
		logger:      zap.NewNop(),
		catalogPath: cfg.CatalogPath,
		catalog:     &catalogData{Version: 1, Tenants: make(map[string]*Entry)},
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.catalogPath != "" {
		if err := os.MkdirAll(filepath.Dir(r.catalogPath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
		err := r.loadCatalog()
		switch {
		case err == nil, errors.Is(err, os.ErrNotExist):
		case errors.Is(err, ErrCatalogCorrupted):
			// Indexes live in their own directories; only listing is lost.
			r.logger.Warn("ignoring unreadable tenant catalog",
				zap.String("path", r.catalogPath), zap.Error(err))
		default:
			return nil, fmt.Errorf("failed to load tenant catalog: %w", err)
		}
	}
	return r, nil
}

// Insert adds records to the tenant's index, creating or loading it first,
// then persists the index.
func (r *Registry) Insert(ctx context.Context, tenantID string, records []vectorstore.Record) (*InsertResult, error) {
	return r.write(ctx, "Registry.Insert", tenantID, func(idx vectorstore.Index) error {
		return idx.Insert(ctx, records)
	}, len(records))
}

// ReplaceDocument swaps every record of documentID for records. The new
// records are validated before the old ones are removed.
func (r *Registry) ReplaceDocument(ctx context.Context, tenantID, documentID string, records []vectorstore.Record) (*InsertResult, error) {
	for i, rec := range records {
		if rec.DocumentID != documentID {
			return nil, fmt.Errorf("record %d belongs to document %q, not %q", i, rec.DocumentID, documentID)
		}
	}
	return r.write(ctx, "Registry.ReplaceDocument", tenantID, func(idx vectorstore.Index) error {
		if err := vectorstore.ValidateRecords(idx, records); err != nil {
			return err
		}
		if err := idx.DeleteDocument(ctx, documentID); err != nil {
			return err
		}
		return idx.Insert(ctx, records)
	}, len(records))
}

// DeleteDocument removes a document's records and persists the index. A
// tenant without an index has nothing to delete.
func (r *Registry) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	if err := r.acquire(); err != nil {
		return err
	}
	defer r.closeMu.RUnlock()
	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return err
	}

	e := r.entry(tenantID)
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := r.resident(ctx, tenantID, e)
	if err != nil {
		return err
	}
	if idx == nil {
		return nil
	}
	if err := idx.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	return r.persistLocked(ctx, tenantID, e)
}

// Search queries the tenant's index, loading it on first use. A tenant with
// no index yields no matches and a warning, never an error.
func (r *Registry) Search(ctx context.Context, tenantID string, query []float32, k int, threshold float64) ([]vectorstore.Match, error) {
	ctx, span := tracer.Start(ctx, "Registry.Search")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", tenantID), attribute.Int("k", k))

	if err := r.acquire(); err != nil {
		return nil, err
	}
	defer r.closeMu.RUnlock()
	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	e := r.entry(tenantID)
	if err := r.ensureLoaded(ctx, tenantID, e); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.index == nil {
		logging.For(ctx, r.logger).Warn("no index for tenant, returning no results",
			zap.String("tenant", tenantID))
		span.SetStatus(codes.Ok, "no index")
		return nil, nil
	}
	matches, err := e.index.Search(ctx, query, k, threshold)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(matches)))
	span.SetStatus(codes.Ok, "")
	return matches, nil
}

// HasIndex reports whether the tenant has a resident or persisted index,
// loading it on first use.
func (r *Registry) HasIndex(ctx context.Context, tenantID string) (bool, error) {
	if err := r.acquire(); err != nil {
		return false, err
	}
	defer r.closeMu.RUnlock()
	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return false, err
	}

	e := r.entry(tenantID)
	if err := r.ensureLoaded(ctx, tenantID, e); err != nil {
		return false, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index != nil, nil
}

// Persist writes the tenant's resident index. A tenant with nothing
// resident is left alone.
func (r *Registry) Persist(ctx context.Context, tenantID string) error {
	if err := r.acquire(); err != nil {
		return err
	}
	defer r.closeMu.RUnlock()
	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return err
	}

	e := r.entry(tenantID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index == nil {
		return nil
	}
	return r.persistLocked(ctx, tenantID, e)
}

// Load replaces the resident index with the persisted one. It reports false
// when nothing usable is persisted.
func (r *Registry) Load(ctx context.Context, tenantID string) (bool, error) {
	if err := r.acquire(); err != nil {
		return false, err
	}
	defer r.closeMu.RUnlock()
	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return false, err
	}

	e := r.entry(tenantID)
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := r.backend.Load(ctx, tenantID)
	if errors.Is(err, vectorstore.ErrIndexUnavailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.index, e.dirty = idx, false
	r.register(tenantID)
	return true, nil
}

// Tenants lists resident and catalogued tenants, sorted.
func (r *Registry) Tenants() []string {
	seen := make(map[string]struct{})
	r.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.RLock()
		if e.index != nil {
			seen[k.(string)] = struct{}{}
		}
		e.mu.RUnlock()
		return true
	})

	r.catalogMu.Lock()
	for name := range r.catalog.Tenants {
		seen[name] = struct{}{}
	}
	r.catalogMu.Unlock()

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Stats reports on the tenant's resident index.
func (r *Registry) Stats(tenantID string) Stats {
	s := Stats{TenantID: tenantID}
	v, ok := r.entries.Load(tenantID)
	if !ok {
		return s
	}
	e := v.(*entry)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.index == nil {
		return s
	}
	s.Resident = true
	s.Count = e.index.Count()
	s.Dimension = e.index.Dimension()
	s.Model = e.index.Model()
	s.Dirty = e.dirty
	return s
}

// Lookup returns the catalog entry of tenantID.
func (r *Registry) Lookup(tenantID string) (*Entry, bool) {
	r.catalogMu.Lock()
	defer r.catalogMu.Unlock()
	e, ok := r.catalog.Tenants[tenantID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Evict drops the resident copy of a tenant's index. Unpersisted changes
// are written first; if that fails the index stays resident.
func (r *Registry) Evict(ctx context.Context, tenantID string) error {
	v, ok := r.entries.Load(tenantID)
	if !ok {
		return nil
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index != nil && e.dirty {
		if err := r.persistLocked(ctx, tenantID, e); err != nil {
			return err
		}
	}
	e.index = nil
	return nil
}

// Close persists dirty indexes and closes the backend.
func (r *Registry) Close(ctx context.Context) error {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		return nil
	}
	r.closed = true
	r.closeMu.Unlock()

	var errs []error
	r.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.index != nil && e.dirty {
			if err := r.persistLocked(ctx, k.(string), e); err != nil {
				errs = append(errs, err)
			}
		}
		e.mu.Unlock()
		return true
	})
	if err := r.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Registry) write(ctx context.Context, op, tenantID string, apply func(vectorstore.Index) error, n int) (*InsertResult, error) {
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("tenant", tenantID), attribute.Int("records", n))

	if err := r.acquire(); err != nil {
		return nil, err
	}
	defer r.closeMu.RUnlock()
	if err := vectorstore.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	e := r.entry(tenantID)
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := r.resident(ctx, tenantID, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}
	if idx == nil {
		idx, err = r.backend.Create(ctx, tenantID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create failed")
			return nil, fmt.Errorf("creating index for tenant %s: %w", tenantID, err)
		}
		e.index = idx
		r.register(tenantID)
	}

	if err := apply(idx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, err
	}

	res := &InsertResult{Inserted: n, Count: idx.Count()}
	if err := r.persistLocked(ctx, tenantID, e); err != nil {
		if r.durability == WriteAhead {
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist failed")
			return nil, err
		}
		res.PersistErr = err
	}
	span.SetStatus(codes.Ok, "")
	return res, nil
}

// resident returns the tenant's index, loading it from the backend when it
// is not in memory. It returns nil when nothing is persisted. Callers hold
// e.mu for writing.
func (r *Registry) resident(ctx context.Context, tenantID string, e *entry) (vectorstore.Index, error) {
	if e.index != nil {
		return e.index, nil
	}
	idx, err := r.backend.Load(ctx, tenantID)
	if errors.Is(err, vectorstore.ErrIndexUnavailable) {
		if errors.Is(err, vectorstore.ErrCorruptIndex) {
			logging.For(ctx, r.logger).Warn("discarding unreadable index",
				zap.String("tenant", tenantID), zap.Error(err))
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading index for tenant %s: %w", tenantID, err)
	}
	e.index = idx
	r.register(tenantID)
	return idx, nil
}

// ensureLoaded loads the tenant's index if it is not resident. Callers
// hold no lock on e.
func (r *Registry) ensureLoaded(ctx context.Context, tenantID string, e *entry) error {
	e.mu.RLock()
	resident := e.index != nil
	e.mu.RUnlock()
	if resident {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := r.resident(ctx, tenantID, e)
	return err
}

// persistLocked writes e.index. Callers hold e.mu for writing.
func (r *Registry) persistLocked(ctx context.Context, tenantID string, e *entry) error {
	if err := e.index.Persist(ctx); err != nil {
		e.dirty = true
		logging.For(ctx, r.logger).Error("failed to persist index",
			zap.String("tenant", tenantID),
			zap.String("durability", r.durability),
			zap.Error(err))
		return fmt.Errorf("persisting index for tenant %s: %w", tenantID, err)
	}
	e.dirty = false
	return nil
}

func (r *Registry) entry(tenantID string) *entry {
	if v, ok := r.entries.Load(tenantID); ok {
		return v.(*entry)
	}
	v, _ := r.entries.LoadOrStore(tenantID, &entry{})
	return v.(*entry)
}

func (r *Registry) acquire() error {
	r.closeMu.RLock()
	if r.closed {
		r.closeMu.RUnlock()
		return ErrClosed
	}
	return nil
}

// register adds tenantID to the catalog. Catalog write failures are logged;
// the catalog only drives listing.
func (r *Registry) register(tenantID string) {
	r.catalogMu.Lock()
	defer r.catalogMu.Unlock()
	if _, ok := r.catalog.Tenants[tenantID]; ok {
		return
	}
	r.catalog.Tenants[tenantID] = &Entry{
		UUID:      uuid.New().String(),
		Name:      tenantID,
		CreatedAt: time.Now().UTC(),
	}
	if r.catalogPath == "" {
		return
	}
	if err := r.saveCatalog(); err != nil {
		r.logger.Warn("failed to save tenant catalog", zap.String("path", r.catalogPath), zap.Error(err))
	}
}

func (r *Registry) loadCatalog() error {
	data, err := os.ReadFile(r.catalogPath)
	if err != nil {
		return err
	}
	var cd catalogData
	if err := json.Unmarshal(data, &cd); err != nil {
		return fmt.Errorf("%w: %v", ErrCatalogCorrupted, err)
	}
	if cd.Tenants == nil {
		cd.Tenants = make(map[string]*Entry)
	}
	r.catalog = &cd
	return nil
}

func (r *Registry) saveCatalog() error {
	data, err := json.MarshalIndent(r.catalog, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}
	tmpPath := r.catalogPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := os.Rename(tmpPath, r.catalogPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename catalog: %w", err)
	}
	return nil
}
