// Package memory provides in-process store implementations for tests and
// short-lived runs.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fyrsmithlabs/docrag/internal/store"
)

var _ store.DocumentStore = (*DocumentStore)(nil)

// DocumentStore is an in-memory store.DocumentStore.
type DocumentStore struct {
	mu        sync.RWMutex
	documents map[string]store.Document
	now       func() time.Time
}

// NewDocumentStore creates an empty document store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		documents: make(map[string]store.Document),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Put stores or replaces a document.
func (s *DocumentStore) Put(_ context.Context, doc *store.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d := *doc
	now := s.now()
	if prev, ok := s.documents[d.ID]; ok {
		d.CreatedAt = prev.CreatedAt
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.documents[d.ID] = d
	return nil
}

// Get retrieves a document by id.
func (s *DocumentStore) Get(_ context.Context, id string) (*store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrDocumentNotFound, id)
	}
	return &d, nil
}

// List returns the tenant's documents ordered by id.
func (s *DocumentStore) List(_ context.Context, tenantID string) ([]*store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Document, 0)
	for _, d := range s.documents {
		if d.TenantID == tenantID {
			out = append(out, &d)
		}
	}
	slices.SortFunc(out, func(a, b *store.Document) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Delete removes a document.
func (s *DocumentStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[id]; !ok {
		return fmt.Errorf("%w: %s", store.ErrDocumentNotFound, id)
	}
	delete(s.documents, id)
	return nil
}

// DocumentText returns the text of a document.
func (s *DocumentStore) DocumentText(ctx context.Context, id string) (string, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return d.Text, nil
}

// RecordChunkCount stores count and marks the document indexed.
func (s *DocumentStore) RecordChunkCount(_ context.Context, id string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrDocumentNotFound, id)
	}
	now := s.now()
	d.ChunkCount = count
	d.IndexedAt = &now
	d.UpdatedAt = now
	s.documents[id] = d
	return nil
}
