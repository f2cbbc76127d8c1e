// Package store defines the document records that ingestion reads source
// text from, and the contract their storage backends implement.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDocumentNotFound is returned when no document has the given id.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrInvalidDocument is returned by Validate.
	ErrInvalidDocument = errors.New("invalid document")
)

// Document is a tenant's source text.
type Document struct {
	ID       string
	TenantID string
	Title    string
	Text     string

	// ChunkCount is the number of chunks produced by the last ingestion.
	ChunkCount int
	IndexedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the fields every stored document must carry.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidDocument)
	}
	if strings.TrimSpace(d.TenantID) == "" {
		return fmt.Errorf("%w: tenant id required", ErrInvalidDocument)
	}
	return nil
}

// DocumentStore persists documents.
type DocumentStore interface {
	// Put inserts or replaces a document. CreatedAt is kept on replace.
	Put(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	// List returns a tenant's documents ordered by id.
	List(ctx context.Context, tenantID string) ([]*Document, error)
	Delete(ctx context.Context, id string) error

	// DocumentText returns the raw text of a document.
	DocumentText(ctx context.Context, id string) (string, error)
	// RecordChunkCount stores the chunk count of the last ingestion and
	// marks the document indexed.
	RecordChunkCount(ctx context.Context, id string, count int) error
}
