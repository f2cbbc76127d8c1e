// Package retrieval turns documents into searchable chunk vectors and
// answers similarity queries over a tenant's chunks.
//
// Ingestion segments a document, embeds every chunk in one batch and
// replaces the document's records in the tenant index. Search expands the
// query into synonym candidates, embeds them in one query-path call, queries the
// index once per candidate and merges the hits, keeping the best
// similarity per chunk.
package retrieval

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/docrag/internal/registry"
	"github.com/fyrsmithlabs/docrag/internal/store"
	"github.com/fyrsmithlabs/docrag/internal/vectorstore"
)

var (
	// ErrEmptyDocument is returned when a document has no text.
	ErrEmptyDocument = errors.New("document has no text")
	// ErrUnchunkableDocument is returned when segmentation yields no chunks.
	ErrUnchunkableDocument = errors.New("document produced no chunks")
	// ErrEmbeddingFailure wraps embedding gateway errors and vector count
	// mismatches.
	ErrEmbeddingFailure = errors.New("embedding failed")
	// ErrEmptyQuery is returned for a blank search query.
	ErrEmptyQuery = errors.New("query is empty")
	// ErrDocumentNotFound is returned by IngestDocument for unknown ids.
	ErrDocumentNotFound = store.ErrDocumentNotFound
)

// Defaults for Config.
const (
	DefaultMaxResults = 5
	DefaultThreshold  = 0.7
)

// Embedder produces vectors for chunk and query text. Queries and documents
// take separate paths since asymmetric models embed them differently.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQueries(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// DocumentStore supplies document text and receives chunk counts.
type DocumentStore interface {
	DocumentText(ctx context.Context, documentID string) (string, error)
	RecordChunkCount(ctx context.Context, documentID string, count int) error
}

// Redactor masks secrets in document text before it is chunked.
type Redactor interface {
	Redact(ctx context.Context, text string) (string, error)
}

// VectorIndex is the slice of the index registry used here.
// *registry.Registry satisfies it.
type VectorIndex interface {
	ReplaceDocument(ctx context.Context, tenantID, documentID string, records []vectorstore.Record) (*registry.InsertResult, error)
	DeleteDocument(ctx context.Context, tenantID, documentID string) error
	Search(ctx context.Context, tenantID string, query []float32, k int, threshold float64) ([]vectorstore.Match, error)
	HasIndex(ctx context.Context, tenantID string) (bool, error)
}

var _ VectorIndex = (*registry.Registry)(nil)

// Document is the input to Ingest.
type Document struct {
	ID       string
	TenantID string
	Text     string
}

// IngestResult describes a completed ingestion.
type IngestResult struct {
	TenantID   string
	DocumentID string
	Chunks     int
	Model      string
	Dimension  int

	// IndexCount is the tenant's record count after the replace.
	IndexCount int

	// PersistErr is set when the index accepted the records but could not
	// be written to disk.
	PersistErr error
}

// SearchOptions tunes one search. Zero values use the service defaults.
type SearchOptions struct {
	MaxResults int
	Threshold  float64
}

// Result is one ranked chunk.
type Result struct {
	DocumentID string
	ChunkIndex int
	Content    string
	Similarity float64
	Distance   float64

	// MatchedQuery is the query candidate that produced the best score.
	MatchedQuery string
	Metadata     map[string]string
}

// Config holds search defaults.
type Config struct {
	MaxResults int
	Threshold  float64
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
}
