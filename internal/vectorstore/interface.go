package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrIndexUnavailable means the tenant has no usable index.
	ErrIndexUnavailable = errors.New("index unavailable")

	// ErrCorruptIndex means persisted index data could not be read.
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrDimensionMismatch means a vector length differs from the index.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrModelMismatch means a record was embedded with a different model.
	ErrModelMismatch = errors.New("embedding model mismatch")

	// ErrEmptyRecords means Insert was called without records.
	ErrEmptyRecords = errors.New("records cannot be empty")

	// ErrInvalidConfig indicates invalid backend configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Index is the vector set of one tenant. Implementations are not safe for
// concurrent mutation; the registry serializes writers per tenant.
type Index interface {
	// Insert adds records, replacing any with the same document and chunk.
	Insert(ctx context.Context, records []Record) error

	// Search returns at most k matches with similarity >= threshold,
	// best first.
	Search(ctx context.Context, query []float32, k int, threshold float64) ([]Match, error)

	// DeleteDocument removes every record of documentID.
	DeleteDocument(ctx context.Context, documentID string) error

	// Persist writes the index to durable storage.
	Persist(ctx context.Context) error

	Count() int
	Dimension() int
	Model() string
}

// Backend creates and loads tenant indexes.
type Backend interface {
	// Create returns a new empty index for tenantID.
	Create(ctx context.Context, tenantID string) (Index, error)

	// Load returns the persisted index of tenantID, or ErrIndexUnavailable.
	Load(ctx context.Context, tenantID string) (Index, error)

	Close() error
}

// checkRecords validates records against an index's dimension and model.
// Zero dim or empty model accept whatever the first record carries.
func checkRecords(records []Record, dim int, model string) (int, string, error) {
	if len(records) == 0 {
		return dim, model, ErrEmptyRecords
	}
	for i, r := range records {
		if r.DocumentID == "" {
			return dim, model, fmt.Errorf("record %d: document id required", i)
		}
		if r.Dimension != len(r.Vector) || len(r.Vector) == 0 {
			return dim, model, fmt.Errorf("%w: record %d declares %d, vector has %d",
				ErrDimensionMismatch, i, r.Dimension, len(r.Vector))
		}
		if dim == 0 {
			dim = r.Dimension
		} else if r.Dimension != dim {
			return dim, model, fmt.Errorf("%w: index has %d, record %d has %d",
				ErrDimensionMismatch, dim, i, r.Dimension)
		}
		if model == "" {
			model = r.Model
		} else if r.Model != model {
			return dim, model, fmt.Errorf("%w: index uses %q, record %d uses %q",
				ErrModelMismatch, model, i, r.Model)
		}
	}
	return dim, model, nil
}

// ValidateRecords reports whether records could be inserted into idx
// without changing it.
func ValidateRecords(idx Index, records []Record) error {
	_, _, err := checkRecords(records, idx.Dimension(), idx.Model())
	return err
}
