package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/docrag/internal/store"
)

// documentStore implements store.DocumentStore.
type documentStore struct {
	store *Store
}

var _ store.DocumentStore = (*documentStore)(nil)

const documentColumns = `id, tenant_id, title, body, chunk_count, indexed_at, created_at, updated_at`

// Put stores or replaces a document, keeping the original created_at.
func (s *documentStore) Put(ctx context.Context, doc *store.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	created := doc.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err := s.store.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			title = excluded.title,
			body = excluded.body,
			chunk_count = excluded.chunk_count,
			indexed_at = excluded.indexed_at,
			updated_at = excluded.updated_at
	`, doc.ID, doc.TenantID, doc.Title, doc.Text, doc.ChunkCount,
		nullableNanos(doc.IndexedAt), toNanos(created), toNanos(now))
	if err != nil {
		return fmt.Errorf("saving document: %w", err)
	}
	return nil
}

// Get retrieves a document by id.
func (s *documentStore) Get(ctx context.Context, id string) (*store.Document, error) {
	row := s.store.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrDocumentNotFound, id)
	}
	return doc, err
}

// List returns a tenant's documents ordered by id.
func (s *documentStore) List(ctx context.Context, tenantID string) ([]*store.Document, error) {
	rows, err := s.store.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	docs := make([]*store.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Delete removes a document.
func (s *documentStore) Delete(ctx context.Context, id string) error {
	res, err := s.store.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	return requireAffected(res, store.ErrDocumentNotFound, id)
}

// DocumentText returns the body of a document.
func (s *documentStore) DocumentText(ctx context.Context, id string) (string, error) {
	var text string
	err := s.store.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE id = ?`, id).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", store.ErrDocumentNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("reading document text: %w", err)
	}
	return text, nil
}

// RecordChunkCount stores count and marks the document indexed.
func (s *documentStore) RecordChunkCount(ctx context.Context, id string, count int) error {
	now := toNanos(time.Now().UTC())
	res, err := s.store.db.ExecContext(ctx,
		`UPDATE documents SET chunk_count = ?, indexed_at = ?, updated_at = ? WHERE id = ?`,
		count, now, now, id)
	if err != nil {
		return fmt.Errorf("recording chunk count: %w", err)
	}
	return requireAffected(res, store.ErrDocumentNotFound, id)
}

func scanDocument(row rowScanner) (*store.Document, error) {
	var (
		doc              store.Document
		indexed          sql.NullInt64
		created, updated int64
	)
	err := row.Scan(&doc.ID, &doc.TenantID, &doc.Title, &doc.Text, &doc.ChunkCount,
		&indexed, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	doc.IndexedAt = timePtr(indexed)
	doc.CreatedAt = fromNanos(created)
	doc.UpdatedAt = fromNanos(updated)
	return &doc, nil
}

func requireAffected(res sql.Result, notFound error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}
