// Package storetest holds behaviour tests shared by every
// store.DocumentStore implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/docrag/internal/store"
)

// RunDocumentStoreTests exercises a DocumentStore created fresh for each
// subtest.
func RunDocumentStoreTests(t *testing.T, newStore func(t *testing.T) store.DocumentStore) {
	t.Run("PutAndGet", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Put(ctx, &store.Document{ID: "doc-1", TenantID: "acme", Title: "Ontology", Text: "온톨로지는 개념의 명세이다."}))

		got, err := s.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, "acme", got.TenantID)
		assert.Equal(t, "Ontology", got.Title)
		assert.Equal(t, "온톨로지는 개념의 명세이다.", got.Text)
		assert.Zero(t, got.ChunkCount)
		assert.Nil(t, got.IndexedAt)
		assert.False(t, got.CreatedAt.IsZero())

		text, err := s.DocumentText(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, got.Text, text)
	})

	t.Run("PutReplacesKeepingCreatedAt", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

		require.NoError(t, s.Put(ctx, &store.Document{ID: "doc-1", TenantID: "acme", Text: "v1", CreatedAt: created}))
		require.NoError(t, s.Put(ctx, &store.Document{ID: "doc-1", TenantID: "acme", Text: "v2"}))

		got, err := s.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, "v2", got.Text)
		assert.True(t, created.Equal(got.CreatedAt))
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Put(context.Background(), &store.Document{TenantID: "acme", Text: "x"}), store.ErrInvalidDocument)
		assert.ErrorIs(t, s.Put(context.Background(), &store.Document{ID: "doc", Text: "x"}), store.ErrInvalidDocument)
	})

	t.Run("MissingDocument", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrDocumentNotFound)
		_, err = s.DocumentText(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrDocumentNotFound)
		assert.ErrorIs(t, s.RecordChunkCount(ctx, "missing", 3), store.ErrDocumentNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "missing"), store.ErrDocumentNotFound)
	})

	t.Run("RecordChunkCount", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Put(ctx, &store.Document{ID: "doc-1", TenantID: "acme", Text: "text"}))

		require.NoError(t, s.RecordChunkCount(ctx, "doc-1", 7))
		got, err := s.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, 7, got.ChunkCount)
		require.NotNil(t, got.IndexedAt)
	})

	t.Run("ListByTenantAndDelete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		for _, d := range []store.Document{
			{ID: "b", TenantID: "acme", Text: "b"},
			{ID: "a", TenantID: "acme", Text: "a"},
			{ID: "c", TenantID: "globex", Text: "c"},
		} {
			require.NoError(t, s.Put(ctx, &d))
		}

		docs, err := s.List(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "a", docs[0].ID)
		assert.Equal(t, "b", docs[1].ID)

		require.NoError(t, s.Delete(ctx, "a"))
		docs, err = s.List(ctx, "acme")
		require.NoError(t, err)
		require.Len(t, docs, 1)

		none, err := s.List(ctx, "initech")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
