package vectorstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/docrag/internal/logging"
)

func rec(doc string, chunk int, vec ...float32) Record {
	return Record{
		DocumentID: doc,
		ChunkIndex: chunk,
		Content:    doc + " chunk",
		Vector:     vec,
		Model:      "test-model",
		Dimension:  len(vec),
		Metadata:   map[string]string{"position": "x"},
	}
}

func newTestBackend(t *testing.T, cfg ChromemConfig) *ChromemBackend {
	t.Helper()
	if cfg.BaseDir == "" {
		cfg.BaseDir = t.TempDir()
	}
	b, err := NewChromemBackend(cfg, nil)
	require.NoError(t, err)
	return b
}

func seeded(t *testing.T, b *ChromemBackend, tenant string) Index {
	t.Helper()
	ctx := context.Background()
	idx, err := b.Create(ctx, tenant)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(ctx, []Record{
		rec("doc-a", 0, 1, 0, 0),
		rec("doc-a", 1, 0.8, 0.6, 0),
		rec("doc-b", 0, 0, 1, 0),
	}))
	return idx
}

func TestChromemConfig_Validate(t *testing.T) {
	cfg := ChromemConfig{}
	cfg.ApplyDefaults()
	assert.NotEmpty(t, cfg.BaseDir)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.NoError(t, cfg.Validate())

	cfg.EncryptionKey = "short"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestChromemIndex_SearchRanksAndFilters(t *testing.T) {
	ctx := context.Background()
	idx := seeded(t, newTestBackend(t, ChromemConfig{}), "acme")

	assert.Equal(t, 3, idx.Count())
	assert.Equal(t, 3, idx.Dimension())
	assert.Equal(t, "test-model", idx.Model())

	matches, err := idx.Search(ctx, []float32{1, 0, 0}, 5, 0.7)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "doc-a", matches[0].DocumentID)
	assert.Equal(t, 0, matches[0].ChunkIndex)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-4)
	assert.Equal(t, 1, matches[1].ChunkIndex)
	assert.InDelta(t, 1/1.4, matches[1].Similarity, 1e-4)
	assert.Equal(t, "doc-a chunk", matches[1].Content)

	all, err := idx.Search(ctx, []float32{1, 0, 0}, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.InDelta(t, 1.0/3, all[2].Similarity, 1e-4)

	top, err := idx.Search(ctx, []float32{1, 0, 0}, 1, 0)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestChromemIndex_SearchEmptyIndex(t *testing.T) {
	ctx := context.Background()
	idx, err := newTestBackend(t, ChromemConfig{}).Create(ctx, "empty")
	require.NoError(t, err)

	matches, err := idx.Search(ctx, []float32{1, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestChromemIndex_InsertValidation(t *testing.T) {
	ctx := context.Background()
	idx := seeded(t, newTestBackend(t, ChromemConfig{}), "acme")

	assert.ErrorIs(t, idx.Insert(ctx, nil), ErrEmptyRecords)
	assert.ErrorIs(t, idx.Insert(ctx, []Record{rec("doc-c", 0, 1, 0)}), ErrDimensionMismatch)

	other := rec("doc-c", 0, 1, 0, 0)
	other.Model = "other-model"
	assert.ErrorIs(t, idx.Insert(ctx, []Record{other}), ErrModelMismatch)

	lying := rec("doc-c", 0, 1, 0, 0)
	lying.Dimension = 4
	assert.ErrorIs(t, idx.Insert(ctx, []Record{lying}), ErrDimensionMismatch)

	_, err := idx.Search(ctx, []float32{1, 0}, 5, 0)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 3, idx.Count(), "failed inserts leave the index untouched")
}

func TestChromemIndex_InsertReplacesSameChunk(t *testing.T) {
	ctx := context.Background()
	idx := seeded(t, newTestBackend(t, ChromemConfig{}), "acme")

	updated := rec("doc-b", 0, 1, 0, 0)
	updated.Content = "rewritten"
	require.NoError(t, idx.Insert(ctx, []Record{updated}))
	assert.Equal(t, 3, idx.Count())

	matches, err := idx.Search(ctx, []float32{1, 0, 0}, 5, 0.99)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "doc-a", matches[0].DocumentID, "ties break by document id")
	assert.Equal(t, "rewritten", matches[1].Content)
}

func TestChromemIndex_DeleteDocument(t *testing.T) {
	ctx := context.Background()
	idx := seeded(t, newTestBackend(t, ChromemConfig{}), "acme")

	require.NoError(t, idx.DeleteDocument(ctx, "doc-a"))
	assert.Equal(t, 1, idx.Count())

	matches, err := idx.Search(ctx, []float32{1, 0, 0}, 5, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "doc-b", matches[0].DocumentID)

	require.NoError(t, idx.DeleteDocument(ctx, "missing"))
}

func TestChromemBackend_PersistLoadRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  ChromemConfig
	}{
		{"plain", ChromemConfig{}},
		{"compressed", ChromemConfig{Compress: true}},
		{"encrypted", ChromemConfig{Compress: true, EncryptionKey: strings.Repeat("k", 32)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			tc.cfg.BaseDir = t.TempDir()
			b := newTestBackend(t, tc.cfg)
			idx := seeded(t, b, "acme")
			query := []float32{0.6, 0.8, 0}

			before, err := idx.Search(ctx, query, 5, 0)
			require.NoError(t, err)
			require.NoError(t, idx.Persist(ctx))
			require.NoError(t, idx.Persist(ctx), "persist is repeatable")

			loaded, err := newTestBackend(t, tc.cfg).Load(ctx, "acme")
			require.NoError(t, err)
			assert.Equal(t, 3, loaded.Count())
			assert.Equal(t, 3, loaded.Dimension())
			assert.Equal(t, "test-model", loaded.Model())

			after, err := loaded.Search(ctx, query, 5, 0)
			require.NoError(t, err)
			require.Len(t, after, len(before))
			for i := range before {
				assert.Equal(t, before[i].DocumentID, after[i].DocumentID)
				assert.Equal(t, before[i].ChunkIndex, after[i].ChunkIndex)
				assert.InDelta(t, before[i].Similarity, after[i].Similarity, 1e-6)
			}

			entries, err := os.ReadDir(filepath.Join(tc.cfg.BaseDir, "acme"))
			require.NoError(t, err)
			assert.Len(t, entries, 2, "only the index file and manifest remain")
		})
	}
}

func TestChromemBackend_LoadMissing(t *testing.T) {
	_, err := newTestBackend(t, ChromemConfig{}).Load(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.NotErrorIs(t, err, ErrCorruptIndex)
}

func TestChromemBackend_LoadCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	log := logging.NewTestLogger()
	b, err := NewChromemBackend(ChromemConfig{BaseDir: dir}, log.Logger)
	require.NoError(t, err)

	idx := seeded(t, b, "acme")
	require.NoError(t, idx.Persist(ctx))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme", indexFile), []byte("not a gob stream"), 0o600))

	_, err = b.Load(ctx, "acme")
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.ErrorIs(t, err, ErrCorruptIndex)
	log.AssertLogged(t, zapcore.WarnLevel, "persisted index unreadable")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme", manifestFile), []byte("{"), 0o600))
	_, err = b.Load(ctx, "acme")
	assert.ErrorIs(t, err, ErrCorruptIndex)
}

func TestChromemBackend_RejectsUnsafeTenant(t *testing.T) {
	b := newTestBackend(t, ChromemConfig{})
	_, err := b.Create(context.Background(), "../escape")
	assert.ErrorIs(t, err, ErrInvalidTenant)
	_, err = b.Load(context.Background(), "..")
	assert.ErrorIs(t, err, ErrInvalidTenant)
}
