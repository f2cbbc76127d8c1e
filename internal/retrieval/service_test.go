package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/docrag/internal/chunker"
	"github.com/fyrsmithlabs/docrag/internal/expansion"
	"github.com/fyrsmithlabs/docrag/internal/registry"
	"github.com/fyrsmithlabs/docrag/internal/retrieval/retrievaltest"
	"github.com/fyrsmithlabs/docrag/internal/store"
	"github.com/fyrsmithlabs/docrag/internal/store/memory"
	"github.com/fyrsmithlabs/docrag/internal/vectorstore"
)

const (
	koreanOntology = "온톨로지는 개념과 개념 사이의 관계를 명시적으로 정의한 지식 표현 방식이다."
	vectorSearch   = "Vector search finds documents whose embeddings are close to the query."
	// shortVector fits in a single 40-rune chunk.
	shortVector = "Vector search ranks nearby chunks."
)

type fixture struct {
	svc      *Service
	reg      *registry.Registry
	embedder *retrievaltest.KeywordEmbedder
	docs     *memory.DocumentStore
}

func newFixture(t *testing.T, chunks chunker.Config, expand bool) *fixture {
	t.Helper()
	backend, err := vectorstore.NewChromemBackend(vectorstore.ChromemConfig{BaseDir: t.TempDir()}, nil)
	require.NoError(t, err)
	reg, err := registry.New(backend, registry.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	f := &fixture{
		reg:      reg,
		embedder: retrievaltest.NewKeywordEmbedder("ontology", "온톨로지", "vector", "paragraph"),
		docs:     memory.NewDocumentStore(),
	}
	var exp *expansion.Expander
	if expand {
		exp = expansion.New(expansion.Config{Synonyms: map[string][]string{"ontology": {"온톨로지"}}}, nil)
	}
	f.svc, err = New(Config{}, Dependencies{
		Documents: f.docs,
		Embedder:  f.embedder,
		Index:     reg,
		Expander:  exp,
		Chunker:   chunker.MustNew(chunks),
	})
	require.NoError(t, err)
	return f
}

func fiveParagraphs() string {
	paras := make([]string, 5)
	for i := range paras {
		paras[i] = fmt.Sprintf("paragraph %d talks about vectors.", i+1)
	}
	return strings.Join(paras, "\n\n")
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Dependencies{})
	assert.Error(t, err)
}

func TestIngest_IndexesChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chunker.Config{Size: 40, Overlap: 0}, false)

	res, err := f.svc.Ingest(ctx, Document{ID: "doc-1", TenantID: "acme", Text: fiveParagraphs()})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Chunks)
	assert.Equal(t, 5, res.IndexCount)
	assert.Equal(t, "keyword-test", res.Model)
	assert.Equal(t, 5, res.Dimension)
	assert.NoError(t, res.PersistErr)
	assert.Equal(t, 5, f.reg.Stats("acme").Count)
}

func TestIngest_ReplacesPreviousVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chunker.Config{Size: 40, Overlap: 0}, false)

	_, err := f.svc.Ingest(ctx, Document{ID: "doc-1", TenantID: "acme", Text: fiveParagraphs()})
	require.NoError(t, err)
	res, err := f.svc.Ingest(ctx, Document{ID: "doc-1", TenantID: "acme", Text: shortVector})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, 1, res.IndexCount)
}

func TestIngest_EmptyDocument(t *testing.T) {
	f := newFixture(t, chunker.DefaultConfig(), false)
	_, err := f.svc.Ingest(context.Background(), Document{ID: "doc-1", TenantID: "acme", Text: " \n\t "})
	assert.ErrorIs(t, err, ErrEmptyDocument)
	assert.Zero(t, f.embedder.Calls())
}

func TestIngest_UnchunkableDocument(t *testing.T) {
	f := newFixture(t, chunker.Config{Size: 10, Overlap: 0, MinLength: 20}, false)
	_, err := f.svc.Ingest(context.Background(), Document{ID: "doc-1", TenantID: "acme", Text: "aaaa bbbb cccc dddd"})
	assert.ErrorIs(t, err, ErrUnchunkableDocument)
	assert.Zero(t, f.embedder.Calls())
}

func TestIngest_EmbeddingCountMismatchLeavesIndexUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chunker.Config{Size: 40, Overlap: 0}, false)

	_, err := f.svc.Ingest(ctx, Document{ID: "doc-1", TenantID: "acme", Text: shortVector})
	require.NoError(t, err)
	before := f.reg.Stats("acme").Count

	f.embedder.Drop = 1
	_, err = f.svc.Ingest(ctx, Document{ID: "doc-1", TenantID: "acme", Text: fiveParagraphs()})
	require.ErrorIs(t, err, ErrEmbeddingFailure)
	assert.Contains(t, err.Error(), "4 vectors for 5 chunks")
	f.embedder.Drop = 0

	assert.Equal(t, before, f.reg.Stats("acme").Count)
	results, err := f.svc.Search(ctx, "acme", "vector", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, shortVector, results[0].Content)
}

func TestIngest_EmbeddingErrorIsWrapped(t *testing.T) {
	f := newFixture(t, chunker.DefaultConfig(), false)
	gatewayDown := errors.New("gateway down")
	f.embedder.Err = gatewayDown

	_, err := f.svc.Ingest(context.Background(), Document{ID: "doc-1", TenantID: "acme", Text: vectorSearch})
	assert.ErrorIs(t, err, ErrEmbeddingFailure)
	assert.ErrorIs(t, err, gatewayDown)
	assert.False(t, f.reg.Stats("acme").Resident)
}

func TestIngestDocument_RecordsChunkCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chunker.Config{Size: 40, Overlap: 0}, false)
	require.NoError(t, f.docs.Put(ctx, &store.Document{ID: "doc-1", TenantID: "acme", Text: fiveParagraphs()}))

	res, err := f.svc.IngestDocument(ctx, "acme", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 5, res.Chunks)

	doc, err := f.docs.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 5, doc.ChunkCount)
	assert.NotNil(t, doc.IndexedAt)

	_, err = f.svc.IngestDocument(ctx, "acme", "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestSearch_TenantWithoutIndex(t *testing.T) {
	f := newFixture(t, chunker.DefaultConfig(), true)
	f.embedder.Err = errors.New("gateway down")

	results, err := f.svc.Search(context.Background(), "nobody", "ontology", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, f.embedder.QueryCalls(), "nothing to search, nothing to embed")
}

func TestSearch_EmbedsThroughQueryPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chunker.DefaultConfig(), true)
	_, err := f.svc.Ingest(ctx, Document{ID: "doc-ko", TenantID: "acme", Text: koreanOntology})
	require.NoError(t, err)
	require.Equal(t, 1, f.embedder.Calls())

	_, err = f.svc.Search(ctx, "acme", "ontology", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.embedder.QueryCalls(), "all candidates in one call")
	assert.Equal(t, 1, f.embedder.Calls(), "search never embeds as documents")

	f.embedder.Err = errors.New("gateway down")
	_, err = f.svc.Search(ctx, "acme", "ontology", SearchOptions{})
	assert.ErrorIs(t, err, ErrEmbeddingFailure)
}

func TestSearch_EmptyQuery(t *testing.T) {
	f := newFixture(t, chunker.DefaultConfig(), true)
	_, err := f.svc.Search(context.Background(), "acme", "   ", SearchOptions{})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestSearch_ExpansionFindsSynonymOnlyChunk(t *testing.T) {
	ctx := context.Background()

	for _, expand := range []bool{false, true} {
		t.Run(fmt.Sprintf("expand=%v", expand), func(t *testing.T) {
			f := newFixture(t, chunker.DefaultConfig(), expand)
			_, err := f.svc.Ingest(ctx, Document{ID: "doc-ko", TenantID: "acme", Text: koreanOntology})
			require.NoError(t, err)
			_, err = f.svc.Ingest(ctx, Document{ID: "doc-vec", TenantID: "acme", Text: vectorSearch})
			require.NoError(t, err)

			results, err := f.svc.Search(ctx, "acme", "ontology", SearchOptions{})
			require.NoError(t, err)
			if !expand {
				assert.Empty(t, results)
				return
			}
			require.Len(t, results, 1)
			assert.Equal(t, "doc-ko", results[0].DocumentID)
			assert.Equal(t, "온톨로지", results[0].MatchedQuery)
			assert.InDelta(t, 1.0, results[0].Similarity, 1e-4)
			assert.NotContains(t, results[0].Content, "ontology")
		})
	}
}

func TestSearch_DeduplicatesKeepingBestSimilarity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chunker.DefaultConfig(), true)
	_, err := f.svc.Ingest(ctx, Document{ID: "doc-ko", TenantID: "acme", Text: koreanOntology})
	require.NoError(t, err)

	// At 0.3 both the literal and the expanded candidate reach the chunk.
	results, err := f.svc.Search(ctx, "acme", "ontology", SearchOptions{Threshold: 0.3})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "온톨로지", results[0].MatchedQuery)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-4)
}

func TestSearch_RanksAndTruncates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chunker.DefaultConfig(), false)

	docs := map[string]string{
		"exact":   "vector vector vector, nothing else here at all.",
		"mixed":   "vector search over an ontology of terms and things.",
		"mixed-2": "another vector ontology note with enough characters.",
		"none":    "completely unrelated text about cooking pasta well.",
	}
	for id, text := range docs {
		_, err := f.svc.Ingest(ctx, Document{ID: id, TenantID: "acme", Text: text})
		require.NoError(t, err)
	}

	results, err := f.svc.Search(ctx, "acme", "vector", SearchOptions{Threshold: 0.1, MaxResults: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "exact", results[0].DocumentID)
	assert.Equal(t, "mixed", results[1].DocumentID, "equal similarity ties break on document id")
	assert.Equal(t, "mixed-2", results[2].DocumentID)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
	}

	strict, err := f.svc.Search(ctx, "acme", "vector", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, strict, 1, "default threshold keeps only the exact match")
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chunker.DefaultConfig(), false)
	_, err := f.svc.Ingest(ctx, Document{ID: "doc-vec", TenantID: "acme", Text: vectorSearch})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteDocument(ctx, "acme", "doc-vec"))
	results, err := f.svc.Search(ctx, "acme", "vector", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMergeResults(t *testing.T) {
	best := map[string]Result{
		"b#0": {DocumentID: "b", ChunkIndex: 0, Similarity: 0.8},
		"a#1": {DocumentID: "a", ChunkIndex: 1, Similarity: 0.8},
		"a#0": {DocumentID: "a", ChunkIndex: 0, Similarity: 0.8},
		"c#0": {DocumentID: "c", ChunkIndex: 0, Similarity: 0.9},
	}
	out := mergeResults(best, 3)
	require.Len(t, out, 3)
	assert.Equal(t, "c", out[0].DocumentID)
	assert.Equal(t, []int{0, 1}, []int{out[1].ChunkIndex, out[2].ChunkIndex})
	assert.Equal(t, "a", out[1].DocumentID)
}

type replaceRedactor struct {
	secret string
	err    error
}

func (r replaceRedactor) Redact(_ context.Context, text string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return strings.ReplaceAll(text, r.secret, "[REDACTED:test]"), nil
}

func TestIngest_RedactsBeforeChunking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, chunker.DefaultConfig(), false)
	svc, err := New(Config{}, Dependencies{
		Embedder: f.embedder,
		Index:    f.reg,
		Chunker:  chunker.MustNew(chunker.DefaultConfig()),
		Redactor: replaceRedactor{secret: "hunter2hunter2"},
	})
	require.NoError(t, err)

	_, err = svc.Ingest(ctx, Document{ID: "doc-1", TenantID: "acme", Text: "vector store password is hunter2hunter2 for now"})
	require.NoError(t, err)

	results, err := svc.Search(ctx, "acme", "vector", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "vector store password is [REDACTED:test] for now", results[0].Content)
}

func TestIngest_RedactionFailureIndexesNothing(t *testing.T) {
	f := newFixture(t, chunker.DefaultConfig(), false)
	svc, err := New(Config{}, Dependencies{
		Embedder: f.embedder,
		Index:    f.reg,
		Chunker:  chunker.MustNew(chunker.DefaultConfig()),
		Redactor: replaceRedactor{err: errors.New("rules unavailable")},
	})
	require.NoError(t, err)

	_, err = svc.Ingest(context.Background(), Document{ID: "doc-1", TenantID: "acme", Text: vectorSearch})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rules unavailable")
	assert.Zero(t, f.embedder.Calls())
	assert.Zero(t, f.reg.Stats("acme").Count)
}
