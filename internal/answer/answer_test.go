package answer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/docrag/internal/chunker"
	"github.com/fyrsmithlabs/docrag/internal/conversation"
	"github.com/fyrsmithlabs/docrag/internal/expansion"
	"github.com/fyrsmithlabs/docrag/internal/generation"
	"github.com/fyrsmithlabs/docrag/internal/logging"
	"github.com/fyrsmithlabs/docrag/internal/registry"
	"github.com/fyrsmithlabs/docrag/internal/retrieval"
	"github.com/fyrsmithlabs/docrag/internal/retrieval/retrievaltest"
	"github.com/fyrsmithlabs/docrag/internal/vectorstore"
)

type stubSearcher struct {
	results []retrieval.Result
	err     error
	opts    retrieval.SearchOptions
}

func (s *stubSearcher) Search(_ context.Context, _, _ string, opts retrieval.SearchOptions) ([]retrieval.Result, error) {
	s.opts = opts
	return s.results, s.err
}

type stubGenerator struct {
	mu      sync.Mutex
	prompts []string
	err     error
	blank   bool
}

func (g *stubGenerator) Complete(_ context.Context, prompt string) (*generation.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return nil, g.err
	}
	text := "온톨로지는 개념의 명세입니다."
	if g.blank {
		text = ""
	}
	return &generation.Completion{
		Text:  text,
		Model: "gpt-3.5-turbo-0125",
		Usage: generation.Usage{InputTokens: 200, OutputTokens: 25, TotalTokens: 225},
	}, nil
}

func (g *stubGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

// failingStore rejects every append.
type failingStore struct {
	conversation.Store
}

func (failingStore) Append(context.Context, *conversation.Message) (string, error) {
	return "", errors.New("database is locked")
}

var threeChunks = []retrieval.Result{
	{DocumentID: "doc-a", ChunkIndex: 0, Content: "first chunk", Similarity: 0.95},
	{DocumentID: "doc-b", ChunkIndex: 2, Content: "second chunk", Similarity: 0.90},
	{DocumentID: "doc-a", ChunkIndex: 1, Content: "third chunk", Similarity: 0.80},
}

func newService(t *testing.T, s Searcher, g generation.Generator, store conversation.Store) *Service {
	t.Helper()
	svc, err := New(Config{}, s, g, store)
	require.NoError(t, err)
	return svc
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, nil, &stubGenerator{}, conversation.NewMemoryStore())
	assert.Error(t, err)
	_, err = New(Config{}, &stubSearcher{}, nil, conversation.NewMemoryStore())
	assert.Error(t, err)
	_, err = New(Config{}, &stubSearcher{}, &stubGenerator{}, nil)
	assert.Error(t, err)
}

func TestAnswer_NoResultsSkipsGeneration(t *testing.T) {
	ctx := context.Background()
	gen := &stubGenerator{}
	history := conversation.NewMemoryStore()
	svc := newService(t, &stubSearcher{}, gen, history)

	a, err := svc.Answer(ctx, Request{TenantID: "acme", Query: "what is ontology?"})
	require.NoError(t, err)
	assert.Equal(t, InsufficientContextMessage, a.Text)
	assert.Empty(t, a.Sources)
	assert.False(t, a.ContextUsed)
	assert.Equal(t, generation.Usage{}, a.Usage)
	assert.Zero(t, gen.calls())

	msgs, err := history.List(ctx, "acme", conversation.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAnswer_RecordsGroundedExchange(t *testing.T) {
	ctx := context.Background()
	search := &stubSearcher{results: threeChunks}
	gen := &stubGenerator{}
	history := conversation.NewMemoryStore()
	svc := newService(t, search, gen, history)

	a, err := svc.Answer(ctx, Request{TenantID: "acme", Query: " what is ontology? ", SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxResults, search.opts.MaxResults)
	assert.Equal(t, "온톨로지는 개념의 명세입니다.", a.Text)
	assert.Equal(t, []string{"doc-a", "doc-b"}, a.Sources)
	assert.True(t, a.ContextUsed)
	assert.Equal(t, 225, a.Usage.TotalTokens)
	assert.Len(t, a.Chunks, 3)

	require.Equal(t, 1, gen.calls())
	prompt := gen.prompts[0]
	assert.Contains(t, prompt, "[Document doc-a]\nfirst chunk\n\n[Document doc-b]\nsecond chunk\n\n[Document doc-a]\nthird chunk")
	assert.Contains(t, prompt, "사용자 질문: what is ontology?")

	q, err := history.Get(ctx, a.QueryMessageID)
	require.NoError(t, err)
	assert.Equal(t, conversation.RoleUser, q.Role)
	assert.Equal(t, conversation.KindQuery, q.Kind)
	assert.Equal(t, "what is ontology?", q.Content)
	assert.Equal(t, "s1", q.SessionID)

	ans, err := history.Get(ctx, a.AnswerMessageID)
	require.NoError(t, err)
	assert.Equal(t, conversation.RoleAssistant, ans.Role)
	assert.Equal(t, conversation.KindAnswer, ans.Kind)
	assert.Equal(t, a.QueryMessageID, ans.ParentID)
	assert.True(t, ans.ContextUsed)
	assert.Equal(t, []string{"doc-a", "doc-b"}, ans.SourceDocumentIDs)
	assert.Equal(t, []float64{0.95, 0.90}, ans.SimilarityScores)
	assert.Equal(t, 200, ans.Usage.InputTokens)
	assert.Equal(t, "gpt-3.5-turbo-0125", ans.Model)
}

func TestAnswer_GenerationFailureRecordsNothing(t *testing.T) {
	ctx := context.Background()
	upstream := errors.New("503 from upstream")
	history := conversation.NewMemoryStore()
	svc := newService(t, &stubSearcher{results: threeChunks}, &stubGenerator{err: upstream}, history)

	_, err := svc.Answer(ctx, Request{TenantID: "acme", Query: "q"})
	assert.ErrorIs(t, err, ErrGenerationFailure)
	assert.ErrorIs(t, err, upstream)

	msgs, err := history.List(ctx, "acme", conversation.ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAnswer_SearchErrorPropagates(t *testing.T) {
	gen := &stubGenerator{}
	svc := newService(t, &stubSearcher{err: retrieval.ErrEmbeddingFailure}, gen, conversation.NewMemoryStore())

	_, err := svc.Answer(context.Background(), Request{TenantID: "acme", Query: "q"})
	assert.ErrorIs(t, err, retrieval.ErrEmbeddingFailure)
	assert.Zero(t, gen.calls())
}

func TestAnswer_RecordingFailureStillAnswers(t *testing.T) {
	log := logging.NewTestLogger()
	svc, err := New(Config{}, &stubSearcher{results: threeChunks}, &stubGenerator{}, failingStore{}, WithLogger(log.Logger))
	require.NoError(t, err)

	a, err := svc.Answer(context.Background(), Request{TenantID: "acme", Query: "q"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.Text)
	assert.Empty(t, a.QueryMessageID)
	assert.Empty(t, a.AnswerMessageID)
	log.AssertLogged(t, zapcore.WarnLevel, "failed to record question")
}

func TestAnswer_BlankCompletionRecordsNothing(t *testing.T) {
	ctx := context.Background()
	log := logging.NewTestLogger()
	history := conversation.NewMemoryStore()
	svc, err := New(Config{}, &stubSearcher{results: threeChunks}, &stubGenerator{blank: true}, history, WithLogger(log.Logger))
	require.NoError(t, err)

	a, err := svc.Answer(ctx, Request{TenantID: "acme", Query: "what is ontology?"})
	require.NoError(t, err)
	assert.Empty(t, a.QueryMessageID)
	assert.Empty(t, a.AnswerMessageID)
	log.AssertLogged(t, zapcore.WarnLevel, "not recording exchange")

	msgs, err := svc.History(ctx, "acme", conversation.ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, msgs, "no orphan question")
}

func TestFeedbackAndDelete(t *testing.T) {
	ctx := context.Background()
	history := conversation.NewMemoryStore()
	svc := newService(t, &stubSearcher{results: threeChunks}, &stubGenerator{}, history)

	a, err := svc.Answer(ctx, Request{TenantID: "acme", Query: "q"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Feedback(ctx, a.AnswerMessageID, "5", ""), conversation.ErrInvalidFeedback)
	require.NoError(t, svc.Feedback(ctx, a.AnswerMessageID, "Thumbs_Up", " clear answer "))

	msg, err := history.Get(ctx, a.AnswerMessageID)
	require.NoError(t, err)
	require.NotNil(t, msg.Feedback)
	assert.Equal(t, conversation.RatingThumbsUp, msg.Feedback.Rating)
	assert.Equal(t, "clear answer", msg.Feedback.Comment)

	require.NoError(t, svc.DeleteMessage(ctx, a.QueryMessageID))
	msgs, err := svc.History(ctx, "acme", conversation.ListOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, a.AnswerMessageID, msgs[0].ID)

	assert.ErrorIs(t, svc.DeleteMessage(ctx, "missing"), conversation.ErrNotFound)
}

func TestHistory_FiltersBySession(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, &stubSearcher{results: threeChunks}, &stubGenerator{}, conversation.NewMemoryStore())

	_, err := svc.Answer(ctx, Request{TenantID: "acme", Query: "q1", SessionID: "s1"})
	require.NoError(t, err)
	_, err = svc.Answer(ctx, Request{TenantID: "acme", Query: "q2", SessionID: "s2"})
	require.NoError(t, err)

	all, err := svc.History(ctx, "acme", conversation.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	s2, err := svc.History(ctx, "acme", conversation.ListOptions{SessionID: "s2"})
	require.NoError(t, err)
	require.Len(t, s2, 2)
	for _, m := range s2 {
		assert.Equal(t, "s2", m.SessionID)
	}
}

func TestFormatContext(t *testing.T) {
	assert.Equal(t, "", FormatContext(nil))
	assert.Equal(t,
		"[Document d1]\nalpha\n\n[Document d2]\nbeta",
		FormatContext([]retrieval.Result{{DocumentID: "d1", Content: "alpha"}, {DocumentID: "d2", Content: "beta"}}))
}

func TestSourcesOf(t *testing.T) {
	ids, scores := sourcesOf([]retrieval.Result{
		{DocumentID: "b", Similarity: 0.7},
		{DocumentID: "a", Similarity: 0.9},
		{DocumentID: "b", Similarity: 0.8},
	})
	assert.Equal(t, []string{"b", "a"}, ids)
	assert.Equal(t, []float64{0.8, 0.9}, scores)
}

func TestAnswer_EndToEndWithExpansion(t *testing.T) {
	ctx := context.Background()
	backend, err := vectorstore.NewChromemBackend(vectorstore.ChromemConfig{BaseDir: t.TempDir()}, nil)
	require.NoError(t, err)
	reg, err := registry.New(backend, registry.Config{})
	require.NoError(t, err)
	defer reg.Close(ctx)

	search, err := retrieval.New(retrieval.Config{}, retrieval.Dependencies{
		Embedder: retrievaltest.NewKeywordEmbedder("ontology", "온톨로지"),
		Index:    reg,
		Expander: expansion.New(expansion.Config{Synonyms: map[string][]string{"ontology": {"온톨로지"}}}, nil),
		Chunker:  chunker.MustNew(chunker.DefaultConfig()),
	})
	require.NoError(t, err)
	_, err = search.Ingest(ctx, retrieval.Document{ID: "doc-ko", TenantID: "acme", Text: "온톨로지는 개념 사이의 관계를 정의한 지식 표현 방식이다."})
	require.NoError(t, err)

	gen := &stubGenerator{}
	svc := newService(t, search, gen, conversation.NewMemoryStore())

	a, err := svc.Answer(ctx, Request{TenantID: "acme", Query: "ontology"})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-ko"}, a.Sources)
	require.Equal(t, 1, gen.calls())
	assert.Contains(t, gen.prompts[0], "[Document doc-ko]\n온톨로지는")

	empty, err := svc.Answer(ctx, Request{TenantID: "globex", Query: "ontology"})
	require.NoError(t, err)
	assert.Equal(t, InsufficientContextMessage, empty.Text)
	assert.Equal(t, 1, gen.calls())
}
