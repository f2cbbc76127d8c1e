// Package answer produces grounded answers to questions about a tenant's
// documents and keeps the resulting conversation history.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docrag/internal/conversation"
	"github.com/fyrsmithlabs/docrag/internal/generation"
	"github.com/fyrsmithlabs/docrag/internal/logging"
	"github.com/fyrsmithlabs/docrag/internal/retrieval"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/docrag/internal/answer")

// ErrGenerationFailure wraps generator errors. Nothing is recorded when it
// is returned.
var ErrGenerationFailure = errors.New("answer generation failed")

// InsufficientContextMessage is returned when no chunk is similar enough
// to the question.
const InsufficientContextMessage = "관련된 문서를 찾을 수 없어 답변을 생성할 수 없습니다. 프로젝트에 관련 문서를 업로드해주세요."

// DefaultMaxResults is the number of chunks placed in the prompt.
const DefaultMaxResults = 3

const promptTemplate = `당신은 주어진 문서들을 기반으로 질문에 답변하는 AI 어시스턴트입니다.

제공된 문서 내용:
%s

사용자 질문: %s

위 문서 내용만을 바탕으로 정확하고 도움이 되는 답변을 제공해주세요.
문서에 없는 정보는 추측하지 말고, 답변할 수 없는 내용이라면 솔직히 모른다고 말해주세요.
답변은 한국어로 해주세요.`

// Searcher finds the chunks relevant to a question.
// *retrieval.Service satisfies it.
type Searcher interface {
	Search(ctx context.Context, tenantID, query string, opts retrieval.SearchOptions) ([]retrieval.Result, error)
}

var _ Searcher = (*retrieval.Service)(nil)

// Config tunes answering.
type Config struct {
	// MaxResults is the number of chunks used as context.
	MaxResults int
	// Threshold overrides the searcher's similarity threshold when > 0.
	Threshold float64
}

// Request is a question from a tenant.
type Request struct {
	TenantID  string
	Query     string
	SessionID string
}

// Answer is the outcome of a question.
type Answer struct {
	Text string
	// Sources are the distinct documents used, best match first.
	Sources []string
	// Chunks are the search results placed in the prompt.
	Chunks       []retrieval.Result
	ContextUsed  bool
	Usage        generation.Usage
	Model        string
	ResponseTime time.Duration

	QueryMessageID  string
	AnswerMessageID string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service answers questions and manages their history.
type Service struct {
	searcher  Searcher
	generator generation.Generator
	history   conversation.Store
	cfg       Config
	logger    *zap.Logger
}

// New creates a Service.
func New(cfg Config, searcher Searcher, generator generation.Generator, history conversation.Store, opts ...Option) (*Service, error) {
	switch {
	case searcher == nil:
		return nil, errors.New("searcher is required")
	case generator == nil:
		return nil, errors.New("generator is required")
	case history == nil:
		return nil, errors.New("conversation store is required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	s := &Service{
		searcher:  searcher,
		generator: generator,
		history:   history,
		cfg:       cfg,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Answer searches the tenant's documents for req.Query and asks the
// generator to answer from the retrieved chunks only. Without relevant
// chunks it returns InsufficientContextMessage without calling the
// generator or recording anything.
func (s *Service) Answer(ctx context.Context, req Request) (*Answer, error) {
	ctx, span := tracer.Start(ctx, "Service.Answer")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", req.TenantID))
	log := logging.For(logging.WithTenant(ctx, req.TenantID), s.logger)

	results, err := s.searcher.Search(ctx, req.TenantID, req.Query, retrieval.SearchOptions{
		MaxResults: s.cfg.MaxResults,
		Threshold:  s.cfg.Threshold,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, fmt.Errorf("searching context: %w", err)
	}
	span.SetAttributes(attribute.Int("chunks", len(results)))

	if len(results) == 0 {
		log.Info("no relevant context, skipping generation")
		span.SetStatus(codes.Ok, "insufficient context")
		return &Answer{Text: InsufficientContextMessage}, nil
	}

	sources, scores := sourcesOf(results)
	prompt := BuildPrompt(req.Query, results)

	began := time.Now()
	completion, err := s.generator.Complete(ctx, prompt)
	elapsed := time.Since(began)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		log.Error("answer generation failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailure, err)
	}

	out := &Answer{
		Text:         completion.Text,
		Sources:      sources,
		Chunks:       results,
		ContextUsed:  true,
		Usage:        completion.Usage,
		Model:        completion.Model,
		ResponseTime: elapsed,
	}
	s.record(ctx, log, req, out, scores)

	log.Info("answer generated",
		zap.Int("sources", len(sources)),
		zap.Int("tokens", out.Usage.TotalTokens),
		zap.Duration("response_time", elapsed))
	span.SetAttributes(attribute.Int("tokens.total", out.Usage.TotalTokens))
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// record stores the question and the answer. Both messages are validated
// first so a question is never stored without its answer. A failure is
// logged and leaves the message ids unset; the answer is still returned.
func (s *Service) record(ctx context.Context, log *zap.Logger, req Request, a *Answer, scores []float64) {
	question := &conversation.Message{
		TenantID:  req.TenantID,
		SessionID: req.SessionID,
		Role:      conversation.RoleUser,
		Kind:      conversation.KindQuery,
		Content:   strings.TrimSpace(req.Query),
	}
	reply := &conversation.Message{
		TenantID:  req.TenantID,
		SessionID: req.SessionID,
		Role:      conversation.RoleAssistant,
		Kind:      conversation.KindAnswer,
		Content:   a.Text,
		Usage: conversation.Usage{
			InputTokens:  a.Usage.InputTokens,
			OutputTokens: a.Usage.OutputTokens,
			TotalTokens:  a.Usage.TotalTokens,
		},
		Model:             a.Model,
		ResponseTime:      a.ResponseTime,
		SourceDocumentIDs: a.Sources,
		SimilarityScores:  scores,
		ContextUsed:       a.ContextUsed,
	}
	for _, m := range []*conversation.Message{question, reply} {
		if err := m.Validate(); err != nil {
			log.Warn("not recording exchange", zap.String("role", string(m.Role)), zap.Error(err))
			return
		}
	}

	qid, err := s.history.Append(ctx, question)
	if err != nil {
		log.Warn("failed to record question", zap.Error(err))
		return
	}
	a.QueryMessageID = qid

	reply.ParentID = qid
	aid, err := s.history.Append(ctx, reply)
	if err != nil {
		log.Warn("failed to record answer", zap.Error(err), zap.String("query_message_id", qid))
		return
	}
	a.AnswerMessageID = aid
}

// History lists a tenant's messages newest first.
func (s *Service) History(ctx context.Context, tenantID string, opts conversation.ListOptions) ([]*conversation.Message, error) {
	msgs, err := s.history.List(ctx, tenantID, opts)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return msgs, nil
}

// Feedback attaches a rating (thumbs_up, thumbs_down or neutral) and an
// optional comment to a message.
func (s *Service) Feedback(ctx context.Context, messageID, rating, comment string) error {
	r, err := conversation.ParseRating(rating)
	if err != nil {
		return err
	}
	return s.history.SetFeedback(ctx, messageID, conversation.Feedback{
		Rating:  r,
		Comment: strings.TrimSpace(comment),
	})
}

// DeleteMessage soft-deletes a message.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) error {
	return s.history.SoftDelete(ctx, messageID)
}

// BuildPrompt renders the grounded-answer prompt for query over results.
func BuildPrompt(query string, results []retrieval.Result) string {
	return fmt.Sprintf(promptTemplate, FormatContext(results), strings.TrimSpace(query))
}

// FormatContext renders results as "[Document {id}]\n{content}" blocks
// separated by blank lines, in rank order.
func FormatContext(results []retrieval.Result) string {
	blocks := make([]string, len(results))
	for i, r := range results {
		blocks[i] = fmt.Sprintf("[Document %s]\n%s", r.DocumentID, r.Content)
	}
	return strings.Join(blocks, "\n\n")
}

// sourcesOf returns the distinct document ids in rank order and each
// document's best similarity.
func sourcesOf(results []retrieval.Result) ([]string, []float64) {
	var (
		ids    []string
		scores []float64
		pos    = make(map[string]int)
	)
	for _, r := range results {
		if i, ok := pos[r.DocumentID]; ok {
			if r.Similarity > scores[i] {
				scores[i] = r.Similarity
			}
			continue
		}
		pos[r.DocumentID] = len(ids)
		ids = append(ids, r.DocumentID)
		scores = append(scores, r.Similarity)
	}
	return ids, scores
}
