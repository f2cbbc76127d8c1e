// Package conversationtest holds behaviour tests shared by every
// conversation.Store implementation.
package conversationtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/docrag/internal/conversation"
)

// RunStoreTests exercises a Store created fresh for each subtest.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) conversation.Store) {
	t.Run("AppendAndGet", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		q := &conversation.Message{TenantID: "acme", SessionID: "s1", Role: conversation.RoleUser, Kind: conversation.KindQuery, Content: "what is ontology?"}
		qid, err := s.Append(ctx, q)
		require.NoError(t, err)
		require.NotEmpty(t, qid)

		a := &conversation.Message{
			TenantID:          "acme",
			SessionID:         "s1",
			Role:              conversation.RoleAssistant,
			Kind:              conversation.KindAnswer,
			Content:           "an explicit specification of a conceptualization",
			ParentID:          qid,
			ContextUsed:       true,
			SourceDocumentIDs: []string{"doc-1", "doc-2"},
			SimilarityScores:  []float64{0.91, 0.74},
			Usage:             conversation.Usage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
			Model:             "gpt-3.5-turbo",
			ResponseTime:      1500 * time.Millisecond,
			Metadata:          map[string]string{"query_candidates": "2"},
		}
		aid, err := s.Append(ctx, a)
		require.NoError(t, err)

		got, err := s.Get(ctx, aid)
		require.NoError(t, err)
		assert.Equal(t, aid, got.ID)
		assert.Equal(t, qid, got.ParentID)
		assert.Equal(t, conversation.RoleAssistant, got.Role)
		assert.Equal(t, conversation.KindAnswer, got.Kind)
		assert.True(t, got.ContextUsed)
		assert.Equal(t, []string{"doc-1", "doc-2"}, got.SourceDocumentIDs)
		assert.Equal(t, []float64{0.91, 0.74}, got.SimilarityScores)
		assert.Equal(t, a.Usage, got.Usage)
		assert.Equal(t, "gpt-3.5-turbo", got.Model)
		assert.Equal(t, 1500*time.Millisecond, got.ResponseTime)
		assert.Equal(t, "2", got.Metadata["query_candidates"])
		assert.False(t, got.CreatedAt.IsZero())
		assert.Nil(t, got.Feedback)
		assert.False(t, got.Deleted())
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		_, err := s.Append(ctx, &conversation.Message{TenantID: "acme", Role: conversation.RoleUser, Kind: conversation.KindQuery})
		assert.ErrorIs(t, err, conversation.ErrInvalidMessage)

		_, err = s.Append(ctx, &conversation.Message{
			TenantID: "acme", Role: conversation.RoleAssistant, Kind: conversation.KindAnswer,
			Content: "ungrounded", ContextUsed: true,
		})
		assert.ErrorIs(t, err, conversation.ErrInvalidMessage)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := newStore(t).Get(context.Background(), "missing")
		assert.ErrorIs(t, err, conversation.ErrNotFound)
	})

	t.Run("ListNewestFirstWithFilters", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		for i := range 5 {
			session := "s1"
			if i%2 == 1 {
				session = "s2"
			}
			_, err := s.Append(ctx, &conversation.Message{
				TenantID: "acme", SessionID: session,
				Role: conversation.RoleUser, Kind: conversation.KindQuery,
				Content:   fmt.Sprintf("q%d", i),
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			})
			require.NoError(t, err)
		}
		_, err := s.Append(ctx, &conversation.Message{TenantID: "other", Role: conversation.RoleUser, Kind: conversation.KindQuery, Content: "elsewhere"})
		require.NoError(t, err)

		all, err := s.List(ctx, "acme", conversation.ListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.Equal(t, "q4", all[0].Content)
		assert.Equal(t, "q0", all[4].Content)

		s2, err := s.List(ctx, "acme", conversation.ListOptions{SessionID: "s2"})
		require.NoError(t, err)
		require.Len(t, s2, 2)
		assert.Equal(t, "q3", s2[0].Content)

		limited, err := s.List(ctx, "acme", conversation.ListOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("FeedbackAndSoftDelete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		id, err := s.Append(ctx, &conversation.Message{TenantID: "acme", Role: conversation.RoleAssistant, Kind: conversation.KindAnswer, Content: "answer"})
		require.NoError(t, err)

		require.NoError(t, s.SetFeedback(ctx, id, conversation.Feedback{Rating: conversation.RatingThumbsUp, Comment: "helpful"}))
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.Feedback)
		assert.Equal(t, conversation.RatingThumbsUp, got.Feedback.Rating)
		assert.Equal(t, "helpful", got.Feedback.Comment)

		assert.ErrorIs(t, s.SetFeedback(ctx, id, conversation.Feedback{Rating: "5 stars"}), conversation.ErrInvalidFeedback)
		assert.ErrorIs(t, s.SetFeedback(ctx, "missing", conversation.Feedback{Rating: conversation.RatingNeutral}), conversation.ErrNotFound)

		require.NoError(t, s.SoftDelete(ctx, id))
		require.NoError(t, s.SoftDelete(ctx, id), "deleting twice is fine")
		assert.ErrorIs(t, s.SoftDelete(ctx, "missing"), conversation.ErrNotFound)

		got, err = s.Get(ctx, id)
		require.NoError(t, err, "soft-deleted messages remain readable by id")
		assert.True(t, got.Deleted())

		visible, err := s.List(ctx, "acme", conversation.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, visible)

		withDeleted, err := s.List(ctx, "acme", conversation.ListOptions{IncludeDeleted: true})
		require.NoError(t, err)
		assert.Len(t, withDeleted, 1)
	})
}
