package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/docrag/internal/conversation"
)

// conversationStore implements conversation.Store.
type conversationStore struct {
	store *Store
}

var _ conversation.Store = (*conversationStore)(nil)

const messageColumns = `id, tenant_id, session_id, role, kind, content,
	input_tokens, output_tokens, total_tokens, model, response_time_ms,
	parent_id, source_document_ids, similarity_scores, context_used,
	feedback_rating, feedback_comment, feedback_at, metadata,
	created_at, updated_at, deleted_at`

// Append stores a message, assigning an id and timestamps when unset.
func (s *conversationStore) Append(ctx context.Context, m *conversation.Message) (string, error) {
	if m == nil {
		return "", fmt.Errorf("%w: nil message", conversation.ErrInvalidMessage)
	}
	if err := m.Validate(); err != nil {
		return "", err
	}

	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	sources, err := json.Marshal(nonNil(m.SourceDocumentIDs))
	if err != nil {
		return "", fmt.Errorf("marshalling sources: %w", err)
	}
	scores, err := json.Marshal(nonNil(m.SimilarityScores))
	if err != nil {
		return "", fmt.Errorf("marshalling similarity scores: %w", err)
	}
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshalling metadata: %w", err)
	}

	var (
		rating  sql.NullString
		comment string
		fbAt    sql.NullInt64
	)
	if m.Feedback != nil {
		rating = sql.NullString{String: string(m.Feedback.Rating), Valid: true}
		comment = m.Feedback.Comment
		fbAt = nullableNanos(&m.Feedback.At)
	}

	_, err = s.store.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, m.TenantID, m.SessionID, string(m.Role), string(m.Kind), m.Content,
		m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.TotalTokens, m.Model, m.ResponseTime.Milliseconds(),
		m.ParentID, string(sources), string(scores), m.ContextUsed,
		rating, comment, fbAt, string(metadata),
		toNanos(created), toNanos(created), nullableNanos(m.DeletedAt))
	if err != nil {
		return "", fmt.Errorf("saving message: %w", err)
	}
	return id, nil
}

// Get retrieves a message by id, including soft-deleted ones.
func (s *conversationStore) Get(ctx context.Context, id string) (*conversation.Message, error) {
	row := s.store.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", conversation.ErrNotFound, id)
	}
	return m, err
}

// List returns the tenant's messages newest first.
func (s *conversationStore) List(ctx context.Context, tenantID string, opts conversation.ListOptions) ([]*conversation.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE tenant_id = ?`
	args := []any{tenantID}
	if opts.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, opts.SessionID)
	}
	if !opts.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, opts.EffectiveLimit())

	rows, err := s.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	out := make([]*conversation.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetFeedback attaches a rating and comment to a message.
func (s *conversationStore) SetFeedback(ctx context.Context, id string, fb conversation.Feedback) error {
	rating, err := conversation.ParseRating(string(fb.Rating))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if fb.At.IsZero() {
		fb.At = now
	}
	res, err := s.store.db.ExecContext(ctx,
		`UPDATE messages SET feedback_rating = ?, feedback_comment = ?, feedback_at = ?, updated_at = ? WHERE id = ?`,
		string(rating), fb.Comment, toNanos(fb.At), toNanos(now), id)
	if err != nil {
		return fmt.Errorf("saving feedback: %w", err)
	}
	return requireAffected(res, conversation.ErrNotFound, id)
}

// SoftDelete marks a message deleted. Deleting twice keeps the first
// deletion time.
func (s *conversationStore) SoftDelete(ctx context.Context, id string) error {
	now := toNanos(time.Now().UTC())
	res, err := s.store.db.ExecContext(ctx,
		`UPDATE messages SET deleted_at = COALESCE(deleted_at, ?), updated_at = ? WHERE id = ?`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return requireAffected(res, conversation.ErrNotFound, id)
}

func scanMessage(row rowScanner) (*conversation.Message, error) {
	var (
		m                conversation.Message
		role, kind       string
		responseMS       int64
		sources, scores  string
		rating           sql.NullString
		comment          string
		fbAt             sql.NullInt64
		metadata         string
		created, updated int64
		deleted          sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.SessionID, &role, &kind, &m.Content,
		&m.Usage.InputTokens, &m.Usage.OutputTokens, &m.Usage.TotalTokens, &m.Model, &responseMS,
		&m.ParentID, &sources, &scores, &m.ContextUsed,
		&rating, &comment, &fbAt, &metadata,
		&created, &updated, &deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	m.Role = conversation.Role(role)
	m.Kind = conversation.Kind(kind)
	m.ResponseTime = time.Duration(responseMS) * time.Millisecond
	if err := json.Unmarshal([]byte(sources), &m.SourceDocumentIDs); err != nil {
		return nil, fmt.Errorf("unmarshalling sources: %w", err)
	}
	if err := json.Unmarshal([]byte(scores), &m.SimilarityScores); err != nil {
		return nil, fmt.Errorf("unmarshalling similarity scores: %w", err)
	}
	if len(m.SourceDocumentIDs) == 0 {
		m.SourceDocumentIDs = nil
	}
	if len(m.SimilarityScores) == 0 {
		m.SimilarityScores = nil
	}
	if metadata != "" && metadata != jsonNull {
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}
	if rating.Valid {
		m.Feedback = &conversation.Feedback{Rating: conversation.Rating(rating.String), Comment: comment}
		if t := timePtr(fbAt); t != nil {
			m.Feedback.At = *t
		}
	}
	m.CreatedAt = fromNanos(created)
	m.UpdatedAt = fromNanos(updated)
	m.DeletedAt = timePtr(deleted)
	return &m, nil
}

// jsonNull is the JSON representation of null.
const jsonNull = "null"

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
