// Package conversation records the messages exchanged while answering
// questions against a tenant's documents.
//
// Each answered question produces a user message and an assistant message
// that points back to it through ParentID and lists the documents whose
// chunks grounded the answer. Messages are immutable apart from feedback
// and soft deletion.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("message not found")

	// ErrInvalidMessage is returned by Validate.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidFeedback is returned for unknown feedback ratings.
	ErrInvalidFeedback = errors.New("invalid feedback rating")
)

// DefaultHistoryLimit is the page size used when ListOptions.Limit is 0.
const DefaultHistoryLimit = 20

// Role is the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Kind classifies message content.
type Kind string

const (
	KindText   Kind = "text"
	KindQuery  Kind = "query"
	KindAnswer Kind = "answer"
	KindError  Kind = "error"
)

// Rating is user feedback on an answer.
type Rating string

const (
	RatingThumbsUp   Rating = "thumbs_up"
	RatingThumbsDown Rating = "thumbs_down"
	RatingNeutral    Rating = "neutral"
)

// ParseRating validates a feedback rating.
func ParseRating(s string) (Rating, error) {
	switch r := Rating(strings.ToLower(strings.TrimSpace(s))); r {
	case RatingThumbsUp, RatingThumbsDown, RatingNeutral:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q (want thumbs_up, thumbs_down or neutral)", ErrInvalidFeedback, s)
	}
}

// Usage counts the tokens of the generation behind a message.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Feedback is a rating with an optional comment.
type Feedback struct {
	Rating  Rating    `json:"rating"`
	Comment string    `json:"comment,omitempty"`
	At      time.Time `json:"at"`
}

// Message is one conversation entry.
type Message struct {
	ID        string
	TenantID  string
	SessionID string
	Role      Role
	Kind      Kind
	Content   string

	Usage        Usage
	Model        string
	ResponseTime time.Duration

	// ParentID links an answer to the query it responds to.
	ParentID          string
	SourceDocumentIDs []string
	SimilarityScores  []float64
	ContextUsed       bool

	Feedback *Feedback
	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the message was soft-deleted.
func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// Validate checks the fields every stored message must carry.
func (m *Message) Validate() error {
	if m.TenantID == "" {
		return fmt.Errorf("%w: tenant id required", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: content required", ErrInvalidMessage)
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	switch m.Kind {
	case KindText, KindQuery, KindAnswer, KindError:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	if m.Role == RoleAssistant && m.ContextUsed && len(m.SourceDocumentIDs) == 0 {
		return fmt.Errorf("%w: answer marked as context-grounded has no sources", ErrInvalidMessage)
	}
	if len(m.SimilarityScores) > 0 && len(m.SimilarityScores) != len(m.SourceDocumentIDs) {
		return fmt.Errorf("%w: %d similarity scores for %d sources",
			ErrInvalidMessage, len(m.SimilarityScores), len(m.SourceDocumentIDs))
	}
	return nil
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	cp := *m
	cp.SourceDocumentIDs = append([]string(nil), m.SourceDocumentIDs...)
	cp.SimilarityScores = append([]float64(nil), m.SimilarityScores...)
	if m.Feedback != nil {
		f := *m.Feedback
		cp.Feedback = &f
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		cp.DeletedAt = &t
	}
	if m.Metadata != nil {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// ListOptions filters a history listing.
type ListOptions struct {
	// SessionID restricts the listing to one session when set.
	SessionID string
	// Limit caps the result; 0 means DefaultHistoryLimit.
	Limit          int
	IncludeDeleted bool
}

// EffectiveLimit returns Limit or the default.
func (o ListOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultHistoryLimit
	}
	return o.Limit
}

// Store persists conversation messages.
type Store interface {
	// Append stores m, assigning ID and timestamps when unset, and returns
	// the id.
	Append(ctx context.Context, m *Message) (string, error)

	Get(ctx context.Context, id string) (*Message, error)

	// List returns the tenant's messages newest first.
	List(ctx context.Context, tenantID string, opts ListOptions) ([]*Message, error)

	SetFeedback(ctx context.Context, id string, fb Feedback) error

	// SoftDelete marks a message deleted. Deleting twice is not an error.
	SoftDelete(ctx context.Context, id string) error
}
