package conversation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*stored
	seq      int64
	now      func() time.Time
}

type stored struct {
	msg *Message
	seq int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*stored),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Append(_ context.Context, m *Message) (string, error) {
	if m == nil {
		return "", fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if err := m.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := m.Clone()
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if _, exists := s.messages[cp.ID]; exists {
		return "", fmt.Errorf("%w: duplicate id %s", ErrInvalidMessage, cp.ID)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.seq++
	s.messages[cp.ID] = &stored{msg: cp, seq: s.seq}
	return cp.ID, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return st.msg.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, tenantID string, opts ListOptions) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*stored, 0)
	for _, st := range s.messages {
		m := st.msg
		if m.TenantID != tenantID {
			continue
		}
		if opts.SessionID != "" && m.SessionID != opts.SessionID {
			continue
		}
		if m.Deleted() && !opts.IncludeDeleted {
			continue
		}
		matches = append(matches, st)
	}
	slices.SortFunc(matches, func(a, b *stored) int {
		if c := b.msg.CreatedAt.Compare(a.msg.CreatedAt); c != 0 {
			return c
		}
		return int(b.seq - a.seq)
	})

	limit := opts.EffectiveLimit()
	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]*Message, len(matches))
	for i, st := range matches {
		out[i] = st.msg.Clone()
	}
	return out, nil
}

func (s *MemoryStore) SetFeedback(_ context.Context, id string, fb Feedback) error {
	if _, err := ParseRating(string(fb.Rating)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := s.now()
	if fb.At.IsZero() {
		fb.At = now
	}
	st.msg.Feedback = &fb
	st.msg.UpdatedAt = now
	return nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if st.msg.DeletedAt != nil {
		return nil
	}
	now := s.now()
	st.msg.DeletedAt = &now
	st.msg.UpdatedAt = now
	return nil
}
