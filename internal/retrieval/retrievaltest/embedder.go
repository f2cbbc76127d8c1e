// Package retrievaltest provides deterministic embedders for tests.
package retrievaltest

import (
	"context"
	"math"
	"strings"
	"sync"
)

// KeywordEmbedder maps text onto one axis per vocabulary term it contains,
// plus a catch-all axis for text containing none. Texts sharing a term are
// close; texts sharing nothing are orthogonal.
type KeywordEmbedder struct {
	vocab []string

	mu      sync.Mutex
	calls   int
	queries int
	// Drop makes EmbedDocuments return that many fewer vectors.
	Drop int
	// Err makes every call fail.
	Err error
}

// NewKeywordEmbedder creates an embedder over vocab. Matching is
// case-insensitive.
func NewKeywordEmbedder(vocab ...string) *KeywordEmbedder {
	lower := make([]string, len(vocab))
	for i, v := range vocab {
		lower[i] = strings.ToLower(v)
	}
	return &KeywordEmbedder{vocab: lower}
}

func (e *KeywordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	drop, err := e.Drop, e.Err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := e.embed(texts)
	if drop > 0 && drop <= len(out) {
		out = out[:len(out)-drop]
	}
	return out, nil
}

func (e *KeywordEmbedder) EmbedQueries(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.queries++
	err := e.Err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.embed(texts), nil
}

func (e *KeywordEmbedder) Model() string { return "keyword-test" }

func (e *KeywordEmbedder) Dimension() int { return len(e.vocab) + 1 }

// Calls returns how many document embedding requests were made.
func (e *KeywordEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// QueryCalls returns how many query embedding requests were made.
func (e *KeywordEmbedder) QueryCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queries
}

func (e *KeywordEmbedder) embed(texts []string) [][]float32 {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		out = append(out, e.vector(t))
	}
	return out
}

func (e *KeywordEmbedder) vector(text string) []float32 {
	text = strings.ToLower(text)
	v := make([]float32, len(e.vocab)+1)
	var hits float64
	for i, term := range e.vocab {
		if strings.Contains(text, term) {
			v[i] = 1
			hits++
		}
	}
	if hits == 0 {
		v[len(e.vocab)] = 1
		return v
	}
	norm := float32(1 / math.Sqrt(hits))
	for i := range v {
		v[i] *= norm
	}
	return v
}
