// Package expansion rewrites a search query into related phrasings.
//
// The synonym table is a set of concept families: a key and its aliases are
// all interchangeable. When any member appears in a query, one candidate is
// produced per other member with that term substituted. The original query
// is always the first candidate.
package expansion

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// DefaultMaxCandidates caps the candidates returned by Expand, original
// query included.
const DefaultMaxCandidates = 4

// Config configures an Expander.
type Config struct {
	// Synonyms maps a term to its aliases. Relations are symmetric.
	Synonyms map[string][]string

	// MaxCandidates caps Expand's output. Zero means DefaultMaxCandidates.
	MaxCandidates int
}

type term struct {
	text    string
	pattern *regexp.Regexp
	family  int
}

// Expander produces query candidates from a synonym table. It is immutable
// and safe for concurrent use.
type Expander struct {
	terms    []term
	families [][]string
	max      int
	logger   *zap.Logger
}

// New builds an Expander. Families sharing a term are merged.
func New(cfg Config, logger *zap.Logger) *Expander {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}

	families := buildFamilies(cfg.Synonyms)
	e := &Expander{families: families, max: cfg.MaxCandidates, logger: logger}
	for i, fam := range families {
		for _, t := range fam {
			e.terms = append(e.terms, term{
				text:    t,
				pattern: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(t)),
				family:  i,
			})
		}
	}
	// Longer terms first, so "knowledge graph" is tried before "graph".
	slices.SortStableFunc(e.terms, func(a, b term) int {
		if c := cmp.Compare(utf8.RuneCountInString(b.text), utf8.RuneCountInString(a.text)); c != 0 {
			return c
		}
		return cmp.Compare(a.text, b.text)
	})
	return e
}

// Expand returns the query followed by its synonym rewrites, deduplicated
// and capped. A blank query yields no candidates.
func (e *Expander) Expand(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	out := []string{query}
	seen := map[string]struct{}{strings.ToLower(query): {}}
	add := func(c string) bool {
		key := strings.ToLower(c)
		if _, ok := seen[key]; ok {
			return true
		}
		seen[key] = struct{}{}
		out = append(out, c)
		return len(out) < e.max
	}

	for _, t := range e.terms {
		if len(out) >= e.max {
			break
		}
		if !t.pattern.MatchString(query) {
			continue
		}
		for _, alt := range e.families[t.family] {
			if strings.EqualFold(alt, t.text) {
				continue
			}
			if !add(t.pattern.ReplaceAllLiteralString(query, alt)) {
				break
			}
		}
	}

	if len(out) > 1 {
		e.logger.Debug("expanded query", zap.String("query", query), zap.Strings("candidates", out[1:]))
	}
	return out
}

// Families returns a copy of the merged concept families.
func (e *Expander) Families() [][]string {
	out := make([][]string, len(e.families))
	for i, f := range e.families {
		out[i] = slices.Clone(f)
	}
	return out
}

// buildFamilies merges keys and aliases into disjoint families. Terms are
// compared case-insensitively; the first spelling seen is kept. Output is
// sorted for determinism.
func buildFamilies(synonyms map[string][]string) [][]string {
	parent := map[string]string{}
	spelling := map[string]string{}

	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	addTerm := func(t string) (string, bool) {
		t = strings.TrimSpace(t)
		if t == "" {
			return "", false
		}
		k := strings.ToLower(t)
		if _, ok := parent[k]; !ok {
			parent[k] = k
			spelling[k] = t
		}
		return k, true
	}

	keys := make([]string, 0, len(synonyms))
	for k := range synonyms {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		root, ok := addTerm(key)
		if !ok {
			continue
		}
		for _, alias := range synonyms[key] {
			a, ok := addTerm(alias)
			if !ok {
				continue
			}
			ra, rb := find(root), find(a)
			if ra != rb {
				parent[rb] = ra
			}
		}
	}

	groups := map[string][]string{}
	for k := range parent {
		r := find(k)
		groups[r] = append(groups[r], spelling[k])
	}

	families := make([][]string, 0, len(groups))
	for _, g := range groups {
		if len(g) < 2 {
			continue
		}
		slices.Sort(g)
		families = append(families, g)
	}
	slices.SortFunc(families, func(a, b []string) int { return cmp.Compare(a[0], b[0]) })
	return families
}
