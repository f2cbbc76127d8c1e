// Package chunker splits document text into overlapping chunks.
//
// Splitting is recursive over boundary classes: inside each window of
// Size runes the chunker cuts after the last paragraph break, else the
// last line break, else the last space, else hard at the window edge.
// Consecutive chunks share exactly Overlap runes.
package chunker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Defaults.
const (
	DefaultSize      = 512
	DefaultOverlap   = 50
	DefaultMinLength = 20
)

// ErrInvalidConfig indicates an unusable size/overlap combination.
var ErrInvalidConfig = errors.New("invalid chunker config")

// separators in priority order.
var separators = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(" "),
}

// Config holds chunking parameters. Lengths are in runes.
type Config struct {
	Size      int
	Overlap   int
	MinLength int
}

// DefaultConfig returns the standard 512/50/20 configuration.
func DefaultConfig() Config {
	return Config{Size: DefaultSize, Overlap: DefaultOverlap, MinLength: DefaultMinLength}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidConfig, c.Size)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("%w: overlap must be in [0, %d), got %d", ErrInvalidConfig, c.Size, c.Overlap)
	}
	if c.MinLength < 0 {
		return fmt.Errorf("%w: min length cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Chunk is a contiguous slice of one document's text.
type Chunk struct {
	DocumentID string
	Index      int    // zero-based, contiguous within the document
	Content    string // raw slice of the source text
	Length     int    // rune count of Content
	Start      int    // rune offset of Content in the source
	End        int    // rune offset one past the last rune
	Total      int    // chunk count for the document
}

// Metadata returns the chunk's positional metadata as strings.
func (c Chunk) Metadata() map[string]string {
	return map[string]string{
		"position":     strconv.Itoa(c.Index),
		"total_chunks": strconv.Itoa(c.Total),
		"start":        strconv.Itoa(c.Start),
		"end":          strconv.Itoa(c.End),
	}
}

// Chunker splits text into chunks. Safe for concurrent use.
type Chunker struct {
	size      int
	overlap   int
	minLength int
}

// New creates a chunker. A zero MinLength keeps every chunk.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{size: cfg.Size, overlap: cfg.Overlap, minLength: cfg.MinLength}, nil
}

// MustNew is New that panics on invalid config.
func MustNew(cfg Config) *Chunker {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// Size returns the configured window size.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split segments text into chunks for documentID. Empty or whitespace-only
// text yields nil. Text no longer than Size yields exactly one chunk.
// Content is always the untrimmed source slice [Start, End); MinLength
// alone ignores surrounding whitespace.
func (c *Chunker) Split(documentID, text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if n := utf8.RuneCountInString(text); n <= c.size {
		return []Chunk{{
			DocumentID: documentID,
			Content:    text,
			Length:     n,
			End:        n,
			Total:      1,
		}}
	}

	runes := []rune(text)
	var spans [][2]int
	start := 0
	for {
		if len(runes)-start <= c.size {
			spans = append(spans, [2]int{start, len(runes)})
			break
		}
		end := c.boundary(runes, start)
		spans = append(spans, [2]int{start, end})
		start = end - c.overlap
	}

	chunks := make([]Chunk, 0, len(spans))
	for _, sp := range spans {
		content := string(runes[sp[0]:sp[1]])
		if utf8.RuneCountInString(strings.TrimSpace(content)) < c.minLength {
			continue
		}
		chunks = append(chunks, Chunk{
			DocumentID: documentID,
			Index:      len(chunks),
			Content:    content,
			Length:     sp[1] - sp[0],
			Start:      sp[0],
			End:        sp[1],
		})
	}
	for i := range chunks {
		chunks[i].Total = len(chunks)
	}
	return chunks
}

// boundary returns the exclusive end of the chunk starting at start. The
// separator stays with the preceding chunk. The cut always lands past
// start+overlap so the next chunk makes progress.
func (c *Chunker) boundary(runes []rune, start int) int {
	limit := start + c.size
	floor := start + c.overlap
	for _, sep := range separators {
		if p := lastCut(runes, sep, floor, limit); p > 0 {
			return p
		}
	}
	return limit
}

// lastCut finds the last occurrence of sep whose end p satisfies
// floor < p <= limit and returns p, or -1.
func lastCut(runes, sep []rune, floor, limit int) int {
	for p := limit; p > floor && p-len(sep) >= 0; p-- {
		if matchAt(runes, sep, p-len(sep)) {
			return p
		}
	}
	return -1
}

func matchAt(runes, sep []rune, i int) bool {
	for j, r := range sep {
		if runes[i+j] != r {
			return false
		}
	}
	return true
}
