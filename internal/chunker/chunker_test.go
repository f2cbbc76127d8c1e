package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prose(n int) string {
	words := []string{"retrieval", "augmented", "generation", "splits", "documents", "into", "chunks", "for", "search"}
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(words[i%len(words)])
	}
	return b.String()[:n]
}

func runeSlice(s string, from, to int) string {
	r := []rune(s)
	if to < 0 {
		to = len(r) + to + 1
	}
	return string(r[from:to])
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", DefaultConfig(), false},
		{"zero overlap", Config{Size: 10, Overlap: 0}, false},
		{"zero size", Config{Size: 0}, true},
		{"overlap equals size", Config{Size: 10, Overlap: 10}, true},
		{"negative overlap", Config{Size: 10, Overlap: -1}, true},
		{"negative min", Config{Size: 10, MinLength: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSplit_EmptyInput(t *testing.T) {
	c := MustNew(DefaultConfig())
	assert.Empty(t, c.Split("doc", ""))
	assert.Empty(t, c.Split("doc", "   \n\n\t "))
}

func TestSplit_ShortDocumentIsOneChunk(t *testing.T) {
	c := MustNew(DefaultConfig())

	chunks := c.Split("doc", "  tiny  ")
	require.Len(t, chunks, 1)
	assert.Equal(t, "  tiny  ", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[0].Total)
	assert.Equal(t, 8, chunks[0].Length)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 8, chunks[0].End)
}

func TestSplit_ContentIsSourceSlice(t *testing.T) {
	c := MustNew(Config{Size: 40, Overlap: 5})
	for _, text := range []string{
		"  short text with padding \n",
		strings.Repeat("first paragraph line.\n\n", 6),
	} {
		runes := []rune(text)
		for _, ch := range c.Split("doc", text) {
			assert.Equal(t, string(runes[ch.Start:ch.End]), ch.Content)
			assert.Equal(t, utf8.RuneCountInString(ch.Content), ch.Length)
			assert.Equal(t, ch.End-ch.Start, ch.Length)
		}
	}
}

func TestSplit_TwoChunksShareExactOverlap(t *testing.T) {
	c := MustNew(Config{Size: 1000, Overlap: 100, MinLength: 20})
	text := prose(1500)

	chunks := c.Split("doc-a", text)
	require.Len(t, chunks, 2)

	first, second := chunks[0].Content, chunks[1].Content
	assert.Equal(t, runeSlice(first, utf8.RuneCountInString(first)-100, -1), runeSlice(second, 0, 100))
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[1].Index)
	assert.Equal(t, 2, chunks[0].Total)
	assert.Equal(t, 2, chunks[1].Total)
}

func TestSplit_HardCutWithoutSeparators(t *testing.T) {
	c := MustNew(Config{Size: 100, Overlap: 10})
	chunks := c.Split("doc", strings.Repeat("x", 250))

	require.Len(t, chunks, 3)
	assert.Equal(t, [2]int{0, 100}, [2]int{chunks[0].Start, chunks[0].End})
	assert.Equal(t, [2]int{90, 190}, [2]int{chunks[1].Start, chunks[1].End})
	assert.Equal(t, [2]int{180, 250}, [2]int{chunks[2].Start, chunks[2].End})
	assert.Equal(t, 70, chunks[2].Length)
}

func TestSplit_PrefersParagraphBoundary(t *testing.T) {
	c := MustNew(Config{Size: 60, Overlap: 5})
	text := strings.Repeat("a", 30) + "\n\n" + strings.Repeat("b", 10) + "\n" + strings.Repeat("c", 40)

	chunks := c.Split("doc", text)
	require.NotEmpty(t, chunks)
	assert.True(t, strings.HasSuffix(chunks[0].Content, "\n\n"), "first chunk %q", chunks[0].Content)
	assert.Equal(t, 32, chunks[0].End)
}

func TestSplit_FallsBackToLineThenSpace(t *testing.T) {
	c := MustNew(Config{Size: 40, Overlap: 0})

	lines := strings.Repeat("a", 20) + "\n" + strings.Repeat("b", 30)
	chunks := c.Split("doc", lines)
	require.NotEmpty(t, chunks)
	assert.True(t, strings.HasSuffix(chunks[0].Content, "\n"))

	spaced := strings.Repeat("a", 25) + " " + strings.Repeat("b", 30)
	chunks = c.Split("doc", spaced)
	require.NotEmpty(t, chunks)
	assert.True(t, strings.HasSuffix(chunks[0].Content, " "))
}

func TestSplit_DropsShortChunksAndRenumbers(t *testing.T) {
	c := MustNew(Config{Size: 50, Overlap: 0, MinLength: 20})
	text := "Hi.\n\n" + strings.Repeat("word ", 20)

	chunks := c.Split("doc", text)
	require.Len(t, chunks, 2)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, 2, ch.Total)
		assert.GreaterOrEqual(t, utf8.RuneCountInString(strings.TrimSpace(ch.Content)), 20)
	}
	assert.NotContains(t, chunks[0].Content, "Hi.")
}

func TestSplit_CoverageReconstructsText(t *testing.T) {
	texts := []string{
		prose(2345),
		strings.Repeat("para one line\nline two\n\n", 40),
		strings.Repeat("온톨로지는 개념 사이의 관계를 표현합니다. ", 60),
	}
	for _, text := range texts {
		c := MustNew(Config{Size: 120, Overlap: 15})
		chunks := c.Split("doc", text)
		require.Greater(t, len(chunks), 1)

		var b strings.Builder
		b.WriteString(chunks[0].Content)
		for _, ch := range chunks[1:] {
			b.WriteString(runeSlice(ch.Content, 15, -1))
		}
		assert.Equal(t, text, b.String())
	}
}

func TestSplit_MinimumSizeInvariant(t *testing.T) {
	c := MustNew(DefaultConfig())
	text := strings.Repeat("short\n\n", 30) + prose(3000)

	chunks := c.Split("doc", text)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.GreaterOrEqual(t, utf8.RuneCountInString(strings.TrimSpace(ch.Content)), DefaultMinLength)
		assert.LessOrEqual(t, ch.Length, DefaultSize)
	}
}

func TestSplit_NeverSplitsMultibyteRunes(t *testing.T) {
	c := MustNew(Config{Size: 33, Overlap: 7})
	text := strings.Repeat("한국어문서검색", 30)

	for _, ch := range c.Split("doc", text) {
		assert.True(t, utf8.ValidString(ch.Content))
		assert.Equal(t, utf8.RuneCountInString(ch.Content), ch.Length)
	}
}

func TestChunk_Metadata(t *testing.T) {
	ch := Chunk{Index: 2, Total: 5, Start: 100, End: 200}
	md := ch.Metadata()
	assert.Equal(t, "2", md["position"])
	assert.Equal(t, "5", md["total_chunks"])
	assert.Equal(t, "100", md["start"])
	assert.Equal(t, "200", md["end"])
}
