// Package vectorstore holds per-tenant vector indexes.
//
// An Index stores the chunk vectors of one tenant and answers
// nearest-neighbour queries with a similarity score in (0, 1]. A Backend
// creates and loads indexes; ChromemBackend keeps them in memory and
// persists each tenant to its own directory, QdrantBackend keeps one
// collection per tenant on a Qdrant server.
package vectorstore

import (
	"cmp"
	"math"
	"slices"
	"strconv"
)

// Metadata keys written alongside every vector.
const (
	MetaDocumentID = "document_id"
	MetaChunkIndex = "chunk_index"
	MetaModel      = "model"
)

// Record is one chunk vector.
type Record struct {
	DocumentID string
	ChunkIndex int
	Content    string
	Vector     []float32
	Model      string
	Dimension  int
	Metadata   map[string]string
}

// Key returns the record identifier unique within a tenant.
func (r Record) Key() string {
	return RecordKey(r.DocumentID, r.ChunkIndex)
}

// RecordKey builds the identifier of chunk index of documentID.
func RecordKey(documentID string, index int) string {
	return documentID + "#" + strconv.Itoa(index)
}

// Match is a search hit.
type Match struct {
	DocumentID string
	ChunkIndex int
	Content    string
	Distance   float64
	Similarity float64
	Metadata   map[string]string
}

// Similarity maps a non-negative distance to (0, 1]. Smaller distances
// give strictly larger similarity.
func Similarity(distance float64) float64 {
	if distance < 0 || math.IsNaN(distance) {
		distance = 0
	}
	return 1 / (1 + distance)
}

// cosineDistance converts a cosine similarity between unit vectors into
// their squared Euclidean distance.
func cosineDistance(cos float64) float64 {
	return math.Max(0, 2-2*cos)
}

// rankMatches filters by threshold, sorts by similarity descending with
// (document, chunk) as tiebreak and keeps at most k.
func rankMatches(matches []Match, k int, threshold float64) []Match {
	out := matches[:0]
	for _, m := range matches {
		if m.Similarity >= threshold {
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b Match) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		if c := cmp.Compare(a.DocumentID, b.DocumentID); c != 0 {
			return c
		}
		return cmp.Compare(a.ChunkIndex, b.ChunkIndex)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
