// Package bm25 implements the in-memory keyword index: an inverted term
// frequency table over chunk text scored with Okapi BM25.
package bm25

import (
	"context"
	"math"
	"sort"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

type posting struct {
	chunk int
	tf    int
}

type chunkRef struct {
	id         string
	documentID string
	index      int
	length     int
}

// Index is immutable once built and safe for concurrent searches.
type Index struct {
	k1, b    float64
	chunks   []chunkRef
	postings map[string][]posting
	avgLen   float64
}

type Option func(*Index)

func WithParameters(k1, b float64) Option {
	return func(ix *Index) {
		if k1 > 0 {
			ix.k1 = k1
		}
		if b >= 0 && b <= 1 {
			ix.b = b
		}
	}
}

// Build indexes the full chunk set. There is no incremental update; a new
// chunk set means a new Index.
func Build(chunks []domain.Chunk, opts ...Option) *Index {
	ix := &Index{
		k1:       DefaultK1,
		b:        DefaultB,
		chunks:   make([]chunkRef, 0, len(chunks)),
		postings: make(map[string][]posting, len(chunks)*16),
	}
	for _, opt := range opts {
		opt(ix)
	}

	totalLen := 0
	for i, chunk := range chunks {
		tokens := Tokenize(chunk.Text)
		termFreq := make(map[string]int, len(tokens))
		for _, token := range tokens {
			termFreq[token]++
		}
		for term, tf := range termFreq {
			ix.postings[term] = append(ix.postings[term], posting{chunk: i, tf: tf})
		}
		ix.chunks = append(ix.chunks, chunkRef{
			id:         chunk.ID,
			documentID: chunk.DocumentID,
			index:      chunk.Index,
			length:     len(tokens),
		})
		totalLen += len(tokens)
	}
	if len(chunks) > 0 {
		ix.avgLen = float64(totalLen) / float64(len(chunks))
	}
	return ix
}

func (ix *Index) Len() int { return len(ix.chunks) }

// Search ranks chunks containing at least one query term. Corpus statistics
// (document frequency, average length) are global, so filtering never changes
// the relative order of the retained chunks.
func (ix *Index) Search(_ context.Context, query string, k int, filter domain.DocumentFilter) ([]domain.ScoredChunk, error) {
	if k <= 0 || len(ix.chunks) == 0 {
		return nil, nil
	}

	scores := make(map[int]float64)
	seen := make(map[string]struct{})
	n := float64(len(ix.chunks))
	for _, term := range Tokenize(query) {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		list := ix.postings[term]
		if len(list) == 0 {
			continue
		}
		df := float64(len(list))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for _, p := range list {
			ref := ix.chunks[p.chunk]
			if !filter.Allows(ref.documentID) {
				continue
			}
			scores[p.chunk] += idf * ix.saturate(float64(p.tf), float64(ref.length))
		}
	}

	hits := make([]int, 0, len(scores))
	for idx, score := range scores {
		if score > 0 {
			hits = append(hits, idx)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		if ix.chunks[a].documentID != ix.chunks[b].documentID {
			return ix.chunks[a].documentID < ix.chunks[b].documentID
		}
		return ix.chunks[a].index < ix.chunks[b].index
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]domain.ScoredChunk, 0, len(hits))
	for _, idx := range hits {
		out = append(out, domain.ScoredChunk{ChunkID: ix.chunks[idx].id, Score: scores[idx]})
	}
	return out, nil
}

func (ix *Index) saturate(tf, length float64) float64 {
	norm := 1.0
	if ix.avgLen > 0 {
		norm = 1 - ix.b + ix.b*length/ix.avgLen
	}
	weight := (tf * (ix.k1 + 1)) / (tf + ix.k1*norm)
	if math.IsNaN(weight) || math.IsInf(weight, 0) {
		return 0
	}
	return weight
}
