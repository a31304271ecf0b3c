package filestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/core/ports"
)

// DisabledSimilarityFloor keeps every candidate regardless of similarity.
const DisabledSimilarityFloor = -1.0

type vectorRow struct {
	chunk  domain.Chunk
	vector []float32
	norm   float64
}

// Index is an in-memory cosine searcher over the entries of one published
// version. It is immutable after construction.
type Index struct {
	rows          []vectorRow
	dimensions    int
	embedder      ports.QueryEmbedder
	minSimilarity float64
}

func NewIndex(entries []domain.IndexEntry, embedder ports.QueryEmbedder, minSimilarity float64) (*Index, error) {
	if embedder == nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "semantic index", errors.New("embedder is nil"))
	}
	idx := &Index{
		rows:          make([]vectorRow, 0, len(entries)),
		embedder:      embedder,
		minSimilarity: minSimilarity,
	}
	for i, entry := range entries {
		if len(entry.Vector) == 0 {
			return nil, fmt.Errorf("entry %d (%s) has no vector", i, entry.Chunk.ID)
		}
		if idx.dimensions == 0 {
			idx.dimensions = len(entry.Vector)
		}
		if len(entry.Vector) != idx.dimensions {
			return nil, fmt.Errorf("entry %s has %d dimensions, want %d", entry.Chunk.ID, len(entry.Vector), idx.dimensions)
		}
		idx.rows = append(idx.rows, vectorRow{
			chunk:  entry.Chunk,
			vector: entry.Vector,
			norm:   l2norm(entry.Vector),
		})
	}
	return idx, nil
}

func (i *Index) Len() int { return len(i.rows) }

func (i *Index) Dimensions() int { return i.dimensions }

func (i *Index) Search(ctx context.Context, query string, k int, filter domain.DocumentFilter) ([]domain.ScoredChunk, error) {
	if k <= 0 || len(i.rows) == 0 {
		return nil, nil
	}

	candidates := make([]int, 0, len(i.rows))
	for n := range i.rows {
		if filter.Allows(i.rows[n].chunk.DocumentID) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	queryVector, err := i.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(queryVector) != i.dimensions {
		return nil, domain.WrapError(
			domain.ErrExternalService,
			"semantic search",
			fmt.Errorf("query vector has %d dimensions, index has %d", len(queryVector), i.dimensions),
		)
	}
	queryNorm := l2norm(queryVector)

	type hit struct {
		row   int
		score float64
	}
	hits := make([]hit, 0, len(candidates))
	for _, n := range candidates {
		score := cosine(queryVector, queryNorm, i.rows[n].vector, i.rows[n].norm)
		if score < i.minSimilarity {
			continue
		}
		hits = append(hits, hit{row: n, score: score})
	}

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		ca, cb := i.rows[hits[a].row].chunk, i.rows[hits[b].row].chunk
		if ca.DocumentID != cb.DocumentID {
			return ca.DocumentID < cb.DocumentID
		}
		return ca.Index < cb.Index
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]domain.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, domain.ScoredChunk{ChunkID: i.rows[h.row].chunk.ID, Score: h.score})
	}
	return out, nil
}

func cosine(a []float32, normA float64, b []float32, normB float64) float64 {
	if normA == 0 || normB == 0 {
		return 0
	}
	var dot float64
	for n := range a {
		dot += float64(a[n]) * float64(b[n])
	}
	return dot / (normA * normB)
}

func l2norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
