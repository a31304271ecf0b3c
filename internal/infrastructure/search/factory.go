// Package search assembles the semantic and keyword searchers of an index snapshot.
package search

import (
	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/core/ports"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/lexical/bm25"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/vector/filestore"
)

type Factory struct {
	embedder      ports.QueryEmbedder
	minSimilarity float64
}

func NewFactory(embedder ports.QueryEmbedder, minSimilarity float64) *Factory {
	return &Factory{embedder: embedder, minSimilarity: minSimilarity}
}

func (f *Factory) Semantic(entries []domain.IndexEntry) (ports.RankedSearcher, error) {
	return filestore.NewIndex(entries, f.embedder, f.minSimilarity)
}

func (f *Factory) Keyword(chunks []domain.Chunk) ports.RankedSearcher {
	return bm25.Build(chunks)
}
