package ports

import (
	"context"
	"time"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

// CorpusLoader reads every readable document of a corpus directory.
// Documents that cannot be read are reported as warnings, not errors.
type CorpusLoader interface {
	Load(ctx context.Context, dir string) ([]domain.Document, []domain.IngestionWarning, error)
	Fingerprint(ctx context.Context, dir string) (string, error)
}

// Chunker splits a document into overlapping passages.
type Chunker interface {
	Split(doc domain.Document) ([]domain.Chunk, error)
	Size() int
	Overlap() int
}

// QueryEmbedder embeds a single search query.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	QueryEmbedder
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// ModelID identifies the embedding model; vectors of different models are never mixed.
	ModelID() string
}

// Completer is the stateless text completion boundary.
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// RankedSearcher is the common capability behind the semantic and keyword
// indexes. Hits are sorted by descending score; the filter is applied before ranking.
type RankedSearcher interface {
	Search(ctx context.Context, query string, k int, filter domain.DocumentFilter) ([]domain.ScoredChunk, error)
}

// IndexStore persists index versions and publishes them atomically.
type IndexStore interface {
	// Current returns the manifest of the published version, or ok=false when none exists.
	Current(ctx context.Context) (manifest domain.IndexManifest, ok bool, err error)
	LoadEntries(ctx context.Context, version string) ([]domain.IndexEntry, error)
	Publish(ctx context.Context, manifest domain.IndexManifest, entries []domain.IndexEntry) error
}

// BuildLedger records published index builds.
type BuildLedger interface {
	RecordBuild(ctx context.Context, manifest domain.IndexManifest) error
}

// IndexEvents announces newly published index versions to other processes.
type IndexEvents interface {
	PublishIndexReady(ctx context.Context, version string) error
	SubscribeIndexReady(ctx context.Context, handler func(context.Context, string) error) error
}

// SessionStore keeps conversation sessions in memory for their lifetime.
type SessionStore interface {
	Create(ctx context.Context) (*domain.Session, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	AppendTurn(ctx context.Context, id string, turn domain.Turn) error
	SetFilter(ctx context.Context, id string, filter domain.DocumentFilter) error
	Clear(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// SearcherFactory builds the in-memory searchers of an index snapshot.
type SearcherFactory interface {
	Semantic(entries []domain.IndexEntry) (RankedSearcher, error)
	Keyword(chunks []domain.Chunk) RankedSearcher
}

// IndexMetrics observes index builds and the active snapshot.
type IndexMetrics interface {
	ObserveBuild(duration time.Duration, err error)
	SetActive(manifest domain.IndexManifest)
}

// RetrievalMetrics observes hybrid retrieval requests.
type RetrievalMetrics interface {
	ObserveRetrieval(duration time.Duration, results int, err error)
}
