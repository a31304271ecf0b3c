package ports

import (
	"context"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

// Retriever is the inbound contract for hybrid passage retrieval.
type Retriever interface {
	Retrieve(ctx context.Context, req domain.RetrievalRequest) ([]domain.RetrievedChunk, error)
}

// IndexManager exposes the index lifecycle.
type IndexManager interface {
	Load(ctx context.Context) error
	RebuildAndSwap(ctx context.Context) (domain.IndexManifest, error)
	Reload(ctx context.Context) error
	Manifest() (domain.IndexManifest, bool)
	Close() error
}

// ConversationService answers questions inside a session.
type ConversationService interface {
	NewSession(ctx context.Context) (*domain.Session, error)
	Ask(ctx context.Context, sessionID, question string, filter *domain.DocumentFilter) (*domain.Answer, error)
	History(ctx context.Context, sessionID string) ([]domain.Turn, error)
	ClearHistory(ctx context.Context, sessionID string) error
	EndSession(ctx context.Context, sessionID string) error
	// SetFilter pins a document filter on the session; NoFilter removes it.
	SetFilter(ctx context.Context, sessionID string, filter domain.DocumentFilter) error
	Suggest(ctx context.Context, sessionID string) ([]string, error)
}
