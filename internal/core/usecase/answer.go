package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/core/ports"
)

const DefaultHistoryTurns = 5

type AnswerConfig struct {
	// TopK is passed to the retriever; zero selects the retriever default.
	TopK         int
	HistoryTurns int
}

// AnswerUseCase answers questions inside conversation sessions.
type AnswerUseCase struct {
	retriever ports.Retriever
	index     SnapshotSource
	completer ports.Completer
	sessions  ports.SessionStore
	cfg       AnswerConfig
	now       func() time.Time
}

func NewAnswerUseCase(
	retriever ports.Retriever,
	index SnapshotSource,
	completer ports.Completer,
	sessions ports.SessionStore,
	cfg AnswerConfig,
) *AnswerUseCase {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	return &AnswerUseCase{
		retriever: retriever,
		index:     index,
		completer: completer,
		sessions:  sessions,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (uc *AnswerUseCase) NewSession(ctx context.Context) (*domain.Session, error) {
	return uc.sessions.Create(ctx)
}

// Ask answers one question. A nil filter uses the session filter. When the
// completion service fails the session is left unchanged so the same
// question can be asked again.
func (uc *AnswerUseCase) Ask(
	ctx context.Context,
	sessionID, question string,
	filter *domain.DocumentFilter,
) (*domain.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask", errors.New("question is empty"))
	}
	session, err := uc.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	activeFilter := session.Filter
	if filter != nil {
		activeFilter = *filter
	}

	var answer *domain.Answer
	switch {
	case isCatalogQuestion(question):
		answer, err = uc.catalog()
	default:
		answer, err = uc.answerFromSources(ctx, session, question, activeFilter)
	}
	if err != nil {
		return nil, err
	}

	turn := domain.Turn{Question: question, Answer: answer.Text, Sources: answer.Sources, AskedAt: uc.now().UTC()}
	if err := uc.sessions.AppendTurn(ctx, sessionID, turn); err != nil {
		return nil, err
	}
	return answer, nil
}

func (uc *AnswerUseCase) catalog() (*domain.Answer, error) {
	snap := uc.index.Snapshot()
	if snap == nil {
		return nil, domain.WrapError(domain.ErrIndexNotReady, "list documents", errors.New("no data available"))
	}
	return &domain.Answer{Text: catalogAnswer(snap.Documents()), Sources: []domain.RetrievedChunk{}}, nil
}

func (uc *AnswerUseCase) answerFromSources(
	ctx context.Context,
	session *domain.Session,
	question string,
	filter domain.DocumentFilter,
) (*domain.Answer, error) {
	chunks, err := uc.retriever.Retrieve(ctx, domain.RetrievalRequest{Query: question, K: uc.cfg.TopK, Filter: filter})
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		slog.Info("answer_no_match", "session_id", session.ID, "filter", string(filter))
		return &domain.Answer{Text: NoMatchAnswer, Sources: []domain.RetrievedChunk{}, NoMatch: true}, nil
	}

	history := session.Turns
	if len(history) > uc.cfg.HistoryTurns {
		history = history[len(history)-uc.cfg.HistoryTurns:]
	}
	text, err := uc.completer.Complete(ctx, domain.CompletionRequest{
		SystemPrompt: answerSystemPrompt,
		History:      history,
		Prompt:       buildAnswerPrompt(question, chunks),
	})
	if err != nil {
		if domain.IsKind(err, domain.ErrExternalService) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrExternalService, "complete answer", err)
	}
	return &domain.Answer{Text: text, Sources: chunks}, nil
}

func (uc *AnswerUseCase) History(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	session, err := uc.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.Turns, nil
}

func (uc *AnswerUseCase) ClearHistory(ctx context.Context, sessionID string) error {
	return uc.sessions.Clear(ctx, sessionID)
}

func (uc *AnswerUseCase) EndSession(ctx context.Context, sessionID string) error {
	return uc.sessions.Delete(ctx, sessionID)
}

// SetFilter pins a document filter on the session. The id must name an
// indexed document; NoFilter clears it.
func (uc *AnswerUseCase) SetFilter(ctx context.Context, sessionID string, filter domain.DocumentFilter) error {
	if filter.Active() {
		snap := uc.index.Snapshot()
		if snap == nil {
			return domain.WrapError(domain.ErrIndexNotReady, "set filter", errors.New("no data available"))
		}
		if !snap.HasDocument(string(filter)) {
			return domain.WrapError(domain.ErrInvalidInput, "set filter", fmt.Errorf("unknown document %q", string(filter)))
		}
	}
	return uc.sessions.SetFilter(ctx, sessionID, filter)
}

// Suggest proposes follow-up questions for the latest turn. Completion
// failures produce an empty list.
func (uc *AnswerUseCase) Suggest(ctx context.Context, sessionID string) ([]string, error) {
	session, err := uc.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(session.Turns) == 0 {
		return []string{}, nil
	}
	last := session.Turns[len(session.Turns)-1]

	raw, err := uc.completer.Complete(ctx, domain.CompletionRequest{
		SystemPrompt: suggestSystemPrompt,
		Prompt:       buildSuggestPrompt(last),
	})
	if err != nil {
		slog.Warn("suggestions_failed", "session_id", sessionID, "error", err)
		return []string{}, nil
	}
	return parseSuggestions(raw), nil
}
