package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/session"
)

type retrieverFake struct {
	chunks  []domain.RetrievedChunk
	err     error
	calls   int
	lastReq domain.RetrievalRequest
}

func (f *retrieverFake) Retrieve(_ context.Context, req domain.RetrievalRequest) ([]domain.RetrievedChunk, error) {
	f.calls++
	f.lastReq = req
	return f.chunks, f.err
}

type completerFake struct {
	reply    string
	err      error
	requests []domain.CompletionRequest
}

func (f *completerFake) Complete(_ context.Context, req domain.CompletionRequest) (string, error) {
	f.requests = append(f.requests, req)
	return f.reply, f.err
}

type answerFixture struct {
	retriever *retrieverFake
	completer *completerFake
	sessions  *session.MemoryStore
	uc        *AnswerUseCase
}

func newAnswerFixture(t *testing.T) *answerFixture {
	t.Helper()
	snap, err := NewIndexSnapshot(
		domain.IndexManifest{
			Version: "v1",
			Documents: []domain.DocumentSummary{
				{ID: "Contrato 5900.0122983.22.2.pdf", Chunks: 1},
				{ID: "A.pdf", Chunks: 2},
			},
		},
		chunkEntries("A.pdf#0", "A.pdf#1", "Contrato 5900.0122983.22.2.pdf#0"),
		stubFactory{semantic: &listSearcher{}, keyword: &listSearcher{}},
	)
	if err != nil {
		t.Fatalf("NewIndexSnapshot() error = %v", err)
	}
	f := &answerFixture{
		retriever: &retrieverFake{chunks: []domain.RetrievedChunk{
			{Chunk: domain.Chunk{ID: "A.pdf#1", DocumentID: "A.pdf", Index: 1, Page: 2, Text: "multa de 2% ao mes"}, Score: 0.9},
			{Chunk: domain.Chunk{ID: "B.txt#0", DocumentID: "B.txt", Text: "prazo de 30 dias"}, Score: 0.4},
		}},
		completer: &completerFake{reply: "A multa e de 2% (A.pdf, pagina 2)."},
		sessions:  session.NewMemoryStore(time.Hour),
	}
	f.uc = NewAnswerUseCase(f.retriever, staticSource{snap: snap}, f.completer, f.sessions, AnswerConfig{TopK: 8})
	return f
}

func (f *answerFixture) newSession(t *testing.T) string {
	t.Helper()
	s, err := f.uc.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s.ID
}

func TestAskBuildsLabelledPromptAndRecordsTurn(t *testing.T) {
	f := newAnswerFixture(t)
	ctx := context.Background()
	id := f.newSession(t)

	answer, err := f.uc.Ask(ctx, id, "Qual a multa?", nil)
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.Text != f.completer.reply || answer.NoMatch || len(answer.Sources) != 2 {
		t.Fatalf("unexpected answer: %+v", answer)
	}

	req := f.completer.requests[0]
	if !strings.Contains(req.Prompt, "[Source 1 - A.pdf (page 2)]\nmulta de 2% ao mes") {
		t.Fatalf("first passage label missing: %s", req.Prompt)
	}
	if !strings.Contains(req.Prompt, "[Source 2 - B.txt]\nprazo de 30 dias") {
		t.Fatalf("second passage label missing: %s", req.Prompt)
	}
	if !strings.Contains(req.Prompt, "Qual a multa?") || req.SystemPrompt == "" {
		t.Fatalf("question or system prompt missing: %+v", req)
	}
	if f.retriever.lastReq.K != 8 || f.retriever.lastReq.Filter != domain.NoFilter {
		t.Fatalf("unexpected retrieval request: %+v", f.retriever.lastReq)
	}

	history, err := f.uc.History(ctx, id)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].Question != "Qual a multa?" || history[0].Answer != f.completer.reply {
		t.Fatalf("turn not recorded: %+v", history)
	}
}

func TestAskSendsOnlyRecentHistory(t *testing.T) {
	f := newAnswerFixture(t)
	ctx := context.Background()
	id := f.newSession(t)
	for i := 0; i < 7; i++ {
		if _, err := f.uc.Ask(ctx, id, "pergunta "+string(rune('a'+i)), nil); err != nil {
			t.Fatalf("Ask() error = %v", err)
		}
	}
	if _, err := f.uc.Ask(ctx, id, "explique o item 2", nil); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	last := f.completer.requests[len(f.completer.requests)-1]
	if len(last.History) != DefaultHistoryTurns {
		t.Fatalf("expected %d history turns, got %d", DefaultHistoryTurns, len(last.History))
	}
	if last.History[0].Question != "pergunta c" || last.History[4].Question != "pergunta g" {
		t.Fatalf("expected the most recent turns, got %q..%q", last.History[0].Question, last.History[4].Question)
	}
}

func TestAskWithoutMatchesSkipsModel(t *testing.T) {
	f := newAnswerFixture(t)
	f.retriever.chunks = []domain.RetrievedChunk{}
	id := f.newSession(t)

	answer, err := f.uc.Ask(context.Background(), id, "Qual a multa?", nil)
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if !answer.NoMatch || answer.Text != NoMatchAnswer || len(answer.Sources) != 0 {
		t.Fatalf("expected no-match answer, got %+v", answer)
	}
	if len(f.completer.requests) != 0 {
		t.Fatalf("completion service must not be called")
	}
}

func TestAskCompletionFailurePreservesSession(t *testing.T) {
	f := newAnswerFixture(t)
	ctx := context.Background()
	id := f.newSession(t)
	if _, err := f.uc.Ask(ctx, id, "primeira", nil); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	f.completer.err = errors.New("502 bad gateway")
	_, err := f.uc.Ask(ctx, id, "segunda", nil)
	if !domain.IsKind(err, domain.ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
	history, _ := f.uc.History(ctx, id)
	if len(history) != 1 || history[0].Question != "primeira" {
		t.Fatalf("session must be unchanged after failure: %+v", history)
	}
}

func TestAskPropagatesIndexNotReady(t *testing.T) {
	f := newAnswerFixture(t)
	f.retriever.err = domain.WrapError(domain.ErrIndexNotReady, "retrieve", errors.New("no data available"))
	id := f.newSession(t)

	if _, err := f.uc.Ask(context.Background(), id, "Qual a multa?", nil); !domain.IsKind(err, domain.ErrIndexNotReady) {
		t.Fatalf("expected index not ready, got %v", err)
	}
}

func TestAskFilterSelection(t *testing.T) {
	f := newAnswerFixture(t)
	ctx := context.Background()
	id := f.newSession(t)
	if err := f.uc.SetFilter(ctx, id, "A.pdf"); err != nil {
		t.Fatalf("SetFilter() error = %v", err)
	}

	if _, err := f.uc.Ask(ctx, id, "Qual a multa?", nil); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if f.retriever.lastReq.Filter != "A.pdf" {
		t.Fatalf("session filter not applied: %+v", f.retriever.lastReq)
	}

	override := domain.NoFilter
	if _, err := f.uc.Ask(ctx, id, "Qual a multa?", &override); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if f.retriever.lastReq.Filter != domain.NoFilter {
		t.Fatalf("explicit filter must win: %+v", f.retriever.lastReq)
	}
}

func TestSetFilterValidatesDocument(t *testing.T) {
	f := newAnswerFixture(t)
	ctx := context.Background()
	id := f.newSession(t)

	if err := f.uc.SetFilter(ctx, id, "missing.pdf"); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := f.uc.SetFilter(ctx, id, domain.NoFilter); err != nil {
		t.Fatalf("clearing the filter must succeed, got %v", err)
	}
	if err := f.uc.SetFilter(ctx, "missing-session", "A.pdf"); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestAskCatalogQuestionListsDocuments(t *testing.T) {
	f := newAnswerFixture(t)
	id := f.newSession(t)

	for _, q := range []string{"Quais PDFs estão na base?", "Which documents are in the knowledge base?"} {
		answer, err := f.uc.Ask(context.Background(), id, q, nil)
		if err != nil {
			t.Fatalf("Ask(%q) error = %v", q, err)
		}
		want := "The knowledge base contains 2 document(s):\n\n1. A.pdf\n2. Contrato 5900.0122983.22.2.pdf"
		if answer.Text != want {
			t.Fatalf("unexpected catalog answer for %q:\n%s", q, answer.Text)
		}
	}
	if f.retriever.calls != 0 || len(f.completer.requests) != 0 {
		t.Fatalf("catalog answers must not retrieve or call the model")
	}
}

func TestAskRejectsEmptyQuestionAndUnknownSession(t *testing.T) {
	f := newAnswerFixture(t)
	id := f.newSession(t)
	if _, err := f.uc.Ask(context.Background(), id, "  ", nil); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := f.uc.Ask(context.Background(), "nope", "Qual a multa?", nil); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestSuggestFollowUps(t *testing.T) {
	f := newAnswerFixture(t)
	ctx := context.Background()
	id := f.newSession(t)

	got, err := f.uc.Suggest(ctx, id)
	if err != nil || len(got) != 0 {
		t.Fatalf("no turns must yield no suggestions, got %v, %v", got, err)
	}

	if _, err := f.uc.Ask(ctx, id, "Qual a multa?", nil); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	f.completer.reply = "1. Qual o valor total?\n- Quais sao os prazos?\n\nExplique melhor o item 2\nHa reajuste?\nQuem assina?\nQual o foro?\nExtra?"
	got, err = f.uc.Suggest(ctx, id)
	if err != nil {
		t.Fatalf("Suggest() error = %v", err)
	}
	if len(got) != 6 || got[0] != "Qual o valor total?" || got[1] != "Quais sao os prazos?" {
		t.Fatalf("unexpected suggestions: %q", got)
	}
	last := f.completer.requests[len(f.completer.requests)-1]
	if !strings.Contains(last.Prompt, "Qual a multa?") || !strings.Contains(last.Prompt, "A multa e de 2%") {
		t.Fatalf("suggestion prompt must carry the last turn: %s", last.Prompt)
	}

	f.completer.err = errors.New("timeout")
	got, err = f.uc.Suggest(ctx, id)
	if err != nil || len(got) != 0 {
		t.Fatalf("failures must yield an empty list, got %v, %v", got, err)
	}
}

func TestClearHistoryAndEndSession(t *testing.T) {
	f := newAnswerFixture(t)
	ctx := context.Background()
	id := f.newSession(t)
	if _, err := f.uc.Ask(ctx, id, "Qual a multa?", nil); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if err := f.uc.ClearHistory(ctx, id); err != nil {
		t.Fatalf("ClearHistory() error = %v", err)
	}
	history, _ := f.uc.History(ctx, id)
	if len(history) != 0 {
		t.Fatalf("history not cleared: %+v", history)
	}
	if err := f.uc.EndSession(ctx, id); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if _, err := f.uc.History(ctx, id); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}
