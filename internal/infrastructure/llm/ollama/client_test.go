package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/resilience"
)

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		AttemptTimeout:      time.Second,
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	})
}

func TestCompleterSendsChatMessages(t *testing.T) {
	var payload struct {
		Model    string               `json:"model"`
		Messages []domain.ChatMessage `json:"messages"`
		Stream   bool                 `json:"stream"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":" The fine is 2%. "}}`))
	}))
	defer server.Close()

	completer := NewCompleter(New(server.URL, "llama3", "nomic", testExecutor()))
	got, err := completer.Complete(context.Background(), domain.CompletionRequest{
		SystemPrompt: "answer from sources",
		History:      []domain.Turn{{Question: "q1", Answer: "a1"}},
		Prompt:       "[Source 1 - A.pdf (page 2)]\nfine 2%\n\nQuestion: fine?",
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "The fine is 2%." {
		t.Fatalf("unexpected completion %q", got)
	}
	if payload.Model != "llama3" || payload.Stream {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	roles := make([]string, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		roles = append(roles, string(m.Role))
	}
	if strings.Join(roles, ",") != "system,user,assistant,user" {
		t.Fatalf("unexpected roles %v", roles)
	}
	if !strings.Contains(payload.Messages[3].Content, "A.pdf (page 2)") {
		t.Fatalf("passages missing from prompt: %q", payload.Messages[3].Content)
	}
}

func TestEmbedderBatchAndModelID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		vectors := make([][]float32, len(payload.Input))
		for i := range payload.Input {
			vectors[i] = []float32{float32(i), 1}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": vectors})
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "llama3", "nomic-embed-text", testExecutor()))
	if embedder.ModelID() != "ollama:nomic-embed-text" {
		t.Fatalf("unexpected model id %q", embedder.ModelID())
	}
	vectors, err := embedder.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vectors) != 3 || vectors[2][0] != 2 {
		t.Fatalf("unexpected vectors %v", vectors)
	}
}

func TestEmbedderRejectsVectorCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[1,2]]}`))
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed", testExecutor()))
	_, err := embedder.Embed(context.Background(), []string{"a", "b"})
	if !domain.IsKind(err, domain.ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
}

func TestEmbedRetriesUnavailableAndKeepsBody(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed", testExecutor()))
	_, err := embedder.Embed(context.Background(), []string{"hello"})
	if !domain.IsKind(err, domain.ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected HTTPStatusError, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestCompleteDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `model "x" not found`, http.StatusNotFound)
	}))
	defer server.Close()

	completer := NewCompleter(New(server.URL, "x", "embed", testExecutor()))
	_, err := completer.Complete(context.Background(), domain.CompletionRequest{Prompt: "hi"})
	if !domain.IsKind(err, domain.ErrExternalService) {
		t.Fatalf("expected external service error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected single attempt, got %d", calls.Load())
	}
}
