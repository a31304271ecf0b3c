package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	chatModel  string
	embedModel string
	httpClient *http.Client
	exec       *resilience.Executor
}

// New builds an Ollama client. Per-attempt deadlines come from the executor,
// the http timeout is only a last resort.
func New(baseURL, chatModel, embedModel string, exec *resilience.Executor) *Client {
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		chatModel:  chatModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		exec:       exec,
	}
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) ModelID() string {
	return "ollama:" + e.client.embedModel
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.call(ctx, "embed", "/api/embed", request, &response); err != nil {
		return nil, err
	}
	if len(response.Embeddings) != len(texts) {
		return nil, domain.WrapError(
			domain.ErrExternalService,
			"ollama embed",
			fmt.Errorf("got %d vectors for %d inputs", len(response.Embeddings), len(texts)),
		)
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

type Completer struct {
	client *Client
}

func NewCompleter(client *Client) *Completer {
	return &Completer{client: client}
}

func (c *Completer) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	request := map[string]any{
		"model":    c.client.chatModel,
		"messages": req.Messages(),
		"stream":   false,
	}

	var response struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := c.client.call(ctx, "chat", "/api/chat", request, &response); err != nil {
		return "", err
	}
	text := strings.TrimSpace(response.Message.Content)
	if text == "" {
		return "", domain.WrapError(domain.ErrExternalService, "ollama chat", errors.New("empty completion"))
	}
	return text, nil
}

// call runs one request through the resilience executor. Anything that still
// fails is reported as an external service error.
func (c *Client) call(ctx context.Context, operation, path string, payload, out any) error {
	err := c.exec.Execute(ctx, "ollama_"+operation, func(attemptCtx context.Context) error {
		return wrapTemporaryIfNeeded(operation, c.postJSON(attemptCtx, path, payload, out, operation))
	}, classifyOllamaError)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.WrapError(domain.ErrExternalService, "ollama "+operation, err)
}
