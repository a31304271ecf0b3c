// Package openai adapts OpenAI and Azure OpenAI deployments to the embedding
// and completion ports.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/resilience"
)

type Options struct {
	APIKey  string
	BaseURL string
	// Azure switches to deployment URLs; model names are deployment names.
	Azure      bool
	APIVersion string

	ChatModel   string
	EmbedModel  string
	Temperature float32
}

type Client struct {
	api         *openai.Client
	chatModel   string
	embedModel  string
	temperature float32
	exec        *resilience.Executor
}

func New(opts Options, exec *resilience.Executor) *Client {
	var cfg openai.ClientConfig
	if opts.Azure {
		cfg = openai.DefaultAzureConfig(opts.APIKey, opts.BaseURL)
		if opts.APIVersion != "" {
			cfg.APIVersion = opts.APIVersion
		}
		cfg.AzureModelMapperFunc = func(model string) string { return model }
	} else {
		cfg = openai.DefaultConfig(opts.APIKey)
		if opts.BaseURL != "" {
			cfg.BaseURL = opts.BaseURL
		}
	}
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultConfig())
	}

	return &Client{
		api:         openai.NewClientWithConfig(cfg),
		chatModel:   opts.ChatModel,
		embedModel:  opts.EmbedModel,
		temperature: opts.Temperature,
		exec:        exec,
	}
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) ModelID() string {
	return "openai:" + e.client.embedModel
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := resilience.Call(ctx, e.client.exec, "openai_embed", func(attemptCtx context.Context) (openai.EmbeddingResponse, error) {
		return e.client.api.CreateEmbeddings(attemptCtx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.client.embedModel),
			Input: texts,
		})
	}, classifyOpenAIError)
	if err != nil {
		return nil, wrapExternal("openai embed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, domain.WrapError(
			domain.ErrExternalService,
			"openai embed",
			fmt.Errorf("got %d vectors for %d inputs", len(resp.Data), len(texts)),
		)
	}

	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, datum := range resp.Data {
		out[i] = datum.Embedding
	}
	return out, nil
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
	messages := req.Messages()
	chatReq := openai.ChatCompletionRequest{
		Model:       c.client.chatModel,
		Temperature: c.client.temperature,
		Messages:    make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, msg := range messages {
		chatReq.Messages[i] = openai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Content}
	}

	resp, err := resilience.Call(ctx, c.client.exec, "openai_chat", func(attemptCtx context.Context) (openai.ChatCompletionResponse, error) {
		return c.client.api.CreateChatCompletion(attemptCtx, chatReq)
	}, classifyOpenAIError)
	if err != nil {
		return "", wrapExternal("openai chat", err)
	}
	if len(resp.Choices) == 0 {
		return "", domain.WrapError(domain.ErrExternalService, "openai chat", errors.New("no choices returned"))
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", domain.WrapError(domain.ErrExternalService, "openai chat", errors.New("empty completion"))
	}
	return text, nil
}

func wrapExternal(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.WrapError(domain.ErrExternalService, op, err)
}

func classifyOpenAIError(err error) resilience.ErrorClassification {
	if err == nil || errors.Is(err, context.Canceled) {
		return resilience.ErrorClassification{}
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status > 0 {
		retryable := status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500
		return resilience.ErrorClassification{Retryable: retryable, RecordFailure: retryable}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}
