package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kirillkom/contracts-rag/internal/config"
	"github.com/kirillkom/contracts-rag/internal/core/ports"
	"github.com/kirillkom/contracts-rag/internal/core/usecase"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/chunking"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/extractor"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/llm/openai"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/resilience"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/search"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/session"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/vector/filestore"
	"github.com/kirillkom/contracts-rag/internal/observability/metrics"
)

type App struct {
	Config config.Config

	Index     *usecase.IndexUseCase
	Retriever *usecase.RetrieveUseCase
	Answers   *usecase.AnswerUseCase
	Sessions  *session.MemoryStore

	// Ledger and Events are nil unless POSTGRES_DSN / NATS_URL are set.
	Ledger *postgres.BuildLedger
	Events *nats.IndexEvents

	Metrics      *metrics.HTTPServerMetrics
	IndexMetrics *metrics.IndexMetrics

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	normalization, err := usecase.ParseNormalization(cfg.RAGNormalization)
	if err != nil {
		return nil, err
	}

	executor := resilience.NewExecutor(executorConfig(cfg))
	embedder, completer := newModelClients(cfg, executor)

	chunker, err := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("init chunker: %w", err)
	}
	store, err := filestore.New(cfg.IndexDir, cfg.IndexKeepVersions)
	if err != nil {
		return nil, fmt.Errorf("init index store: %w", err)
	}

	httpMetrics := metrics.NewHTTPServerMetrics(service)
	indexMetrics := metrics.NewIndexMetrics(service, httpMetrics.Registry())

	app := &App{
		Config:       cfg,
		Metrics:      httpMetrics,
		IndexMetrics: indexMetrics,
	}
	var db *sql.DB
	closeAll := func() {
		if app.Events != nil {
			app.Events.Close()
		}
		if db != nil {
			_ = db.Close()
		}
	}

	indexOpts := []usecase.IndexOption{usecase.WithIndexMetrics(indexMetrics)}
	if cfg.PostgresDSN != "" {
		db, err = postgres.OpenDB(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		ledger := postgres.NewBuildLedger(db)
		if err := ledger.EnsureSchema(ctx); err != nil {
			closeAll()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		app.Ledger = ledger
		indexOpts = append(indexOpts, usecase.WithBuildLedger(ledger))
	}
	if cfg.NATSURL != "" {
		events, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{ResilienceExecutor: executor})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init index events: %w", err)
		}
		app.Events = events
		indexOpts = append(indexOpts, usecase.WithIndexEvents(events))
	}

	app.Index = usecase.NewIndexUseCase(
		usecase.IndexConfig{
			CorpusDir:      cfg.CorpusDir,
			EmbedBatchSize: cfg.EmbedBatchSize,
			ForceRebuild:   cfg.Reindex,
		},
		extractor.NewLoader(cfg.LoaderWorkers),
		chunker,
		embedder,
		store,
		search.NewFactory(embedder, cfg.SemanticMinSimilarity),
		indexOpts...,
	)
	app.Retriever = usecase.NewRetrieveUseCase(app.Index, usecase.RetrievalConfig{
		TopK:           cfg.RAGTopK,
		SemanticWeight: cfg.RAGSemanticWeight,
		Overfetch:      cfg.RAGOverfetch,
		Normalization:  normalization,
	}, httpMetrics)
	app.Sessions = session.NewMemoryStore(cfg.SessionTTL)
	app.Answers = usecase.NewAnswerUseCase(app.Retriever, app.Index, completer, app.Sessions, usecase.AnswerConfig{
		TopK:         cfg.RAGTopK,
		HistoryTurns: cfg.HistoryTurns,
	})

	app.closeFn = func() {
		_ = app.Index.Close()
		closeAll()
	}

	slog.Info("bootstrap_ready",
		"llm_provider", cfg.LLMProvider,
		"embedding_model", embedder.ModelID(),
		"corpus_dir", cfg.CorpusDir,
		"index_dir", cfg.IndexDir,
		"ledger", app.Ledger != nil,
		"events", app.Events != nil,
	)
	return app, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func executorConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.AttemptTimeout = cfg.ExternalTimeout
	out.RetryMaxAttempts = cfg.RetryMaxAttempts
	out.RetryMaxBackoff = cfg.RetryMaxBackoff
	return out
}

func newModelClients(cfg config.Config, executor *resilience.Executor) (ports.Embedder, ports.Completer) {
	if cfg.LLMProvider == "openai" {
		client := openai.New(openai.Options{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Azure:       cfg.OpenAIAzure,
			APIVersion:  cfg.OpenAIAPIVersion,
			ChatModel:   cfg.OpenAIChatModel,
			EmbedModel:  cfg.OpenAIEmbedModel,
			Temperature: float32(cfg.OpenAITemperature),
		}, executor)
		return openai.NewEmbedder(client), openai.NewCompleter(client)
	}
	client := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, executor)
	return ollama.NewEmbedder(client), ollama.NewCompleter(client)
}
