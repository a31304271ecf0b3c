package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	httpadapter "github.com/kirillkom/contracts-rag/internal/adapters/http"
	"github.com/kirillkom/contracts-rag/internal/bootstrap"
	"github.com/kirillkom/contracts-rag/internal/config"
	"github.com/kirillkom/contracts-rag/internal/observability/logging"
)

const serviceName = "contracts-rag-api"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger(serviceName, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, serviceName)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	// A missing index is served as 503 until a reindex succeeds.
	if err := app.Index.Load(ctx); err != nil {
		slog.Error("index_load_failed", "error", err)
	}

	go app.Sessions.Run(ctx, time.Minute)

	if app.Events != nil {
		go func() {
			err := app.Events.SubscribeIndexReady(ctx, func(handlerCtx context.Context, version string) error {
				if manifest, ok := app.Index.Manifest(); ok && manifest.Version == version {
					return nil
				}
				slog.Info("index_event_received", "version", version)
				return app.Index.Reload(handlerCtx)
			})
			if err != nil {
				slog.Error("index_events_subscribe_failed", "error", err)
			}
		}()
	}

	opts := []httpadapter.RouterOption{httpadapter.WithMetrics(app.Metrics)}
	if app.Ledger != nil {
		opts = append(opts, httpadapter.WithBuildHistory(app.Ledger))
	}
	router := httpadapter.NewRouter(cfg, app.Retriever, app.Index, app.Answers, opts...).Handler()
	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// reindex and model calls can run for minutes
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
