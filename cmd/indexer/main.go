package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kirillkom/contracts-rag/internal/config"
	"github.com/kirillkom/contracts-rag/internal/observability/logging"
)

const serviceName = "contracts-rag-indexer"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger(serviceName, cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(cfg).ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("indexer_failed", "error", err)
		os.Exit(1)
	}
}
