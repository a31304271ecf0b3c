package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kirillkom/contracts-rag/internal/bootstrap"
	"github.com/kirillkom/contracts-rag/internal/config"
	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/vector/filestore"
)

func newRootCmd(cfg config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "indexer",
		Short: "Build and publish the contract corpus index",
		Long: `Builds the semantic and keyword index of the corpus directory and publishes
it as a new version. A compatible published version is reused unless --reindex is set.
Running API instances pick the new version up through NATS or on their next start.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd, cfg)
		},
	}
	root.PersistentFlags().StringVar(&cfg.CorpusDir, "corpus", cfg.CorpusDir, "corpus directory")
	root.PersistentFlags().StringVar(&cfg.IndexDir, "index-dir", cfg.IndexDir, "index storage directory")
	root.Flags().BoolVar(&cfg.Reindex, "reindex", cfg.Reindex, "rebuild even when the published version is compatible")

	root.AddCommand(newStatusCmd(&cfg), newSearchCmd(&cfg))
	return root
}

func runBuild(cmd *cobra.Command, cfg config.Config) error {
	ctx := cmd.Context()
	app, err := bootstrap.New(ctx, cfg, serviceName)
	if err != nil {
		return err
	}
	defer app.Close()

	if cfg.IndexerMetricsPort != "" {
		stopMetrics := serveMetrics(app.IndexMetrics.Handler(), cfg.IndexerMetricsPort)
		defer stopMetrics()
	}

	start := time.Now()
	if err := app.Index.Load(ctx); err != nil {
		return err
	}

	manifest, _ := app.Index.Manifest()
	slog.Info("indexer_done",
		"version", manifest.Version,
		"documents", len(manifest.Documents),
		"chunks", manifest.ChunkCount,
		"warnings", len(manifest.Warnings),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "published %s: %d documents, %d chunks, %d warnings\n",
		manifest.Version, len(manifest.Documents), manifest.ChunkCount, len(manifest.Warnings))
	return nil
}

func newStatusCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the manifest of the published index version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := filestore.New(cfg.IndexDir, cfg.IndexKeepVersions)
			if err != nil {
				return err
			}
			manifest, ok, err := store.Current(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return domain.WrapError(domain.ErrIndexNotReady, "index status", fmt.Errorf("nothing published in %s", cfg.IndexDir))
			}
			out, err := yaml.Marshal(manifest)
			if err != nil {
				return fmt.Errorf("marshal manifest: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newSearchCmd(cfg *config.Config) *cobra.Command {
	var (
		k        int
		document string
		alpha    float64
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Run a hybrid retrieval against the published index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := bootstrap.New(ctx, *cfg, serviceName)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Index.Reload(ctx); err != nil {
				return err
			}
			req := domain.RetrievalRequest{Query: args[0], K: k, Filter: domain.DocumentFilter(document)}
			if cmd.Flags().Changed("alpha") {
				req.SemanticWeight = &alpha
			}
			results, err := app.Retriever.Retrieve(ctx, req)
			if err != nil {
				return err
			}
			printResults(cmd, results)
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "top-k", "k", 0, "number of passages (0 uses RAG_TOP_K)")
	cmd.Flags().StringVar(&document, "document", "", "restrict to one document id")
	cmd.Flags().Float64Var(&alpha, "alpha", 0, "semantic weight in [0,1] (default RAG_SEMANTIC_WEIGHT)")
	return cmd
}

func printResults(cmd *cobra.Command, results []domain.RetrievedChunk) {
	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No matching passages.")
		return
	}
	for i, r := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "[%d] %s  score=%.4f semantic=%.4f keyword=%.4f\n",
			i+1, r.Chunk.Label(), r.Score, r.SemanticScore, r.KeywordScore)
	}
}

func serveMetrics(handler http.Handler, port string) func() {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("indexer_metrics_failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
