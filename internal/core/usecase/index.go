package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/core/ports"
)

const DefaultEmbedBatchSize = 32

// IndexSnapshot is one published index version with both searchers built
// over the same chunk set. It is never mutated after construction.
type IndexSnapshot struct {
	manifest domain.IndexManifest
	chunks   map[string]domain.Chunk
	docs     map[string]int
	semantic ports.RankedSearcher
	keyword  ports.RankedSearcher
}

func NewIndexSnapshot(
	manifest domain.IndexManifest,
	entries []domain.IndexEntry,
	searchers ports.SearcherFactory,
) (*IndexSnapshot, error) {
	chunks := make([]domain.Chunk, 0, len(entries))
	byID := make(map[string]domain.Chunk, len(entries))
	docs := make(map[string]int)
	for _, e := range entries {
		chunks = append(chunks, e.Chunk)
		byID[e.Chunk.ID] = e.Chunk
		docs[e.Chunk.DocumentID]++
	}

	semantic, err := searchers.Semantic(entries)
	if err != nil {
		return nil, fmt.Errorf("build semantic index: %w", err)
	}
	return &IndexSnapshot{
		manifest: manifest,
		chunks:   byID,
		docs:     docs,
		semantic: semantic,
		keyword:  searchers.Keyword(chunks),
	}, nil
}

func (s *IndexSnapshot) Manifest() domain.IndexManifest { return s.manifest }

func (s *IndexSnapshot) Len() int { return len(s.chunks) }

func (s *IndexSnapshot) Chunk(id string) (domain.Chunk, bool) {
	c, ok := s.chunks[id]
	return c, ok
}

func (s *IndexSnapshot) HasDocument(id string) bool {
	return s.docs[id] > 0
}

// Documents lists the indexed documents sorted by id.
func (s *IndexSnapshot) Documents() []domain.DocumentSummary {
	out := make([]domain.DocumentSummary, 0, len(s.manifest.Documents))
	for _, d := range s.manifest.Documents {
		if s.docs[d.ID] > 0 {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type IndexConfig struct {
	CorpusDir      string
	EmbedBatchSize int
	// ForceRebuild makes Load ignore a compatible published version.
	ForceRebuild bool
}

type IndexOption func(*IndexUseCase)

func WithBuildLedger(ledger ports.BuildLedger) IndexOption {
	return func(uc *IndexUseCase) { uc.ledger = ledger }
}

func WithIndexEvents(events ports.IndexEvents) IndexOption {
	return func(uc *IndexUseCase) { uc.events = events }
}

func WithIndexMetrics(metrics ports.IndexMetrics) IndexOption {
	return func(uc *IndexUseCase) { uc.metrics = metrics }
}

// IndexUseCase owns the active snapshot. Readers take the current pointer
// without locking; builds are serialized and swap the pointer only after the
// new version is durably published.
type IndexUseCase struct {
	cfg       IndexConfig
	loader    ports.CorpusLoader
	chunker   ports.Chunker
	embedder  ports.Embedder
	store     ports.IndexStore
	searchers ports.SearcherFactory

	ledger  ports.BuildLedger
	events  ports.IndexEvents
	metrics ports.IndexMetrics

	current atomic.Pointer[IndexSnapshot]
	buildMu sync.Mutex
	now     func() time.Time
}

func NewIndexUseCase(
	cfg IndexConfig,
	loader ports.CorpusLoader,
	chunker ports.Chunker,
	embedder ports.Embedder,
	store ports.IndexStore,
	searchers ports.SearcherFactory,
	opts ...IndexOption,
) *IndexUseCase {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = DefaultEmbedBatchSize
	}
	uc := &IndexUseCase{
		cfg:       cfg,
		loader:    loader,
		chunker:   chunker,
		embedder:  embedder,
		store:     store,
		searchers: searchers,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Snapshot returns the active snapshot or nil before the first load.
func (uc *IndexUseCase) Snapshot() *IndexSnapshot {
	return uc.current.Load()
}

func (uc *IndexUseCase) Manifest() (domain.IndexManifest, bool) {
	snap := uc.current.Load()
	if snap == nil {
		return domain.IndexManifest{}, false
	}
	return snap.manifest, true
}

// Load activates the published version when it matches the configured model,
// chunking parameters and corpus contents. Otherwise it rebuilds.
func (uc *IndexUseCase) Load(ctx context.Context) error {
	if uc.cfg.ForceRebuild {
		slog.Info("index_rebuild_forced", "corpus_dir", uc.cfg.CorpusDir)
		_, err := uc.RebuildAndSwap(ctx)
		return err
	}

	manifest, ok, err := uc.store.Current(ctx)
	if err != nil {
		slog.Warn("index_manifest_unreadable", "error", err)
		ok = false
	}
	if ok {
		reason, err := uc.staleReason(ctx, manifest)
		if err != nil {
			return err
		}
		if reason != "" {
			slog.Info("index_stale", "version", manifest.Version, "reason", reason)
		} else {
			uc.buildMu.Lock()
			if snap := uc.current.Load(); snap != nil && snap.manifest.CreatedAt.After(manifest.CreatedAt) {
				// A newer version was activated while the manifest was checked.
				uc.buildMu.Unlock()
				return nil
			}
			err := uc.activate(ctx, manifest)
			uc.buildMu.Unlock()
			if err == nil {
				slog.Info("index_loaded", "version", manifest.Version, "chunks", manifest.ChunkCount)
				return nil
			}
			slog.Warn("index_load_failed", "version", manifest.Version, "error", err)
		}
	}

	_, err = uc.RebuildAndSwap(ctx)
	return err
}

// Reload activates whatever version is currently published, typically after
// another process announced a new build.
func (uc *IndexUseCase) Reload(ctx context.Context) error {
	// CURRENT is read under buildMu so a rebuild finishing meanwhile is never
	// replaced by the version it superseded.
	uc.buildMu.Lock()
	defer uc.buildMu.Unlock()

	manifest, ok, err := uc.store.Current(ctx)
	if err != nil {
		return fmt.Errorf("read published index: %w", err)
	}
	if !ok {
		return domain.WrapError(domain.ErrIndexNotReady, "reload index", errors.New("no published version"))
	}
	if snap := uc.current.Load(); snap != nil && snap.manifest.Version == manifest.Version {
		return nil
	}
	if manifest.EmbeddingModel != uc.embedder.ModelID() {
		return domain.WrapError(
			domain.ErrConfiguration,
			"reload index",
			fmt.Errorf("published with %q, configured %q", manifest.EmbeddingModel, uc.embedder.ModelID()),
		)
	}

	if err := uc.activate(ctx, manifest); err != nil {
		return err
	}
	slog.Info("index_reloaded", "version", manifest.Version, "chunks", manifest.ChunkCount)
	return nil
}

// RebuildAndSwap builds a new version from the corpus, publishes it and makes
// it active. Concurrent readers keep the previous snapshot until the swap.
func (uc *IndexUseCase) RebuildAndSwap(ctx context.Context) (domain.IndexManifest, error) {
	uc.buildMu.Lock()
	defer uc.buildMu.Unlock()

	started := uc.now()
	manifest, err := uc.rebuild(ctx)
	if uc.metrics != nil {
		uc.metrics.ObserveBuild(time.Since(started), err)
	}
	if err != nil {
		slog.Error("index_build_failed", "corpus_dir", uc.cfg.CorpusDir, "error", err)
		return domain.IndexManifest{}, err
	}

	slog.Info("index_published",
		"version", manifest.Version,
		"documents", len(manifest.Documents),
		"chunks", manifest.ChunkCount,
		"warnings", len(manifest.Warnings),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	if uc.ledger != nil {
		if err := uc.ledger.RecordBuild(ctx, manifest); err != nil {
			slog.Warn("index_ledger_failed", "version", manifest.Version, "error", err)
		}
	}
	if uc.events != nil {
		if err := uc.events.PublishIndexReady(ctx, manifest.Version); err != nil {
			slog.Warn("index_event_failed", "version", manifest.Version, "error", err)
		}
	}
	return manifest, nil
}

// Close drops the active snapshot; later retrievals report the index as not ready.
func (uc *IndexUseCase) Close() error {
	uc.current.Store(nil)
	return nil
}

func (uc *IndexUseCase) rebuild(ctx context.Context) (domain.IndexManifest, error) {
	docs, warnings, err := uc.loader.Load(ctx, uc.cfg.CorpusDir)
	if err != nil {
		return domain.IndexManifest{}, err
	}
	fingerprint, err := uc.loader.Fingerprint(ctx, uc.cfg.CorpusDir)
	if err != nil {
		return domain.IndexManifest{}, fmt.Errorf("fingerprint corpus: %w", err)
	}

	chunks := make([]domain.Chunk, 0, len(docs)*4)
	summaries := make([]domain.DocumentSummary, 0, len(docs))
	for _, doc := range docs {
		docChunks, err := uc.chunker.Split(doc)
		if err != nil {
			return domain.IndexManifest{}, fmt.Errorf("chunk %s: %w", doc.ID, err)
		}
		if len(docChunks) == 0 {
			warnings = append(warnings, domain.IngestionWarning{DocumentID: doc.ID, Reason: "no chunks produced"})
			continue
		}
		chunks = append(chunks, docChunks...)
		summaries = append(summaries, domain.DocumentSummary{
			ID:         doc.ID,
			Pages:      len(doc.Pages),
			Chunks:     len(docChunks),
			Characters: len([]rune(doc.Text)),
		})
	}
	if len(chunks) == 0 {
		return domain.IndexManifest{}, domain.WrapError(
			domain.ErrConfiguration,
			"build index",
			fmt.Errorf("corpus %s produced no chunks", uc.cfg.CorpusDir),
		)
	}

	entries, err := uc.embedChunks(ctx, chunks)
	if err != nil {
		return domain.IndexManifest{}, err
	}

	created := uc.now().UTC()
	manifest := domain.IndexManifest{
		Version:           created.Format("20060102T150405Z") + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0],
		CreatedAt:         created,
		EmbeddingModel:    uc.embedder.ModelID(),
		Dimensions:        len(entries[0].Vector),
		ChunkSize:         uc.chunker.Size(),
		ChunkOverlap:      uc.chunker.Overlap(),
		CorpusFingerprint: fingerprint,
		ChunkCount:        len(entries),
		Documents:         summaries,
		Warnings:          warnings,
	}

	snap, err := NewIndexSnapshot(manifest, entries, uc.searchers)
	if err != nil {
		return domain.IndexManifest{}, err
	}
	if err := uc.store.Publish(ctx, manifest, entries); err != nil {
		return domain.IndexManifest{}, fmt.Errorf("publish index: %w", err)
	}
	uc.swap(snap)
	return manifest, nil
}

func (uc *IndexUseCase) embedChunks(ctx context.Context, chunks []domain.Chunk) ([]domain.IndexEntry, error) {
	entries := make([]domain.IndexEntry, 0, len(chunks))
	dims := 0
	for start := 0; start < len(chunks); start += uc.cfg.EmbedBatchSize {
		end := min(start+uc.cfg.EmbedBatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}

		vectors, err := uc.embedder.Embed(ctx, texts)
		if err != nil {
			if domain.IsKind(err, domain.ErrExternalService) || errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, domain.WrapError(domain.ErrExternalService, "embed chunks", err)
		}
		if len(vectors) != len(texts) {
			return nil, domain.WrapError(
				domain.ErrExternalService,
				"embed chunks",
				fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(texts)),
			)
		}
		for i, v := range vectors {
			if dims == 0 {
				dims = len(v)
			}
			if len(v) == 0 || len(v) != dims {
				return nil, domain.WrapError(
					domain.ErrExternalService,
					"embed chunks",
					fmt.Errorf("chunk %s: vector has %d dimensions, want %d", chunks[start+i].ID, len(v), dims),
				)
			}
			entries = append(entries, domain.IndexEntry{Chunk: chunks[start+i], Vector: v})
		}
		slog.Debug("index_embed_progress", "embedded", end, "total", len(chunks))
	}
	return entries, nil
}

// staleReason explains why the published manifest cannot be reused, or
// returns "" when it can.
func (uc *IndexUseCase) staleReason(ctx context.Context, manifest domain.IndexManifest) (string, error) {
	switch {
	case manifest.EmbeddingModel != uc.embedder.ModelID():
		return "embedding model changed", nil
	case manifest.ChunkSize != uc.chunker.Size() || manifest.ChunkOverlap != uc.chunker.Overlap():
		return "chunking parameters changed", nil
	}
	fingerprint, err := uc.loader.Fingerprint(ctx, uc.cfg.CorpusDir)
	if err != nil {
		// API replicas may run without the corpus mounted; they serve what was published.
		slog.Warn("index_corpus_unreadable", "corpus_dir", uc.cfg.CorpusDir, "error", err)
		return "", nil
	}
	if fingerprint != manifest.CorpusFingerprint {
		return "corpus changed", nil
	}
	return "", nil
}

func (uc *IndexUseCase) activate(ctx context.Context, manifest domain.IndexManifest) error {
	entries, err := uc.store.LoadEntries(ctx, manifest.Version)
	if err != nil {
		return err
	}
	snap, err := NewIndexSnapshot(manifest, entries, uc.searchers)
	if err != nil {
		return err
	}
	uc.swap(snap)
	return nil
}

func (uc *IndexUseCase) swap(snap *IndexSnapshot) {
	uc.current.Store(snap)
	if uc.metrics != nil {
		uc.metrics.SetActive(snap.manifest)
	}
}
