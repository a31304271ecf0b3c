package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/core/ports"
)

type Normalization string

const (
	// NormalizeMinMax rescales each list to [minMaxFloor,1]; a list of equal
	// scores maps to 1.
	NormalizeMinMax Normalization = "minmax"
	// NormalizeRank replaces scores with 1/(rank+1).
	NormalizeRank Normalization = "rank"
)

func ParseNormalization(raw string) (Normalization, error) {
	switch n := Normalization(strings.ToLower(strings.TrimSpace(raw))); n {
	case "", NormalizeMinMax:
		return NormalizeMinMax, nil
	case NormalizeRank:
		return n, nil
	default:
		return "", domain.WrapError(domain.ErrConfiguration, "parse normalization", fmt.Errorf("unknown strategy %q", raw))
	}
}

// minMaxFloor is the normalized score of the weakest hit in a list, keeping
// it above chunks the list did not return at all.
const minMaxFloor = 0.1

type RetrievalConfig struct {
	TopK           int
	SemanticWeight float64
	Overfetch      int
	Normalization  Normalization
}

func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		TopK:           8,
		SemanticWeight: 0.5,
		Overfetch:      3,
		Normalization:  NormalizeMinMax,
	}
}

// SnapshotSource hands out the active index snapshot.
type SnapshotSource interface {
	Snapshot() *IndexSnapshot
}

type RetrieveUseCase struct {
	index   SnapshotSource
	cfg     RetrievalConfig
	metrics ports.RetrievalMetrics
}

func NewRetrieveUseCase(index SnapshotSource, cfg RetrievalConfig, metrics ports.RetrievalMetrics) *RetrieveUseCase {
	def := DefaultRetrievalConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = def.Overfetch
	}
	if cfg.Normalization == "" {
		cfg.Normalization = def.Normalization
	}
	return &RetrieveUseCase{index: index, cfg: cfg, metrics: metrics}
}

// Retrieve runs both searches against one snapshot and fuses them as
// alpha*semantic + (1-alpha)*keyword over normalized scores.
func (uc *RetrieveUseCase) Retrieve(ctx context.Context, req domain.RetrievalRequest) ([]domain.RetrievedChunk, error) {
	started := time.Now()
	out, err := uc.retrieve(ctx, req)
	if uc.metrics != nil {
		uc.metrics.ObserveRetrieval(time.Since(started), len(out), err)
	}
	return out, err
}

func (uc *RetrieveUseCase) retrieve(ctx context.Context, req domain.RetrievalRequest) ([]domain.RetrievedChunk, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("query is empty"))
	}
	alpha := uc.cfg.SemanticWeight
	if req.SemanticWeight != nil {
		alpha = *req.SemanticWeight
	}
	if math.IsNaN(alpha) || alpha < 0 || alpha > 1 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", fmt.Errorf("semantic weight %v outside [0,1]", alpha))
	}
	k := req.K
	if k <= 0 {
		k = uc.cfg.TopK
	}

	snap := uc.index.Snapshot()
	if snap == nil || snap.Len() == 0 {
		return nil, domain.WrapError(domain.ErrIndexNotReady, "retrieve", errors.New("no data available"))
	}
	if req.Filter.Active() && !snap.HasDocument(string(req.Filter)) {
		return []domain.RetrievedChunk{}, nil
	}

	fetch := k * uc.cfg.Overfetch
	var semantic, keyword []domain.ScoredChunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := snap.semantic.Search(gctx, query, fetch, req.Filter)
		if err != nil {
			return fmt.Errorf("semantic search: %w", err)
		}
		semantic = hits
		return nil
	})
	g.Go(func() error {
		hits, err := snap.keyword.Search(gctx, query, fetch, req.Filter)
		if err != nil {
			return fmt.Errorf("keyword search: %w", err)
		}
		keyword = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || domain.IsKind(err, domain.ErrExternalService) || domain.IsKind(err, domain.ErrInvalidInput) {
			return nil, err
		}
		return nil, domain.WrapError(domain.ErrExternalService, "retrieve", err)
	}

	return fuse(snap, semantic, keyword, alpha, uc.cfg.Normalization, k), nil
}

type fusedScore struct {
	semantic     float64
	keyword      float64
	normSemantic float64
	normKeyword  float64
	inSemantic   bool
	inKeyword    bool
}

func fuse(
	snap *IndexSnapshot,
	semantic, keyword []domain.ScoredChunk,
	alpha float64,
	strategy Normalization,
	k int,
) []domain.RetrievedChunk {
	acc := make(map[string]*fusedScore, len(semantic)+len(keyword))
	get := func(id string) *fusedScore {
		s, ok := acc[id]
		if !ok {
			s = &fusedScore{}
			acc[id] = s
		}
		return s
	}

	semNorm := normalize(semantic, strategy)
	for i, hit := range semantic {
		s := get(hit.ChunkID)
		s.semantic = hit.Score
		s.normSemantic = semNorm[i]
		s.inSemantic = true
	}
	kwNorm := normalize(keyword, strategy)
	for i, hit := range keyword {
		s := get(hit.ChunkID)
		s.keyword = hit.Score
		s.normKeyword = kwNorm[i]
		s.inKeyword = true
	}

	out := make([]domain.RetrievedChunk, 0, len(acc))
	for id, s := range acc {
		// A list with zero weight only annotates candidates of the other one.
		if (alpha == 0 && !s.inKeyword) || (alpha == 1 && !s.inSemantic) {
			continue
		}
		chunk, ok := snap.Chunk(id)
		if !ok {
			continue
		}
		out = append(out, domain.RetrievedChunk{
			Chunk:         chunk,
			Score:         alpha*s.normSemantic + (1-alpha)*s.normKeyword,
			SemanticScore: s.semantic,
			KeywordScore:  s.keyword,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Chunk.DocumentID != out[j].Chunk.DocumentID {
			return out[i].Chunk.DocumentID < out[j].Chunk.DocumentID
		}
		return out[i].Chunk.Index < out[j].Chunk.Index
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// normalize maps the scores of one ranked list (sorted descending) to [0,1].
func normalize(hits []domain.ScoredChunk, strategy Normalization) []float64 {
	out := make([]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	if strategy == NormalizeRank {
		for i := range hits {
			out[i] = 1 / float64(i+1)
		}
		return out
	}

	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		lo = math.Min(lo, h.Score)
		hi = math.Max(hi, h.Score)
	}
	spread := hi - lo
	for i, h := range hits {
		if spread <= 0 {
			out[i] = 1
			continue
		}
		out[i] = minMaxFloor + (1-minMaxFloor)*(h.Score-lo)/spread
	}
	return out
}
