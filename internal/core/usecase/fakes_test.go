package usecase

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/core/ports"
)

type loaderFake struct {
	docs           []domain.Document
	warnings       []domain.IngestionWarning
	err            error
	fingerprint    string
	fingerprintErr error
	loadCalls      int
	// entered is closed when Load starts; Load then waits for release.
	entered chan struct{}
	release chan struct{}
}

func (f *loaderFake) Load(context.Context, string) ([]domain.Document, []domain.IngestionWarning, error) {
	f.loadCalls++
	if f.entered != nil {
		close(f.entered)
		<-f.release
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.docs, f.warnings, nil
}

func (f *loaderFake) Fingerprint(context.Context, string) (string, error) {
	if f.fingerprintErr != nil {
		return "", f.fingerprintErr
	}
	return f.fingerprint, nil
}

// pipeChunker splits document text on "|".
type pipeChunker struct{}

func (pipeChunker) Split(doc domain.Document) ([]domain.Chunk, error) {
	if doc.Text == "" {
		return nil, nil
	}
	parts := strings.Split(doc.Text, "|")
	out := make([]domain.Chunk, 0, len(parts))
	for i, p := range parts {
		out = append(out, domain.Chunk{ID: domain.ChunkID(doc.ID, i), DocumentID: doc.ID, Index: i, Text: p})
	}
	return out, nil
}

func (pipeChunker) Size() int    { return 1500 }
func (pipeChunker) Overlap() int { return 200 }

type embedderFake struct {
	model      string
	err        error
	embedCalls int
	batchSizes []int
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.embedCalls++
	f.batchSizes = append(f.batchSizes, len(texts))
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (f *embedderFake) ModelID() string { return f.model }

type storeFake struct {
	mu           sync.Mutex
	current      *domain.IndexManifest
	entries      map[string][]domain.IndexEntry
	publishErr   error
	publishCalls int
}

func newStoreFake() *storeFake {
	return &storeFake{entries: map[string][]domain.IndexEntry{}}
}

func (s *storeFake) Current(context.Context) (domain.IndexManifest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.IndexManifest{}, false, nil
	}
	return *s.current, true, nil
}

func (s *storeFake) LoadEntries(_ context.Context, version string) ([]domain.IndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[version], nil
}

func (s *storeFake) Publish(_ context.Context, manifest domain.IndexManifest, entries []domain.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishCalls++
	if s.publishErr != nil {
		return s.publishErr
	}
	m := manifest
	s.current = &m
	s.entries[manifest.Version] = entries
	return nil
}

type ledgerFake struct{ versions []string }

func (l *ledgerFake) RecordBuild(_ context.Context, m domain.IndexManifest) error {
	l.versions = append(l.versions, m.Version)
	return nil
}

type eventsFake struct{ published []string }

func (e *eventsFake) PublishIndexReady(_ context.Context, version string) error {
	e.published = append(e.published, version)
	return nil
}

func (e *eventsFake) SubscribeIndexReady(context.Context, func(context.Context, string) error) error {
	return nil
}

// funcSearcher ranks its rows with a scoring function, filtering first.
type funcSearcher struct {
	rows  []domain.Chunk
	score func(query string, c domain.Chunk) float64

	mu      sync.Mutex
	calls   int
	lastK   int
	entered chan struct{}
	release chan struct{}
}

func (s *funcSearcher) Search(ctx context.Context, query string, k int, filter domain.DocumentFilter) ([]domain.ScoredChunk, error) {
	s.mu.Lock()
	s.calls++
	s.lastK = k
	s.mu.Unlock()
	if s.entered != nil {
		close(s.entered)
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	type hit struct {
		c     domain.Chunk
		score float64
	}
	hits := make([]hit, 0, len(s.rows))
	for _, c := range s.rows {
		if !filter.Allows(c.DocumentID) {
			continue
		}
		if score := s.score(query, c); score > 0 {
			hits = append(hits, hit{c: c, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if hits[i].c.DocumentID != hits[j].c.DocumentID {
			return hits[i].c.DocumentID < hits[j].c.DocumentID
		}
		return hits[i].c.Index < hits[j].c.Index
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]domain.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, domain.ScoredChunk{ChunkID: h.c.ID, Score: h.score})
	}
	return out, nil
}

func (s *funcSearcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func lengthScore(_ string, c domain.Chunk) float64 { return float64(len(c.Text)) }

func substringScore(query string, c domain.Chunk) float64 {
	return float64(strings.Count(strings.ToLower(c.Text), strings.ToLower(query)))
}

// scoringFactory builds funcSearchers: semantic by text length, keyword by
// query occurrences. Every built searcher is remembered.
type scoringFactory struct {
	mu       sync.Mutex
	semantic []*funcSearcher
	keyword  []*funcSearcher
	// prepare lets a test adjust a semantic searcher before it is used.
	prepare func(build int, s *funcSearcher)
}

func (f *scoringFactory) Semantic(entries []domain.IndexEntry) (ports.RankedSearcher, error) {
	rows := make([]domain.Chunk, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, e.Chunk)
	}
	s := &funcSearcher{rows: rows, score: lengthScore}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepare != nil {
		f.prepare(len(f.semantic), s)
	}
	f.semantic = append(f.semantic, s)
	return s, nil
}

func (f *scoringFactory) Keyword(chunks []domain.Chunk) ports.RankedSearcher {
	s := &funcSearcher{rows: chunks, score: substringScore}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyword = append(f.keyword, s)
	return s
}

// listSearcher returns fixed hits, honoring filter and k.
type listSearcher struct {
	hits  []domain.ScoredChunk
	err   error
	calls int
	lastK int
}

func (s *listSearcher) Search(_ context.Context, _ string, k int, filter domain.DocumentFilter) ([]domain.ScoredChunk, error) {
	s.calls++
	s.lastK = k
	if s.err != nil {
		return nil, s.err
	}
	out := make([]domain.ScoredChunk, 0, len(s.hits))
	for _, h := range s.hits {
		doc := h.ChunkID[:strings.LastIndex(h.ChunkID, "#")]
		if filter.Allows(doc) {
			out = append(out, h)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

type stubFactory struct {
	semantic ports.RankedSearcher
	keyword  ports.RankedSearcher
}

func (f stubFactory) Semantic([]domain.IndexEntry) (ports.RankedSearcher, error) { return f.semantic, nil }
func (f stubFactory) Keyword([]domain.Chunk) ports.RankedSearcher                { return f.keyword }

type staticSource struct{ snap *IndexSnapshot }

func (s staticSource) Snapshot() *IndexSnapshot { return s.snap }

func chunkEntries(ids ...string) []domain.IndexEntry {
	out := make([]domain.IndexEntry, 0, len(ids))
	for _, id := range ids {
		cut := strings.LastIndex(id, "#")
		idx := 0
		for _, r := range id[cut+1:] {
			idx = idx*10 + int(r-'0')
		}
		out = append(out, domain.IndexEntry{
			Chunk:  domain.Chunk{ID: id, DocumentID: id[:cut], Index: idx, Text: "text of " + id},
			Vector: []float32{1, 0},
		})
	}
	return out
}
