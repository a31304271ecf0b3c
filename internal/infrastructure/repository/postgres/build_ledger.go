package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

// BuildLedger keeps one row per published index version.
type BuildLedger struct {
	db *sql.DB
}

func NewBuildLedger(db *sql.DB) *BuildLedger {
	return &BuildLedger{db: db}
}

func (l *BuildLedger) EnsureSchema(ctx context.Context) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// api and indexer may start together.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS index_builds (
	version TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	embedding_model TEXT NOT NULL,
	dimensions INTEGER NOT NULL,
	chunk_size INTEGER NOT NULL,
	chunk_overlap INTEGER NOT NULL,
	corpus_fingerprint TEXT NOT NULL,
	chunk_count INTEGER NOT NULL,
	documents JSONB NOT NULL DEFAULT '[]'::jsonb,
	warnings JSONB NOT NULL DEFAULT '[]'::jsonb
);

CREATE INDEX IF NOT EXISTS idx_index_builds_created_at ON index_builds(created_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (l *BuildLedger) RecordBuild(ctx context.Context, m domain.IndexManifest) error {
	docsJSON, err := json.Marshal(nonNilDocs(m.Documents))
	if err != nil {
		return fmt.Errorf("marshal documents: %w", err)
	}
	warningsJSON, err := json.Marshal(nonNilWarnings(m.Warnings))
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
INSERT INTO index_builds (
	version, created_at, embedding_model, dimensions, chunk_size, chunk_overlap, corpus_fingerprint, chunk_count, documents, warnings
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (version) DO NOTHING
`,
		m.Version, m.CreatedAt, m.EmbeddingModel, m.Dimensions, m.ChunkSize, m.ChunkOverlap,
		m.CorpusFingerprint, m.ChunkCount, docsJSON, warningsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert index build: %w", err)
	}
	return nil
}

// RecentBuilds returns the newest builds first.
func (l *BuildLedger) RecentBuilds(ctx context.Context, limit int) ([]domain.IndexManifest, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT version, created_at, embedding_model, dimensions, chunk_size, chunk_overlap, corpus_fingerprint, chunk_count, documents, warnings
FROM index_builds
ORDER BY created_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query index builds: %w", err)
	}
	defer rows.Close()

	out := make([]domain.IndexManifest, 0, limit)
	for rows.Next() {
		var m domain.IndexManifest
		var docsRaw, warningsRaw []byte
		if err := rows.Scan(
			&m.Version, &m.CreatedAt, &m.EmbeddingModel, &m.Dimensions, &m.ChunkSize, &m.ChunkOverlap,
			&m.CorpusFingerprint, &m.ChunkCount, &docsRaw, &warningsRaw,
		); err != nil {
			return nil, fmt.Errorf("scan index build: %w", err)
		}
		if err := json.Unmarshal(docsRaw, &m.Documents); err != nil {
			return nil, fmt.Errorf("unmarshal documents: %w", err)
		}
		if err := json.Unmarshal(warningsRaw, &m.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshal warnings: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index builds: %w", err)
	}
	return out, nil
}

func nonNilDocs(in []domain.DocumentSummary) []domain.DocumentSummary {
	if in == nil {
		return []domain.DocumentSummary{}
	}
	return in
}

func nonNilWarnings(in []domain.IngestionWarning) []domain.IngestionWarning {
	if in == nil {
		return []domain.IngestionWarning{}
	}
	return in
}
