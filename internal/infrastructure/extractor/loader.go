// Package extractor reads a corpus directory into domain documents.
package extractor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

const DefaultWorkers = 4

// page is one extracted unit of text: a PDF page, a spreadsheet sheet or a
// whole plain text file.
type page struct {
	number int
	text   string
}

type extractFunc func(data []byte) ([]page, error)

// Loader walks a corpus directory and extracts every supported file.
type Loader struct {
	workers    int
	extractors map[string]extractFunc
}

func NewLoader(workers int) *Loader {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Loader{
		workers: workers,
		extractors: map[string]extractFunc{
			".pdf":  extractPDF,
			".xlsx": extractXLSX,
			".txt":  extractPlainText,
			".md":   extractPlainText,
		},
	}
}

// Load returns documents sorted by id. Files that cannot be read become
// warnings. A directory without any readable document is a configuration error.
func (l *Loader) Load(ctx context.Context, dir string) ([]domain.Document, []domain.IngestionWarning, error) {
	files, err := listFiles(dir)
	if err != nil {
		return nil, nil, err
	}

	docs := make([]*domain.Document, len(files))
	warnings := make([]*domain.IngestionWarning, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			doc, reason := l.loadOne(dir, rel)
			if reason != "" {
				warnings[i] = &domain.IngestionWarning{DocumentID: rel, Reason: reason}
				slog.Warn("ingestion_warning", "document_id", rel, "reason", reason)
				return nil
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	outDocs := make([]domain.Document, 0, len(files))
	outWarnings := make([]domain.IngestionWarning, 0)
	for i := range files {
		if docs[i] != nil {
			outDocs = append(outDocs, *docs[i])
		}
		if warnings[i] != nil {
			outWarnings = append(outWarnings, *warnings[i])
		}
	}
	if len(outDocs) == 0 {
		return nil, outWarnings, domain.WrapError(
			domain.ErrConfiguration,
			"load corpus",
			fmt.Errorf("no readable documents in %s", dir),
		)
	}
	return outDocs, outWarnings, nil
}

// Fingerprint hashes the sorted relative paths and contents of every
// regular file under dir. Any change of the corpus changes the fingerprint.
func (l *Loader) Fingerprint(ctx context.Context, dir string) (string, error) {
	files, err := listFiles(dir)
	if err != nil {
		return "", err
	}
	digest := xxhash.New()
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		raw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", rel, err)
		}
		_, _ = digest.WriteString(rel)
		_, _ = digest.Write([]byte{0})
		_, _ = digest.WriteString(strconv.FormatUint(xxhash.Sum64(raw), 16))
		_, _ = digest.Write([]byte{'\n'})
	}
	return strconv.FormatUint(digest.Sum64(), 16), nil
}

func (l *Loader) loadOne(dir, rel string) (*domain.Document, string) {
	ext := strings.ToLower(filepath.Ext(rel))
	extract, ok := l.extractors[ext]
	if !ok {
		return nil, "unsupported file type " + strconv.Quote(ext)
	}

	path := filepath.Join(dir, filepath.FromSlash(rel))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "read failed: " + err.Error()
	}

	pages, err := extract(raw)
	if err != nil {
		return nil, err.Error()
	}
	text, spans := joinPages(pages)
	if strings.TrimSpace(text) == "" {
		return nil, "no extractable text"
	}
	if ext == ".txt" || ext == ".md" {
		spans = nil
	}
	return &domain.Document{
		ID:       rel,
		Path:     path,
		Text:     text,
		Pages:    spans,
		Checksum: xxhash.Sum64(raw),
	}, ""
}

// joinPages concatenates non-empty pages with a blank line and records the
// rune span of each one.
func joinPages(pages []page) (string, []domain.PageSpan) {
	var b strings.Builder
	spans := make([]domain.PageSpan, 0, len(pages))
	offset := 0
	for _, p := range pages {
		if strings.TrimSpace(p.text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
			offset += 2
		}
		n := len([]rune(p.text))
		spans = append(spans, domain.PageSpan{Number: p.number, Start: offset, End: offset + n})
		b.WriteString(p.text)
		offset += n
	}
	return b.String(), spans
}

// listFiles returns slash-separated paths relative to dir, sorted. Hidden
// files and directories are skipped.
func listFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "open corpus", err)
	}
	if !info.IsDir() {
		return nil, domain.WrapError(domain.ErrConfiguration, "open corpus", fmt.Errorf("%s is not a directory", dir))
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != dir && strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk corpus: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
