package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

const (
	currentFile  = "CURRENT"
	versionsDir  = "versions"
	manifestFile = "manifest.yaml"
	entriesFile  = "entries.jsonl"
	stagingGlob  = "staging-*"

	// Staging directories younger than this may belong to a build running in
	// another process.
	staleStagingAge = time.Hour
)

// Store persists index versions under a root directory:
//
//	<root>/CURRENT                      name of the published version
//	<root>/versions/<v>/manifest.yaml
//	<root>/versions/<v>/entries.jsonl
//
// A version is written into a staging directory first, renamed into
// versions/, and only then made current by replacing CURRENT with a rename.
type Store struct {
	root         string
	keepVersions int
}

func New(root string, keepVersions int) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		root = "./data/index"
	}
	if keepVersions <= 0 {
		keepVersions = 2
	}
	if err := os.MkdirAll(filepath.Join(root, versionsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	return &Store{root: root, keepVersions: keepVersions}, nil
}

func (s *Store) Current(_ context.Context) (domain.IndexManifest, bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, currentFile))
	if errors.Is(err, os.ErrNotExist) {
		return domain.IndexManifest{}, false, nil
	}
	if err != nil {
		return domain.IndexManifest{}, false, fmt.Errorf("read current pointer: %w", err)
	}
	version := strings.TrimSpace(string(raw))
	if version == "" {
		return domain.IndexManifest{}, false, nil
	}

	manifest, err := s.readManifest(version)
	if err != nil {
		return domain.IndexManifest{}, false, err
	}
	return manifest, true, nil
}

func (s *Store) LoadEntries(ctx context.Context, version string) ([]domain.IndexEntry, error) {
	f, err := os.Open(filepath.Join(s.versionPath(version), entriesFile))
	if err != nil {
		return nil, fmt.Errorf("open index entries: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 1<<20)
	decoder := json.NewDecoder(reader)
	out := make([]domain.IndexEntry, 0, 256)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var entry domain.IndexEntry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode index entry %d: %w", len(out), err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Publish stages the version, moves it into place and swaps CURRENT.
func (s *Store) Publish(ctx context.Context, manifest domain.IndexManifest, entries []domain.IndexEntry) error {
	if manifest.Version == "" {
		return domain.WrapError(domain.ErrInvalidInput, "publish index", errors.New("manifest version is empty"))
	}
	s.removeStaleStaging(time.Now().Add(-staleStagingAge))

	staging := filepath.Join(s.root, "staging-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := writeEntries(ctx, filepath.Join(staging, entriesFile), entries); err != nil {
		return err
	}
	manifestRaw, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeFileSync(filepath.Join(staging, manifestFile), manifestRaw); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	target := s.versionPath(manifest.Version)
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("clear version dir: %w", err)
	}
	if err := os.Rename(staging, target); err != nil {
		return fmt.Errorf("move staged index: %w", err)
	}
	published = true

	tmp := filepath.Join(s.root, currentFile+"."+uuid.NewString()+".tmp")
	if err := writeFileSync(tmp, []byte(manifest.Version+"\n")); err != nil {
		return fmt.Errorf("write current pointer: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.root, currentFile)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap current pointer: %w", err)
	}

	s.pruneVersions(manifest.Version)
	return nil
}

func (s *Store) versionPath(version string) string {
	return filepath.Join(s.root, versionsDir, filepath.Base(version))
}

func (s *Store) readManifest(version string) (domain.IndexManifest, error) {
	raw, err := os.ReadFile(filepath.Join(s.versionPath(version), manifestFile))
	if err != nil {
		return domain.IndexManifest{}, fmt.Errorf("read manifest %s: %w", version, err)
	}
	var manifest domain.IndexManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return domain.IndexManifest{}, fmt.Errorf("parse manifest %s: %w", version, err)
	}
	return manifest, nil
}

// removeStaleStaging clears staging directories left by interrupted builds.
// Directories modified after cutoff are kept.
func (s *Store) removeStaleStaging(cutoff time.Time) {
	matches, _ := filepath.Glob(filepath.Join(s.root, stagingGlob))
	for _, dir := range matches {
		info, err := os.Stat(dir)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("index_staging_cleanup_failed", "dir", dir, "error", err)
		}
	}
}

// pruneVersions keeps the newest keepVersions versions (by modification
// time), always including the current one.
func (s *Store) pruneVersions(current string) {
	entries, err := os.ReadDir(filepath.Join(s.root, versionsDir))
	if err != nil {
		return
	}
	type versionDir struct {
		name string
		mod  int64
	}
	dirs := make([]versionDir, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || e.Name() == current {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, versionDir{name: e.Name(), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(dirs, func(i, j int) bool {
		if dirs[i].mod != dirs[j].mod {
			return dirs[i].mod > dirs[j].mod
		}
		return dirs[i].name > dirs[j].name
	})

	keep := s.keepVersions - 1
	for i, d := range dirs {
		if i < keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, versionsDir, d.name)); err != nil {
			slog.Warn("index_prune_failed", "version", d.name, "error", err)
		}
	}
}

func writeEntries(ctx context.Context, path string, entries []domain.IndexEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create entries file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)
	encoder := json.NewEncoder(w)
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := encoder.Encode(entry); err != nil {
			return fmt.Errorf("encode index entry %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush entries: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync entries: %w", err)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
