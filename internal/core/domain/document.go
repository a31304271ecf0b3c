package domain

import (
	"fmt"
	"time"
)

// PageSpan locates one extracted page inside Document.Text using rune offsets.
type PageSpan struct {
	Number int `json:"number" yaml:"number"`
	Start  int `json:"start" yaml:"start"`
	End    int `json:"end" yaml:"end"`
}

// Document is a source file of the corpus after text extraction. ID is the
// slash-separated path relative to the corpus directory.
type Document struct {
	ID       string     `json:"id"`
	Path     string     `json:"path"`
	Text     string     `json:"-"`
	Pages    []PageSpan `json:"pages,omitempty"`
	Checksum uint64     `json:"checksum"`
}

// PageAt returns the number of the last page starting at or before the rune
// offset, or 0 when the document carries no page layout.
func (d Document) PageAt(offset int) int {
	page := 0
	for _, p := range d.Pages {
		if p.Start > offset {
			break
		}
		page = p.Number
	}
	return page
}

// Chunk is a fixed-size window of a document's text. Start and End are rune
// offsets into Document.Text.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Page       int    `json:"page,omitempty"`
	Text       string `json:"text"`
}

func ChunkID(documentID string, index int) string {
	return fmt.Sprintf("%s#%d", documentID, index)
}

// Label is the human readable source reference used in prompts and answers.
func (c Chunk) Label() string {
	if c.Page > 0 {
		return fmt.Sprintf("%s (page %d)", c.DocumentID, c.Page)
	}
	return c.DocumentID
}

// IngestionWarning records a document skipped during a build. It is not an error.
type IngestionWarning struct {
	DocumentID string `json:"document_id" yaml:"document_id"`
	Reason     string `json:"reason" yaml:"reason"`
}

type DocumentSummary struct {
	ID         string `json:"id" yaml:"id"`
	Pages      int    `json:"pages" yaml:"pages"`
	Chunks     int    `json:"chunks" yaml:"chunks"`
	Characters int    `json:"characters" yaml:"characters"`
}

// IndexEntry is one persisted row of the semantic index.
type IndexEntry struct {
	Chunk  Chunk     `json:"chunk"`
	Vector []float32 `json:"vector"`
}

// IndexManifest describes a published index version.
type IndexManifest struct {
	Version           string             `json:"version" yaml:"version"`
	CreatedAt         time.Time          `json:"created_at" yaml:"created_at"`
	EmbeddingModel    string             `json:"embedding_model" yaml:"embedding_model"`
	Dimensions        int                `json:"dimensions" yaml:"dimensions"`
	ChunkSize         int                `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap      int                `json:"chunk_overlap" yaml:"chunk_overlap"`
	CorpusFingerprint string             `json:"corpus_fingerprint" yaml:"corpus_fingerprint"`
	ChunkCount        int                `json:"chunk_count" yaml:"chunk_count"`
	Documents         []DocumentSummary  `json:"documents" yaml:"documents"`
	Warnings          []IngestionWarning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}
