package chunking

import (
	"fmt"
	"unicode"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

const (
	DefaultChunkSize    = 1500
	DefaultChunkOverlap = 200
)

// Splitter cuts text into fixed windows of ChunkSize runes; consecutive
// windows share exactly Overlap runes.
type Splitter struct {
	chunkSize int
	overlap   int
}

func NewSplitter(chunkSize, overlap int) (*Splitter, error) {
	if overlap < 0 || chunkSize <= overlap {
		return nil, domain.WrapError(
			domain.ErrConfiguration,
			"new splitter",
			fmt.Errorf("chunk size must be greater than overlap >= 0, got size=%d overlap=%d", chunkSize, overlap),
		)
	}
	return &Splitter{chunkSize: chunkSize, overlap: overlap}, nil
}

func (s *Splitter) Size() int    { return s.chunkSize }
func (s *Splitter) Overlap() int { return s.overlap }

// Split chunks the document text and tags each chunk with the page of its start offset.
func (s *Splitter) Split(doc domain.Document) ([]domain.Chunk, error) {
	spans := Windows(doc.Text, s.chunkSize, s.overlap)
	if len(spans) == 0 {
		return nil, nil
	}

	runes := []rune(doc.Text)
	out := make([]domain.Chunk, 0, len(spans))
	for i, span := range spans {
		out = append(out, domain.Chunk{
			ID:         domain.ChunkID(doc.ID, i),
			DocumentID: doc.ID,
			Index:      i,
			Start:      span[0],
			End:        span[1],
			Page:       doc.PageAt(span[0]),
			Text:       string(runes[span[0]:span[1]]),
		})
	}
	return out, nil
}

// Windows returns the [start,end) rune spans of the chunks of text. The
// trailing window is dropped when it holds only whitespace. Parameters are
// assumed valid; callers go through NewSplitter.
func Windows(text string, chunkSize, overlap int) [][2]int {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := chunkSize - overlap
	out := make([][2]int, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		last := end == len(runes)
		if !last || hasContent(runes[start:end]) {
			out = append(out, [2]int{start, end})
		}
		if last {
			break
		}
	}
	return out
}

func hasContent(runes []rune) bool {
	for _, r := range runes {
		if !unicode.IsSpace(r) {
			return true
		}
	}
	return false
}
