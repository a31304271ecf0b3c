package chunking

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

func TestNewSplitterRejectsInvalidParameters(t *testing.T) {
	cases := []struct{ size, overlap int }{
		{size: 100, overlap: 100},
		{size: 100, overlap: 150},
		{size: 100, overlap: -1},
		{size: 0, overlap: 0},
	}
	for _, tc := range cases {
		_, err := NewSplitter(tc.size, tc.overlap)
		if !domain.IsKind(err, domain.ErrConfiguration) {
			t.Fatalf("size=%d overlap=%d: expected ErrConfiguration, got %v", tc.size, tc.overlap, err)
		}
	}
}

func TestSplitContractScenario(t *testing.T) {
	splitter, err := NewSplitter(1500, 200)
	if err != nil {
		t.Fatalf("NewSplitter() error = %v", err)
	}
	doc := domain.Document{ID: "A.pdf", Text: strings.Repeat("x", 3200)}

	chunks, err := splitter.Split(doc)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	want := [][2]int{{0, 1500}, {1300, 2800}, {2600, 3200}}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(chunks))
	}
	for i, c := range chunks {
		if c.Start != want[i][0] || c.End != want[i][1] {
			t.Fatalf("chunk %d: expected [%d:%d], got [%d:%d]", i, want[i][0], want[i][1], c.Start, c.End)
		}
		if c.Index != i || c.DocumentID != "A.pdf" || c.ID != domain.ChunkID("A.pdf", i) {
			t.Fatalf("chunk %d: unexpected identity %+v", i, c)
		}
	}
}

func TestSplitIsLosslessModuloOverlap(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	alphabet := []rune("abc xyz\nçãé0123")
	for iter := 0; iter < 50; iter++ {
		size := 2 + rng.Intn(40)
		overlap := rng.Intn(size)
		n := 1 + rng.Intn(400)
		buf := make([]rune, n)
		for i := range buf {
			buf[i] = alphabet[rng.Intn(len(alphabet))]
		}
		buf[n-1] = 'z'
		text := string(buf)

		splitter, err := NewSplitter(size, overlap)
		if err != nil {
			t.Fatalf("NewSplitter(%d,%d) error = %v", size, overlap, err)
		}
		chunks, err := splitter.Split(domain.Document{ID: "d", Text: text})
		if err != nil {
			t.Fatalf("Split() error = %v", err)
		}

		var rebuilt strings.Builder
		for i, c := range chunks {
			body := []rune(c.Text)
			if i > 0 {
				prev := []rune(chunks[i-1].Text)
				if string(prev[len(prev)-overlap:]) != string(body[:overlap]) {
					t.Fatalf("size=%d overlap=%d: chunk %d does not repeat predecessor tail", size, overlap, i)
				}
				body = body[overlap:]
			}
			rebuilt.WriteString(string(body))
		}
		if rebuilt.String() != text {
			t.Fatalf("size=%d overlap=%d: reconstruction mismatch", size, overlap)
		}
	}
}

func TestSplitIsDeterministic(t *testing.T) {
	splitter, _ := NewSplitter(50, 10)
	doc := domain.Document{ID: "d", Text: strings.Repeat("clause 1.2 payment terms. ", 20)}
	a, _ := splitter.Split(doc)
	b, _ := splitter.Split(doc)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("expected identical chunk sequences")
	}
}

func TestSplitDropsWhitespaceOnlyTail(t *testing.T) {
	spans := Windows("abcdefgh"+"    ", 8, 2)
	if len(spans) != 1 {
		t.Fatalf("expected whitespace tail to be dropped, got %v", spans)
	}
	if got := Windows("", 8, 2); len(got) != 0 {
		t.Fatalf("expected no chunks for empty text, got %v", got)
	}
}

func TestSplitAssignsPages(t *testing.T) {
	splitter, _ := NewSplitter(4, 0)
	doc := domain.Document{
		ID:    "p.pdf",
		Text:  "aaaa\n\nbbbb",
		Pages: []domain.PageSpan{{Number: 1, Start: 0, End: 4}, {Number: 2, Start: 6, End: 10}},
	}
	chunks, _ := splitter.Split(doc)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0].Page != 1 || chunks[2].Page != 2 {
		t.Fatalf("unexpected pages: %d %d", chunks[0].Page, chunks[2].Page)
	}
}
