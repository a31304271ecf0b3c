package extractor

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ledongthuc/pdf"
)

func extractPDF(data []byte) (pages []page, err error) {
	// The pdf reader panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("corrupt pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("pdf reader: %w", err)
	}
	total := r.NumPage()
	if total == 0 {
		return nil, errors.New("pdf has no pages")
	}

	pages = make([]page, 0, total)
	for i := 1; i <= total; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("pdf page %d: %w", i, err)
		}
		pages = append(pages, page{number: i, text: text})
	}
	return pages, nil
}
