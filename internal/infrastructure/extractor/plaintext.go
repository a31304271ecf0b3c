package extractor

import (
	"errors"
	"unicode/utf8"
)

func extractPlainText(data []byte) ([]page, error) {
	if !utf8.Valid(data) {
		return nil, errors.New("file is not valid UTF-8 text")
	}
	return []page{{number: 1, text: string(data)}}, nil
}
