package extractor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// extractXLSX renders every sheet as one page of tab separated rows.
func extractXLSX(data []byte) ([]page, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("xlsx reader: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	pages := make([]page, 0, len(sheets))
	for i, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("xlsx sheet %q: %w", sheet, err)
		}
		var b strings.Builder
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, "\t"), "\t ")
			if line == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(line)
		}
		pages = append(pages, page{number: i + 1, text: b.String()})
	}
	return pages, nil
}
