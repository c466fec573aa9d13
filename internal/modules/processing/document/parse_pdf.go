package document

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF emits one segment per page carrying the page number. A PDF whose
// pages all decode to empty text is treated as scanned or image-based and
// rejected; there is no OCR path.
func extractPDF(data []byte) (segments []Segment, err error) {
	// the pdf package panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			segments = nil
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse pdf: %w", err)
	}

	for num := 1; num <= reader.NumPage(); num++ {
		page := reader.Page(num)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// one broken page does not void the rest
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pageNum := num
		segments = append(segments, Segment{
			Content:     text,
			PageNumber:  &pageNum,
			ContentType: "paragraph",
		})
	}

	if !hasEffectiveContent(segments) {
		return nil, fmt.Errorf("pdf contains no extractable text, the file appears to be scanned or image-based")
	}
	return segments, nil
}
