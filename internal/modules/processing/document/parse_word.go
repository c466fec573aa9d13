package document

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/fumiama/go-docx"
)

// extractWord reads the paragraphs and tables of a .docx body in document
// order. Legacy binary .doc files fail the zip open and surface as an
// extract error.
func extractWord(data []byte) ([]Segment, error) {
	doc, err := docx.Parse(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parse word document: %w", err)
	}

	var segments []Segment
	for _, item := range doc.Document.Body.Items {
		var text string
		switch block := item.(type) {
		case *docx.Paragraph:
			text = block.String()
		case *docx.Table:
			text = block.String()
		default:
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		segments = append(segments, Segment{Content: text, ContentType: "paragraph"})
	}
	return segments, nil
}
