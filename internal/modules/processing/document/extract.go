package document

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Segment is one extracted unit of a file: a page of a PDF, a block of a
// markdown or HTML document, or the whole body of a plain-text file. The
// chunker runs per segment so page numbers and section titles survive.
type Segment struct {
	Content      string
	SectionTitle *string
	PageNumber   *int
	ContentType  string // paragraph or heading
}

// Extract parses data into segments using the parser matching contentType.
// Unknown types fall back to plain text when the payload looks textual.
func Extract(filename, contentType string, data []byte) ([]Segment, error) {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	switch {
	case mediaType == "application/pdf":
		return extractPDF(data)
	case mediaType == "text/markdown":
		return extractMarkdown(data)
	case mediaType == "text/plain":
		return extractText(data)
	case mediaType == "application/msword",
		strings.HasSuffix(mediaType, "wordprocessingml.document"):
		return extractWord(data)
	case mediaType == "text/html", mediaType == "application/xhtml+xml":
		return extractHTML(data)
	default:
		return extractFallback(filename, mediaType, data)
	}
}

// hasEffectiveContent reports whether at least one segment carries
// non-whitespace text. Parsers succeed on structurally valid but empty
// files; the pipeline needs to tell those apart.
func hasEffectiveContent(segments []Segment) bool {
	for _, seg := range segments {
		if strings.TrimSpace(seg.Content) != "" {
			return true
		}
	}
	return false
}

// extractText treats the whole payload as one segment. Byte-order marks are
// stripped; anything else is the chunker's business.
func extractText(data []byte) ([]Segment, error) {
	content := strings.TrimPrefix(string(data), "\uFEFF")
	return []Segment{{Content: content, ContentType: "paragraph"}}, nil
}

// extractHTML pulls visible text out of an HTML document: headings become
// heading segments and set the section title for the blocks that follow;
// script, style, and chrome elements are dropped.
func extractHTML(data []byte) ([]Segment, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, iframe, nav, header, footer, aside").Remove()

	var segments []Segment
	var section *string

	title := collapseSpace(doc.Find("title").First().Text())
	if title != "" {
		section = &title
	}

	doc.Find("h1, h2, h3, h4, h5, h6, p, li, td, th, pre, blockquote").Each(func(_ int, sel *goquery.Selection) {
		text := collapseSpace(sel.Text())
		if text == "" {
			return
		}
		name := goquery.NodeName(sel)
		if len(name) == 2 && name[0] == 'h' {
			heading := text
			section = &heading
			segments = append(segments, Segment{Content: text, SectionTitle: &heading, ContentType: "heading"})
			return
		}
		segments = append(segments, Segment{Content: text, SectionTitle: section, ContentType: "paragraph"})
	})

	// a page of divs and spans still deserves its body text
	if len(segments) == 0 {
		if text := collapseSpace(doc.Find("body").Text()); text != "" {
			segments = append(segments, Segment{Content: text, SectionTitle: section, ContentType: "paragraph"})
		}
	}
	return segments, nil
}

// extractFallback handles content types without a dedicated parser: textual
// payloads go through the text parser, everything else is rejected.
func extractFallback(filename, mediaType string, data []byte) ([]Segment, error) {
	if strings.HasPrefix(mediaType, "text/") || looksTextual(data) {
		return extractText(data)
	}
	return nil, fmt.Errorf("unsupported content type %q for %s", mediaType, filename)
}

// looksTextual applies a cheap heuristic: valid UTF-8 with no NUL bytes in
// the first 8 KiB.
func looksTextual(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	probe := data
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	if bytes.IndexByte(probe, 0x00) >= 0 {
		return false
	}
	return utf8.Valid(probe)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
