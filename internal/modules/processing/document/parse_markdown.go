package document

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmtext "github.com/yuin/goldmark/text"
)

var markdownParser parser.Parser = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
).Parser()

// extractMarkdown walks the block structure: headings become heading segments
// and set the section title inherited by the blocks after them. Fence markers
// and inline syntax stay in the content; chunking does not care.
func extractMarkdown(data []byte) ([]Segment, error) {
	root := markdownParser.Parse(gmtext.NewReader(data))

	var segments []Segment
	var section *string

	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindHeading:
			heading := strings.TrimSpace(blockLines(n, data))
			if heading != "" {
				section = &heading
				segments = append(segments, Segment{Content: heading, SectionTitle: &heading, ContentType: "heading"})
			}
			return ast.WalkSkipChildren, nil
		case ast.KindParagraph, ast.KindTextBlock, ast.KindCodeBlock, ast.KindFencedCodeBlock:
			content := strings.TrimRight(blockLines(n, data), "\n")
			if strings.TrimSpace(content) == "" {
				return ast.WalkSkipChildren, nil
			}
			segments = append(segments, Segment{Content: content, SectionTitle: section, ContentType: "paragraph"})
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return segments, nil
}

// blockLines concatenates the source lines a block node spans.
func blockLines(n ast.Node, source []byte) string {
	lines := n.Lines()
	var b strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	return b.String()
}
