package document

import (
	"strings"
	"testing"
)

func TestExtractMarkdownSections(t *testing.T) {
	source := []byte("# Getting Started\n\nInstall the agent first.\n\n## Configuration\n\nEdit the yaml file.\n\n```\nport: 8080\n```\n")
	segments, err := Extract("guide.md", "text/markdown", source)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(segments) != 5 {
		t.Fatalf("segments = %d: %+v", len(segments), segments)
	}

	if segments[0].ContentType != "heading" || segments[0].Content != "Getting Started" {
		t.Fatalf("segments[0] = %+v", segments[0])
	}
	if segments[1].SectionTitle == nil || *segments[1].SectionTitle != "Getting Started" {
		t.Fatalf("segments[1] section = %v", segments[1].SectionTitle)
	}
	if segments[3].SectionTitle == nil || *segments[3].SectionTitle != "Configuration" {
		t.Fatalf("segments[3] section = %v", segments[3].SectionTitle)
	}
	if segments[4].Content != "port: 8080" {
		t.Fatalf("code block content = %q", segments[4].Content)
	}
}

func TestExtractHTMLDropsChrome(t *testing.T) {
	html := `<html><head><title>Help Center</title><style>body{color:red}</style></head>
<body>
<nav><a href="/">home</a></nav>
<script>alert("nope")</script>
<h1>Password Reset</h1>
<p>Click the forgot password button.</p>
<ul><li>Check your inbox</li></ul>
</body></html>`
	segments, err := Extract("page.html", "text/html; charset=utf-8", []byte(html))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	var all strings.Builder
	for _, seg := range segments {
		all.WriteString(seg.Content)
		all.WriteString("\n")
	}
	joined := all.String()
	if strings.Contains(joined, "alert") || strings.Contains(joined, "color:red") || strings.Contains(joined, "home") {
		t.Fatalf("chrome leaked into segments: %q", joined)
	}

	if segments[0].ContentType != "heading" || segments[0].Content != "Password Reset" {
		t.Fatalf("segments[0] = %+v", segments[0])
	}
	if segments[1].SectionTitle == nil || *segments[1].SectionTitle != "Password Reset" {
		t.Fatalf("paragraph section = %v", segments[1].SectionTitle)
	}
	if segments[2].Content != "Check your inbox" {
		t.Fatalf("list item = %+v", segments[2])
	}
}

func TestExtractHTMLBodyFallback(t *testing.T) {
	html := `<html><head><title>Bare</title></head><body><div>only divs here</div></body></html>`
	segments, err := Extract("bare.html", "text/html", []byte(html))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(segments) != 1 || segments[0].Content != "only divs here" {
		t.Fatalf("segments = %+v", segments)
	}
	if segments[0].SectionTitle == nil || *segments[0].SectionTitle != "Bare" {
		t.Fatalf("title fallback = %v", segments[0].SectionTitle)
	}
}

func TestExtractTextStripsBOM(t *testing.T) {
	segments, err := Extract("note.txt", "text/plain", []byte("\uFEFFplain content"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(segments) != 1 || segments[0].Content != "plain content" {
		t.Fatalf("segments = %+v", segments)
	}
}

func TestExtractFallbackTextualAndBinary(t *testing.T) {
	segments, err := Extract("conf.yaml", "application/x-yaml", []byte("key: value\n"))
	if err != nil {
		t.Fatalf("textual fallback failed: %v", err)
	}
	if len(segments) != 1 || segments[0].Content != "key: value\n" {
		t.Fatalf("segments = %+v", segments)
	}

	if _, err := Extract("blob.bin", "application/octet-stream", []byte{0x00, 0x01, 0xff, 0x00}); err == nil {
		t.Fatal("binary payload must be rejected")
	}
}

func TestExtractPDFRejectsGarbage(t *testing.T) {
	if _, err := Extract("fake.pdf", "application/pdf", []byte("not a pdf at all")); err == nil {
		t.Fatal("garbage pdf must fail extraction")
	}
}

func TestExtractWordRejectsGarbage(t *testing.T) {
	if _, err := Extract("fake.docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", []byte("not a zip")); err == nil {
		t.Fatal("garbage docx must fail extraction")
	}
}

func TestHasEffectiveContent(t *testing.T) {
	if hasEffectiveContent([]Segment{{Content: "  \n\t"}, {Content: ""}}) {
		t.Fatal("whitespace-only segments reported as effective")
	}
	if !hasEffectiveContent([]Segment{{Content: " \n"}, {Content: "x"}}) {
		t.Fatal("non-empty segment missed")
	}
}
