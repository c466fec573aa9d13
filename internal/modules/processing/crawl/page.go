// Package crawl implements the breadth-first website crawler: fetching and
// extracting single pages, walking same-origin links under depth and page
// caps, and handing extracted markdown to the document pipeline through
// synthetic file rows.
package crawl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/echodesk/core/internal/models"
)

const (
	fetchTimeout  = 20 * time.Second
	maxBodyBytes  = 5 << 20
	crawlerAgent  = "EchoDesk-Crawler/1.0"
	defaultRPS    = 4
	defaultBurst  = 2
	chromeFilter  = "script, style, noscript, iframe, svg, form, button, nav, header, footer, aside"
	contentSelect = "main, article, [role=main], #content, .content"
)

// PageResult is the outcome of fetching and extracting one page.
type PageResult struct {
	URL             string
	URLHash         string
	Title           string
	Depth           int
	ContentMarkdown string
	ContentLength   int
	ContentHash     string
	MetaDescription string
	HTTPStatusCode  int
	Links           []string
	Metadata        models.JSONMap
}

// Fetcher retrieves and extracts single pages, throttled by a shared limiter.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	converter *md.Converter
}

func NewFetcher(rps float64) *Fetcher {
	if rps <= 0 {
		rps = defaultRPS
	}
	return &Fetcher{
		client:    &http.Client{Timeout: fetchTimeout},
		limiter:   rate.NewLimiter(rate.Limit(rps), defaultBurst),
		converter: md.NewConverter("", true, nil),
	}
}

// Fetch downloads pageURL and extracts title, meta description, markdown
// body, outbound links, and content hashes. The returned result carries the
// HTTP status even when err is non-nil, so failures can be recorded on the
// page row.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string, depth int) (*PageResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result := &PageResult{
		URL:     pageURL,
		URLHash: HashURL(pageURL),
		Depth:   depth,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return result, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", crawlerAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return result, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	result.HTTPStatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, fmt.Errorf("http status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if ct := strings.ToLower(contentType); ct != "" &&
		!strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml+xml") {
		return result, fmt.Errorf("unsupported content type %q", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return result, fmt.Errorf("read body: %w", err)
	}

	// redirects may have moved us; links resolve against where we landed
	base := resp.Request.URL
	if err := f.extract(result, base, body); err != nil {
		return result, err
	}
	result.Metadata = models.JSONMap{
		"links":      result.Links,
		"final_url":  base.String(),
		"fetched_at": time.Now().UTC().Format(time.RFC3339),
	}
	return result, nil
}

func (f *Fetcher) extract(result *PageResult, base *url.URL, body []byte) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}

	result.Title = collapsews(doc.Find("title").First().Text())
	if result.Title == "" {
		result.Title, _ = doc.Find(`meta[property="og:title"]`).Attr("content")
		result.Title = collapsews(result.Title)
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		result.MetaDescription = collapsews(desc)
	} else if desc, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok {
		result.MetaDescription = collapsews(desc)
	}

	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		link, ok := NormalizeURL(base, href)
		if !ok {
			return
		}
		s := link.String()
		if !seen[s] {
			seen[s] = true
			result.Links = append(result.Links, s)
		}
	})

	doc.Find(chromeFilter).Remove()
	content := doc.Find(contentSelect).First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	if content.Length() > 0 {
		result.ContentMarkdown = strings.TrimSpace(f.converter.Convert(content))
	}
	result.ContentLength = len(result.ContentMarkdown)
	if result.ContentLength > 0 {
		result.ContentHash = hashHex([]byte(result.ContentMarkdown))
	}
	return nil
}

// NormalizeURL resolves href against base, strips the fragment, and rejects
// anything that is not plain http(s).
func NormalizeURL(base *url.URL, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	resolved := ref
	if base != nil {
		resolved = base.ResolveReference(ref)
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return nil, false
	}
	if resolved.Host == "" {
		return nil, false
	}
	resolved.Fragment = ""
	resolved.Host = strings.ToLower(resolved.Host)
	return resolved, true
}

// HashURL is the dedup key for a page URL.
func HashURL(u string) string {
	return hashHex([]byte(u))
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func collapsews(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
