package crawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/alert"
	redisc "github.com/echodesk/core/internal/pkg/redis"
	"github.com/echodesk/core/internal/pkg/taskqueue"
)

func TestNormalizeURL(t *testing.T) {
	base, _ := url.Parse("https://Docs.Example.com/guide/intro")

	cases := []struct {
		name string
		base *url.URL
		href string
		want string
		ok   bool
	}{
		{"relative", base, "../api", "https://docs.example.com/api", true},
		{"fragment stripped", base, "/faq#setup", "https://docs.example.com/faq", true},
		{"absolute no base", nil, "http://other.example.com/x", "http://other.example.com/x", true},
		{"host lowercased", nil, "https://MiXeD.Example.com/", "https://mixed.example.com/", true},
		{"mailto rejected", base, "mailto:x@example.com", "", false},
		{"javascript rejected", base, "javascript:void(0)", "", false},
		{"empty rejected", base, "   ", "", false},
		{"relative without base rejected", nil, "/only/path", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NormalizeURL(tc.base, tc.href)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && got.String() != tc.want {
				t.Fatalf("url = %q, want %q", got.String(), tc.want)
			}
		})
	}
}

func TestMatchesPatterns(t *testing.T) {
	include, err := compilePatterns([]string{"*/docs/*"})
	if err != nil {
		t.Fatalf("compile include: %v", err)
	}
	exclude, err := compilePatterns([]string{"*/docs/private/*"})
	if err != nil {
		t.Fatalf("compile exclude: %v", err)
	}

	if !matchesPatterns("https://a.com/docs/intro", include, nil) {
		t.Error("included url rejected")
	}
	if matchesPatterns("https://a.com/blog/post", include, nil) {
		t.Error("non-matching url passed include filter")
	}
	if matchesPatterns("https://a.com/docs/private/key", include, exclude) {
		t.Error("excluded url passed")
	}
	if !matchesPatterns("https://a.com/anything", nil, exclude) {
		t.Error("empty include list should admit unmatched urls")
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Hello, World!", "hello-world"},
		{"  spaced   out  ", "spaced-out"},
		{"___", ""},
		{"ALLCAPS-42", "allcaps-42"},
	}
	for _, tc := range cases {
		if got := slugify(tc.in); got != tc.want {
			t.Errorf("slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	long := slugify(strings.Repeat("a", 100))
	if len(long) != 48 {
		t.Errorf("long slug length = %d, want 48", len(long))
	}
}

func TestReadOptions(t *testing.T) {
	opts := readOptions(nil)
	if opts.requestsPerSecond != defaultRPS || opts.concurrency != defaultConcurrency || opts.qaMode {
		t.Fatalf("defaults = %+v", opts)
	}

	opts = readOptions(models.JSONMap{
		"requests_per_second": 2.5,
		"concurrency":         float64(8),
		"qa_mode":             true,
	})
	if opts.requestsPerSecond != 2.5 {
		t.Errorf("rps = %v, want 2.5", opts.requestsPerSecond)
	}
	if opts.concurrency != 8 {
		t.Errorf("concurrency = %d, want 8", opts.concurrency)
	}
	if !opts.qaMode {
		t.Error("qa_mode not picked up")
	}

	// junk values keep the defaults
	opts = readOptions(models.JSONMap{"requests_per_second": "fast", "concurrency": float64(0)})
	if opts.requestsPerSecond != defaultRPS || opts.concurrency != defaultConcurrency {
		t.Fatalf("junk options changed defaults: %+v", opts)
	}
}

func TestPageFilename(t *testing.T) {
	title := "Getting Started"
	page := &models.WebsitePageModel{Title: &title, URLHash: strings.Repeat("ab", 32)}
	if got := pageFilename(page); got != "getting-started.md" {
		t.Errorf("filename = %q", got)
	}
	page.Title = nil
	if got := pageFilename(page); got != "abababababab.md" {
		t.Errorf("fallback filename = %q", got)
	}
}

func htmlPage(title, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><head><title>%s</title></head><body>%s</body></html>", title, body)
	}
}

func TestFetchExtractsPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head>
			<title>Docs  Home</title>
			<meta name="description" content="All the docs.">
		</head><body>
			<nav>chrome nav</nav>
			<main><h1>Docs</h1><p>Read the fine manual.</p>
			<a href="/guide">guide</a><a href="/guide#anchor">dup</a></main>
			<footer>chrome foot</footer>
		</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	result, err := NewFetcher(1000).Fetch(context.Background(), srv.URL+"/", 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.Title != "Docs Home" {
		t.Errorf("title = %q", result.Title)
	}
	if result.MetaDescription != "All the docs." {
		t.Errorf("meta description = %q", result.MetaDescription)
	}
	if len(result.Links) != 1 || result.Links[0] != srv.URL+"/guide" {
		t.Errorf("links = %v", result.Links)
	}
	if !strings.Contains(result.ContentMarkdown, "Read the fine manual.") {
		t.Errorf("markdown missing body text: %q", result.ContentMarkdown)
	}
	if strings.Contains(result.ContentMarkdown, "chrome nav") || strings.Contains(result.ContentMarkdown, "chrome foot") {
		t.Errorf("markdown kept chrome: %q", result.ContentMarkdown)
	}
	if result.HTTPStatusCode != http.StatusOK {
		t.Errorf("status = %d", result.HTTPStatusCode)
	}
	if len(result.ContentHash) != 64 {
		t.Errorf("content hash = %q", result.ContentHash)
	}
	if result.Metadata["final_url"] != srv.URL+"/" {
		t.Errorf("final_url = %v", result.Metadata["final_url"])
	}
}

func TestFetchRejectsNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"not":"html"}`)
	}))
	defer srv.Close()

	result, err := NewFetcher(1000).Fetch(context.Background(), srv.URL, 0)
	if err == nil {
		t.Fatal("expected content-type error")
	}
	if result == nil || result.HTTPStatusCode != http.StatusOK {
		t.Fatalf("result should still carry the status, got %+v", result)
	}
}

func TestFetchRecordsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	result, err := NewFetcher(1000).Fetch(context.Background(), srv.URL, 0)
	if err == nil {
		t.Fatal("expected status error")
	}
	if result.HTTPStatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", result.HTTPStatusCode)
	}
	if result.ContentLength != 0 {
		t.Errorf("content length = %d, want 0", result.ContentLength)
	}
}

type pageCollector struct {
	mu    sync.Mutex
	paths []string
}

func (c *pageCollector) hook(_ context.Context, page *PageResult, fetchErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, _ := url.Parse(page.URL)
	c.paths = append(c.paths, u.Path)
	return nil
}

func (c *pageCollector) sorted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.paths...)
	sort.Strings(out)
	return out
}

func neverStopped(context.Context) bool { return false }

func TestCrawlerWalksSameOriginToDepth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", htmlPage("A", `<p>a</p><a href="/c">c</a>`))
	mux.HandleFunc("/b", htmlPage("B", `<p>b</p>`))
	mux.HandleFunc("/c", htmlPage("C", `<p>c</p>`))
	mux.HandleFunc("/", htmlPage("Home",
		`<p>welcome</p><a href="/a">a</a><a href="/a">again</a><a href="/b">b</a><a href="http://external.invalid/x">ext</a>`))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var discovered atomic.Int64
	collector := &pageCollector{}
	crawler := NewCrawler(NewFetcher(1000), zap.NewNop())
	err := crawler.Run(context.Background(), Params{
		StartURL:    srv.URL + "/",
		MaxDepth:    1,
		MaxPages:    10,
		Concurrency: 2,
	}, Hooks{
		OnPage:       collector.hook,
		OnDiscovered: func(n int) { discovered.Add(int64(n)) },
		Stopped:      neverStopped,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := collector.sorted()
	want := []string{"/", "/a", "/b"}
	if len(got) != len(want) {
		t.Fatalf("crawled %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("crawled %v, want %v", got, want)
		}
	}
	// seed plus the two fresh links
	if discovered.Load() != 3 {
		t.Errorf("discovered = %d, want 3", discovered.Load())
	}
}

func TestCrawlerCountsSeedAsDiscovered(t *testing.T) {
	srv := httptest.NewServer(htmlPage("Only", `<p>one page, no links</p>`))
	defer srv.Close()

	var discovered, crawled atomic.Int64
	crawler := NewCrawler(NewFetcher(1000), zap.NewNop())
	err := crawler.Run(context.Background(), Params{
		StartURL: srv.URL + "/",
		MaxDepth: 2,
		MaxPages: 10,
	}, Hooks{
		OnPage: func(context.Context, *PageResult, error) error {
			crawled.Add(1)
			return nil
		},
		OnDiscovered: func(n int) { discovered.Add(int64(n)) },
		Stopped:      neverStopped,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if crawled.Load() != 1 || discovered.Load() != 1 {
		t.Errorf("crawled = %d, discovered = %d, want 1 and 1", crawled.Load(), discovered.Load())
	}
	if crawled.Load() > discovered.Load() {
		t.Errorf("crawled %d exceeds discovered %d", crawled.Load(), discovered.Load())
	}
}

func TestCrawlerHonorsMaxPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/next", htmlPage("Next", `<p>next</p>`))
	mux.HandleFunc("/", htmlPage("Home", `<a href="/next">next</a><p>home</p>`))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	collector := &pageCollector{}
	crawler := NewCrawler(NewFetcher(1000), zap.NewNop())
	err := crawler.Run(context.Background(), Params{
		StartURL: srv.URL + "/",
		MaxDepth: 3,
		MaxPages: 1,
	}, Hooks{OnPage: collector.hook, Stopped: neverStopped})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := collector.sorted(); len(got) != 1 || got[0] != "/" {
		t.Fatalf("crawled %v, want just the start page", got)
	}
}

func TestCrawlerStopsWhenCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/next", htmlPage("Next", `<p>next</p>`))
	mux.HandleFunc("/", htmlPage("Home", `<a href="/next">next</a><p>home</p>`))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var fetched int
	var mu sync.Mutex
	crawler := NewCrawler(NewFetcher(1000), zap.NewNop())
	err := crawler.Run(context.Background(), Params{
		StartURL: srv.URL + "/",
		MaxDepth: 3,
		MaxPages: 10,
	}, Hooks{
		OnPage: func(context.Context, *PageResult, error) error {
			mu.Lock()
			fetched++
			mu.Unlock()
			return nil
		},
		Stopped: func(context.Context) bool {
			mu.Lock()
			defer mu.Unlock()
			return fetched > 0
		},
	})
	if err != nil {
		t.Fatalf("Run should treat cancellation as clean: %v", err)
	}
	if fetched != 1 {
		t.Errorf("fetched = %d pages after cancel, want 1", fetched)
	}
}

func TestCrawlerAppliesPatterns(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/docs/a", htmlPage("DocA", `<p>doc a</p>`))
	mux.HandleFunc("/blog/b", htmlPage("BlogB", `<p>blog b</p>`))
	mux.HandleFunc("/", htmlPage("Home", `<a href="/docs/a">a</a><a href="/blog/b">b</a><p>home</p>`))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	collector := &pageCollector{}
	crawler := NewCrawler(NewFetcher(1000), zap.NewNop())
	err := crawler.Run(context.Background(), Params{
		StartURL:        srv.URL + "/",
		MaxDepth:        1,
		MaxPages:        10,
		IncludePatterns: []string{"*/docs/*"},
	}, Hooks{OnPage: collector.hook, Stopped: neverStopped})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collector.sorted()
	if len(got) != 2 || got[0] != "/" || got[1] != "/docs/a" {
		t.Fatalf("crawled %v, want [/ /docs/a]", got)
	}
}

func newTestRunner(t *testing.T) (*Runner, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: conn, PreferSimpleProtocol: true}), &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}

	mr := miniredis.RunT(t)
	rc := redisc.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	tq := taskqueue.NewService(rc, zap.NewNop())
	alerts := alert.New(func() (bool, string, string) { return false, "", "" })
	return NewRunner(gdb, nil, tq, alerts, zap.NewNop()), mock
}

func TestAddPageCountsDiscovered(t *testing.T) {
	runner, mock := newTestRunner(t)

	mock.ExpectQuery(`SELECT \* FROM "website_crawl_jobs"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "collection_id", "start_url", "status"}).
			AddRow("job1", "p1", "col1", "https://example.com", "crawling"))
	mock.ExpectQuery(`SELECT \* FROM "website_pages"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "website_pages"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "website_crawl_jobs" SET "pages_discovered"=pages_discovered \+ \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	page, created, err := runner.AddPage(context.Background(), "p1", "job1", "https://Example.com/new#frag")
	if err != nil {
		t.Fatalf("AddPage: %v", err)
	}
	if !created {
		t.Fatal("created = false, want true")
	}
	if page.URL != "https://example.com/new" || page.Depth != 0 {
		t.Fatalf("page = %+v, want normalized url at depth 0", page)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkdownLinks(t *testing.T) {
	source := []byte("# Title\n\nSee [the guide](https://a.com/guide) and https://a.com/auto.\n\n<a href=\"/raw\">raw</a>\n")
	links := markdownLinks(source)

	has := func(want string) bool {
		for _, l := range links {
			if l == want {
				return true
			}
		}
		return false
	}
	if !has("https://a.com/guide") {
		t.Errorf("markdown link missing: %v", links)
	}
	if !has("https://a.com/auto") {
		t.Errorf("autolink missing: %v", links)
	}

	raw := htmlLinks(string(source))
	if len(raw) != 1 || raw[0] != "/raw" {
		t.Errorf("html links = %v, want [/raw]", raw)
	}
}

func TestMetadataLinks(t *testing.T) {
	if got := metadataLinks(nil); got != nil {
		t.Errorf("nil metadata gave %v", got)
	}
	got := metadataLinks(models.JSONMap{"links": []interface{}{"https://a.com/x", 42, "https://a.com/y"}})
	if len(got) != 2 || got[0] != "https://a.com/x" || got[1] != "https://a.com/y" {
		t.Errorf("decoded links = %v", got)
	}
	got = metadataLinks(models.JSONMap{"links": []string{"https://a.com/z"}})
	if len(got) != 1 || got[0] != "https://a.com/z" {
		t.Errorf("in-memory links = %v", got)
	}
}
