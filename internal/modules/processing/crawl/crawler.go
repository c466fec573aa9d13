package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errStopped aborts the walk when cancellation is observed; the runner treats
// it as a clean stop, not a failure.
var errStopped = errors.New("crawl stopped")

// Params bounds one breadth-first walk.
type Params struct {
	StartURL        string
	MaxDepth        int
	MaxPages        int
	IncludePatterns []string
	ExcludePatterns []string
	Concurrency     int
}

// Hooks connect the walk to the job runner. OnPage persists one fetch
// outcome (fetchErr non-nil for failed fetches); returning an error aborts
// the crawl. OnDiscovered reports how many new links entered the frontier.
// Stopped is polled at safe points for external cancellation.
type Hooks struct {
	OnPage       func(ctx context.Context, page *PageResult, fetchErr error) error
	OnDiscovered func(n int)
	Stopped      func(ctx context.Context) bool
}

// Crawler walks same-origin links breadth first. Dedup inside one walk is in
// memory by URL hash; cross-run dedup belongs to the caller.
type Crawler struct {
	fetcher *Fetcher
	log     *zap.Logger
}

func NewCrawler(fetcher *Fetcher, log *zap.Logger) *Crawler {
	return &Crawler{fetcher: fetcher, log: log.Named("crawler")}
}

type frontierEntry struct {
	url   *url.URL
	depth int
}

// Run performs the walk. It returns nil both on normal completion and on an
// observed cancellation; the caller distinguishes by re-reading job state.
func (c *Crawler) Run(ctx context.Context, params Params, hooks Hooks) error {
	start, ok := NormalizeURL(nil, params.StartURL)
	if !ok {
		return fmt.Errorf("invalid start url %q", params.StartURL)
	}
	include, err := compilePatterns(params.IncludePatterns)
	if err != nil {
		return fmt.Errorf("include patterns: %w", err)
	}
	exclude, err := compilePatterns(params.ExcludePatterns)
	if err != nil {
		return fmt.Errorf("exclude patterns: %w", err)
	}

	maxPages := params.MaxPages
	if maxPages < 1 {
		maxPages = 1
	}
	concurrency := params.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var mu sync.Mutex
	visited := map[string]bool{HashURL(start.String()): true}
	frontier := []frontierEntry{{url: start, depth: 0}}
	scheduled := 0

	// The seed enters the frontier like any discovered link; counting it keeps
	// pages_crawled <= pages_discovered from the first fetch on.
	if hooks.OnDiscovered != nil {
		hooks.OnDiscovered(1)
	}

	for len(frontier) > 0 {
		if hooks.Stopped(ctx) {
			return nil
		}

		var next []frontierEntry
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)

		for _, entry := range frontier {
			if scheduled >= maxPages {
				break
			}
			scheduled++
			entry := entry
			g.Go(func() error {
				if hooks.Stopped(gctx) {
					return errStopped
				}
				page, fetchErr := c.fetcher.Fetch(gctx, entry.url.String(), entry.depth)
				if page == nil {
					// limiter wait aborted, the context is gone
					return errStopped
				}
				if fetchErr == nil && entry.depth < params.MaxDepth {
					fresh := 0
					mu.Lock()
					for _, link := range page.Links {
						u, ok := NormalizeURL(entry.url, link)
						if !ok || u.Host != start.Host {
							continue
						}
						s := u.String()
						hash := HashURL(s)
						if visited[hash] || !matchesPatterns(s, include, exclude) {
							continue
						}
						visited[hash] = true
						next = append(next, frontierEntry{url: u, depth: entry.depth + 1})
						fresh++
					}
					mu.Unlock()
					if fresh > 0 && hooks.OnDiscovered != nil {
						hooks.OnDiscovered(fresh)
					}
				}
				return hooks.OnPage(gctx, page, fetchErr)
			})
		}

		if err := g.Wait(); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		if scheduled >= maxPages {
			c.log.Debug("page cap reached", zap.Int("max_pages", maxPages))
			return nil
		}
		frontier = next
	}
	return nil
}

// ValidatePatterns rejects URL globs that would fail to compile, so bad
// patterns surface at request time instead of inside a queued job.
func ValidatePatterns(patterns []string) error {
	_, err := compilePatterns(patterns)
	return err
}

// compilePatterns builds matchers for URL globs; * crosses path separators,
// matching the shell-style patterns jobs are configured with.
func compilePatterns(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// matchesPatterns applies include first (empty include admits everything),
// then exclude.
func matchesPatterns(u string, include, exclude []glob.Glob) bool {
	if len(include) > 0 {
		ok := false
		for _, g := range include {
			if g.Match(u) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, g := range exclude {
		if g.Match(u) {
			return false
		}
	}
	return true
}
