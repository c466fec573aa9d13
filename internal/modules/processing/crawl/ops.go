package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gobwas/glob"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmtext "github.com/yuin/goldmark/text"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/database"
	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/apperr"
	"github.com/echodesk/core/internal/pkg/taskqueue"
)

// CrawlPageRequest is the queue payload for fetching one pre-created page
// row. MaxDepth is the absolute depth cap: a page fetched at a depth below it
// expands its links into further page tasks.
type CrawlPageRequest struct {
	ProjectID       string   `json:"project_id"`
	JobID           string   `json:"job_id"`
	PageID          string   `json:"page_id"`
	MaxDepth        int      `json:"max_depth,omitempty"`
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
}

func (r *Runner) handlePageTask(ctx context.Context, task *taskqueue.Task) (interface{}, error) {
	var req CrawlPageRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode page payload: %w", err)
	}
	if req.ProjectID == "" || req.PageID == "" {
		return nil, errors.New("page payload missing project_id or page_id")
	}

	page, err := r.loadPage(ctx, req.ProjectID, req.PageID)
	if err != nil {
		return nil, err
	}
	if page.Status != models.WebsitePageStatusPending {
		// replayed task; the row already advanced
		return map[string]interface{}{"page_id": page.ID, "status": string(page.Status)}, nil
	}
	job, err := r.loadJob(ctx, req.ProjectID, page.CrawlJobID)
	if err != nil {
		return nil, err
	}

	opts := readOptions(job.CrawlOptions)
	fetcher := NewFetcher(opts.requestsPerSecond)
	result, fetchErr := fetcher.Fetch(ctx, page.URL, page.Depth)
	if result == nil {
		// context died before the request went out; leave the row pending
		// for the replay
		return nil, fetchErr
	}

	r.bumpCounter(ctx, job.ID, "pages_crawled", 1)
	if fetchErr != nil || result.ContentLength == 0 {
		cause := fetchErr
		if cause == nil {
			cause = errors.New("no content extracted")
		}
		r.applyFetchResult(ctx, page, result, cause)
		r.bumpCounter(ctx, job.ID, "pages_failed", 1)
		return map[string]interface{}{"page_id": page.ID, "status": string(models.WebsitePageStatusFailed)}, nil
	}

	r.applyFetchResult(ctx, page, result, nil)
	if err := r.processFetched(ctx, job, page, result.ContentMarkdown, opts.qaMode); err != nil {
		r.markPageFailed(ctx, job.ProjectID, page.ID, err)
		r.bumpCounter(ctx, job.ID, "pages_failed", 1)
		return map[string]interface{}{"page_id": page.ID, "status": string(models.WebsitePageStatusFailed)}, nil
	}
	r.bumpCounter(ctx, job.ID, "pages_processed", 1)

	if page.Depth < req.MaxDepth {
		if base, err := url.Parse(page.URL); err == nil {
			spec, err := r.expandSpec(job, base, page.Depth+1, req.MaxDepth, req.IncludePatterns, req.ExcludePatterns)
			if err == nil {
				_, added, _ := r.enqueueCandidates(ctx, spec, result.Links)
				r.bumpCounter(ctx, job.ID, "pages_discovered", added)
			}
		}
	}
	return map[string]interface{}{"page_id": page.ID, "status": string(models.WebsitePageStatusExtracted)}, nil
}

// applyFetchResult copies the fetch outcome onto the page row, keeping the
// in-memory struct in sync for the pipeline handoff that follows.
func (r *Runner) applyFetchResult(ctx context.Context, page *models.WebsitePageModel, result *PageResult, cause error) {
	updates := map[string]interface{}{
		"content_length": result.ContentLength,
		"page_metadata":  result.Metadata,
	}
	page.ContentLength = result.ContentLength
	page.PageMetadata = result.Metadata

	if result.Title != "" {
		updates["title"] = result.Title
		page.Title = &result.Title
	}
	if result.MetaDescription != "" {
		updates["meta_description"] = result.MetaDescription
		page.MetaDescription = &result.MetaDescription
	}
	if result.HTTPStatusCode != 0 {
		code := result.HTTPStatusCode
		updates["http_status_code"] = code
		page.HTTPStatusCode = &code
	}
	if result.ContentLength > 0 {
		updates["content_markdown"] = result.ContentMarkdown
		updates["content_hash"] = result.ContentHash
		page.ContentMarkdown = &result.ContentMarkdown
		hash := result.ContentHash
		page.ContentHash = &hash
	}
	if cause != nil {
		msg := truncateMessage(cause.Error())
		updates["status"] = models.WebsitePageStatusFailed
		updates["error_message"] = msg
		page.Status = models.WebsitePageStatusFailed
		page.ErrorMessage = &msg
	} else {
		updates["status"] = models.WebsitePageStatusFetched
		page.Status = models.WebsitePageStatusFetched
	}

	err := r.db.WithContext(ctx).Model(&models.WebsitePageModel{}).
		Scopes(models.ScopedBy(page.ProjectID)).
		Where("id = ?", page.ID).
		Updates(updates).Error
	if err != nil {
		r.log.Warn("page row update failed", zap.String("page_id", page.ID), zap.Error(err))
	}
}

// AddPage registers one URL on an existing job at depth 0 and enqueues its
// fetch. When the collection already tracks the URL in a non-terminal state
// the existing row comes back with created=false.
func (r *Runner) AddPage(ctx context.Context, projectID, jobID, rawURL string) (*models.WebsitePageModel, bool, error) {
	target, ok := NormalizeURL(nil, rawURL)
	if !ok {
		return nil, false, apperr.InvalidPayload("invalid url %q", rawURL)
	}
	job, err := r.loadJob(ctx, projectID, jobID)
	if err != nil {
		return nil, false, err
	}

	normalized := target.String()
	hash := HashURL(normalized)

	var existing models.WebsitePageModel
	err = r.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		Where("collection_id = ? AND url_hash = ? AND status NOT IN ?",
			job.CollectionID, hash,
			[]models.WebsitePageStatus{models.WebsitePageStatusProcessed, models.WebsitePageStatusFailed}).
		First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	row := models.WebsitePageModel{
		ProjectScoped: models.ProjectScoped{ProjectID: projectID},
		CrawlJobID:    job.ID,
		CollectionID:  job.CollectionID,
		URL:           normalized,
		URLHash:       hash,
		Depth:         0,
		Status:        models.WebsitePageStatusPending,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if database.IsUniqueViolation(err) {
			// same job crawled this URL before; hand the terminal row back
			var prior models.WebsitePageModel
			ferr := r.db.WithContext(ctx).
				Scopes(models.ScopedBy(projectID)).
				Where("crawl_job_id = ? AND url_hash = ?", job.ID, hash).
				First(&prior).Error
			if ferr != nil {
				return nil, false, err
			}
			return &prior, false, nil
		}
		return nil, false, err
	}

	r.bumpCounter(ctx, job.ID, "pages_discovered", 1)

	payload := CrawlPageRequest{ProjectID: projectID, JobID: job.ID, PageID: row.ID}
	if _, err := r.tasks.Enqueue(ctx, TaskCrawlPage, payload, TaskCrawlPage+":"+row.ID, projectID); err != nil {
		return nil, false, err
	}
	return &row, true, nil
}

// CrawlDeeperRequest tunes one expansion from an already-crawled page.
// Patterns, when set, override the job's for the new pages.
type CrawlDeeperRequest struct {
	MaxDepth        int      `json:"max_depth"`
	IncludePatterns []string `json:"include_patterns"`
	ExcludePatterns []string `json:"exclude_patterns"`
}

// CrawlDeeperResult reports what the expansion did.
type CrawlDeeperResult struct {
	LinksFound   int `json:"links_found"`
	PagesAdded   int `json:"pages_added"`
	PagesSkipped int `json:"pages_skipped"`
}

// CrawlDeeper re-reads the links recorded for a page (markdown links, raw
// HTML hrefs, and the fetch metadata) and enqueues the new same-origin ones
// at the next depth.
func (r *Runner) CrawlDeeper(ctx context.Context, projectID, pageID string, req CrawlDeeperRequest) (*CrawlDeeperResult, error) {
	page, err := r.loadPage(ctx, projectID, pageID)
	if err != nil {
		return nil, err
	}
	job, err := r.loadJob(ctx, projectID, page.CrawlJobID)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, apperr.InvalidPayload("page has unparseable url %q", page.URL)
	}

	if req.MaxDepth < 1 {
		req.MaxDepth = 1
	}
	include := req.IncludePatterns
	exclude := req.ExcludePatterns
	if include == nil {
		include = job.IncludePatterns
	}
	if exclude == nil {
		exclude = job.ExcludePatterns
	}

	var links []string
	if page.ContentMarkdown != nil {
		links = append(links, markdownLinks([]byte(*page.ContentMarkdown))...)
		links = append(links, htmlLinks(*page.ContentMarkdown)...)
	}
	links = append(links, metadataLinks(page.PageMetadata)...)

	spec, err := r.expandSpec(job, base, page.Depth+1, page.Depth+req.MaxDepth, include, exclude)
	if err != nil {
		return nil, err
	}
	found, added, skipped := r.enqueueCandidates(ctx, spec, links)
	r.bumpCounter(ctx, job.ID, "pages_discovered", added)

	return &CrawlDeeperResult{LinksFound: found, PagesAdded: added, PagesSkipped: skipped}, nil
}

// CancelJob flips a running job to cancelled; the crawl loop observes it at
// the next safe point. Cancelling an already-cancelled job is a no-op;
// completed and failed jobs refuse.
func (r *Runner) CancelJob(ctx context.Context, projectID, jobID string) (*models.WebsiteCrawlJobModel, error) {
	job, err := r.loadJob(ctx, projectID, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.CrawlJobStatusCancelled:
		return job, nil
	case models.CrawlJobStatusCompleted, models.CrawlJobStatusFailed:
		return nil, apperr.Conflict("crawl job already %s", job.Status)
	}

	err = r.db.WithContext(ctx).Model(&models.WebsiteCrawlJobModel{}).
		Where("id = ?", job.ID).
		Update("status", models.CrawlJobStatusCancelled).Error
	if err != nil {
		return nil, err
	}
	job.Status = models.CrawlJobStatusCancelled

	if job.TaskID != nil {
		// best effort; a running task notices through the status probe
		if err := r.tasks.Cancel(ctx, *job.TaskID); err != nil {
			r.log.Debug("task cancel skipped", zap.String("task_id", *job.TaskID), zap.Error(err))
		}
	}
	return job, nil
}

type candidateSpec struct {
	job        *models.WebsiteCrawlJobModel
	base       *url.URL
	depth      int
	maxDepth   int
	includeRaw []string
	excludeRaw []string
	include    []glob.Glob
	exclude    []glob.Glob
}

func (r *Runner) expandSpec(job *models.WebsiteCrawlJobModel, base *url.URL, depth, maxDepth int, includeRaw, excludeRaw []string) (candidateSpec, error) {
	include, err := compilePatterns(includeRaw)
	if err != nil {
		return candidateSpec{}, apperr.InvalidPayload("include patterns: %v", err)
	}
	exclude, err := compilePatterns(excludeRaw)
	if err != nil {
		return candidateSpec{}, apperr.InvalidPayload("exclude patterns: %v", err)
	}
	return candidateSpec{
		job:        job,
		base:       base,
		depth:      depth,
		maxDepth:   maxDepth,
		includeRaw: includeRaw,
		excludeRaw: excludeRaw,
		include:    include,
		exclude:    exclude,
	}, nil
}

// enqueueCandidates normalizes raw links, drops foreign origins and
// duplicates, applies the pattern chain, and creates+enqueues page rows for
// what survives. found counts unique same-origin candidates before patterns
// and dedup.
func (r *Runner) enqueueCandidates(ctx context.Context, spec candidateSpec, links []string) (found, added, skipped int) {
	seen := make(map[string]bool)
	for _, raw := range links {
		u, ok := NormalizeURL(spec.base, raw)
		if !ok || u.Host != spec.base.Host {
			continue
		}
		normalized := u.String()
		hash := HashURL(normalized)
		if seen[hash] {
			continue
		}
		seen[hash] = true
		found++

		if !matchesPatterns(normalized, spec.include, spec.exclude) {
			skipped++
			continue
		}

		var existing int64
		err := r.db.WithContext(ctx).Model(&models.WebsitePageModel{}).
			Scopes(models.ScopedBy(spec.job.ProjectID)).
			Where("collection_id = ? AND url_hash = ?", spec.job.CollectionID, hash).
			Count(&existing).Error
		if err != nil {
			r.log.Warn("candidate dedup lookup failed", zap.String("url", normalized), zap.Error(err))
			skipped++
			continue
		}
		if existing > 0 {
			skipped++
			continue
		}

		row := models.WebsitePageModel{
			ProjectScoped: models.ProjectScoped{ProjectID: spec.job.ProjectID},
			CrawlJobID:    spec.job.ID,
			CollectionID:  spec.job.CollectionID,
			URL:           normalized,
			URLHash:       hash,
			Depth:         spec.depth,
			Status:        models.WebsitePageStatusPending,
		}
		if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
			if !database.IsUniqueViolation(err) {
				r.log.Warn("candidate page insert failed", zap.String("url", normalized), zap.Error(err))
			}
			skipped++
			continue
		}

		payload := CrawlPageRequest{
			ProjectID:       spec.job.ProjectID,
			JobID:           spec.job.ID,
			PageID:          row.ID,
			MaxDepth:        spec.maxDepth,
			IncludePatterns: spec.includeRaw,
			ExcludePatterns: spec.excludeRaw,
		}
		if _, err := r.tasks.Enqueue(ctx, TaskCrawlPage, payload, TaskCrawlPage+":"+row.ID, spec.job.ProjectID); err != nil {
			r.log.Warn("candidate enqueue failed", zap.String("url", normalized), zap.Error(err))
			skipped++
			continue
		}
		added++
	}
	return found, added, skipped
}

func (r *Runner) loadPage(ctx context.Context, projectID, pageID string) (*models.WebsitePageModel, error) {
	var page models.WebsitePageModel
	err := r.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", pageID).
		First(&page).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("page %s not found", pageID)
		}
		return nil, err
	}
	return &page, nil
}

var crawlMarkdownParser parser.Parser = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
).Parser()

// markdownLinks walks the markdown AST for link and autolink destinations.
func markdownLinks(source []byte) []string {
	root := crawlMarkdownParser.Parse(gmtext.NewReader(source))
	var links []string
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Link:
			links = append(links, string(v.Destination))
		case *ast.AutoLink:
			links = append(links, string(v.URL(source)))
		}
		return ast.WalkContinue, nil
	})
	return links
}

// htmlLinks catches anchors that survived markdown conversion as raw HTML.
func htmlLinks(content string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			links = append(links, href)
		}
	})
	return links
}

func metadataLinks(meta models.JSONMap) []string {
	raw, ok := meta["links"]
	if !ok {
		return nil
	}
	switch vals := raw.(type) {
	case []string:
		return vals
	case []interface{}:
		links := make([]string, 0, len(vals))
		for _, v := range vals {
			if s, ok := v.(string); ok {
				links = append(links, s)
			}
		}
		return links
	}
	return nil
}
