package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/database"
	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/modules/processing/document"
	"github.com/echodesk/core/internal/pkg/alert"
	"github.com/echodesk/core/internal/pkg/apperr"
	"github.com/echodesk/core/internal/pkg/storage"
	"github.com/echodesk/core/internal/pkg/taskqueue"
)

// Queue topics owned by the crawl engine.
const (
	TaskRunCrawl  = "crawl.run"
	TaskCrawlPage = "crawl.page"
)

const (
	defaultConcurrency = 4
	maxErrorMessage    = 2000
)

// Runner executes crawl jobs and the single-page operations hanging off them.
type Runner struct {
	db     *gorm.DB
	files  storage.Provider
	tasks  *taskqueue.Service
	alerts *alert.Service
	log    *zap.Logger
}

func NewRunner(db *gorm.DB, files storage.Provider, tasks *taskqueue.Service, alerts *alert.Service, log *zap.Logger) *Runner {
	return &Runner{
		db:     db,
		files:  files,
		tasks:  tasks,
		alerts: alerts,
		log:    log.Named("crawl"),
	}
}

// RegisterTasks binds the crawl topics.
func (r *Runner) RegisterTasks(tq *taskqueue.Service) {
	tq.Register(TaskRunCrawl, r.handleRunTask)
	tq.Register(TaskCrawlPage, r.handlePageTask)
}

// RunCrawlRequest is the queue payload for a whole-job crawl.
type RunCrawlRequest struct {
	ProjectID string `json:"project_id"`
	JobID     string `json:"job_id"`
}

// JobStats is persisted as the crawl task result.
type JobStats struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	PagesDiscovered int    `json:"pages_discovered"`
	PagesCrawled    int    `json:"pages_crawled"`
	PagesProcessed  int    `json:"pages_processed"`
	PagesFailed     int    `json:"pages_failed"`
}

func (r *Runner) handleRunTask(ctx context.Context, task *taskqueue.Task) (interface{}, error) {
	var req RunCrawlRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode crawl payload: %w", err)
	}
	if req.ProjectID == "" || req.JobID == "" {
		return nil, errors.New("crawl payload missing project_id or job_id")
	}
	return r.RunJob(ctx, req)
}

// RunJob drives one breadth-first crawl to a terminal job state. Replaying a
// finished job is a no-op returning its recorded stats.
func (r *Runner) RunJob(ctx context.Context, req RunCrawlRequest) (*JobStats, error) {
	job, err := r.loadJob(ctx, req.ProjectID, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		r.log.Info("crawl job already terminal, skipping",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return r.stats(ctx, job)
	}

	if job.Status == models.CrawlJobStatusPending {
		if err := r.setJobStatus(ctx, job, models.CrawlJobStatusCrawling); err != nil {
			return nil, err
		}
	}

	opts := readOptions(job.CrawlOptions)
	crawler := NewCrawler(NewFetcher(opts.requestsPerSecond), r.log)
	params := Params{
		StartURL:        job.StartURL,
		MaxDepth:        job.MaxDepth,
		MaxPages:        job.MaxPages,
		IncludePatterns: job.IncludePatterns,
		ExcludePatterns: job.ExcludePatterns,
		Concurrency:     opts.concurrency,
	}

	hooks := Hooks{
		OnPage: func(ctx context.Context, page *PageResult, fetchErr error) error {
			r.persistPage(ctx, job, page, fetchErr, opts.qaMode)
			return nil
		},
		OnDiscovered: func(n int) {
			r.bumpCounter(ctx, job.ID, "pages_discovered", n)
		},
		Stopped: func(ctx context.Context) bool {
			return r.jobStopped(ctx, job.ID)
		},
	}

	if err := crawler.Run(ctx, params, hooks); err != nil {
		r.failJob(ctx, job, err)
		return nil, err
	}

	// completed only wins over a still-crawling row; a cancel that landed
	// mid-walk stays cancelled
	err = r.db.WithContext(ctx).Model(&models.WebsiteCrawlJobModel{}).
		Where("id = ? AND status = ?", job.ID, models.CrawlJobStatusCrawling).
		Update("status", models.CrawlJobStatusCompleted).Error
	if err != nil {
		return nil, err
	}
	return r.stats(ctx, job)
}

// persistPage writes one fetch outcome as a page row, synthesizes the file,
// and hands it to the document pipeline. Per-page failures are recorded and
// counted, never escalated.
func (r *Runner) persistPage(ctx context.Context, job *models.WebsiteCrawlJobModel, page *PageResult, fetchErr error, qaMode bool) {
	log := r.log.With(zap.String("job_id", job.ID), zap.String("url", page.URL))

	// a non-terminal row from another job in the same collection wins
	var existing int64
	err := r.db.WithContext(ctx).Model(&models.WebsitePageModel{}).
		Scopes(models.ScopedBy(job.ProjectID)).
		Where("collection_id = ? AND url_hash = ? AND status NOT IN ?",
			job.CollectionID, page.URLHash,
			[]models.WebsitePageStatus{models.WebsitePageStatusProcessed, models.WebsitePageStatusFailed}).
		Count(&existing).Error
	if err != nil {
		log.Warn("page dedup lookup failed", zap.Error(err))
	}
	if existing > 0 {
		log.Debug("page already tracked in collection, skipping")
		return
	}

	row := models.WebsitePageModel{
		ProjectScoped: models.ProjectScoped{ProjectID: job.ProjectID},
		CrawlJobID:    job.ID,
		CollectionID:  job.CollectionID,
		URL:           page.URL,
		URLHash:       page.URLHash,
		Depth:         page.Depth,
		ContentLength: page.ContentLength,
		PageMetadata:  page.Metadata,
		Status:        models.WebsitePageStatusFetched,
	}
	if page.Title != "" {
		row.Title = &page.Title
	}
	if page.MetaDescription != "" {
		row.MetaDescription = &page.MetaDescription
	}
	if page.HTTPStatusCode != 0 {
		code := page.HTTPStatusCode
		row.HTTPStatusCode = &code
	}
	if page.ContentLength > 0 {
		row.ContentMarkdown = &page.ContentMarkdown
		hash := page.ContentHash
		row.ContentHash = &hash
	}
	if fetchErr != nil {
		row.Status = models.WebsitePageStatusFailed
		msg := truncateMessage(fetchErr.Error())
		row.ErrorMessage = &msg
	} else if page.ContentLength == 0 {
		row.Status = models.WebsitePageStatusFailed
		msg := "no content extracted"
		row.ErrorMessage = &msg
	}

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if database.IsUniqueViolation(err) {
			log.Debug("page row already exists for this job, skipping")
			return
		}
		log.Error("page row insert failed", zap.Error(err))
		return
	}

	r.bumpCounter(ctx, job.ID, "pages_crawled", 1)
	if row.Status == models.WebsitePageStatusFailed {
		r.bumpCounter(ctx, job.ID, "pages_failed", 1)
		return
	}

	if err := r.processFetched(ctx, job, &row, page.ContentMarkdown, qaMode); err != nil {
		log.Warn("page handoff to pipeline failed", zap.Error(err))
		r.markPageFailed(ctx, job.ProjectID, row.ID, err)
		r.bumpCounter(ctx, job.ID, "pages_failed", 1)
		return
	}
	r.bumpCounter(ctx, job.ID, "pages_processed", 1)
}

// processFetched stores the markdown, creates the synthetic file row pointing
// back at the page, and enqueues document processing.
func (r *Runner) processFetched(ctx context.Context, job *models.WebsiteCrawlJobModel, page *models.WebsitePageModel, markdown string, qaMode bool) error {
	fileID := uuid.New().String()
	filename := pageFilename(page)
	key := storage.ObjectKey(job.ProjectID, fileID, filename)

	if err := r.files.Save(ctx, key, []byte(markdown), "text/markdown"); err != nil {
		return fmt.Errorf("store markdown: %w", err)
	}

	file := models.FileModel{
		Base:             models.Base{ID: fileID},
		ProjectScoped:    models.ProjectScoped{ProjectID: job.ProjectID},
		CollectionID:     &job.CollectionID,
		OriginalFilename: filename,
		Size:             int64(len(markdown)),
		ContentType:      "text/markdown",
		StorageProvider:  r.files.Kind(),
		StoragePath:      key,
		StorageMetadata: models.JSONMap{
			"source_url": page.URL,
			"page_id":    page.ID,
		},
		Status: models.FileStatusPending,
	}
	if err := r.db.WithContext(ctx).Create(&file).Error; err != nil {
		return fmt.Errorf("create file row: %w", err)
	}

	err := r.db.WithContext(ctx).Model(&models.WebsitePageModel{}).
		Scopes(models.ScopedBy(job.ProjectID)).
		Where("id = ?", page.ID).
		Updates(map[string]interface{}{
			"file_id": fileID,
			"status":  models.WebsitePageStatusExtracted,
		}).Error
	if err != nil {
		return fmt.Errorf("link page to file: %w", err)
	}

	payload := document.ProcessFileRequest{
		ProjectID:    job.ProjectID,
		FileID:       fileID,
		CollectionID: job.CollectionID,
		QAMode:       qaMode,
	}
	_, err = r.tasks.Enqueue(ctx, document.TaskProcessFile, payload,
		document.TaskProcessFile+":"+fileID, job.ProjectID)
	if err != nil {
		return fmt.Errorf("enqueue document processing: %w", err)
	}
	return nil
}

func (r *Runner) loadJob(ctx context.Context, projectID, jobID string) (*models.WebsiteCrawlJobModel, error) {
	var job models.WebsiteCrawlJobModel
	err := r.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", jobID).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("crawl job %s not found", jobID)
		}
		return nil, err
	}
	return &job, nil
}

func (r *Runner) setJobStatus(ctx context.Context, job *models.WebsiteCrawlJobModel, status models.CrawlJobStatus) error {
	return r.db.WithContext(ctx).Model(&models.WebsiteCrawlJobModel{}).
		Where("id = ?", job.ID).
		Update("status", status).Error
}

// failJob records a fatal crawl error unless the job was cancelled first.
func (r *Runner) failJob(ctx context.Context, job *models.WebsiteCrawlJobModel, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := truncateMessage(cause.Error())
	err := r.db.WithContext(ctx).Model(&models.WebsiteCrawlJobModel{}).
		Where("id = ? AND status NOT IN ?", job.ID,
			[]models.CrawlJobStatus{models.CrawlJobStatusCancelled, models.CrawlJobStatusCompleted}).
		Updates(map[string]interface{}{
			"status":        models.CrawlJobStatusFailed,
			"error_message": msg,
		}).Error
	if err != nil {
		r.log.Error("mark crawl job failed errored", zap.String("job_id", job.ID), zap.Error(err))
	}
	r.log.Warn("crawl job failed", zap.String("job_id", job.ID), zap.Error(cause))
	r.alerts.CrawlFailurePush(job.ProjectID, job.ID, msg)
}

// jobStopped is the cancellation probe polled between fetches.
func (r *Runner) jobStopped(ctx context.Context, jobID string) bool {
	var status models.CrawlJobStatus
	err := r.db.WithContext(ctx).Model(&models.WebsiteCrawlJobModel{}).
		Where("id = ?", jobID).
		Pluck("status", &status).Error
	if err != nil {
		r.log.Warn("cancellation probe failed", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return status == models.CrawlJobStatusCancelled
}

func (r *Runner) bumpCounter(ctx context.Context, jobID, column string, n int) {
	if n == 0 {
		return
	}
	err := r.db.WithContext(context.WithoutCancel(ctx)).Model(&models.WebsiteCrawlJobModel{}).
		Where("id = ?", jobID).
		UpdateColumn(column, gorm.Expr(column+" + ?", n)).Error
	if err != nil {
		r.log.Warn("counter update failed",
			zap.String("job_id", jobID), zap.String("column", column), zap.Error(err))
	}
}

func (r *Runner) markPageFailed(ctx context.Context, projectID, pageID string, cause error) {
	msg := truncateMessage(cause.Error())
	err := r.db.WithContext(context.WithoutCancel(ctx)).Model(&models.WebsitePageModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", pageID).
		Updates(map[string]interface{}{
			"status":        models.WebsitePageStatusFailed,
			"error_message": msg,
		}).Error
	if err != nil {
		r.log.Warn("mark page failed errored", zap.String("page_id", pageID), zap.Error(err))
	}
}

func (r *Runner) stats(ctx context.Context, job *models.WebsiteCrawlJobModel) (*JobStats, error) {
	fresh, err := r.loadJob(ctx, job.ProjectID, job.ID)
	if err != nil {
		return nil, err
	}
	return &JobStats{
		JobID:           fresh.ID,
		Status:          string(fresh.Status),
		PagesDiscovered: fresh.PagesDiscovered,
		PagesCrawled:    fresh.PagesCrawled,
		PagesProcessed:  fresh.PagesProcessed,
		PagesFailed:     fresh.PagesFailed,
	}, nil
}

// crawlOptions are the tunables carried in the job's crawl_options blob.
type crawlOptions struct {
	requestsPerSecond float64
	concurrency       int
	qaMode            bool
}

func readOptions(raw models.JSONMap) crawlOptions {
	opts := crawlOptions{
		requestsPerSecond: defaultRPS,
		concurrency:       defaultConcurrency,
	}
	if raw == nil {
		return opts
	}
	if v, ok := raw["requests_per_second"].(float64); ok && v > 0 {
		opts.requestsPerSecond = v
	}
	if v, ok := raw["concurrency"].(float64); ok && v >= 1 {
		opts.concurrency = int(v)
	}
	if v, ok := raw["qa_mode"].(bool); ok {
		opts.qaMode = v
	}
	return opts
}

// pageFilename derives the stored object name from the page title, falling
// back to the URL hash.
func pageFilename(page *models.WebsitePageModel) string {
	name := ""
	if page.Title != nil {
		name = slugify(*page.Title)
	}
	if name == "" {
		name = page.URLHash[:12]
	}
	return name + ".md"
}

func slugify(s string) string {
	var b []rune
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b = append(b, r)
		case r >= 'A' && r <= 'Z':
			b = append(b, r+('a'-'A'))
		case r == ' ' || r == '-' || r == '_':
			if len(b) > 0 && b[len(b)-1] != '-' {
				b = append(b, '-')
			}
		}
		if len(b) >= 48 {
			break
		}
	}
	for len(b) > 0 && b[len(b)-1] == '-' {
		b = b[:len(b)-1]
	}
	return string(b)
}

func truncateMessage(msg string) string {
	if len(msg) > maxErrorMessage {
		return msg[:maxErrorMessage]
	}
	return msg
}
