// Package website is the HTTP-facing side of the crawl engine: job intake,
// status reads, cancellation, and the single-page operations. The crawling
// itself happens in the queue worker via the crawl runner.
package website

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/modules/processing/crawl"
	"github.com/echodesk/core/internal/pkg/apperr"
	"github.com/echodesk/core/internal/pkg/pagination"
	"github.com/echodesk/core/internal/pkg/response"
	"github.com/echodesk/core/internal/pkg/taskqueue"
)

const (
	defaultMaxPages = 50
	defaultMaxDepth = 2
)

type Service struct {
	db     *gorm.DB
	runner *crawl.Runner
	tasks  *taskqueue.Service
	log    *zap.Logger
}

func NewService(db *gorm.DB, runner *crawl.Runner, tasks *taskqueue.Service, log *zap.Logger) *Service {
	return &Service{db: db, runner: runner, tasks: tasks, log: log.Named("website")}
}

type StartCrawlInput struct {
	StartURL        string             `json:"start_url" binding:"required"`
	MaxPages        int                `json:"max_pages"`
	MaxDepth        int                `json:"max_depth"`
	IncludePatterns models.StringArray `json:"include_patterns"`
	ExcludePatterns models.StringArray `json:"exclude_patterns"`
	CrawlOptions    models.JSONMap     `json:"crawl_options"`
}

// StartCrawl creates a pending job and queues the crawl. The job row carries
// the task id so clients can follow the run through the tasks API.
func (s *Service) StartCrawl(ctx context.Context, projectID, collectionID string, in StartCrawlInput) (*models.WebsiteCrawlJobModel, error) {
	start, ok := crawl.NormalizeURL(nil, in.StartURL)
	if !ok {
		return nil, apperr.InvalidPayload("start_url %q is not a crawlable http(s) URL", in.StartURL)
	}
	if err := crawl.ValidatePatterns(in.IncludePatterns); err != nil {
		return nil, apperr.InvalidPayload("include_patterns: %v", err)
	}
	if err := crawl.ValidatePatterns(in.ExcludePatterns); err != nil {
		return nil, apperr.InvalidPayload("exclude_patterns: %v", err)
	}
	if err := s.checkCollection(ctx, projectID, collectionID); err != nil {
		return nil, err
	}

	maxPages := in.MaxPages
	if maxPages < 1 {
		maxPages = defaultMaxPages
	}
	maxDepth := in.MaxDepth
	if maxDepth < 0 {
		maxDepth = defaultMaxDepth
	}

	job := &models.WebsiteCrawlJobModel{
		ProjectScoped:   models.ProjectScoped{ProjectID: projectID},
		CollectionID:    collectionID,
		StartURL:        start.String(),
		MaxPages:        maxPages,
		MaxDepth:        maxDepth,
		IncludePatterns: in.IncludePatterns,
		ExcludePatterns: in.ExcludePatterns,
		Status:          models.CrawlJobStatusPending,
		CrawlOptions:    in.CrawlOptions,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}

	task, err := s.tasks.Enqueue(ctx, crawl.TaskRunCrawl,
		crawl.RunCrawlRequest{ProjectID: projectID, JobID: job.ID},
		crawl.TaskRunCrawl+":"+job.ID, projectID)
	if err != nil {
		s.markJobFailed(ctx, job.ID, "queue crawl: "+err.Error())
		return nil, apperr.Wrap(err, apperr.KindInternal, "queue crawl for job %s", job.ID)
	}

	err = s.db.WithContext(ctx).Model(&models.WebsiteCrawlJobModel{}).
		Where("id = ?", job.ID).
		Update("task_id", task.ID).Error
	if err != nil {
		s.log.Warn("task id backfill failed", zap.String("job_id", job.ID), zap.Error(err))
	} else {
		job.TaskID = &task.ID
	}
	return job, nil
}

// GetJob loads one crawl job with its live counters.
func (s *Service) GetJob(ctx context.Context, projectID, jobID string) (*models.WebsiteCrawlJobModel, error) {
	var job models.WebsiteCrawlJobModel
	err := s.db.WithContext(ctx).
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

// Cancel delegates to the runner, which owns the status transition rules.
func (s *Service) Cancel(ctx context.Context, projectID, jobID string) (*models.WebsiteCrawlJobModel, error) {
	return s.runner.CancelJob(ctx, projectID, jobID)
}

// AddPage queues one extra URL on an existing job at depth 0.
func (s *Service) AddPage(ctx context.Context, projectID, jobID, rawURL string) (*models.WebsitePageModel, bool, error) {
	return s.runner.AddPage(ctx, projectID, jobID, rawURL)
}

// CrawlDeeper expands outward from an already-crawled page.
func (s *Service) CrawlDeeper(ctx context.Context, projectID, pageID string, req crawl.CrawlDeeperRequest) (*crawl.CrawlDeeperResult, error) {
	return s.runner.CrawlDeeper(ctx, projectID, pageID, req)
}

// ListPages returns a job's pages shallow-first, oldest within a depth.
func (s *Service) ListPages(ctx context.Context, projectID, jobID, status string, q pagination.Query) ([]models.WebsitePageModel, response.Pagination, error) {
	if _, err := s.GetJob(ctx, projectID, jobID); err != nil {
		return nil, response.Pagination{}, err
	}

	db := s.db.WithContext(ctx).Model(&models.WebsitePageModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("crawl_job_id = ?", jobID)
	if status != "" {
		db = db.Where("status = ?", status)
	}
	db = db.Order("depth ASC, created_at ASC")

	var rows []models.WebsitePageModel
	page, err := pagination.Paginate(db, q, &rows)
	if err != nil {
		return nil, response.Pagination{}, err
	}
	return rows, page, nil
}

func (s *Service) checkCollection(ctx context.Context, projectID, collectionID string) error {
	if collectionID == "" {
		return apperr.InvalidPayload("collection_id is required")
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&models.CollectionModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", collectionID).
		Count(&n).Error
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("collection %s not found", collectionID)
	}
	return nil
}

func (s *Service) markJobFailed(ctx context.Context, jobID, msg string) {
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&models.WebsiteCrawlJobModel{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":        models.CrawlJobStatusFailed,
			"error_message": msg,
		}).Error
	if err != nil {
		s.log.Error("mark crawl job failed errored", zap.String("job_id", jobID), zap.Error(err))
	}
}
