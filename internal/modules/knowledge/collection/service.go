// Package collection manages the retrieval-scoping units files, crawled
// pages, and QA pairs attach to. Deleting a collection is a soft delete of
// the collection row only; attached content keeps its rows and stops being
// reachable through collection-scoped listings.
package collection

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/apperr"
	"github.com/echodesk/core/internal/pkg/pagination"
	"github.com/echodesk/core/internal/pkg/response"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(db *gorm.DB, log *zap.Logger) *Service {
	return &Service{db: db, log: log.Named("collection")}
}

// View decorates a collection row with usage counts for list and detail
// responses. DocumentCount is only populated on detail reads.
type View struct {
	models.CollectionModel
	FileCount     int64  `json:"file_count"`
	DocumentCount *int64 `json:"document_count,omitempty"`
}

type CreateInput struct {
	DisplayName    string                `json:"display_name"    binding:"required"`
	CollectionType models.CollectionType `json:"collection_type" binding:"required"`
	Description    string                `json:"description"`
	Metadata       models.JSONMap        `json:"metadata"`
	Tags           models.StringArray    `json:"tags"`
	CrawlConfig    models.JSONMap        `json:"crawl_config"`
}

// Create validates and persists a new collection. crawl_config is only
// meaningful for website collections and is rejected elsewhere.
func (s *Service) Create(ctx context.Context, projectID string, in CreateInput) (*models.CollectionModel, error) {
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if in.DisplayName == "" {
		return nil, apperr.InvalidPayload("display_name is required")
	}
	if !in.CollectionType.Valid() {
		return nil, apperr.InvalidPayload("unknown collection_type %q", in.CollectionType)
	}
	if len(in.CrawlConfig) > 0 && in.CollectionType != models.CollectionTypeWebsite {
		return nil, apperr.InvalidPayload("crawl_config is only valid for website collections")
	}

	row := &models.CollectionModel{
		ProjectScoped: models.ProjectScoped{ProjectID: projectID},
		Type:          in.CollectionType,
		DisplayName:   in.DisplayName,
		Description:   strings.TrimSpace(in.Description),
		Metadata:      in.Metadata,
		Tags:          in.Tags,
		CrawlConfig:   in.CrawlConfig,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// List returns the project's collections newest-first, each with its live
// file count.
func (s *Service) List(ctx context.Context, projectID string, q pagination.Query) ([]View, response.Pagination, error) {
	db := s.db.WithContext(ctx).Model(&models.CollectionModel{}).
		Scopes(models.ScopedBy(projectID)).
		Order("created_at DESC")

	var rows []models.CollectionModel
	page, err := pagination.Paginate(db, q, &rows)
	if err != nil {
		return nil, response.Pagination{}, err
	}

	counts, err := s.fileCounts(ctx, projectID, collectionIDs(rows))
	if err != nil {
		return nil, response.Pagination{}, err
	}

	views := make([]View, 0, len(rows))
	for _, row := range rows {
		views = append(views, View{CollectionModel: row, FileCount: counts[row.ID]})
	}
	return views, page, nil
}

// Get loads one collection with both its file and document counts.
func (s *Service) Get(ctx context.Context, projectID, id string) (*View, error) {
	row, err := s.load(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	counts, err := s.fileCounts(ctx, projectID, []string{id})
	if err != nil {
		return nil, err
	}

	var docCount int64
	err = s.db.WithContext(ctx).Model(&models.FileDocumentModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("collection_id = ?", id).
		Count(&docCount).Error
	if err != nil {
		return nil, err
	}

	return &View{CollectionModel: *row, FileCount: counts[id], DocumentCount: &docCount}, nil
}

type UpdateInput struct {
	DisplayName *string             `json:"display_name"`
	Description *string             `json:"description"`
	Metadata    models.JSONMap      `json:"metadata"`
	Tags        *models.StringArray `json:"tags"`
	CrawlConfig models.JSONMap      `json:"crawl_config"`
}

// Update edits mutable collection fields. The type is fixed at creation:
// content already ingested under one type cannot be reinterpreted.
func (s *Service) Update(ctx context.Context, projectID, id string, in UpdateInput) (*models.CollectionModel, error) {
	row, err := s.load(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.DisplayName != nil {
		name := strings.TrimSpace(*in.DisplayName)
		if name == "" {
			return nil, apperr.InvalidPayload("display_name cannot be empty")
		}
		updates["display_name"] = name
		row.DisplayName = name
	}
	if in.Description != nil {
		desc := strings.TrimSpace(*in.Description)
		updates["description"] = desc
		row.Description = desc
	}
	if in.Metadata != nil {
		updates["metadata"] = in.Metadata
		row.Metadata = in.Metadata
	}
	if in.Tags != nil {
		updates["tags"] = *in.Tags
		row.Tags = *in.Tags
	}
	if in.CrawlConfig != nil {
		if row.Type != models.CollectionTypeWebsite {
			return nil, apperr.InvalidPayload("crawl_config is only valid for website collections")
		}
		updates["crawl_config"] = in.CrawlConfig
		row.CrawlConfig = in.CrawlConfig
	}
	if len(updates) == 0 {
		return row, nil
	}

	err = s.db.WithContext(ctx).Model(&models.CollectionModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Delete soft-deletes the collection row. Attached files, pages, and QA
// pairs are kept; they become unreachable through collection listings and
// can still be cleaned up individually.
func (s *Service) Delete(ctx context.Context, projectID, id string) error {
	if _, err := s.load(ctx, projectID, id); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", id).
		Delete(&models.CollectionModel{}).Error
}

func (s *Service) load(ctx context.Context, projectID, id string) (*models.CollectionModel, error) {
	var row models.CollectionModel
	err := s.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("collection %s not found", id)
		}
		return nil, err
	}
	return &row, nil
}

// fileCounts returns live (not soft-deleted) file counts per collection id.
func (s *Service) fileCounts(ctx context.Context, projectID string, ids []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}

	type countRow struct {
		CollectionID string
		N            int64
	}
	var rows []countRow
	err := s.db.WithContext(ctx).Model(&models.FileModel{}).
		Select("collection_id, COUNT(*) AS n").
		Scopes(models.ScopedBy(projectID)).
		Where("collection_id IN ?", ids).
		Group("collection_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		counts[r.CollectionID] = r.N
	}
	return counts, nil
}

func collectionIDs(rows []models.CollectionModel) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids
}
