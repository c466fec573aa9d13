// Package platform manages the configured inbound channels and owns the
// shared webhook endpoint that feeds the inbox. API keys are minted server
// side; the callback URL is the only place they appear.
package platform

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
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
	return &Service{db: db, log: log.Named("platform")}
}

type CreateInput struct {
	Type                models.PlatformType `json:"type" binding:"required"`
	Name                string              `json:"name" binding:"required"`
	Config              models.JSONMap      `json:"config"`
	AIMode              string              `json:"ai_mode"`
	AgentIDs            models.StringArray  `json:"agent_ids"`
	FallbackToAITimeout *int                `json:"fallback_to_ai_timeout"`
}

func (s *Service) Create(ctx context.Context, projectID string, in CreateInput) (*models.PlatformModel, error) {
	if !in.Type.Valid() {
		return nil, apperr.InvalidPayload("unknown platform type %q", in.Type)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.InvalidPayload("name is required")
	}
	aiMode, err := normalizeAIMode(in.AIMode)
	if err != nil {
		return nil, err
	}

	row := &models.PlatformModel{
		ProjectScoped:       models.ProjectScoped{ProjectID: projectID},
		Type:                in.Type,
		Name:                name,
		APIKey:              uuid.New().String(),
		Config:              in.Config,
		IsActive:            true,
		AIMode:              aiMode,
		AgentIDs:            in.AgentIDs,
		FallbackToAITimeout: in.FallbackToAITimeout,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	s.log.Info("platform created",
		zap.String("platform_id", row.ID),
		zap.String("type", string(row.Type)),
		zap.String("project_id", projectID))
	return row, nil
}

func (s *Service) List(ctx context.Context, projectID string, q pagination.Query) ([]models.PlatformModel, response.Pagination, error) {
	db := s.db.WithContext(ctx).Model(&models.PlatformModel{}).
		Scopes(models.ScopedBy(projectID)).
		Order("created_at DESC")

	var rows []models.PlatformModel
	page, err := pagination.Paginate(db, q, &rows)
	return rows, page, err
}

func (s *Service) Get(ctx context.Context, projectID, id string) (*models.PlatformModel, error) {
	return s.load(ctx, projectID, id)
}

type UpdateInput struct {
	Name                *string             `json:"name"`
	Config              models.JSONMap      `json:"config"`
	IsActive            *bool               `json:"is_active"`
	AIMode              *string             `json:"ai_mode"`
	AgentIDs            *models.StringArray `json:"agent_ids"`
	LogoPath            *string             `json:"logo_path"`
	FallbackToAITimeout *int                `json:"fallback_to_ai_timeout"`
}

func (s *Service) Update(ctx context.Context, projectID, id string, in UpdateInput) (*models.PlatformModel, error) {
	row, err := s.load(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, apperr.InvalidPayload("name cannot be empty")
		}
		updates["name"] = name
		row.Name = name
	}
	if in.Config != nil {
		updates["config"] = in.Config
		row.Config = in.Config
	}
	if in.IsActive != nil {
		updates["is_active"] = *in.IsActive
		row.IsActive = *in.IsActive
	}
	if in.AIMode != nil {
		aiMode, err := normalizeAIMode(*in.AIMode)
		if err != nil {
			return nil, err
		}
		updates["ai_mode"] = aiMode
		row.AIMode = aiMode
	}
	if in.AgentIDs != nil {
		updates["agent_ids"] = *in.AgentIDs
		row.AgentIDs = *in.AgentIDs
	}
	if in.LogoPath != nil {
		updates["logo_path"] = *in.LogoPath
		row.LogoPath = in.LogoPath
	}
	if in.FallbackToAITimeout != nil {
		updates["fallback_to_ai_timeout"] = *in.FallbackToAITimeout
		row.FallbackToAITimeout = in.FallbackToAITimeout
	}
	if len(updates) == 0 {
		return row, nil
	}

	if err := s.db.WithContext(ctx).Model(row).Updates(updates).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) Delete(ctx context.Context, projectID, id string) error {
	row, err := s.load(ctx, projectID, id)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(row).Error
}

// FindByAPIKey resolves a callback address. The lookup is deliberately not
// project scoped: the webhook caller knows only the key, and the platform
// row itself carries the tenant.
func (s *Service) FindByAPIKey(ctx context.Context, apiKey string) (*models.PlatformModel, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apperr.NotFound("platform not found")
	}
	var row models.PlatformModel
	err := s.db.WithContext(ctx).
		Where("api_key = ? AND is_active = ?", apiKey, true).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("platform not found")
		}
		return nil, err
	}
	return &row, nil
}

// FindActiveByType returns the first active platform of the given type.
// The WuKongIM substrate webhook is configured globally and carries no API
// key, so its deliveries resolve by type.
func (s *Service) FindActiveByType(ctx context.Context, t models.PlatformType) (*models.PlatformModel, error) {
	var row models.PlatformModel
	err := s.db.WithContext(ctx).
		Where("type = ? AND is_active = ?", t, true).
		Order("created_at ASC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("no active %s platform", t)
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) load(ctx context.Context, projectID, id string) (*models.PlatformModel, error) {
	var row models.PlatformModel
	err := s.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("platform %s not found", id)
		}
		return nil, err
	}
	return &row, nil
}

func normalizeAIMode(mode string) (string, error) {
	mode = strings.TrimSpace(strings.ToLower(mode))
	switch mode {
	case "":
		return models.AIModeAuto, nil
	case models.AIModeAuto, models.AIModeOff:
		return mode, nil
	}
	return "", apperr.InvalidPayload("ai_mode must be auto or off")
}
