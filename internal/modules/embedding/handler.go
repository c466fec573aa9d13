package embedding

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/response"
)

type Handler struct {
	db       *gorm.DB
	resolver *Resolver
}

func NewHandler(db *gorm.DB, resolver *Resolver) *Handler {
	return &Handler{db: db, resolver: resolver}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/embedding-configs", authMW)
	g.POST("/batch-sync", h.batchSync)
	g.GET("/:project_id", h.getByProject)
}

type batchSyncItem struct {
	ProjectID  string  `json:"project_id" binding:"required"`
	Provider   string  `json:"provider"   binding:"required"`
	Model      string  `json:"model"      binding:"required"`
	Dimensions int     `json:"dimensions"`
	BatchSize  int     `json:"batch_size"`
	APIKey     string  `json:"api_key"    binding:"required"`
	BaseURL    *string `json:"base_url"`
}

// batchSync replaces the active embedding config for each listed project.
// The whole batch is validated before any row changes; one bad item rejects
// the request.
func (h *Handler) batchSync(c *gin.Context) {
	var items []batchSyncItem
	if err := c.ShouldBindJSON(&items); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	if len(items) == 0 {
		response.BadRequest(c, "empty config list")
		return
	}

	for i := range items {
		if msg := validateSyncItem(&items[i]); msg != "" {
			response.UnprocessableEntity(c, fmt.Sprintf("config[%d]: %s", i, msg))
			return
		}
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		for _, item := range items {
			if err := tx.Model(&models.EmbeddingConfigModel{}).
				Scopes(models.ScopedBy(item.ProjectID)).
				Where("is_active = ?", true).
				Update("is_active", false).Error; err != nil {
				return err
			}

			row := models.EmbeddingConfigModel{
				ProjectScoped: models.ProjectScoped{ProjectID: item.ProjectID},
				Provider:      item.Provider,
				Model:         item.Model,
				Dimensions:    item.Dimensions,
				BatchSize:     item.BatchSize,
				APIKey:        item.APIKey,
				BaseURL:       item.BaseURL,
				IsActive:      true,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		response.Fail(c, err)
		return
	}

	for _, item := range items {
		h.resolver.Invalidate(item.ProjectID)
	}

	response.OK(c, gin.H{"synced": len(items)})
}

// validateSyncItem normalizes an item in place and returns a non-empty
// message when it is unacceptable.
func validateSyncItem(item *batchSyncItem) string {
	item.Provider = strings.ToLower(strings.TrimSpace(item.Provider))
	item.Model = strings.TrimSpace(item.Model)

	if !models.ValidEmbeddingProvider(item.Provider) {
		return fmt.Sprintf("unsupported provider %q", item.Provider)
	}
	if item.Dimensions == 0 {
		item.Dimensions = models.RequiredEmbeddingDimensions
	}
	if item.Dimensions != models.RequiredEmbeddingDimensions {
		return fmt.Sprintf("dimensions must be %d, got %d", models.RequiredEmbeddingDimensions, item.Dimensions)
	}
	if item.BatchSize <= 0 {
		item.BatchSize = 16
	}
	if item.Provider == models.EmbeddingProviderQwen3 && item.BatchSize > models.Qwen3MaxBatchSize {
		item.BatchSize = models.Qwen3MaxBatchSize
	}
	return ""
}

func (h *Handler) getByProject(c *gin.Context) {
	projectID := c.Param("project_id")

	var cfg models.EmbeddingConfigModel
	err := h.db.WithContext(c.Request.Context()).
		Scopes(models.ScopedBy(projectID)).
		Where("is_active = ?", true).
		First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFoundMsg(c, "no active embedding config for project")
			return
		}
		response.Fail(c, err)
		return
	}

	response.OK(c, cfg)
}
