package qa

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/pagination"
	"github.com/echodesk/core/internal/pkg/response"
)

type Handler struct {
	db  *gorm.DB
	svc *Service
}

func NewHandler(db *gorm.DB, svc *Service) *Handler {
	return &Handler{db: db, svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/collections/:id/qa-pairs", authMW)
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:qa_id", h.detail)
	g.PUT("/:qa_id", h.update)
	g.DELETE("/:qa_id", h.remove)
	g.POST("/batch", h.batchCreate)
	g.POST("/import", h.importPairs)
}

func requireProject(c *gin.Context) (string, bool) {
	projectID := strings.TrimSpace(c.Query("project_id"))
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return "", false
	}
	return projectID, true
}

func (h *Handler) create(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	var in CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	row, err := h.svc.Create(c.Request.Context(), projectID, c.Param("id"), in)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Created(c, row)
}

func (h *Handler) list(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	q := pagination.FromContext(c)

	db := h.db.WithContext(c.Request.Context()).Model(&models.QAPairModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("collection_id = ?", c.Param("id"))
	if status := c.Query("status"); status != "" {
		db = db.Where("status = ?", status)
	}
	db = db.Order("created_at DESC")

	var rows []models.QAPairModel
	page, err := pagination.Paginate(db, q, &rows)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Paged(c, rows, page)
}

func (h *Handler) detail(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	var row models.QAPairModel
	err := h.db.WithContext(c.Request.Context()).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ? AND collection_id = ?", c.Param("qa_id"), c.Param("id")).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFoundMsg(c, "qa pair not found")
			return
		}
		response.Fail(c, err)
		return
	}
	response.OK(c, row)
}

func (h *Handler) update(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	var in UpdateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	row, err := h.svc.Update(c.Request.Context(), projectID, c.Param("id"), c.Param("qa_id"), in)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, row)
}

func (h *Handler) remove(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), projectID, c.Param("id"), c.Param("qa_id")); err != nil {
		response.Fail(c, err)
		return
	}
	response.NoContent(c)
}

type batchBody struct {
	Items []CreateInput `json:"items" binding:"required"`
}

func (h *Handler) batchCreate(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	var body batchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	result, err := h.svc.CreateMany(c.Request.Context(), projectID, c.Param("id"), body.Items)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, result)
}

// importPairs accepts either a JSON body ({items: [...]}) or a multipart
// upload of a .json/.csv file, capped at 1000 rows either way.
func (h *Handler) importPairs(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}

	var (
		items []CreateInput
		err   error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		items, err = readImportFile(c)
	} else {
		var body batchBody
		if bindErr := c.ShouldBindJSON(&body); bindErr != nil {
			response.BadRequest(c, "invalid json body")
			return
		}
		items = body.Items
	}
	if err != nil {
		response.Fail(c, err)
		return
	}

	result, err := h.svc.CreateMany(c.Request.Context(), projectID, c.Param("id"), items)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, result)
}
