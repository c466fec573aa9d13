package collection

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/echodesk/core/internal/pkg/pagination"
	"github.com/echodesk/core/internal/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/collections", authMW)
	g.GET("", h.list)
	g.POST("", h.create)
	g.GET("/:id", h.detail)
	g.PUT("/:id", h.update)
	g.DELETE("/:id", h.remove)
}

func requireProject(c *gin.Context) (string, bool) {
	projectID := strings.TrimSpace(c.Query("project_id"))
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return "", false
	}
	return projectID, true
}

func (h *Handler) list(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	views, page, err := h.svc.List(c.Request.Context(), projectID, pagination.FromContext(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Paged(c, views, page)
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
	row, err := h.svc.Create(c.Request.Context(), projectID, in)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Created(c, row)
}

func (h *Handler) detail(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	view, err := h.svc.Get(c.Request.Context(), projectID, c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, view)
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
	row, err := h.svc.Update(c.Request.Context(), projectID, c.Param("id"), in)
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
	if err := h.svc.Delete(c.Request.Context(), projectID, c.Param("id")); err != nil {
		response.Fail(c, err)
		return
	}
	response.NoContent(c)
}
