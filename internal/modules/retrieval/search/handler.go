package search

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/echodesk/core/internal/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	rg.POST("/collections/:id/documents/search", authMW, h.searchCollection)
}

func (h *Handler) searchCollection(c *gin.Context) {
	projectID := strings.TrimSpace(c.Query("project_id"))
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	req.CollectionID = c.Param("id")

	resp, err := h.svc.Search(c.Request.Context(), projectID, req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, resp)
}
