package assignment

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/echodesk/core/internal/middleware"
	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/pagination"
	"github.com/echodesk/core/internal/pkg/response"
)

// Handler exposes rule administration and the waiting-queue console.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	rules := rg.Group("/assignment-rules", authMW)
	rules.GET("", h.getRule)
	rules.PUT("", middleware.RequireAdmin(), h.putRule)

	queue := rg.Group("/queue", authMW)
	queue.GET("", h.listQueue)
	queue.POST("/assign", h.assignFromQueue)
	queue.POST("/:id/cancel", h.cancelEntry)
}

func requestProjectID(c *gin.Context) string {
	if pid := strings.TrimSpace(c.Query("project_id")); pid != "" {
		return pid
	}
	return middleware.CurrentProjectID(c)
}

func (h *Handler) getRule(c *gin.Context) {
	projectID := requestProjectID(c)
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}

	rule, err := h.svc.GetRule(c.Request.Context(), projectID)
	if err != nil {
		response.Fail(c, err)
		return
	}
	if rule == nil {
		response.OK(c, gin.H{"configured": false})
		return
	}
	response.OK(c, rule)
}

func (h *Handler) putRule(c *gin.Context) {
	projectID := requestProjectID(c)
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}

	var in RuleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}

	rule, err := h.svc.UpsertRule(c.Request.Context(), projectID, in)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, rule)
}

func (h *Handler) listQueue(c *gin.Context) {
	projectID := requestProjectID(c)
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}

	var status *models.QueueStatus
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		st := models.QueueStatus(strings.ToUpper(raw))
		status = &st
	}

	rows, page, err := h.svc.ListQueue(c.Request.Context(), projectID, status, pagination.FromContext(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Paged(c, rows, page)
}

func (h *Handler) assignFromQueue(c *gin.Context) {
	projectID := requestProjectID(c)
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}

	var req struct {
		StaffID string  `json:"staff_id"`
		QueueID *string `json:"queue_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	if strings.TrimSpace(req.StaffID) == "" {
		response.BadRequest(c, "staff_id is required")
		return
	}

	var assignedBy *string
	if sid := middleware.CurrentStaffID(c); sid != "" {
		assignedBy = &sid
	}

	result, err := h.svc.AssignFromWaitingQueue(c.Request.Context(), req.StaffID, projectID, req.QueueID, assignedBy)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, result)
}

func (h *Handler) cancelEntry(c *gin.Context) {
	projectID := requestProjectID(c)
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}

	var cancelledBy *string
	if sid := middleware.CurrentStaffID(c); sid != "" {
		cancelledBy = &sid
	}

	if err := h.svc.CancelQueueEntry(c.Request.Context(), c.Param("id"), projectID, cancelledBy); err != nil {
		response.Fail(c, err)
		return
	}
	response.NoContent(c)
}
