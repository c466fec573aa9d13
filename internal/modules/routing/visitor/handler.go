package visitor

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/echodesk/core/internal/middleware"
	"github.com/echodesk/core/internal/models"
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
	g := rg.Group("/visitors", authMW)
	g.GET("", h.list)
	g.GET("/:id", h.detail)
	g.POST("/:id/transfer", h.transfer)
	g.POST("/:id/queue/cancel", h.cancelQueue)
}

func requestProjectID(c *gin.Context) string {
	if pid := strings.TrimSpace(c.Query("project_id")); pid != "" {
		return pid
	}
	return middleware.CurrentProjectID(c)
}

func (h *Handler) list(c *gin.Context) {
	projectID := requestProjectID(c)
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}

	var f ListFilter
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		st := models.VisitorServiceStatus(strings.ToUpper(raw))
		f.Status = &st
	}
	if raw := strings.TrimSpace(c.Query("online")); raw != "" {
		online, err := strconv.ParseBool(raw)
		if err != nil {
			response.BadRequest(c, "online must be a boolean")
			return
		}
		f.IsOnline = &online
	}
	f.PlatformID = strings.TrimSpace(c.Query("platform_id"))
	f.Keyword = c.Query("keyword")

	rows, page, err := h.svc.List(c.Request.Context(), projectID, f, pagination.FromContext(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Paged(c, rows, page)
}

func (h *Handler) detail(c *gin.Context) {
	projectID := requestProjectID(c)
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}

	row, err := h.svc.Get(c.Request.Context(), projectID, c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, row)
}

func (h *Handler) transfer(c *gin.Context) {
	projectID := requestProjectID(c)
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}

	var in TransferInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}

	var byStaffID *string
	if sid := middleware.CurrentStaffID(c); sid != "" {
		byStaffID = &sid
	}

	result, err := h.svc.Transfer(c.Request.Context(), projectID, c.Param("id"), in, byStaffID)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, result)
}

func (h *Handler) cancelQueue(c *gin.Context) {
	projectID := requestProjectID(c)
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}

	var byStaffID *string
	if sid := middleware.CurrentStaffID(c); sid != "" {
		byStaffID = &sid
	}

	if err := h.svc.CancelQueue(c.Request.Context(), projectID, c.Param("id"), byStaffID); err != nil {
		response.Fail(c, err)
		return
	}
	response.NoContent(c)
}
