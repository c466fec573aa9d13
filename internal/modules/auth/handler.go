package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/echodesk/core/internal/middleware"
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
	g := rg.Group("/auth")
	g.POST("/login", h.login)
	g.GET("/me", authMW, h.me)
	g.PUT("/me", authMW, h.updateMe)

	staffs := rg.Group("/staffs", authMW)
	staffs.GET("", h.listStaffs)
	staffs.POST("", middleware.RequireAdmin(), h.createStaff)
	staffs.PUT("/:id", middleware.RequireAdmin(), h.updateStaff)
	staffs.DELETE("/:id", middleware.RequireAdmin(), h.removeStaff)
}

func requestProjectID(c *gin.Context) string {
	if pid := strings.TrimSpace(c.Query("project_id")); pid != "" {
		return pid
	}
	return middleware.CurrentProjectID(c)
}

func (h *Handler) login(c *gin.Context) {
	var in LoginInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "username and password are required")
		return
	}
	result, err := h.svc.Login(c.Request.Context(), in)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, result)
}

func (h *Handler) me(c *gin.Context) {
	staff, err := h.svc.Me(c.Request.Context(), middleware.CurrentStaffID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, staff)
}

func (h *Handler) updateMe(c *gin.Context) {
	var in UpdateMeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	staff, err := h.svc.UpdateMe(c.Request.Context(), middleware.CurrentStaffID(c), in)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, staff)
}

func (h *Handler) listStaffs(c *gin.Context) {
	projectID := requestProjectID(c)
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}
	rows, page, err := h.svc.ListStaffs(c.Request.Context(), projectID, pagination.FromContext(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Paged(c, rows, page)
}

func (h *Handler) createStaff(c *gin.Context) {
	projectID := requestProjectID(c)
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}
	var in CreateStaffInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "username (min 3) and password (min 6) are required")
		return
	}
	staff, err := h.svc.CreateStaff(c.Request.Context(), projectID, in)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Created(c, staff)
}

func (h *Handler) updateStaff(c *gin.Context) {
	projectID := requestProjectID(c)
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}
	var in UpdateStaffInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	staff, err := h.svc.UpdateStaff(c.Request.Context(), projectID, c.Param("id"), in)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, staff)
}

func (h *Handler) removeStaff(c *gin.Context) {
	projectID := requestProjectID(c)
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return
	}
	err := h.svc.DeleteStaff(c.Request.Context(), projectID, c.Param("id"), middleware.CurrentStaffID(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.NoContent(c)
}
