package platform

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/modules/routing/inbox"
	"github.com/echodesk/core/internal/pkg/pagination"
	"github.com/echodesk/core/internal/pkg/response"
)

// Webhook bodies past this size are cut off; no platform sends more.
const maxCallbackBody = 1 << 20

type Handler struct {
	svc    *Service
	intake *inbox.Service
}

func NewHandler(svc *Service, intake *inbox.Service) *Handler {
	return &Handler{svc: svc, intake: intake}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	admin := rg.Group("/platforms", authMW)
	admin.GET("", h.list)
	admin.POST("", h.create)
	admin.GET("/:id", h.detail)
	admin.PUT("/:id", h.update)
	admin.DELETE("/:id", h.remove)

	// The callback authenticates by api_key plus per-platform signatures,
	// never by the staff session.
	cb := rg.Group("/platforms/callback")
	cb.GET("/:api_key", h.callback)
	cb.POST("/:api_key", h.callback)
}

// RegisterIntegrationRoutes mounts the substrate-level webhook that arrives
// without an api_key in the path.
func (h *Handler) RegisterIntegrationRoutes(rg *gin.RouterGroup) {
	rg.POST("/wukongim/webhook", h.wukongWebhook)
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
	rows, page, err := h.svc.List(c.Request.Context(), projectID, pagination.FromContext(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Paged(c, rows, page)
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
	row, err := h.svc.Get(c.Request.Context(), projectID, c.Param("id"))
	if err != nil {
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

func (h *Handler) callback(c *gin.Context) {
	p, err := h.svc.FindByAPIKey(c.Request.Context(), c.Param("api_key"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	h.dispatch(c, p)
}

func (h *Handler) wukongWebhook(c *gin.Context) {
	p, err := h.svc.FindActiveByType(c.Request.Context(), models.PlatformWuKongIM)
	if err != nil {
		response.Fail(c, err)
		return
	}
	h.dispatch(c, p)
}

func (h *Handler) dispatch(c *gin.Context, p *models.PlatformModel) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}

	d := &inbox.Delivery{
		Platform: p,
		Body:     body,
		Query:    c.Request.URL.Query(),
		Header:   c.Request.Header,
	}
	res, err := h.intake.HandleCallback(c.Request.Context(), c.Request.Method, d)
	if err != nil {
		response.Fail(c, err)
		return
	}
	if res.Plain != "" {
		c.String(http.StatusOK, res.Plain)
		return
	}
	c.JSON(http.StatusOK, res.JSON)
}
