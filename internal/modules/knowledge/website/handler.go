package website

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/echodesk/core/internal/modules/processing/crawl"
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
	g := rg.Group("/websites", authMW)
	g.POST("/crawl", h.startCrawl)
	g.GET("/crawl/:job_id", h.jobDetail)
	g.POST("/crawl/:job_id/cancel", h.cancelJob)
	g.POST("/crawl/:job_id/pages", h.addPage)
	g.GET("/crawl/:job_id/pages", h.listPages)
	g.POST("/pages/:page_id/crawl-deeper", h.crawlDeeper)
}

func requireProject(c *gin.Context) (string, bool) {
	projectID := strings.TrimSpace(c.Query("project_id"))
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return "", false
	}
	return projectID, true
}

func (h *Handler) startCrawl(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	collectionID := strings.TrimSpace(c.Query("collection_id"))

	var in StartCrawlInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	job, err := h.svc.StartCrawl(c.Request.Context(), projectID, collectionID, in)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Created(c, job)
}

func (h *Handler) jobDetail(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	job, err := h.svc.GetJob(c.Request.Context(), projectID, c.Param("job_id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, job)
}

func (h *Handler) cancelJob(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	job, err := h.svc.Cancel(c.Request.Context(), projectID, c.Param("job_id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, job)
}

type addPageBody struct {
	URL string `json:"url" binding:"required"`
}

// addPage returns 201 for a freshly queued page and 200 with the existing
// row when the URL is already tracked.
func (h *Handler) addPage(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	var body addPageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	page, created, err := h.svc.AddPage(c.Request.Context(), projectID, c.Param("job_id"), body.URL)
	if err != nil {
		response.Fail(c, err)
		return
	}
	payload := gin.H{"page": page, "created": created}
	if created {
		response.Created(c, payload)
		return
	}
	response.OK(c, payload)
}

func (h *Handler) listPages(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	rows, page, err := h.svc.ListPages(c.Request.Context(), projectID,
		c.Param("job_id"), c.Query("status"), pagination.FromContext(c))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.Paged(c, rows, page)
}

func (h *Handler) crawlDeeper(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	var req crawl.CrawlDeeperRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	result, err := h.svc.CrawlDeeper(c.Request.Context(), projectID, c.Param("page_id"), req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, result)
}
