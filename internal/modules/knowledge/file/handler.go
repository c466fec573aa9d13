package file

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
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
	g := rg.Group("/files", authMW)
	g.POST("", h.upload)
	g.POST("/batch", h.uploadBatch)
	g.GET("", h.list)
	g.GET("/:id", h.detail)
	g.GET("/:id/download", h.download)
	g.DELETE("/:id", h.remove)
	g.POST("/:id/reprocess", h.reprocess)
}

func requireProject(c *gin.Context) (string, bool) {
	projectID := strings.TrimSpace(c.Query("project_id"))
	if projectID == "" {
		response.BadRequest(c, "project_id is required")
		return "", false
	}
	return projectID, true
}

// failUpload routes the two size/type rejections to their dedicated HTTP
// statuses; everything else uses the regular kind mapping.
func failUpload(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrFileTypeNotAllowed):
		response.FailStatus(c, http.StatusUnsupportedMediaType, err)
	case errors.Is(err, ErrFileTooLarge):
		response.FailStatus(c, http.StatusRequestEntityTooLarge, err)
	default:
		response.Fail(c, err)
	}
}

func (h *Handler) upload(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, `multipart field "file" is required`)
		return
	}
	in, err := readUpload(c, fh)
	if err != nil {
		response.Fail(c, err)
		return
	}
	row, err := h.svc.Upload(c.Request.Context(), projectID, *in)
	if err != nil {
		failUpload(c, err)
		return
	}
	response.Created(c, row)
}

func (h *Handler) uploadBatch(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	form, err := c.MultipartForm()
	if err != nil {
		response.BadRequest(c, "invalid multipart form")
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		headers = form.File["file"]
	}
	if len(headers) == 0 {
		response.BadRequest(c, `multipart field "files" is required`)
		return
	}

	inputs := make([]UploadInput, 0, len(headers))
	for _, fh := range headers {
		in, err := readUpload(c, fh)
		if err != nil {
			response.Fail(c, err)
			return
		}
		inputs = append(inputs, *in)
	}
	result, err := h.svc.UploadMany(c.Request.Context(), projectID, inputs)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, result)
}

// readUpload buffers one part and collects the shared form fields. Part
// payloads are small enough to hold in memory; the size limit is enforced
// again in the service against the real byte count.
func readUpload(c *gin.Context, fh *multipart.FileHeader) (*UploadInput, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	in := &UploadInput{
		Filename:    fh.Filename,
		Size:        int64(len(data)),
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
		QAMode:      c.PostForm("qa_mode") == "true",
		Tags:        parseTagsField(c.PostForm("tags")),
	}
	if v := strings.TrimSpace(c.PostForm("collection_id")); v != "" {
		in.CollectionID = &v
	}
	if v := strings.TrimSpace(c.PostForm("description")); v != "" {
		in.Description = &v
	}
	if v := strings.TrimSpace(c.PostForm("language")); v != "" {
		in.Language = &v
	}
	return in, nil
}

// parseTagsField accepts a JSON array or a comma-separated list.
func parseTagsField(raw string) models.StringArray {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var tags []string
		if json.Unmarshal([]byte(raw), &tags) == nil {
			return tags
		}
	}
	var tags models.StringArray
	for _, part := range strings.Split(raw, ",") {
		if t := strings.TrimSpace(part); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func (h *Handler) list(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	q := pagination.FromContext(c)

	db := h.db.WithContext(c.Request.Context()).Model(&models.FileModel{}).
		Scopes(models.ScopedBy(projectID))
	if cid := c.Query("collection_id"); cid != "" {
		db = db.Where("collection_id = ?", cid)
	}
	if status := c.Query("status"); status != "" {
		db = db.Where("status = ?", status)
	}
	db = db.Order("created_at DESC")

	var rows []models.FileModel
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
	row, err := h.svc.Get(c.Request.Context(), projectID, c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, row)
}

func (h *Handler) download(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	row, key, err := h.svc.OpenDownload(c.Request.Context(), projectID, c.Param("id"))
	if err != nil {
		response.Fail(c, err)
		return
	}
	rc, err := h.svc.files.Open(c.Request.Context(), key)
	if err != nil {
		response.Fail(c, err)
		return
	}
	defer rc.Close()

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": row.OriginalFilename})
	c.DataFromReader(http.StatusOK, row.Size, row.ContentType, rc, map[string]string{
		"Content-Disposition": disposition,
	})
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

type reprocessBody struct {
	QAMode bool `json:"qa_mode"`
}

func (h *Handler) reprocess(c *gin.Context) {
	projectID, ok := requireProject(c)
	if !ok {
		return
	}
	var body reprocessBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "invalid json body")
			return
		}
	}
	result, err := h.svc.Reprocess(c.Request.Context(), projectID, c.Param("id"), body.QAMode)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, result)
}
