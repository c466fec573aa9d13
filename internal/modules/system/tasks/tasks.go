// Package tasks exposes the background task queue over HTTP: listing,
// inspection, cancel, retry, and cleanup of finished work.
package tasks

import (
	"encoding/json"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/echodesk/core/internal/pkg/pagination"
	"github.com/echodesk/core/internal/pkg/response"
	"github.com/echodesk/core/internal/pkg/taskqueue"
)

type Handler struct {
	taskSvc *taskqueue.Service
}

func NewHandler(taskSvc *taskqueue.Service) *Handler {
	return &Handler{taskSvc: taskSvc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	g := rg.Group("/tasks", authMW)
	g.GET("", h.list)
	g.GET("/:taskId", h.get)
	g.POST("/:taskId/cancel", h.cancel)
	g.POST("/:taskId/retry", h.retry)
	g.DELETE("/:taskId", h.delete)
	g.DELETE("", h.deleteFinished)
}

// GET /tasks?type=...&status=...&page=...&size=...
func (h *Handler) list(c *gin.Context) {
	q := pagination.FromContext(c)
	taskType := c.Query("type")
	statusStr := c.Query("status")

	var taskTypePtr *string
	var statusPtr *taskqueue.TaskStatus
	if taskType != "" {
		taskTypePtr = &taskType
	}
	if statusStr != "" {
		s := taskqueue.TaskStatus(statusStr)
		statusPtr = &s
	}

	items, total, err := h.taskSvc.List(c.Request.Context(), q.Page, q.Size, taskTypePtr, statusPtr)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	totalPages := int((total + int64(q.Size) - 1) / int64(q.Size))
	response.Paged(c, items, response.Pagination{
		Total:       total,
		CurrentPage: q.Page,
		TotalPage:   totalPages,
		Size:        q.Size,
		HasNextPage: q.Page < totalPages,
	})
}

// GET /tasks/:taskId
func (h *Handler) get(c *gin.Context) {
	task, err := h.taskSvc.GetByID(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		response.InternalError(c, err)
		return
	}
	if task == nil {
		response.NotFoundMsg(c, "task not found")
		return
	}
	response.OK(c, task)
}

// POST /tasks/:taskId/cancel
func (h *Handler) cancel(c *gin.Context) {
	if err := h.taskSvc.Cancel(c.Request.Context(), c.Param("taskId")); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.NoContent(c)
}

// POST /tasks/:taskId/retry — re-enqueue with the same type and payload.
// The dedup key is cleared so the retry is never swallowed by the original.
func (h *Handler) retry(c *gin.Context) {
	task, err := h.taskSvc.GetByID(c.Request.Context(), c.Param("taskId"))
	if err != nil || task == nil {
		response.NotFoundMsg(c, "task not found")
		return
	}
	var rawPayload interface{}
	if err := json.Unmarshal(task.Payload, &rawPayload); err != nil {
		response.BadRequest(c, "invalid task payload")
		return
	}
	newTask, err := h.taskSvc.Enqueue(c.Request.Context(), task.Type, rawPayload, "", task.GroupKey)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Created(c, newTask)
}

// DELETE /tasks/:taskId
func (h *Handler) delete(c *gin.Context) {
	if err := h.taskSvc.DeleteByID(c.Request.Context(), c.Param("taskId")); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.NoContent(c)
}

// DELETE /tasks?before=<unix_ms> — prune finished tasks, optionally only
// those created before the cutoff.
func (h *Handler) deleteFinished(c *gin.Context) {
	beforeStr := c.Query("before")
	var before int64
	if beforeStr != "" {
		if v, err := strconv.ParseInt(beforeStr, 10, 64); err == nil {
			before = v
		}
	}
	if err := h.taskSvc.DeleteCompleted(c.Request.Context(), before); err != nil {
		response.InternalError(c, err)
		return
	}
	response.NoContent(c)
}
