package response

import (
	"errors"
	"net/http"
	"reflect"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/echodesk/core/internal/pkg/apperr"
)

// Pagination metadata returned with paginated responses.
type Pagination struct {
	Total       int64 `json:"total"`
	CurrentPage int   `json:"current_page"`
	TotalPage   int   `json:"total_page"`
	Size        int   `json:"size"`
	HasNextPage bool  `json:"has_next_page"`
}

// pagedResponse is the envelope for paginated list responses.
type pagedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// errorBody is the stable error envelope: {"error": {"code", "message", "details"}}.
type errorBody struct {
	Error errorInfo `json:"error"`
}

type errorInfo struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// OK sends a 200 response. Arrays/slices are wrapped in {data: [...]}.
func OK(c *gin.Context, data interface{}) {
	if data != nil {
		v := reflect.ValueOf(data)
		if v.Kind() == reflect.Slice {
			c.JSON(http.StatusOK, gin.H{"data": data})
			return
		}
	}
	c.JSON(http.StatusOK, data)
}

// Paged sends a paginated response.
func Paged(c *gin.Context, data interface{}, pagination Pagination) {
	c.JSON(http.StatusOK, pagedResponse{
		Data:       data,
		Pagination: pagination,
	})
}

// Created sends a 201 response.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// NoContent sends a 204 response.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// Fail maps a domain error to its status code and error envelope. Unclassified
// errors become 500 with a generic message; the cause goes to the log, not the wire.
func Fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	message := "服务器开小差了，稍后再试试吧"
	var details interface{}
	if ae, ok := asAppError(err); ok && ae.Kind != apperr.KindInternal {
		message = ae.Message
		details = ae.Details
	}

	if status >= http.StatusInternalServerError {
		if logger, exists := c.Get("logger"); exists {
			if zl, ok := logger.(*zap.Logger); ok {
				zl.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
			}
		}
	}

	abortWith(c, status, string(kind), message, details)
}

// FailStatus overrides the status code derived from the error kind (e.g. 413 for
// oversized uploads, 415 for unsupported media types).
func FailStatus(c *gin.Context, status int, err error) {
	kind := apperr.KindOf(err)
	message := err.Error()
	var details interface{}
	if ae, ok := asAppError(err); ok {
		message = ae.Message
		details = ae.Details
	}
	abortWith(c, status, string(kind), message, details)
}

// BadRequest sends a 400 error response.
func BadRequest(c *gin.Context, message string) {
	abortWith(c, http.StatusBadRequest, string(apperr.KindInvalidPayload), message, nil)
}

// Unauthorized sends a 401 error response.
func Unauthorized(c *gin.Context) {
	abortWith(c, http.StatusUnauthorized, string(apperr.KindUnauthorized), "你好像还没登录呢 ((/- -)/", nil)
}

// Forbidden sends a 403 error response.
func Forbidden(c *gin.Context) {
	abortWith(c, http.StatusForbidden, string(apperr.KindForbidden), "坏！不给你看", nil)
}

// ForbiddenMsg sends a 403 error response with a custom message.
func ForbiddenMsg(c *gin.Context, message string) {
	abortWith(c, http.StatusForbidden, string(apperr.KindForbidden), message, nil)
}

// NotFound sends a 404 error response.
func NotFound(c *gin.Context) {
	abortWith(c, http.StatusNotFound, string(apperr.KindNotFound), "真不巧，内容走丢了 o(╥﹏╥)o", nil)
}

// NotFoundMsg sends a 404 error with a custom message.
func NotFoundMsg(c *gin.Context, message string) {
	abortWith(c, http.StatusNotFound, string(apperr.KindNotFound), message, nil)
}

// MethodNotAllowed sends a 405 error response.
func MethodNotAllowed(c *gin.Context) {
	abortWith(c, http.StatusMethodNotAllowed, "method_not_allowed", "这个方法在这里不管用哦", nil)
}

// InternalError sends a 500 error response.
func InternalError(c *gin.Context, err error) {
	abortWith(c, http.StatusInternalServerError, string(apperr.KindInternal), err.Error(), nil)
}

// UnprocessableEntity sends a 422 error response.
func UnprocessableEntity(c *gin.Context, message string) {
	abortWith(c, http.StatusUnprocessableEntity, string(apperr.KindInvalidPayload), message, nil)
}

// Conflict sends a 409 error response.
func Conflict(c *gin.Context, message string) {
	abortWith(c, http.StatusConflict, string(apperr.KindConflict), message, nil)
}

func abortWith(c *gin.Context, status int, code, message string, details interface{}) {
	c.AbortWithStatusJSON(status, errorBody{Error: errorInfo{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func asAppError(err error) (*apperr.Error, bool) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
