package tasks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	redisc "github.com/echodesk/core/internal/pkg/redis"
	"github.com/echodesk/core/internal/pkg/taskqueue"
)

func newTestHandler(t *testing.T) (*gin.Engine, *taskqueue.Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redisc.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	tq := taskqueue.NewService(rc, zap.NewNop())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(tq).RegisterRoutes(router.Group("/v1"), func(c *gin.Context) { c.Next() })
	return router, tq
}

func TestListFiltersByStatus(t *testing.T) {
	router, tq := newTestHandler(t)
	ctx := context.Background()

	pendingTask, err := tq.Enqueue(ctx, "document_processing", map[string]string{"file_id": "f1"}, "", "")
	if err != nil {
		t.Fatal(err)
	}
	doneTask, err := tq.Enqueue(ctx, "website_crawl", nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := tq.UpdateStatus(ctx, doneTask.ID, taskqueue.TaskCompleted, nil, ""); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tasks?status=completed", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, doneTask.ID) || strings.Contains(body, pendingTask.ID) {
		t.Fatalf("body = %s", body)
	}
	if !strings.Contains(body, `"total":1`) {
		t.Fatalf("body = %s", body)
	}
}

func TestGetUnknownTask(t *testing.T) {
	router, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tasks/ghost", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCancelThenRetry(t *testing.T) {
	router, tq := newTestHandler(t)
	ctx := context.Background()

	task, err := tq.Enqueue(ctx, "qa_generation", map[string]string{"doc": "d1"}, "dedup-d1", "")
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/tasks/"+task.ID+"/cancel", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("cancel: status = %d body = %s", w.Code, w.Body.String())
	}
	got, _ := tq.GetByID(ctx, task.ID)
	if got.Status != taskqueue.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	// A second cancel hits the not-pending guard.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/tasks/"+task.ID+"/cancel", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("re-cancel: status = %d, want 400", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/tasks/"+task.ID+"/retry", nil))
	if w.Code != http.StatusCreated {
		t.Fatalf("retry: status = %d body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"qa_generation"`) {
		t.Fatalf("retry body = %s", w.Body.String())
	}
	if strings.Contains(w.Body.String(), task.ID) {
		t.Fatal("retry reused the original task id")
	}
}

func TestRetryUnknownTask(t *testing.T) {
	router, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/tasks/ghost/retry", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestDeleteFinishedKeepsPending(t *testing.T) {
	router, tq := newTestHandler(t)
	ctx := context.Background()

	pendingTask, _ := tq.Enqueue(ctx, "document_processing", nil, "", "")
	doneTask, _ := tq.Enqueue(ctx, "document_processing", nil, "", "")
	_ = tq.UpdateStatus(ctx, doneTask.ID, taskqueue.TaskFailed, nil, "boom")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/tasks", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	if got, _ := tq.GetByID(ctx, doneTask.ID); got != nil {
		t.Fatal("failed task should be removed")
	}
	if got, _ := tq.GetByID(ctx, pendingTask.ID); got == nil {
		t.Fatal("pending task should survive cleanup")
	}
}
