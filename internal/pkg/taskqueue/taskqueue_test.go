package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisc "github.com/echodesk/core/internal/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newServiceForTest(t *testing.T) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redisc.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	return NewService(rc, zap.NewNop())
}

func waitStatus(t *testing.T, s *Service, id string, want TaskStatus) *Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if task != nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := s.GetByID(context.Background(), id)
	t.Fatalf("task %s never reached %s (now %+v)", id, want, task)
	return nil
}

func TestEnqueueDedup(t *testing.T) {
	s := newServiceForTest(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "document_processing", map[string]string{"file_id": "f1"}, "f1", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := s.Enqueue(ctx, "document_processing", map[string]string{"file_id": "f1"}, "f1", "")
	if err != nil {
		t.Fatalf("Enqueue dup: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("dedup returned new task %s, want %s", second.ID, first.ID)
	}

	other, err := s.Enqueue(ctx, "document_processing", map[string]string{"file_id": "f2"}, "f2", "")
	if err != nil {
		t.Fatalf("Enqueue other: %v", err)
	}
	if other.ID == first.ID {
		t.Error("different dedup key reused task")
	}
}

func TestWorkerRunsHandler(t *testing.T) {
	s := newServiceForTest(t)
	ctx := context.Background()

	var ran atomic.Int64
	s.Register("website_crawl", func(ctx context.Context, task *Task) (interface{}, error) {
		var p map[string]string
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, err
		}
		ran.Add(1)
		return map[string]int{"pages": 3}, nil
	})
	s.StartWorkers(ctx, 2)
	defer s.Stop()

	task, err := s.Enqueue(ctx, "website_crawl", map[string]string{"job_id": "j1"}, "", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := waitStatus(t, s, task.ID, TaskCompleted)
	if ran.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", ran.Load())
	}
	var result map[string]int
	if err := json.Unmarshal(done.Result, &result); err != nil || result["pages"] != 3 {
		t.Errorf("result = %s, want pages=3", done.Result)
	}
}

func TestWorkerRecordsFailure(t *testing.T) {
	s := newServiceForTest(t)
	ctx := context.Background()

	s.Register("document_processing", func(ctx context.Context, task *Task) (interface{}, error) {
		return nil, errors.New("scanned or image-based PDF")
	})
	s.StartWorkers(ctx, 1)
	defer s.Stop()

	task, err := s.Enqueue(ctx, "document_processing", nil, "", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	failed := waitStatus(t, s, task.ID, TaskFailed)
	if failed.Error == "" {
		t.Error("failed task has empty error message")
	}
}

func TestWorkerSkipsCancelledTask(t *testing.T) {
	s := newServiceForTest(t)
	ctx := context.Background()

	var ran atomic.Int64
	s.Register("qa_generation", func(ctx context.Context, task *Task) (interface{}, error) {
		ran.Add(1)
		return nil, nil
	})

	task, err := s.Enqueue(ctx, "qa_generation", nil, "", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Workers start after the cancel, so the stale pending entry must be skipped.
	s.StartWorkers(ctx, 1)
	defer s.Stop()

	time.Sleep(200 * time.Millisecond)
	if ran.Load() != 0 {
		t.Errorf("cancelled task ran %d times", ran.Load())
	}
	got, _ := s.GetByID(ctx, task.ID)
	if got.Status != TaskCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestUnknownTypeFails(t *testing.T) {
	s := newServiceForTest(t)
	ctx := context.Background()
	s.StartWorkers(ctx, 1)
	defer s.Stop()

	task, err := s.Enqueue(ctx, "nope", nil, "", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitStatus(t, s, task.ID, TaskFailed)
}

func TestPruneIndexDropsExpiredEntries(t *testing.T) {
	s := newServiceForTest(t)
	ctx := context.Background()

	kept, _ := s.Enqueue(ctx, "document_processing", nil, "", "")
	gone, _ := s.Enqueue(ctx, "document_processing", nil, "", "")

	// Simulate the task key reaching its TTL while the index member stays.
	if err := s.rc.Raw().Del(ctx, s.taskKey(gone.ID)).Err(); err != nil {
		t.Fatalf("Del: %v", err)
	}

	pruned, err := s.PruneIndex(ctx)
	if err != nil {
		t.Fatalf("PruneIndex: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	ids, err := s.rc.Raw().ZRange(ctx, keyIndex, 0, -1).Result()
	if err != nil {
		t.Fatalf("ZRange: %v", err)
	}
	if len(ids) != 1 || ids[0] != kept.ID {
		t.Errorf("index = %v, want only %s", ids, kept.ID)
	}

	pruned, err = s.PruneIndex(ctx)
	if err != nil || pruned != 0 {
		t.Errorf("second prune = %d, %v, want 0, nil", pruned, err)
	}
}

func TestListFiltersAndPages(t *testing.T) {
	s := newServiceForTest(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Enqueue(ctx, "document_processing", map[string]int{"i": i}, "", ""); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	crawl, _ := s.Enqueue(ctx, "website_crawl", nil, "", "")
	_ = s.UpdateStatus(ctx, crawl.ID, TaskCompleted, nil, "")

	typ := "document_processing"
	tasks, total, err := s.List(ctx, 1, 3, &typ, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 || len(tasks) != 3 {
		t.Errorf("List = %d items total %d, want 3 of 5", len(tasks), total)
	}

	done := TaskCompleted
	tasks, total, err = s.List(ctx, 1, 10, nil, &done)
	if err != nil {
		t.Fatalf("List by status: %v", err)
	}
	if total != 1 || tasks[0].ID != crawl.ID {
		t.Errorf("List by status = %d/%d", len(tasks), total)
	}
}
