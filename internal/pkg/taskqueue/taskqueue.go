package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	redisc "github.com/echodesk/core/internal/pkg/redis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a unit of background work stored in Redis.
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    TaskStatus      `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	DedupKey  string          `json:"dedup_key,omitempty"`
	GroupKey  string          `json:"group_key,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const (
	keyPrefix   = "ed:task:"
	keyIndex    = "ed:tasks:index"   // sorted set: score=created_at, member=task_id
	keyDedupSet = "ed:tasks:dedup:"  // hash: dedup_key -> task_id
	keyPending  = "ed:tasks:pending" // list: task ids awaiting a worker
	taskTTL     = 7 * 24 * time.Hour // tasks expire after 7 days

	popTimeout = 2 * time.Second
)

// Handler processes one dequeued task and returns its result.
type Handler func(ctx context.Context, task *Task) (result interface{}, err error)

// Service manages the Redis-backed task queue and its worker pool.
type Service struct {
	rc  *redisc.Client
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewService(rc *redisc.Client, log *zap.Logger) *Service {
	return &Service{
		rc:       rc,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

func (s *Service) taskKey(id string) string { return keyPrefix + id }

// Register binds a handler to a task type. Must be called before StartWorkers.
func (s *Service) Register(taskType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = h
}

func (s *Service) handlerFor(taskType string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[taskType]
	return h, ok
}

// Enqueue creates a new task, respecting deduplication, and makes it
// visible to the worker pool.
func (s *Service) Enqueue(ctx context.Context, taskType string, payload interface{}, dedupKey, groupKey string) (*Task, error) {
	if dedupKey != "" {
		existing, err := s.rc.Raw().HGet(ctx, keyDedupSet+taskType, dedupKey).Result()
		if err == nil && existing != "" {
			return s.GetByID(ctx, existing)
		}
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	task := &Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Payload:   payloadBytes,
		Status:    TaskPending,
		DedupKey:  dedupKey,
		GroupKey:  groupKey,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	data, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}

	pipe := s.rc.Raw().TxPipeline()
	pipe.Set(ctx, s.taskKey(task.ID), data, taskTTL)
	pipe.ZAdd(ctx, keyIndex, redis.Z{
		Score:  float64(task.CreatedAt.UnixMilli()),
		Member: task.ID,
	})
	pipe.LPush(ctx, keyPending, task.ID)
	if dedupKey != "" {
		pipe.HSet(ctx, keyDedupSet+taskType, dedupKey, task.ID)
		pipe.Expire(ctx, keyDedupSet+taskType, taskTTL)
	}
	_, err = pipe.Exec(ctx)
	return task, err
}

// StartWorkers launches n workers that pull pending tasks and run their
// registered handlers. Call Stop to drain.
func (s *Service) StartWorkers(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	workerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go s.workerLoop(workerCtx)
	}
}

// Stop signals workers to exit and waits for in-flight tasks to finish.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) workerLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		vals, err := s.rc.Raw().BRPop(ctx, popTimeout, keyPending).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("task pop failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if len(vals) < 2 {
			continue
		}
		s.runTask(ctx, vals[1])
	}
}

func (s *Service) runTask(ctx context.Context, id string) {
	task, err := s.GetByID(ctx, id)
	if err != nil || task == nil {
		return
	}
	// A cancel may have landed while the task sat in the pending list.
	if task.Status != TaskPending {
		return
	}

	handler, ok := s.handlerFor(task.Type)
	if !ok {
		s.log.Error("no handler for task type", zap.String("type", task.Type), zap.String("task_id", id))
		_ = s.UpdateStatus(ctx, id, TaskFailed, nil, fmt.Sprintf("no handler registered for %q", task.Type))
		return
	}

	if err := s.UpdateStatus(ctx, id, TaskRunning, nil, ""); err != nil {
		s.log.Warn("mark task running failed", zap.String("task_id", id), zap.Error(err))
		return
	}

	result, err := s.invoke(ctx, handler, task)
	if err != nil {
		s.log.Warn("task failed", zap.String("type", task.Type), zap.String("task_id", id), zap.Error(err))
		_ = s.UpdateStatus(ctx, id, TaskFailed, nil, err.Error())
		return
	}
	_ = s.UpdateStatus(ctx, id, TaskCompleted, result, "")
}

func (s *Service) invoke(ctx context.Context, handler Handler, task *Task) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

// GetByID retrieves a task by its ID.
func (s *Service) GetByID(ctx context.Context, id string) (*Task, error) {
	data, err := s.rc.Raw().Get(ctx, s.taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var task Task
	return &task, json.Unmarshal(data, &task)
}

// UpdateStatus sets a task's status and optional result/error.
func (s *Service) UpdateStatus(ctx context.Context, id string, status TaskStatus, result interface{}, errMsg string) error {
	task, err := s.GetByID(ctx, id)
	if err != nil || task == nil {
		return fmt.Errorf("task not found")
	}

	task.Status = status
	task.UpdatedAt = time.Now()
	task.Error = errMsg

	if result != nil {
		task.Result, _ = json.Marshal(result)
	}

	if (status == TaskCompleted || status == TaskFailed || status == TaskCancelled) && task.DedupKey != "" {
		s.rc.Raw().HDel(ctx, keyDedupSet+task.Type, task.DedupKey)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.rc.Raw().Set(ctx, s.taskKey(id), data, taskTTL).Err()
}

// List returns tasks matching optional filters, ordered by creation time descending.
func (s *Service) List(ctx context.Context, page, size int, taskType *string, status *TaskStatus) ([]*Task, int64, error) {
	ids, err := s.rc.Raw().ZRevRange(ctx, keyIndex, 0, -1).Result()
	if err != nil {
		return nil, 0, err
	}

	var tasks []*Task
	for _, id := range ids {
		task, err := s.GetByID(ctx, id)
		if err != nil || task == nil {
			continue
		}
		if taskType != nil && task.Type != *taskType {
			continue
		}
		if status != nil && task.Status != *status {
			continue
		}
		tasks = append(tasks, task)
	}

	total := int64(len(tasks))
	start := (page - 1) * size
	end := start + size
	if start >= len(tasks) {
		return []*Task{}, total, nil
	}
	if end > len(tasks) {
		end = len(tasks)
	}
	return tasks[start:end], total, nil
}

// Cancel marks a task as cancelled if it is still pending.
func (s *Service) Cancel(ctx context.Context, id string) error {
	task, err := s.GetByID(ctx, id)
	if err != nil || task == nil {
		return fmt.Errorf("task not found")
	}
	if task.Status != TaskPending {
		return fmt.Errorf("can only cancel pending tasks")
	}
	return s.UpdateStatus(ctx, id, TaskCancelled, nil, "cancelled by user")
}

// DeleteByID removes a single task by ID.
func (s *Service) DeleteByID(ctx context.Context, id string) error {
	task, err := s.GetByID(ctx, id)
	if err != nil || task == nil {
		return fmt.Errorf("task not found")
	}
	pipe := s.rc.Raw().TxPipeline()
	pipe.Del(ctx, s.taskKey(id))
	pipe.ZRem(ctx, keyIndex, id)
	if task.DedupKey != "" {
		pipe.HDel(ctx, keyDedupSet+task.Type, task.DedupKey)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// PruneIndex drops index members whose task keys have expired. Task keys
// carry a TTL but sorted-set members do not, so the index drifts without
// periodic pruning.
func (s *Service) PruneIndex(ctx context.Context) (int, error) {
	ids, err := s.rc.Raw().ZRange(ctx, keyIndex, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, id := range ids {
		exists, err := s.rc.Raw().Exists(ctx, s.taskKey(id)).Result()
		if err != nil {
			return pruned, err
		}
		if exists == 0 {
			if err := s.rc.Raw().ZRem(ctx, keyIndex, id).Err(); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

// DeleteCompleted removes completed/failed/cancelled tasks.
func (s *Service) DeleteCompleted(ctx context.Context, beforeMS int64) error {
	ids, _ := s.rc.Raw().ZRange(ctx, keyIndex, 0, -1).Result()
	pipe := s.rc.Raw().TxPipeline()
	for _, id := range ids {
		task, err := s.GetByID(ctx, id)
		if err != nil || task == nil {
			continue
		}
		if task.Status != TaskCompleted && task.Status != TaskFailed && task.Status != TaskCancelled {
			continue
		}
		if beforeMS > 0 && task.CreatedAt.UnixMilli() >= beforeMS {
			continue
		}
		pipe.Del(ctx, s.taskKey(id))
		pipe.ZRem(ctx, keyIndex, id)
		if task.DedupKey != "" {
			pipe.HDel(ctx, keyDedupSet+task.Type, task.DedupKey)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}
