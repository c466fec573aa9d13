package qa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/database"
	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/modules/processing/document"
	"github.com/echodesk/core/internal/modules/retrieval/vectorstore"
	"github.com/echodesk/core/internal/pkg/apperr"
	"github.com/echodesk/core/internal/pkg/taskqueue"
)

// Queue topics owned by the QA pipeline.
const (
	TaskProcessQA      = "qa.process"
	TaskProcessQABatch = "qa.batch"
)

const (
	maxTitleRunes   = 500
	maxImportRows   = 1000
	maxErrorMessage = 2000
)

// Service curates question/answer pairs and runs their embedding pipeline.
// Each pair materializes as one FileDocumentModel row (file_id null,
// content_type qa_pair) that the vector store embeds like any other chunk.
type Service struct {
	db      *gorm.DB
	vectors *vectorstore.Service
	tasks   *taskqueue.Service
	log     *zap.Logger
}

func NewService(db *gorm.DB, vectors *vectorstore.Service, tasks *taskqueue.Service, log *zap.Logger) *Service {
	return &Service{
		db:      db,
		vectors: vectors,
		tasks:   tasks,
		log:     log.Named("qa"),
	}
}

// RegisterTasks binds the QA topics.
func (s *Service) RegisterTasks(tq *taskqueue.Service) {
	tq.Register(TaskProcessQA, s.handleProcessTask)
	tq.Register(TaskProcessQABatch, s.handleBatchTask)
}

// ProcessQARequest is the queue payload for one pair.
type ProcessQARequest struct {
	ProjectID string `json:"project_id"`
	QAPairID  string `json:"qa_pair_id"`
	IsUpdate  bool   `json:"is_update,omitempty"`
}

// ProcessQABatchRequest processes several pairs sequentially.
type ProcessQABatchRequest struct {
	ProjectID string   `json:"project_id"`
	QAPairIDs []string `json:"qa_pair_ids"`
	IsUpdate  bool     `json:"is_update,omitempty"`
}

// BatchResult aggregates a sequential batch run.
type BatchResult struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

func (s *Service) handleProcessTask(ctx context.Context, task *taskqueue.Task) (interface{}, error) {
	var req ProcessQARequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode qa payload: %w", err)
	}
	if req.ProjectID == "" || req.QAPairID == "" {
		return nil, errors.New("qa payload missing project_id or qa_pair_id")
	}
	if err := s.ProcessQA(ctx, req.ProjectID, req.QAPairID, req.IsUpdate); err != nil {
		return nil, err
	}
	return map[string]interface{}{"qa_pair_id": req.QAPairID, "status": string(models.QAStatusProcessed)}, nil
}

func (s *Service) handleBatchTask(ctx context.Context, task *taskqueue.Task) (interface{}, error) {
	var req ProcessQABatchRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode qa batch payload: %w", err)
	}
	if req.ProjectID == "" || len(req.QAPairIDs) == 0 {
		return nil, errors.New("qa batch payload missing project_id or ids")
	}
	return s.ProcessBatch(ctx, req.ProjectID, req.QAPairIDs, req.IsUpdate), nil
}

// ProcessQA embeds one pair: compose the bilingual Q/A content, create or
// update its document row, push the vector, mark the pair processed. Any
// failure lands on the pair's error_message and status.
func (s *Service) ProcessQA(ctx context.Context, projectID, qaPairID string, isUpdate bool) error {
	pair, err := s.loadPair(ctx, projectID, qaPairID)
	if err != nil {
		return err
	}
	if !isUpdate && pair.Status == models.QAStatusProcessed {
		// replayed task; the pair already carries its document
		return nil
	}

	if err := s.setStatus(ctx, pair, models.QAStatusProcessing); err != nil {
		return err
	}

	if err := s.embedPair(ctx, pair); err != nil {
		s.markFailed(ctx, pair, err)
		return err
	}
	return nil
}

// embedPair keys create-vs-update on the stored document link so replays and
// updates both leave exactly one document per pair.
func (s *Service) embedPair(ctx context.Context, pair *models.QAPairModel) error {
	content := fmt.Sprintf("问题: %s\n\n答案: %s", pair.Question, pair.Answer)
	title := firstRunes(pair.Question, maxTitleRunes)
	tokens := document.EstimateTokens(content)
	chunkIndex := 0

	tags := models.JSONMap{
		"qa_pair_id":  pair.ID,
		"source_type": "qa",
	}
	if pair.Category != nil {
		tags["category"] = *pair.Category
	}
	if pair.Subcategory != nil {
		tags["subcategory"] = *pair.Subcategory
	}

	docID := ""
	if pair.DocumentID != nil {
		docID = *pair.DocumentID
		res := s.db.WithContext(ctx).Model(&models.FileDocumentModel{}).
			Scopes(models.ScopedBy(pair.ProjectID)).
			Where("id = ?", docID).
			Updates(map[string]interface{}{
				"content":        content,
				"content_length": utf8.RuneCountInString(content),
				"token_count":    tokens,
				"document_title": title,
				"collection_id":  pair.CollectionID,
				"tags":           tags,
			})
		if res.Error != nil {
			return fmt.Errorf("update qa document: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// stale link; fall through to a fresh row
			docID = ""
		}
	}
	if docID == "" {
		row := models.FileDocumentModel{
			ProjectScoped: models.ProjectScoped{ProjectID: pair.ProjectID},
			CollectionID:  &pair.CollectionID,
			Content:       content,
			ContentLength: utf8.RuneCountInString(content),
			TokenCount:    &tokens,
			ChunkIndex:    &chunkIndex,
			ContentType:   models.DocumentContentQAPair,
			DocumentTitle: &title,
			Tags:          tags,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("create qa document: %w", err)
		}
		docID = row.ID
	}

	store, err := s.vectors.For(ctx, pair.ProjectID)
	if err != nil {
		return err
	}
	if _, err := store.UpsertBatch(ctx, []vectorstore.Doc{{ID: docID, Content: content, Tags: tags}}); err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Model(&models.QAPairModel{}).
		Scopes(models.ScopedBy(pair.ProjectID)).
		Where("id = ?", pair.ID).
		Updates(map[string]interface{}{
			"status":        models.QAStatusProcessed,
			"document_id":   docID,
			"error_message": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("finalize qa pair: %w", err)
	}
	return nil
}

// ProcessBatch runs the pairs one by one; a failure is counted, logged on its
// own row, and does not stop the rest.
func (s *Service) ProcessBatch(ctx context.Context, projectID string, ids []string, isUpdate bool) *BatchResult {
	result := &BatchResult{Total: len(ids)}
	for _, id := range ids {
		if err := s.ProcessQA(ctx, projectID, id, isUpdate); err != nil {
			s.log.Warn("qa pair processing failed",
				zap.String("project_id", projectID), zap.String("qa_pair_id", id), zap.Error(err))
			result.Failed++
			continue
		}
		result.Processed++
	}
	return result
}

// CreateInput is one incoming pair before hashing and persistence.
type CreateInput struct {
	Question    string             `json:"question" binding:"required"`
	Answer      string             `json:"answer"   binding:"required"`
	Category    *string            `json:"category"`
	Subcategory *string            `json:"subcategory"`
	Tags        models.StringArray `json:"tags"`
	QAMetadata  models.JSONMap     `json:"qa_metadata"`
	Priority    int                `json:"priority"`
}

func (in *CreateInput) normalize() error {
	in.Question = strings.TrimSpace(in.Question)
	in.Answer = strings.TrimSpace(in.Answer)
	if in.Question == "" {
		return apperr.InvalidPayload("question must not be empty")
	}
	if in.Answer == "" {
		return apperr.InvalidPayload("answer must not be empty")
	}
	return nil
}

// Create persists one pair and enqueues its processing. A duplicate question
// in the collection is a conflict.
func (s *Service) Create(ctx context.Context, projectID, collectionID string, in CreateInput) (*models.QAPairModel, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	if err := s.checkCollection(ctx, projectID, collectionID); err != nil {
		return nil, err
	}

	row := s.buildRow(projectID, collectionID, in)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.Conflict("question already exists in collection")
		}
		return nil, err
	}

	payload := ProcessQARequest{ProjectID: projectID, QAPairID: row.ID}
	if _, err := s.tasks.Enqueue(ctx, TaskProcessQA, payload, TaskProcessQA+":"+row.ID, projectID); err != nil {
		return nil, err
	}
	return row, nil
}

// BatchCreateResult enumerates the outcome of a multi-pair create or import.
type BatchCreateResult struct {
	Total   int               `json:"total"`
	Created int               `json:"created"`
	Skipped int               `json:"skipped"`
	Errors  []BatchCreateItem `json:"errors,omitempty"`
	TaskID  string            `json:"task_id,omitempty"`
}

// BatchCreateItem points at one rejected input row.
type BatchCreateItem struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// CreateMany persists the pairs individually and enqueues one batch
// processing task for everything that landed. Duplicates and invalid rows
// are skipped, not fatal.
func (s *Service) CreateMany(ctx context.Context, projectID, collectionID string, items []CreateInput) (*BatchCreateResult, error) {
	if len(items) == 0 {
		return nil, apperr.InvalidPayload("empty qa pair list")
	}
	if len(items) > maxImportRows {
		return nil, apperr.InvalidPayload("at most %d qa pairs per request, got %d", maxImportRows, len(items))
	}
	if err := s.checkCollection(ctx, projectID, collectionID); err != nil {
		return nil, err
	}

	result := &BatchCreateResult{Total: len(items)}
	var createdIDs []string
	for i := range items {
		if err := items[i].normalize(); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, BatchCreateItem{Index: i, Reason: err.Error()})
			continue
		}
		row := s.buildRow(projectID, collectionID, items[i])
		if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
			reason := "create failed"
			if database.IsUniqueViolation(err) {
				reason = "duplicate question"
			} else {
				s.log.Warn("qa pair insert failed", zap.Int("index", i), zap.Error(err))
			}
			result.Skipped++
			result.Errors = append(result.Errors, BatchCreateItem{Index: i, Reason: reason})
			continue
		}
		createdIDs = append(createdIDs, row.ID)
		result.Created++
	}

	if len(createdIDs) > 0 {
		payload := ProcessQABatchRequest{ProjectID: projectID, QAPairIDs: createdIDs}
		task, err := s.tasks.Enqueue(ctx, TaskProcessQABatch, payload, "", projectID)
		if err != nil {
			return nil, err
		}
		result.TaskID = task.ID
	}
	return result, nil
}

// UpdateInput carries mutable pair fields; nil means keep.
type UpdateInput struct {
	Question    *string             `json:"question"`
	Answer      *string             `json:"answer"`
	Category    *string             `json:"category"`
	Subcategory *string             `json:"subcategory"`
	Tags        *models.StringArray `json:"tags"`
	QAMetadata  *models.JSONMap     `json:"qa_metadata"`
	Priority    *int                `json:"priority"`
}

// Update edits a pair and re-runs its pipeline when the embeddable content
// moved.
func (s *Service) Update(ctx context.Context, projectID, collectionID, id string, in UpdateInput) (*models.QAPairModel, error) {
	pair, err := s.loadPair(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if pair.CollectionID != collectionID {
		return nil, apperr.NotFound("qa pair %s not found in collection", id)
	}

	updates := map[string]interface{}{}
	reembed := false
	if in.Question != nil {
		q := strings.TrimSpace(*in.Question)
		if q == "" {
			return nil, apperr.InvalidPayload("question must not be empty")
		}
		if q != pair.Question {
			updates["question"] = q
			updates["question_hash"] = QuestionHash(q)
			pair.Question = q
			reembed = true
		}
	}
	if in.Answer != nil {
		a := strings.TrimSpace(*in.Answer)
		if a == "" {
			return nil, apperr.InvalidPayload("answer must not be empty")
		}
		if a != pair.Answer {
			updates["answer"] = a
			pair.Answer = a
			reembed = true
		}
	}
	if in.Category != nil {
		updates["category"] = *in.Category
		pair.Category = in.Category
		reembed = true
	}
	if in.Subcategory != nil {
		updates["subcategory"] = *in.Subcategory
		pair.Subcategory = in.Subcategory
		reembed = true
	}
	if in.Tags != nil {
		updates["tags"] = *in.Tags
		pair.Tags = *in.Tags
	}
	if in.QAMetadata != nil {
		updates["qa_metadata"] = *in.QAMetadata
		pair.QAMetadata = *in.QAMetadata
	}
	if in.Priority != nil {
		updates["priority"] = *in.Priority
		pair.Priority = *in.Priority
	}
	if len(updates) == 0 {
		return pair, nil
	}
	if reembed {
		updates["status"] = models.QAStatusPending
		pair.Status = models.QAStatusPending
	}

	err = s.db.WithContext(ctx).Model(&models.QAPairModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", pair.ID).
		Updates(updates).Error
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.Conflict("question already exists in collection")
		}
		return nil, err
	}

	if reembed {
		payload := ProcessQARequest{ProjectID: projectID, QAPairID: pair.ID, IsUpdate: true}
		if _, err := s.tasks.Enqueue(ctx, TaskProcessQA, payload, TaskProcessQA+":"+pair.ID, projectID); err != nil {
			return nil, err
		}
	}
	return pair, nil
}

// Delete removes the pair's document row (vector included, single table) and
// soft-deletes the pair. A missing document is logged, never fatal.
func (s *Service) Delete(ctx context.Context, projectID, collectionID, id string) error {
	pair, err := s.loadPair(ctx, projectID, id)
	if err != nil {
		return err
	}
	if pair.CollectionID != collectionID {
		return apperr.NotFound("qa pair %s not found in collection", id)
	}

	// the document row carries the vector, one delete covers both; match by
	// backlink too so stale extra rows cannot survive
	q := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Where("tags ->> 'qa_pair_id' = ?", pair.ID)
	if pair.DocumentID != nil {
		q = s.db.WithContext(ctx).
			Where("project_id = ?", projectID).
			Where("id = ? OR tags ->> 'qa_pair_id' = ?", *pair.DocumentID, pair.ID)
	}
	res := q.Delete(&models.FileDocumentModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 && pair.DocumentID != nil {
		s.log.Warn("qa document already gone",
			zap.String("qa_pair_id", pair.ID), zap.String("document_id", *pair.DocumentID))
	}

	return s.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", pair.ID).
		Delete(&models.QAPairModel{}).Error
}

func (s *Service) buildRow(projectID, collectionID string, in CreateInput) *models.QAPairModel {
	return &models.QAPairModel{
		ProjectScoped: models.ProjectScoped{ProjectID: projectID},
		CollectionID:  collectionID,
		Question:      in.Question,
		Answer:        in.Answer,
		QuestionHash:  QuestionHash(in.Question),
		Category:      in.Category,
		Subcategory:   in.Subcategory,
		Tags:          in.Tags,
		QAMetadata:    in.QAMetadata,
		SourceType:    "manual",
		Status:        models.QAStatusPending,
		Priority:      in.Priority,
	}
}

func (s *Service) checkCollection(ctx context.Context, projectID, collectionID string) error {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.CollectionModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", collectionID).
		Count(&n).Error
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("collection %s not found", collectionID)
	}
	return nil
}

func (s *Service) loadPair(ctx context.Context, projectID, id string) (*models.QAPairModel, error) {
	var pair models.QAPairModel
	err := s.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", id).
		First(&pair).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("qa pair %s not found", id)
		}
		return nil, err
	}
	return &pair, nil
}

func (s *Service) setStatus(ctx context.Context, pair *models.QAPairModel, status models.QAStatus) error {
	err := s.db.WithContext(ctx).Model(&models.QAPairModel{}).
		Scopes(models.ScopedBy(pair.ProjectID)).
		Where("id = ?", pair.ID).
		Update("status", status).Error
	if err == nil {
		pair.Status = status
	}
	return err
}

func (s *Service) markFailed(ctx context.Context, pair *models.QAPairModel, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	err := s.db.WithContext(ctx).Model(&models.QAPairModel{}).
		Scopes(models.ScopedBy(pair.ProjectID)).
		Where("id = ?", pair.ID).
		Updates(map[string]interface{}{
			"status":        models.QAStatusFailed,
			"error_message": msg,
		}).Error
	if err != nil {
		s.log.Error("mark qa pair failed errored", zap.String("qa_pair_id", pair.ID), zap.Error(err))
	}
	s.log.Warn("qa pair failed", zap.String("qa_pair_id", pair.ID), zap.Error(cause))
}

// QuestionHash is the collection-level dedup key for a question.
func QuestionHash(question string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(question)))
	return hex.EncodeToString(sum[:])
}

func firstRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
