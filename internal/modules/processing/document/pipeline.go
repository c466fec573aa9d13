// Package document runs the staged ingestion pipeline for one file: load,
// extract, chunk, optional QA augmentation, persist, embed, finalize. Every
// stage failure is pinned to its step name and lands in files.error_message;
// nothing retries automatically.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/config"
	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/modules/processing/ai"
	"github.com/echodesk/core/internal/modules/retrieval/vectorstore"
	"github.com/echodesk/core/internal/pkg/alert"
	"github.com/echodesk/core/internal/pkg/storage"
	"github.com/echodesk/core/internal/pkg/taskqueue"
)

// TaskProcessFile is the queue topic for file ingestion.
const TaskProcessFile = "document.process"

const (
	persistBatchSize = 100
	maxErrorMessage  = 2000
)

// StepError pins a pipeline failure to the stage that raised it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

func stepFail(step string, err error) *StepError {
	return &StepError{Step: step, Err: err}
}

// Pipeline wires the ingestion stages to their backing services.
type Pipeline struct {
	db      *gorm.DB
	files   storage.Provider
	vectors *vectorstore.Service
	ai      *ai.Client
	cfg     *config.AppConfig
	alerts  *alert.Service
	log     *zap.Logger
}

func NewPipeline(db *gorm.DB, files storage.Provider, vectors *vectorstore.Service, aiClient *ai.Client, cfg *config.AppConfig, alerts *alert.Service, log *zap.Logger) *Pipeline {
	return &Pipeline{
		db:      db,
		files:   files,
		vectors: vectors,
		ai:      aiClient,
		cfg:     cfg,
		alerts:  alerts,
		log:     log.Named("document"),
	}
}

// RegisterTasks binds the pipeline to its queue topic.
func (p *Pipeline) RegisterTasks(tq *taskqueue.Service) {
	tq.Register(TaskProcessFile, p.handleTask)
}

// ProcessFileRequest is the queue payload for one ingestion run.
type ProcessFileRequest struct {
	ProjectID    string `json:"project_id"`
	FileID       string `json:"file_id"`
	CollectionID string `json:"collection_id,omitempty"`
	QAMode       bool   `json:"qa_mode,omitempty"`
}

// ProcessResult is persisted as the task result.
type ProcessResult struct {
	FileID        string `json:"file_id"`
	DocumentCount int    `json:"document_count"`
	TotalTokens   int    `json:"total_tokens"`
	QAGenerated   int    `json:"qa_generated,omitempty"`
}

func (p *Pipeline) handleTask(ctx context.Context, task *taskqueue.Task) (interface{}, error) {
	var req ProcessFileRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode process payload: %w", err)
	}
	if req.ProjectID == "" || req.FileID == "" {
		return nil, errors.New("process payload missing project_id or file_id")
	}
	return p.ProcessFile(ctx, req)
}

// ProcessFile runs all stages for one file. On any stage error the file is
// marked failed with the step-tagged message, the backing crawl page (if any)
// is failed too, and an ops alert goes out.
func (p *Pipeline) ProcessFile(ctx context.Context, req ProcessFileRequest) (*ProcessResult, error) {
	log := p.log.With(zap.String("project_id", req.ProjectID), zap.String("file_id", req.FileID))

	file, err := p.loadFile(ctx, req)
	if err != nil {
		serr := stepFail("load", err)
		p.markFailed(ctx, req.ProjectID, req.FileID, nil, serr, log)
		return nil, serr
	}

	result, serr := p.run(ctx, file, req, log)
	if serr != nil {
		p.markFailed(ctx, req.ProjectID, req.FileID, file, serr, log)
		return nil, serr
	}
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, file *models.FileModel, req ProcessFileRequest, log *zap.Logger) (*ProcessResult, *StepError) {
	if err := p.setStatus(ctx, file, models.FileStatusProcessing, nil); err != nil {
		return nil, stepFail("load", err)
	}

	data, err := p.readPayload(ctx, file)
	if err != nil {
		return nil, stepFail("extract", err)
	}
	segments, err := Extract(file.OriginalFilename, file.ContentType, data)
	if err != nil {
		return nil, stepFail("extract", err)
	}
	if !hasEffectiveContent(segments) {
		return nil, stepFail("extract", errors.New("no extractable text content"))
	}

	if err := p.setStatus(ctx, file, models.FileStatusChunking, nil); err != nil {
		return nil, stepFail("chunk", err)
	}
	rows := p.chunkSegments(file, segments)
	if len(rows) == 0 {
		return nil, stepFail("chunk", errors.New("no chunks produced"))
	}

	qaGenerated := 0
	if req.QAMode {
		qaRows := p.augmentQA(ctx, file, rows, log)
		qaGenerated = len(qaRows)
		rows = append(rows, qaRows...)
	}

	if err := p.db.WithContext(ctx).CreateInBatches(&rows, persistBatchSize).Error; err != nil {
		return nil, stepFail("persist", err)
	}

	if err := p.setStatus(ctx, file, models.FileStatusEmbedding, nil); err != nil {
		return nil, stepFail("embed", err)
	}
	if err := p.embedRows(ctx, file.ProjectID, rows); err != nil {
		return nil, stepFail("embed", err)
	}

	totalTokens := 0
	for i := range rows {
		if rows[i].TokenCount != nil {
			totalTokens += *rows[i].TokenCount
		}
	}

	if err := p.finalize(ctx, file, len(rows), totalTokens); err != nil {
		return nil, stepFail("finalize", err)
	}

	log.Info("file processed",
		zap.Int("documents", len(rows)),
		zap.Int("tokens", totalTokens),
		zap.Int("qa_generated", qaGenerated))
	return &ProcessResult{
		FileID:        file.ID,
		DocumentCount: len(rows),
		TotalTokens:   totalTokens,
		QAGenerated:   qaGenerated,
	}, nil
}

func (p *Pipeline) loadFile(ctx context.Context, req ProcessFileRequest) (*models.FileModel, error) {
	var file models.FileModel
	err := p.db.WithContext(ctx).
		Scopes(models.ScopedBy(req.ProjectID)).
		Where("id = ?", req.FileID).
		First(&file).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("file %s not found", req.FileID)
		}
		return nil, err
	}
	return &file, nil
}

func (p *Pipeline) readPayload(ctx context.Context, file *models.FileModel) ([]byte, error) {
	rc, err := p.files.Open(ctx, file.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open stored object: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read stored object: %w", err)
	}
	return data, nil
}

// chunkSegments splits every segment and builds the document rows. The chunk
// index runs across the whole file so chunk ids stay unique and ordered.
func (p *Pipeline) chunkSegments(file *models.FileModel, segments []Segment) []models.FileDocumentModel {
	splitter := NewSplitter(p.cfg.Chunking.ChunkSize, p.cfg.Chunking.ChunkOverlap)
	title := file.OriginalFilename

	var rows []models.FileDocumentModel
	index := 0
	for segIdx, seg := range segments {
		for _, chunk := range splitter.Split(seg.Content) {
			chunkIndex := index
			tokenCount := chunk.TokenCount
			tags := models.JSONMap{
				"chunk_id":       fmt.Sprintf("%s_chunk_%d", file.ID, chunkIndex),
				"chunk_index":    chunkIndex,
				"document_index": segIdx,
				"start_offset":   chunk.StartOffset,
			}
			if len(file.Tags) > 0 {
				tags["file_tags"] = []string(file.Tags)
			}
			rows = append(rows, models.FileDocumentModel{
				ProjectScoped: models.ProjectScoped{ProjectID: file.ProjectID},
				FileID:        &file.ID,
				CollectionID:  file.CollectionID,
				Content:       chunk.Content,
				ContentLength: chunk.CharacterCount,
				TokenCount:    &tokenCount,
				ChunkIndex:    &chunkIndex,
				SectionTitle:  seg.SectionTitle,
				PageNumber:    seg.PageNumber,
				ContentType:   seg.ContentType,
				DocumentTitle: &title,
				Language:      file.Language,
				Tags:          tags,
			})
			index++
		}
	}
	return rows
}

// augmentQA submits chunk contents to the QA-generation model in batches and
// turns the pairs into extra qa_pair rows. A failed batch is logged and
// skipped; augmentation never fails the file.
func (p *Pipeline) augmentQA(ctx context.Context, file *models.FileModel, rows []models.FileDocumentModel, log *zap.Logger) []models.FileDocumentModel {
	batchSize := p.cfg.Retrieval.QAGenerationBatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	title := file.OriginalFilename

	var out []models.FileDocumentModel
	nextIndex := len(rows)
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		sections := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			sections = append(sections, rows[i].Content)
		}

		pairs, err := p.ai.GenerateQAPairs(ctx, sections)
		if err != nil {
			log.Warn("qa generation batch failed, skipping",
				zap.Int("batch_start", start),
				zap.Int("batch_size", end-start),
				zap.Error(err))
			continue
		}

		for _, pair := range pairs {
			content := fmt.Sprintf("问题: %s\n\n答案: %s", pair.Question, pair.Answer)
			chunkIndex := nextIndex
			tokens := EstimateTokens(content)
			tags := models.JSONMap{
				"chunk_id":    fmt.Sprintf("%s_chunk_%d", file.ID, chunkIndex),
				"chunk_index": chunkIndex,
				"source_type": "qa_generated",
			}
			if pair.Section >= 1 && start+pair.Section-1 < len(rows) {
				src := rows[start+pair.Section-1]
				if src.ChunkIndex != nil {
					tags["source_chunk_index"] = *src.ChunkIndex
				}
			}
			out = append(out, models.FileDocumentModel{
				ProjectScoped: models.ProjectScoped{ProjectID: file.ProjectID},
				FileID:        &file.ID,
				CollectionID:  file.CollectionID,
				Content:       content,
				ContentLength: utf8.RuneCountInString(content),
				TokenCount:    &tokens,
				ChunkIndex:    &chunkIndex,
				ContentType:   models.DocumentContentQAPair,
				DocumentTitle: &title,
				Tags:          tags,
			})
			nextIndex++
		}
	}
	return out
}

// embedRows pushes the persisted rows through the vector store in write
// batches; the embedding client does its own provider-cap sub-batching.
func (p *Pipeline) embedRows(ctx context.Context, projectID string, rows []models.FileDocumentModel) error {
	store, err := p.vectors.For(ctx, projectID)
	if err != nil {
		return err
	}

	batch := p.cfg.Chunking.BatchSize
	if batch < 1 {
		batch = 1
	}
	for start := 0; start < len(rows); start += batch {
		end := start + batch
		if end > len(rows) {
			end = len(rows)
		}
		docs := make([]vectorstore.Doc, 0, end-start)
		for i := start; i < end; i++ {
			docs = append(docs, vectorstore.Doc{ID: rows[i].ID, Content: rows[i].Content})
		}
		if _, err := store.UpsertBatch(ctx, docs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) finalize(ctx context.Context, file *models.FileModel, docCount, totalTokens int) error {
	err := p.setStatus(ctx, file, models.FileStatusCompleted, map[string]interface{}{
		"document_count": docCount,
		"total_tokens":   totalTokens,
		"error_message":  nil,
	})
	if err != nil {
		return err
	}
	p.updatePageStatus(ctx, file, models.WebsitePageStatusProcessed, "")
	return nil
}

func (p *Pipeline) setStatus(ctx context.Context, file *models.FileModel, status models.FileStatus, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": status}
	for k, v := range extra {
		updates[k] = v
	}
	return p.db.WithContext(ctx).Model(&models.FileModel{}).
		Scopes(models.ScopedBy(file.ProjectID)).
		Where("id = ?", file.ID).
		Updates(updates).Error
}

// markFailed records the failure on the file row, fails the backing crawl
// page when there is one, and raises an ops alert. Runs detached from the
// task context so a cancelled run still gets its bookkeeping.
func (p *Pipeline) markFailed(ctx context.Context, projectID, fileID string, file *models.FileModel, serr *StepError, log *zap.Logger) {
	ctx = context.WithoutCancel(ctx)

	msg := serr.Error()
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}

	err := p.db.WithContext(ctx).Model(&models.FileModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", fileID).
		Updates(map[string]interface{}{
			"status":        models.FileStatusFailed,
			"error_message": msg,
		}).Error
	if err != nil {
		log.Error("mark file failed errored", zap.Error(err))
	}

	if file != nil {
		p.updatePageStatus(ctx, file, models.WebsitePageStatusFailed, msg)
	}

	log.Warn("file processing failed", zap.String("step", serr.Step), zap.Error(serr.Err))
	p.alerts.PipelineFailurePush(projectID, fileID, msg)
}

// updatePageStatus reflects the pipeline outcome back onto the crawl page the
// file was synthesized from, when storage metadata names one.
func (p *Pipeline) updatePageStatus(ctx context.Context, file *models.FileModel, status models.WebsitePageStatus, errMsg string) {
	pageID, _ := file.StorageMetadata["page_id"].(string)
	if pageID == "" {
		return
	}

	updates := map[string]interface{}{"status": status}
	if errMsg != "" {
		updates["error_message"] = errMsg
	} else {
		updates["error_message"] = nil
	}
	err := p.db.WithContext(ctx).Model(&models.WebsitePageModel{}).
		Scopes(models.ScopedBy(file.ProjectID)).
		Where("id = ?", pageID).
		Updates(updates).Error
	if err != nil {
		p.log.Warn("crawl page status update failed",
			zap.String("page_id", pageID),
			zap.String("file_id", file.ID),
			zap.Error(err))
	}
}
