// Package file handles upload intake for the document pipeline: validating,
// persisting the raw payload through the storage provider, creating the file
// row, and queueing ingestion. Downloads, deletes, and reprocessing live here
// too.
package file

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/config"
	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/modules/processing/document"
	"github.com/echodesk/core/internal/pkg/apperr"
	"github.com/echodesk/core/internal/pkg/storage"
	"github.com/echodesk/core/internal/pkg/taskqueue"
)

// Upload rejections that carry their own HTTP status (415, 413) instead of
// the usual kind mapping.
var (
	ErrFileTypeNotAllowed = errors.New("file type not allowed")
	ErrFileTooLarge       = errors.New("file exceeds the size limit")
)

type Service struct {
	db    *gorm.DB
	cfg   *config.AppConfig
	files storage.Provider
	tasks *taskqueue.Service
	log   *zap.Logger
}

func NewService(db *gorm.DB, cfg *config.AppConfig, files storage.Provider, tasks *taskqueue.Service, log *zap.Logger) *Service {
	return &Service{db: db, cfg: cfg, files: files, tasks: tasks, log: log.Named("file")}
}

// UploadInput is one file to ingest, already read off the wire.
type UploadInput struct {
	Filename     string
	Size         int64
	ContentType  string // multipart part header, may be empty or octet-stream
	Data         []byte
	CollectionID *string
	Description  *string
	Language     *string
	Tags         models.StringArray
	QAMode       bool
}

// Upload validates the payload, stores it, creates the file row, and queues
// processing. The row starts in pending; the pipeline owns it from there.
func (s *Service) Upload(ctx context.Context, projectID string, in UploadInput) (*models.FileModel, error) {
	in.Size = int64(len(in.Data)) // the read bytes are the truth, not the header
	ext, err := s.checkFileType(in.Filename)
	if err != nil {
		return nil, err
	}
	if err := s.checkSize(in.Size); err != nil {
		return nil, err
	}
	if in.CollectionID != nil {
		if err := s.checkCollection(ctx, projectID, *in.CollectionID); err != nil {
			return nil, err
		}
	}

	fileID := uuid.New().String()
	key := storage.ObjectKey(projectID, fileID, in.Filename)
	contentType := resolveContentType(in.ContentType, ext)

	if err := s.files.Save(ctx, key, in.Data, contentType); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	row := &models.FileModel{
		Base:             models.Base{ID: fileID},
		ProjectScoped:    models.ProjectScoped{ProjectID: projectID},
		CollectionID:     in.CollectionID,
		OriginalFilename: in.Filename,
		Size:             in.Size,
		ContentType:      contentType,
		StorageProvider:  s.files.Kind(),
		StoragePath:      key,
		Status:           models.FileStatusPending,
		Language:         in.Language,
		Description:      in.Description,
		Tags:             in.Tags,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if delErr := s.files.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			s.log.Warn("orphaned upload object after row create failure",
				zap.String("key", key), zap.Error(delErr))
		}
		return nil, err
	}

	if err := s.enqueueProcess(ctx, row, in.QAMode); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Service) enqueueProcess(ctx context.Context, row *models.FileModel, qaMode bool) error {
	req := document.ProcessFileRequest{
		ProjectID: row.ProjectID,
		FileID:    row.ID,
		QAMode:    qaMode,
	}
	if row.CollectionID != nil {
		req.CollectionID = *row.CollectionID
	}
	_, err := s.tasks.Enqueue(ctx, document.TaskProcessFile, req,
		document.TaskProcessFile+":"+row.ID, row.ProjectID)
	if err != nil {
		s.markFailed(ctx, row.ProjectID, row.ID, "queue processing: "+err.Error())
		return fmt.Errorf("queue processing for file %s: %w", row.ID, err)
	}
	return nil
}

// BatchItem reports the outcome of one file in a batch upload.
type BatchItem struct {
	Filename string  `json:"filename"`
	Status   string  `json:"status"` // created or failed
	FileID   *string `json:"file_id,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// BatchResult enumerates per-file outcomes; a batch as a whole never fails.
type BatchResult struct {
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Items     []BatchItem `json:"items"`
}

// UploadMany ingests each file independently under shared collection and
// metadata fields. One bad file does not sink the rest.
func (s *Service) UploadMany(ctx context.Context, projectID string, inputs []UploadInput) (*BatchResult, error) {
	if len(inputs) == 0 {
		return nil, apperr.InvalidPayload("no files in batch")
	}

	result := &BatchResult{Total: len(inputs), Items: make([]BatchItem, 0, len(inputs))}
	for _, in := range inputs {
		row, err := s.Upload(ctx, projectID, in)
		if err != nil {
			msg := err.Error()
			result.Failed++
			result.Items = append(result.Items, BatchItem{
				Filename: in.Filename,
				Status:   "failed",
				Error:    &msg,
			})
			continue
		}
		result.Succeeded++
		result.Items = append(result.Items, BatchItem{
			Filename: in.Filename,
			Status:   "created",
			FileID:   &row.ID,
		})
	}
	return result, nil
}

// Get loads one file row under the tenant.
func (s *Service) Get(ctx context.Context, projectID, id string) (*models.FileModel, error) {
	var row models.FileModel
	err := s.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("file %s not found", id)
		}
		return nil, err
	}
	return &row, nil
}

// OpenDownload validates the stored path and returns the row plus the
// normalized key to read from. A path that would escape the storage root is
// a forbidden access, not a 404.
func (s *Service) OpenDownload(ctx context.Context, projectID, id string) (*models.FileModel, string, error) {
	row, err := s.Get(ctx, projectID, id)
	if err != nil {
		return nil, "", err
	}
	key, ok := storage.CleanKey(row.StoragePath)
	if !ok {
		s.log.Warn("file row carries an unsafe storage path",
			zap.String("file_id", row.ID), zap.String("storage_path", row.StoragePath))
		return nil, "", apperr.Forbidden("storage path is outside the upload root")
	}
	return row, key, nil
}

// Delete removes the file's document rows (vectors live on them), the stored
// object, and soft-deletes the file row. Object removal is best-effort.
func (s *Service) Delete(ctx context.Context, projectID, id string) error {
	row, err := s.Get(ctx, projectID, id)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).
		Where("project_id = ? AND file_id = ?", projectID, row.ID).
		Delete(&models.FileDocumentModel{}).Error
	if err != nil {
		return err
	}

	if key, ok := storage.CleanKey(row.StoragePath); ok {
		if err := s.files.Delete(ctx, key); err != nil {
			s.log.Warn("stored object delete failed",
				zap.String("file_id", row.ID), zap.String("key", key), zap.Error(err))
		}
	}

	return s.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", row.ID).
		Delete(&models.FileModel{}).Error
}

// ReprocessResult names the queue task a reprocess run was handed to.
type ReprocessResult struct {
	FileID string `json:"file_id"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Reprocess re-runs ingestion for a terminal file: old chunks are dropped,
// the row goes back to pending, and a fresh task is queued. A file still
// being processed is refused.
func (s *Service) Reprocess(ctx context.Context, projectID, id string, qaMode bool) (*ReprocessResult, error) {
	row, err := s.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if !row.Status.Terminal() {
		return nil, apperr.Conflict("file %s is still processing (status %s)", id, row.Status)
	}

	err = s.db.WithContext(ctx).
		Where("project_id = ? AND file_id = ?", projectID, row.ID).
		Delete(&models.FileDocumentModel{}).Error
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(&models.FileModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", row.ID).
		Updates(map[string]interface{}{
			"status":         models.FileStatusPending,
			"error_message":  nil,
			"document_count": nil,
			"total_tokens":   nil,
		}).Error
	if err != nil {
		return nil, err
	}

	req := document.ProcessFileRequest{ProjectID: projectID, FileID: row.ID, QAMode: qaMode}
	if row.CollectionID != nil {
		req.CollectionID = *row.CollectionID
	}
	task, err := s.tasks.Enqueue(ctx, document.TaskProcessFile, req,
		document.TaskProcessFile+":"+row.ID, projectID)
	if err != nil {
		s.markFailed(ctx, projectID, row.ID, "queue reprocessing: "+err.Error())
		return nil, fmt.Errorf("queue reprocessing for file %s: %w", row.ID, err)
	}
	return &ReprocessResult{FileID: row.ID, TaskID: task.ID, Status: string(models.FileStatusPending)}, nil
}

func (s *Service) checkFileType(filename string) (string, error) {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if ext == "" {
		return "", apperr.Wrap(ErrFileTypeNotAllowed, apperr.KindInvalidPayload,
			"%q has no file extension", filename)
	}
	for _, allowed := range s.cfg.Storage.AllowedFileTypes {
		if ext == allowed {
			return ext, nil
		}
	}
	return "", apperr.Wrap(ErrFileTypeNotAllowed, apperr.KindInvalidPayload,
		"file type .%s is not allowed (allowed: %s)", ext, strings.Join(s.cfg.Storage.AllowedFileTypes, ", "))
}

// checkSize admits payloads up to and including the configured limit.
func (s *Service) checkSize(size int64) error {
	if size <= 0 {
		return apperr.InvalidPayload("uploaded file is empty")
	}
	if size > s.cfg.Storage.MaxFileSize {
		return apperr.Wrap(ErrFileTooLarge, apperr.KindInvalidPayload,
			"file is %d bytes, the limit is %d", size, s.cfg.Storage.MaxFileSize)
	}
	return nil
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

func (s *Service) markFailed(ctx context.Context, projectID, fileID, msg string) {
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&models.FileModel{}).
		Scopes(models.ScopedBy(projectID)).
		Where("id = ?", fileID).
		Updates(map[string]interface{}{
			"status":        models.FileStatusFailed,
			"error_message": msg,
		}).Error
	if err != nil {
		s.log.Error("mark file failed errored", zap.String("file_id", fileID), zap.Error(err))
	}
}

// uploadMIMETypes pins the content type per allowed extension so ingestion
// does not depend on the host's mime database.
var uploadMIMETypes = map[string]string{
	"pdf":      "application/pdf",
	"doc":      "application/msword",
	"docx":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"txt":      "text/plain",
	"md":       "text/markdown",
	"markdown": "text/markdown",
	"html":     "text/html",
	"htm":      "text/html",
	"csv":      "text/csv",
	"json":     "application/json",
}

// resolveContentType prefers the client-declared type unless it is empty or
// the generic octet-stream, then falls back to the extension table.
func resolveContentType(declared, ext string) string {
	declared = strings.TrimSpace(strings.ToLower(declared))
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if mt, ok := uploadMIMETypes[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}
