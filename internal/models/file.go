package models

// FileStatus is the document-pipeline state of an uploaded or crawled file.
// Transitions only move forward or jump to failed; completed and failed are terminal.
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusChunking   FileStatus = "chunking"
	FileStatusEmbedding  FileStatus = "embedding"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
)

// Terminal reports whether no further pipeline work may run for this status.
func (s FileStatus) Terminal() bool {
	return s == FileStatusCompleted || s == FileStatusFailed
}

// FileModel describes one uploaded or crawl-synthesized file and its pipeline state.
type FileModel struct {
	Base
	SoftDelete
	ProjectScoped
	CollectionID     *string     `json:"collection_id"           gorm:"type:char(36);index"`
	OriginalFilename string      `json:"original_filename"       gorm:"not null"`
	Size             int64       `json:"size"                    gorm:"not null;default:0"`
	ContentType      string      `json:"content_type"            gorm:"not null"`
	StorageProvider  string      `json:"storage_provider"        gorm:"type:varchar(16);not null;default:'local'"`
	StoragePath      string      `json:"storage_path"            gorm:"not null"`
	StorageMetadata  JSONMap     `json:"storage_metadata"        gorm:"serializer:json"`
	Status           FileStatus  `json:"status"                  gorm:"type:varchar(16);not null;default:'pending';index"`
	Language         *string     `json:"language,omitempty"`
	Description      *string     `json:"description,omitempty"`
	Tags             StringArray `json:"tags,omitempty"          gorm:"serializer:json"`
	DocumentCount    *int        `json:"document_count,omitempty"`
	TotalTokens      *int        `json:"total_tokens,omitempty"`
	ErrorMessage     *string     `json:"error_message,omitempty" gorm:"type:text"`
}

func (FileModel) TableName() string { return "files" }
