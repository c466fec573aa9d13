package models

import "github.com/pgvector/pgvector-go"

// Document content types stored in FileDocumentModel.ContentType.
const (
	DocumentContentParagraph = "paragraph"
	DocumentContentHeading   = "heading"
	DocumentContentQAPair    = "qa_pair"
)

// FileDocumentModel is a single embeddable, searchable chunk. It may belong to an
// uploaded file, a crawled page (through its synthetic file), or a QA pair
// (FileID null, ContentType qa_pair).
//
// A content_tsv tsvector column is generated by the database from Content (see
// database migrations); it intentionally has no struct field so writes can never
// touch it. Embedding is nil until the vector store writes it; rows left behind
// by a failed embed batch stay NULL and are excluded from k-NN.
type FileDocumentModel struct {
	Base
	ProjectScoped
	FileID              *string         `json:"file_id,omitempty"          gorm:"type:char(36);index"`
	CollectionID        *string         `json:"collection_id,omitempty"    gorm:"type:char(36);index"`
	Content             string          `json:"content"                    gorm:"type:text;not null"`
	ContentLength       int             `json:"content_length"             gorm:"not null;default:0"`
	TokenCount          *int            `json:"token_count,omitempty"`
	ChunkIndex          *int            `json:"chunk_index,omitempty"`
	SectionTitle        *string         `json:"section_title,omitempty"`
	PageNumber          *int            `json:"page_number,omitempty"`
	ContentType         string          `json:"content_type"               gorm:"type:varchar(32);not null;default:'paragraph'"`
	DocumentTitle       *string         `json:"document_title,omitempty"`
	Language            *string         `json:"language,omitempty"`
	ConfidenceScore     *float64        `json:"confidence_score,omitempty"`
	Tags                JSONMap         `json:"tags"                       gorm:"serializer:json;type:jsonb"`
	EmbeddingModel      *string          `json:"embedding_model,omitempty"`
	EmbeddingDimensions *int             `json:"embedding_dimensions,omitempty"`
	Embedding           *pgvector.Vector `json:"-"                          gorm:"type:vector(1536)"`
}

func (FileDocumentModel) TableName() string { return "file_documents" }
