package models

// QAStatus is the processing state of a curated question/answer pair.
type QAStatus string

const (
	QAStatusPending    QAStatus = "pending"
	QAStatusProcessing QAStatus = "processing"
	QAStatusProcessed  QAStatus = "processed"
	QAStatusFailed     QAStatus = "failed"
)

// QAPairModel is a curated Q/A entry. Its embeddable form lives in a linked
// FileDocumentModel with FileID null and ContentType qa_pair; the link is soft
// and bidirectional (DocumentID here, tags.qa_pair_id there).
//
// Uniqueness over (collection_id, question_hash) is enforced by a partial index
// created in the database migrations (soft-deleted rows do not block re-adding).
type QAPairModel struct {
	Base
	SoftDelete
	ProjectScoped
	CollectionID string      `json:"collection_id"           gorm:"type:char(36);index;not null"`
	Question     string      `json:"question"                gorm:"type:text;not null"`
	Answer       string      `json:"answer"                  gorm:"type:text;not null"`
	QuestionHash string      `json:"question_hash"           gorm:"type:char(64);index;not null"`
	Category     *string     `json:"category,omitempty"`
	Subcategory  *string     `json:"subcategory,omitempty"`
	Tags         StringArray `json:"tags,omitempty"          gorm:"serializer:json"`
	QAMetadata   JSONMap     `json:"qa_metadata,omitempty"   gorm:"serializer:json"`
	SourceType   string      `json:"source_type"             gorm:"type:varchar(16);not null;default:'manual'"`
	Status       QAStatus    `json:"status"                  gorm:"type:varchar(16);not null;default:'pending';index"`
	DocumentID   *string     `json:"document_id,omitempty"   gorm:"type:char(36);index"`
	Priority     int         `json:"priority"                gorm:"not null;default:0"`
	ErrorMessage *string     `json:"error_message,omitempty" gorm:"type:text"`
}

func (QAPairModel) TableName() string { return "qa_pairs" }
