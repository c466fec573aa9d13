package models

// CollectionType selects the ingestion source a collection accepts.
type CollectionType string

const (
	CollectionTypeFile    CollectionType = "file"
	CollectionTypeWebsite CollectionType = "website"
	CollectionTypeQA      CollectionType = "qa"
)

// Valid reports whether t is one of the closed set of collection types.
func (t CollectionType) Valid() bool {
	switch t {
	case CollectionTypeFile, CollectionTypeWebsite, CollectionTypeQA:
		return true
	}
	return false
}

// CollectionModel is the retrieval-scoping unit: files, crawled pages, and QA
// pairs all hang off a collection.
type CollectionModel struct {
	Base
	SoftDelete
	ProjectScoped
	Type        CollectionType `json:"collection_type"        gorm:"type:varchar(16);not null;default:'file'"`
	DisplayName string         `json:"display_name"           gorm:"not null"`
	Description string         `json:"description"`
	Metadata    JSONMap        `json:"metadata"               gorm:"serializer:json"`
	Tags        StringArray    `json:"tags"                   gorm:"serializer:json"`
	CrawlConfig JSONMap        `json:"crawl_config,omitempty" gorm:"serializer:json"`
}

func (CollectionModel) TableName() string { return "collections" }
