package models

// CrawlJobStatus is the lifecycle state of a website crawl job.
type CrawlJobStatus string

const (
	CrawlJobStatusPending    CrawlJobStatus = "pending"
	CrawlJobStatusCrawling   CrawlJobStatus = "crawling"
	CrawlJobStatusProcessing CrawlJobStatus = "processing"
	CrawlJobStatusCompleted  CrawlJobStatus = "completed"
	CrawlJobStatusFailed     CrawlJobStatus = "failed"
	CrawlJobStatusCancelled  CrawlJobStatus = "cancelled"
)

// Terminal reports whether the job can no longer make progress.
func (s CrawlJobStatus) Terminal() bool {
	switch s {
	case CrawlJobStatusCompleted, CrawlJobStatusFailed, CrawlJobStatusCancelled:
		return true
	}
	return false
}

// WebsiteCrawlJobModel roots a breadth-first crawl. Pages reference the job by id
// only, keeping the object graph acyclic.
type WebsiteCrawlJobModel struct {
	Base
	SoftDelete
	ProjectScoped
	CollectionID    string         `json:"collection_id"            gorm:"type:char(36);index;not null"`
	StartURL        string         `json:"start_url"                gorm:"not null"`
	MaxPages        int            `json:"max_pages"                gorm:"not null;default:50"`
	MaxDepth        int            `json:"max_depth"                gorm:"not null;default:2"`
	IncludePatterns StringArray    `json:"include_patterns,omitempty" gorm:"serializer:json"`
	ExcludePatterns StringArray    `json:"exclude_patterns,omitempty" gorm:"serializer:json"`
	Status          CrawlJobStatus `json:"status"                   gorm:"type:varchar(16);not null;default:'pending';index"`
	PagesDiscovered int            `json:"pages_discovered"         gorm:"not null;default:0"`
	PagesCrawled    int            `json:"pages_crawled"            gorm:"not null;default:0"`
	PagesProcessed  int            `json:"pages_processed"          gorm:"not null;default:0"`
	PagesFailed     int            `json:"pages_failed"             gorm:"not null;default:0"`
	CrawlOptions    JSONMap        `json:"crawl_options"            gorm:"serializer:json"`
	ErrorMessage    *string        `json:"error_message,omitempty"  gorm:"type:text"`
	TaskID          *string        `json:"task_id,omitempty"        gorm:"type:char(36)"`
}

func (WebsiteCrawlJobModel) TableName() string { return "website_crawl_jobs" }

// WebsitePageStatus is the per-page lifecycle: pending → fetched → extracted →
// processed | failed.
type WebsitePageStatus string

const (
	WebsitePageStatusPending   WebsitePageStatus = "pending"
	WebsitePageStatusFetched   WebsitePageStatus = "fetched"
	WebsitePageStatusExtracted WebsitePageStatus = "extracted"
	WebsitePageStatusProcessed WebsitePageStatus = "processed"
	WebsitePageStatusFailed    WebsitePageStatus = "failed"
)

// Terminal reports whether the page reached a final state.
func (s WebsitePageStatus) Terminal() bool {
	return s == WebsitePageStatusProcessed || s == WebsitePageStatusFailed
}

// WebsitePageModel is one crawled page. URLHash deduplicates within a job
// (unique index) and within a collection (lookup before insert).
type WebsitePageModel struct {
	Base
	ProjectScoped
	CrawlJobID      string            `json:"crawl_job_id"             gorm:"type:char(36);not null;uniqueIndex:uniq_website_pages_job_url,priority:1"`
	CollectionID    string            `json:"collection_id"            gorm:"type:char(36);index;not null"`
	FileID          *string           `json:"file_id,omitempty"        gorm:"type:char(36);index"`
	URL             string            `json:"url"                      gorm:"type:text;not null"`
	URLHash         string            `json:"url_hash"                 gorm:"type:char(64);not null;uniqueIndex:uniq_website_pages_job_url,priority:2;index:idx_website_pages_collection_hash"`
	Title           *string           `json:"title,omitempty"`
	Depth           int               `json:"depth"                    gorm:"not null;default:0"`
	ContentMarkdown *string           `json:"content_markdown,omitempty" gorm:"type:text"`
	ContentLength   int               `json:"content_length"           gorm:"not null;default:0"`
	ContentHash     *string           `json:"content_hash,omitempty"   gorm:"type:char(64)"`
	MetaDescription *string           `json:"meta_description,omitempty"`
	PageMetadata    JSONMap           `json:"page_metadata"            gorm:"serializer:json"`
	Status          WebsitePageStatus `json:"status"                   gorm:"type:varchar(16);not null;default:'pending';index"`
	HTTPStatusCode  *int              `json:"http_status_code,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"  gorm:"type:text"`
}

func (WebsitePageModel) TableName() string { return "website_pages" }
