package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base is the base model for all entities. IDs are UUID strings so rows can be
// referenced across the vector store, the task queue, and the messaging substrate
// without numeric-id coupling.
type Base struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return nil
}

// SoftDelete is embedded by entities that are tombstoned instead of removed.
type SoftDelete struct {
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// ProjectScoped is embedded by every tenant-owned entity; all queries against
// these tables must carry a project predicate (see ScopedBy).
type ProjectScoped struct {
	ProjectID string `json:"project_id" gorm:"type:char(36);index;not null"`
}

// ScopedBy returns a GORM scope constraining a query to one project. Using it is
// the only sanctioned way to read tenant-owned tables.
func ScopedBy(projectID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("project_id = ?", projectID)
	}
}
