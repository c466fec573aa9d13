package models

import "time"

// VisitorServiceStatus tracks where a visitor sits in the human-routing flow.
type VisitorServiceStatus string

const (
	VisitorStatusNew    VisitorServiceStatus = "NEW"
	VisitorStatusQueued VisitorServiceStatus = "QUEUED"
	VisitorStatusActive VisitorServiceStatus = "ACTIVE"
	VisitorStatusClosed VisitorServiceStatus = "CLOSED"
)

// VisitorModel is one end user arriving through a platform. PlatformOpenID is
// the platform-side identity; uniqueness per (platform_id, platform_open_id) is
// a partial index in the migrations.
type VisitorModel struct {
	Base
	SoftDelete
	ProjectScoped
	PlatformID      string               `json:"platform_id"       gorm:"type:char(36);index;not null"`
	PlatformOpenID  string               `json:"platform_open_id"  gorm:"type:varchar(128);index;not null"`
	Name            string               `json:"name"`
	Avatar          *string              `json:"avatar,omitempty"`
	IsOnline        bool                 `json:"is_online"         gorm:"not null;default:false"`
	AIDisabled      bool                 `json:"ai_disabled"       gorm:"not null;default:false"`
	ServiceStatus   VisitorServiceStatus `json:"service_status"    gorm:"type:varchar(16);not null;default:'NEW';index"`
	LastVisitTime   *time.Time           `json:"last_visit_time,omitempty"`
	LastOfflineTime *time.Time           `json:"last_offline_time,omitempty"`
	Extra           JSONMap              `json:"extra"             gorm:"serializer:json"`
}

func (VisitorModel) TableName() string { return "visitors" }

// Session states.
const (
	SessionStatusOpen   = "OPEN"
	SessionStatusClosed = "CLOSED"
)

// VisitorSessionModel is one conversation span between a visitor and (optionally)
// a staff member. Concurrent-chat caps count OPEN rows per staff.
type VisitorSessionModel struct {
	Base
	ProjectScoped
	VisitorID  string     `json:"visitor_id"          gorm:"type:char(36);index;not null"`
	PlatformID *string    `json:"platform_id,omitempty" gorm:"type:char(36);index"`
	StaffID    *string    `json:"staff_id,omitempty"  gorm:"type:char(36);index"`
	Status     string     `json:"status"              gorm:"type:varchar(8);not null;default:'OPEN';index"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

func (VisitorSessionModel) TableName() string { return "visitor_sessions" }
