package models

import "time"

// VisitorAssignmentRuleModel is the per-project routing policy: service window,
// concurrency cap, and optional LLM-based operator selection. Absent rule or
// window means "always in service".
type VisitorAssignmentRuleModel struct {
	Base
	ProjectScoped
	MaxConcurrentChats      *int    `json:"max_concurrent_chats,omitempty"`
	ServiceWeekdays         []int   `json:"service_weekdays,omitempty"      gorm:"serializer:json"`
	ServiceStartTime        *string `json:"service_start_time,omitempty"    gorm:"type:varchar(8)"`
	ServiceEndTime          *string `json:"service_end_time,omitempty"      gorm:"type:varchar(8)"`
	Timezone                string  `json:"timezone"                        gorm:"type:varchar(64);not null;default:'Asia/Shanghai'"`
	LLMAssignmentEnabled    bool    `json:"llm_assignment_enabled"          gorm:"not null;default:false"`
	AIProviderID            *string `json:"ai_provider_id,omitempty"        gorm:"type:varchar(64)"`
	Model                   *string `json:"model,omitempty"`
	EffectivePrompt         string  `json:"effective_prompt"                gorm:"type:text"`
	QueueWaitTimeoutMinutes *int    `json:"queue_wait_timeout_minutes,omitempty"`
}

func (VisitorAssignmentRuleModel) TableName() string { return "visitor_assignment_rules" }

// Waiting-queue states.
type QueueStatus string

const (
	QueueStatusWaiting   QueueStatus = "WAITING"
	QueueStatusAssigned  QueueStatus = "ASSIGNED"
	QueueStatusCancelled QueueStatus = "CANCELLED"
	QueueStatusExpired   QueueStatus = "EXPIRED"
)

// VisitorWaitingQueueModel is one visitor waiting for an operator. At most one
// WAITING row may exist per (project, visitor); a partial unique index enforces it.
type VisitorWaitingQueueModel struct {
	Base
	ProjectScoped
	VisitorID      string      `json:"visitor_id"                gorm:"type:char(36);index;not null"`
	SessionID      string      `json:"session_id"                gorm:"type:char(36);index;not null"`
	Source         string      `json:"source"                    gorm:"type:varchar(16);not null"`
	Position       int         `json:"position"                  gorm:"not null;default:0"`
	Priority       int         `json:"priority"                  gorm:"not null;default:0"`
	Status         QueueStatus `json:"status"                    gorm:"type:varchar(16);not null;default:'WAITING';index"`
	VisitorMessage *string     `json:"visitor_message,omitempty" gorm:"type:text"`
	Reason         *string     `json:"reason,omitempty"`
	ExpiredAt      *time.Time  `json:"expired_at,omitempty"      gorm:"index"`
	AIDisabled     *bool       `json:"ai_disabled,omitempty"`
}

func (VisitorWaitingQueueModel) TableName() string { return "visitor_waiting_queues" }

// Assignment decision sources.
const (
	AssignSourceManual   = "MANUAL"
	AssignSourceLLM      = "LLM"
	AssignSourceRule     = "RULE"
	AssignSourceTransfer = "TRANSFER"
)

// VisitorAssignmentHistoryModel is the append-only audit of every assignment
// decision: candidates, prompt, raw model output, and outcome. Rows are never
// updated after insert.
type VisitorAssignmentHistoryModel struct {
	Base
	ProjectScoped
	VisitorID         string      `json:"visitor_id"                  gorm:"type:char(36);index;not null"`
	SessionID         string      `json:"session_id"                  gorm:"type:char(36);index"`
	AssignedStaffID   *string     `json:"assigned_staff_id,omitempty" gorm:"type:char(36);index"`
	PreviousStaffID   *string     `json:"previous_staff_id,omitempty" gorm:"type:char(36)"`
	AssignedByStaffID *string     `json:"assigned_by_staff_id,omitempty" gorm:"type:char(36)"`
	Source            string      `json:"source"                      gorm:"type:varchar(16);not null"`
	VisitorMessage    *string     `json:"visitor_message,omitempty"   gorm:"type:text"`
	Notes             *string     `json:"notes,omitempty"             gorm:"type:text"`
	ModelUsed         *string     `json:"model_used,omitempty"`
	PromptUsed        *string     `json:"prompt_used,omitempty"       gorm:"type:text"`
	LLMResponse       *string     `json:"llm_response,omitempty"      gorm:"type:text"`
	Reasoning         *string     `json:"reasoning,omitempty"         gorm:"type:text"`
	CandidateStaffIDs StringArray `json:"candidate_staff_ids"         gorm:"serializer:json"`
	CandidateScores   JSONMap     `json:"candidate_scores,omitempty"  gorm:"serializer:json"`
}

func (VisitorAssignmentHistoryModel) TableName() string { return "visitor_assignment_histories" }
