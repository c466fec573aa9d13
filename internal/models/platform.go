package models

// PlatformType identifies which inbound IM platform a record belongs to. The set
// is closed: each member has a dedicated intake handler and inbox table.
type PlatformType string

const (
	PlatformWeCom    PlatformType = "wecom"
	PlatformWeComBot PlatformType = "wecom_bot"
	PlatformFeishu   PlatformType = "feishu"
	PlatformDingTalk PlatformType = "dingtalk"
	PlatformTelegram PlatformType = "telegram"
	PlatformWuKongIM PlatformType = "wukongim"
)

// Valid reports whether t names a supported platform.
func (t PlatformType) Valid() bool {
	switch t {
	case PlatformWeCom, PlatformWeComBot, PlatformFeishu, PlatformDingTalk, PlatformTelegram, PlatformWuKongIM:
		return true
	}
	return false
}

// AI answering modes for a platform.
const (
	AIModeAuto = "auto"
	AIModeOff  = "off"
)

// PlatformModel is one configured inbound channel. APIKey addresses the shared
// callback endpoint; Config carries the per-platform credential map (tokens,
// AES keys, secrets) whose keys each intake handler documents.
type PlatformModel struct {
	Base
	SoftDelete
	ProjectScoped
	Type                PlatformType `json:"type"                  gorm:"type:varchar(16);not null"`
	Name                string       `json:"name"                  gorm:"not null"`
	APIKey              string       `json:"api_key"               gorm:"type:char(36);uniqueIndex;not null"`
	Config              JSONMap      `json:"config"                gorm:"serializer:json"`
	IsActive            bool         `json:"is_active"             gorm:"not null;default:true"`
	AIMode              string       `json:"ai_mode"               gorm:"type:varchar(8);not null;default:'auto'"`
	AgentIDs            StringArray  `json:"agent_ids"             gorm:"serializer:json"`
	LogoPath            *string      `json:"logo_path,omitempty"`
	FallbackToAITimeout *int         `json:"fallback_to_ai_timeout,omitempty"`
}

func (PlatformModel) TableName() string { return "platforms" }
