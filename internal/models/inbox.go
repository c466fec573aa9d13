package models

import "time"

// InboxStatus is the downstream-processing state of an inbound message row.
// Intake only ever writes pending.
type InboxStatus string

const (
	InboxStatusPending    InboxStatus = "pending"
	InboxStatusProcessing InboxStatus = "processing"
	InboxStatusDone       InboxStatus = "done"
	InboxStatusFailed     InboxStatus = "failed"
)

// InboxBase is the shape shared by all per-platform inbox tables. The composite
// unique index on (platform_id, message_id) is the at-most-once guarantee for
// webhook redelivery; handlers convert the violation into a 200.
type InboxBase struct {
	Base
	PlatformID string      `json:"platform_id" gorm:"type:char(36);not null;uniqueIndex:,composite:msg,priority:1"`
	MessageID  string      `json:"message_id"  gorm:"not null;uniqueIndex:,composite:msg,priority:2"`
	FromUser   string      `json:"from_user"   gorm:"index"`
	MsgType    string      `json:"msg_type"    gorm:"type:varchar(32)"`
	Content    string      `json:"content"     gorm:"type:text"`
	RawPayload JSONMap     `json:"raw_payload" gorm:"serializer:json"`
	Status     InboxStatus `json:"status"      gorm:"type:varchar(16);not null;default:'pending';index"`
	ReceivedAt time.Time   `json:"received_at" gorm:"index"`
}

// WeComInboxModel holds WeCom customer-service messages pulled via sync_msg.
type WeComInboxModel struct {
	InboxBase
	OpenKFID string `json:"open_kfid" gorm:"type:varchar(64);index"`
	CorpID   string `json:"corp_id"   gorm:"type:varchar(64)"`
}

func (WeComInboxModel) TableName() string { return "wecom_inbox" }

// WeComBotInboxModel holds WeCom group-bot messages.
type WeComBotInboxModel struct {
	InboxBase
	ChatID   string `json:"chat_id"   gorm:"type:varchar(64);index"`
	ChatType string `json:"chat_type" gorm:"type:varchar(16)"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

func (WeComBotInboxModel) TableName() string { return "wecom_bot_inbox" }

// FeishuInboxModel holds Feishu/Lark event-callback messages.
type FeishuInboxModel struct {
	InboxBase
	ChatID    string `json:"chat_id"    gorm:"type:varchar(64);index"`
	ChatType  string `json:"chat_type"  gorm:"type:varchar(16)"`
	TenantKey string `json:"tenant_key" gorm:"type:varchar(64)"`
}

func (FeishuInboxModel) TableName() string { return "feishu_inbox" }

// DingTalkInboxModel holds DingTalk robot callback messages.
type DingTalkInboxModel struct {
	InboxBase
	ConversationID   string `json:"conversation_id"   gorm:"type:varchar(128);index"`
	ConversationType string `json:"conversation_type" gorm:"type:varchar(8)"`
	SenderStaffID    string `json:"sender_staff_id"   gorm:"type:varchar(64)"`
	SessionWebhook   string `json:"session_webhook,omitempty"`
}

func (DingTalkInboxModel) TableName() string { return "dingtalk_inbox" }

// TelegramInboxModel holds Telegram bot updates. MessageID stores the update id,
// which Telegram guarantees unique per bot.
type TelegramInboxModel struct {
	InboxBase
	ChatID   int64  `json:"chat_id"   gorm:"index"`
	ChatType string `json:"chat_type" gorm:"type:varchar(16)"`
	Username string `json:"username"  gorm:"type:varchar(64)"`
}

func (TelegramInboxModel) TableName() string { return "telegram_inbox" }

// WuKongIMInboxModel holds messages delivered by the WuKongIM msg.notify webhook.
type WuKongIMInboxModel struct {
	InboxBase
	ChannelID   string `json:"channel_id"    gorm:"type:varchar(64);index"`
	ChannelType int    `json:"channel_type"`
	ClientMsgNo string `json:"client_msg_no" gorm:"type:varchar(64)"`
}

func (WuKongIMInboxModel) TableName() string { return "wukongim_inbox" }
