package inbox

import (
	"context"
	"encoding/json"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/apperr"
)

// dingtalkHandler serves DingTalk robot callbacks. Config key: app_secret
// (optional; enables the header signature check).
type dingtalkHandler struct {
	persister
}

func (h *dingtalkHandler) Verify(d *Delivery) ([]byte, error) {
	secret := d.ConfigString("app_secret")
	if secret == "" {
		secret = d.ConfigString("secret")
	}
	if secret != "" {
		ts := d.Header.Get("timestamp")
		sign := d.Header.Get("X-DingTalk-Sign")
		if sign == "" {
			sign = d.Header.Get("sign")
		}
		if !VerifyDingTalkSignature(secret, ts, sign) {
			return nil, apperr.SignatureMismatch("dingtalk signature mismatch")
		}
	}
	return d.Body, nil
}

// dingtalkMessage is the robot callback body.
type dingtalkMessage struct {
	MsgID            string `json:"msgId"`
	MsgType          string `json:"msgtype"`
	SenderID         string `json:"senderId"`
	SenderStaffID    string `json:"senderStaffId"`
	SenderNick       string `json:"senderNick"`
	ConversationID   string `json:"conversationId"`
	ConversationType string `json:"conversationType"`
	SessionWebhook   string `json:"sessionWebhook"`
	CreateAt         int64  `json:"createAt"`
	Text             struct {
		Content string `json:"content"`
	} `json:"text"`
	Content struct {
		Recognition string `json:"recognition"`
	} `json:"content"`
}

func (h *dingtalkHandler) Normalize(_ context.Context, d *Delivery, payload []byte) ([]any, *Result, error) {
	var m dingtalkMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, nil, apperr.InvalidPayload("dingtalk callback: %v", err)
	}
	if m.MsgID == "" {
		return nil, &Result{JSON: map[string]any{"status": "ignored"}}, nil
	}

	content := m.Text.Content
	switch m.MsgType {
	case "text":
	case "audio":
		content = placeholder("voice", m.Content.Recognition)
	case "picture":
		content = placeholder("image", "")
	case "richText":
		content = placeholder("richText", "")
	case "file":
		content = placeholder("file", "")
	default:
		if content == "" {
			content = placeholder(m.MsgType, "")
		}
	}

	fromUser := m.SenderStaffID
	if fromUser == "" {
		fromUser = m.SenderID
	}

	row := &models.DingTalkInboxModel{
		InboxBase: models.InboxBase{
			PlatformID: d.Platform.ID,
			MessageID:  m.MsgID,
			FromUser:   fromUser,
			MsgType:    m.MsgType,
			Content:    content,
			RawPayload: rawMap(payload),
			Status:     models.InboxStatusPending,
			ReceivedAt: receivedAt(m.CreateAt / 1000),
		},
		ConversationID:   m.ConversationID,
		ConversationType: m.ConversationType,
		SenderStaffID:    m.SenderStaffID,
		SessionWebhook:   m.SessionWebhook,
	}
	return []any{row}, nil, nil
}
