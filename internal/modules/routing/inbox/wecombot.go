package inbox

import (
	"context"
	"encoding/json"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/apperr"
)

// wecomBotHandler serves WeCom group-bot callbacks. Config keys: token,
// encoding_aes_key, corp_id. Decryption tries corp_id first and then an
// unchecked receive_id; some bot deliveries omit the corp id in the envelope.
type wecomBotHandler struct {
	persister
}

func (h *wecomBotHandler) VerifyURL(d *Delivery) (string, error) {
	q := d.Query
	sig, ts, nonce, echostr := q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce"), q.Get("echostr")
	if !VerifyWeComSignature(d.ConfigString("token"), ts, nonce, echostr, sig) {
		return "", apperr.SignatureMismatch("wecom bot echostr signature mismatch")
	}
	plain, _, err := DecryptWeCom(d.ConfigString("encoding_aes_key"), echostr, d.ConfigString("corp_id"), "")
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindSignatureMismatch, "wecom bot echostr decrypt failed")
	}
	return string(plain), nil
}

func (h *wecomBotHandler) Verify(d *Delivery) ([]byte, error) {
	encrypted, err := extractEncrypted(d.Body)
	if err != nil {
		return nil, apperr.InvalidPayload("wecom bot callback body: %v", err)
	}
	q := d.Query
	if !VerifyWeComSignature(d.ConfigString("token"), q.Get("timestamp"), q.Get("nonce"), encrypted, q.Get("msg_signature")) {
		return nil, apperr.SignatureMismatch("wecom bot callback signature mismatch")
	}
	plain, _, err := DecryptWeCom(d.ConfigString("encoding_aes_key"), encrypted, d.ConfigString("corp_id"), "")
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindSignatureMismatch, "wecom bot callback decrypt failed")
	}
	return plain, nil
}

// wecomBotMessage is the decrypted inner JSON of a group-bot delivery.
type wecomBotMessage struct {
	MsgID    string `json:"msgid"`
	ChatID   string `json:"chatid"`
	ChatType string `json:"chattype"`
	MsgType  string `json:"msgtype"`
	From     struct {
		UserID string `json:"userid"`
		Name   string `json:"name"`
	} `json:"from"`
	Text struct {
		Content string `json:"content"`
	} `json:"text"`
	Image struct {
		URL string `json:"url"`
	} `json:"image"`
	Event struct {
		EventType string `json:"event_type"`
	} `json:"event"`
	WebhookURL string `json:"webhook_url"`
	CreateTime int64  `json:"create_time"`
}

func (h *wecomBotHandler) Normalize(_ context.Context, d *Delivery, payload []byte) ([]any, *Result, error) {
	var m wecomBotMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, nil, apperr.InvalidPayload("wecom bot payload: %v", err)
	}

	ack := &Result{Plain: "success"}
	if m.MsgID == "" {
		return nil, ack, nil
	}

	content := m.Text.Content
	switch m.MsgType {
	case "text":
	case "image":
		content = placeholder("image", m.Image.URL)
	case "event":
		content = placeholder("event", m.Event.EventType)
	default:
		if content == "" {
			content = placeholder(m.MsgType, "")
		}
	}

	row := &models.WeComBotInboxModel{
		InboxBase: models.InboxBase{
			PlatformID: d.Platform.ID,
			MessageID:  m.MsgID,
			FromUser:   m.From.UserID,
			MsgType:    m.MsgType,
			Content:    content,
			RawPayload: rawMap(payload),
			Status:     models.InboxStatusPending,
			ReceivedAt: receivedAt(m.CreateTime),
		},
		ChatID:     m.ChatID,
		ChatType:   m.ChatType,
		WebhookURL: m.WebhookURL,
	}
	return []any{row}, ack, nil
}
