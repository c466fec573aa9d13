package inbox

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/apperr"
)

// feishuHandler serves Feishu/Lark event callbacks. Config keys: encrypt_key
// (optional, enables both decryption and signature checks) and
// verification_token (optional, compared against the event token).
type feishuHandler struct {
	persister
}

func (h *feishuHandler) Verify(d *Delivery) ([]byte, error) {
	encryptKey := d.ConfigString("encrypt_key")
	if encryptKey == "" {
		return d.Body, nil
	}

	if sig := d.Header.Get("X-Lark-Signature"); sig != "" {
		ts := d.Header.Get("X-Lark-Request-Timestamp")
		nonce := d.Header.Get("X-Lark-Request-Nonce")
		if !VerifyFeishuSignature(encryptKey, ts, nonce, d.Body, sig) {
			return nil, apperr.SignatureMismatch("feishu signature mismatch")
		}
	}

	var env struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(d.Body, &env); err != nil || env.Encrypt == "" {
		// encrypt_key configured but the body arrived plain; accept it.
		return d.Body, nil
	}
	plain, err := DecryptFeishu(encryptKey, env.Encrypt)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindSignatureMismatch, "feishu decrypt failed")
	}
	return plain, nil
}

// feishuEvent is the 2.0 event schema; the 1.0 url_verification handshake
// shares the top-level challenge fields.
type feishuEvent struct {
	Challenge string `json:"challenge"`
	Type      string `json:"type"`
	Token     string `json:"token"`
	Schema    string `json:"schema"`
	Header    struct {
		EventID    string `json:"event_id"`
		EventType  string `json:"event_type"`
		CreateTime string `json:"create_time"`
		TenantKey  string `json:"tenant_key"`
		Token      string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
			CreateTime  string `json:"create_time"`
		} `json:"message"`
	} `json:"event"`
}

func (h *feishuHandler) Normalize(_ context.Context, d *Delivery, payload []byte) ([]any, *Result, error) {
	var ev feishuEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, nil, apperr.InvalidPayload("feishu event: %v", err)
	}

	if ev.Type == "url_verification" || ev.Challenge != "" {
		return nil, &Result{JSON: map[string]any{"challenge": ev.Challenge}}, nil
	}

	if token := d.ConfigString("verification_token"); token != "" {
		got := ev.Header.Token
		if got == "" {
			got = ev.Token
		}
		if got != token {
			return nil, nil, apperr.SignatureMismatch("feishu verification token mismatch")
		}
	}

	if ev.Header.EventType != "im.message.receive_v1" || ev.Event.Message.MessageID == "" {
		return nil, &Result{JSON: map[string]any{"status": "ignored", "event_type": ev.Header.EventType}}, nil
	}

	msg := ev.Event.Message
	row := &models.FeishuInboxModel{
		InboxBase: models.InboxBase{
			PlatformID: d.Platform.ID,
			MessageID:  msg.MessageID,
			FromUser:   ev.Event.Sender.SenderID.OpenID,
			MsgType:    msg.MessageType,
			Content:    feishuContent(msg.MessageType, msg.Content),
			RawPayload: rawMap(payload),
			Status:     models.InboxStatusPending,
			ReceivedAt: receivedAt(feishuMillis(msg.CreateTime) / 1000),
		},
		ChatID:    msg.ChatID,
		ChatType:  msg.ChatType,
		TenantKey: ev.Header.TenantKey,
	}
	return []any{row}, nil, nil
}

// feishuContent unwraps the message content, itself a JSON string whose shape
// depends on the message type.
func feishuContent(messageType, content string) string {
	var body struct {
		Text     string `json:"text"`
		ImageKey string `json:"image_key"`
		FileName string `json:"file_name"`
	}
	_ = json.Unmarshal([]byte(content), &body)

	switch messageType {
	case "text":
		if body.Text != "" {
			return body.Text
		}
		return content
	case "image":
		return placeholder("image", body.ImageKey)
	case "file":
		return placeholder("file", body.FileName)
	default:
		return placeholder(messageType, "")
	}
}

func feishuMillis(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
