package inbox

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"strconv"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/apperr"
)

// telegramHandler serves Telegram bot webhook updates. Config key:
// secret_token (optional; compared against the bot API secret header).
type telegramHandler struct {
	persister
}

func (h *telegramHandler) Verify(d *Delivery) ([]byte, error) {
	if secret := d.ConfigString("secret_token"); secret != "" {
		got := d.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return nil, apperr.SignatureMismatch("telegram secret token mismatch")
		}
	}
	return d.Body, nil
}

type telegramUpdate struct {
	UpdateID      int64            `json:"update_id"`
	Message       *telegramMessage `json:"message"`
	EditedMessage *telegramMessage `json:"edited_message"`
	ChannelPost   *telegramMessage `json:"channel_post"`
}

type telegramMessage struct {
	MessageID int64 `json:"message_id"`
	From      *struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Chat struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	} `json:"chat"`
	Date     int64             `json:"date"`
	Text     string            `json:"text"`
	Caption  string            `json:"caption"`
	Photo    []json.RawMessage `json:"photo"`
	Document *struct {
		FileName string `json:"file_name"`
	} `json:"document"`
	Voice   *struct{} `json:"voice"`
	Sticker *struct{} `json:"sticker"`
}

// pick selects the most relevant sub-message of an update envelope.
func (u *telegramUpdate) pick() *telegramMessage {
	switch {
	case u.Message != nil:
		return u.Message
	case u.EditedMessage != nil:
		return u.EditedMessage
	case u.ChannelPost != nil:
		return u.ChannelPost
	}
	return nil
}

func (h *telegramHandler) Normalize(_ context.Context, d *Delivery, payload []byte) ([]any, *Result, error) {
	var update telegramUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil, nil, apperr.InvalidPayload("telegram update: %v", err)
	}

	msg := update.pick()
	if msg == nil {
		return nil, &Result{JSON: map[string]any{"status": "ignored"}}, nil
	}

	msgType, content := telegramContent(msg)

	fromUser, username := "", ""
	if msg.From != nil {
		fromUser = strconv.FormatInt(msg.From.ID, 10)
		username = msg.From.Username
	}

	// Telegram guarantees update_id uniqueness per bot, which makes it the
	// dedup key rather than the per-chat message_id.
	row := &models.TelegramInboxModel{
		InboxBase: models.InboxBase{
			PlatformID: d.Platform.ID,
			MessageID:  strconv.FormatInt(update.UpdateID, 10),
			FromUser:   fromUser,
			MsgType:    msgType,
			Content:    content,
			RawPayload: rawMap(payload),
			Status:     models.InboxStatusPending,
			ReceivedAt: receivedAt(msg.Date),
		},
		ChatID:   msg.Chat.ID,
		ChatType: msg.Chat.Type,
		Username: username,
	}
	return []any{row}, nil, nil
}

func telegramContent(msg *telegramMessage) (string, string) {
	switch {
	case msg.Text != "":
		return "text", msg.Text
	case len(msg.Photo) > 0:
		return "image", placeholder("image", msg.Caption)
	case msg.Document != nil:
		return "file", placeholder("file", msg.Document.FileName)
	case msg.Voice != nil:
		return "voice", placeholder("voice", "")
	case msg.Sticker != nil:
		return "sticker", placeholder("sticker", "")
	}
	return "event", placeholder("event", "")
}
