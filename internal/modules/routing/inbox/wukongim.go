package inbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/apperr"
)

// wukongHandler serves WuKongIM webhook events. Only msg.notify carries
// messages; every other event type is acknowledged and dropped. Messages
// sent by operators (UIDs with the -staff suffix) are not staged, because
// the inbox only feeds visitor-facing processing.
type wukongHandler struct {
	persister
}

func (h *wukongHandler) Verify(d *Delivery) ([]byte, error) {
	return d.Body, nil
}

// flexString accepts both string and numeric JSON values; WuKongIM emits
// message ids either way depending on version.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

type wukongMessage struct {
	MessageID    flexString `json:"message_id"`
	MessageIDStr string     `json:"message_idstr"`
	ClientMsgNo  string     `json:"client_msg_no"`
	FromUID      string     `json:"from_uid"`
	ChannelID    string     `json:"channel_id"`
	ChannelType  int        `json:"channel_type"`
	Timestamp    int64      `json:"timestamp"`
	Payload      string     `json:"payload"`
}

func (m *wukongMessage) messageID() string {
	if m.MessageIDStr != "" {
		return m.MessageIDStr
	}
	return string(m.MessageID)
}

func (h *wukongHandler) Normalize(ctx context.Context, d *Delivery, payload []byte) ([]any, *Result, error) {
	if ev := d.Query.Get("event"); ev != "" && ev != "msg.notify" {
		if ev == "user.onlinestatus" {
			res, err := h.onlineStatus(ctx, payload)
			return nil, res, err
		}
		return nil, &Result{JSON: map[string]any{"status": "ignored", "event": ev}}, nil
	}

	var msgs []json.RawMessage
	if err := json.Unmarshal(payload, &msgs); err != nil {
		return nil, nil, apperr.InvalidPayload("wukongim msg.notify body: %v", err)
	}

	rows := make([]any, 0, len(msgs))
	for _, raw := range msgs {
		var m wukongMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m.messageID() == "" || strings.HasSuffix(m.FromUID, "-staff") {
			continue
		}

		msgType, content := decodeWuKongPayload(m.Payload)
		rows = append(rows, &models.WuKongIMInboxModel{
			InboxBase: models.InboxBase{
				PlatformID: d.Platform.ID,
				MessageID:  m.messageID(),
				FromUser:   m.FromUID,
				MsgType:    msgType,
				Content:    content,
				RawPayload: rawMap(raw),
				Status:     models.InboxStatusPending,
				ReceivedAt: receivedAt(m.Timestamp),
			},
			ChannelID:   m.ChannelID,
			ChannelType: m.ChannelType,
			ClientMsgNo: m.ClientMsgNo,
		})
	}
	return rows, nil, nil
}

// PresenceChange is one substrate uid flipping online or offline.
type PresenceChange struct {
	UID        string
	DeviceFlag int
	Online     bool
}

// onlineStatus applies a user.onlinestatus event. Entries are
// "uid-deviceFlag-status" strings with status 1 meaning online. Operator
// uids are skipped; only visitor presence feeds the sink.
func (h *wukongHandler) onlineStatus(ctx context.Context, payload []byte) (*Result, error) {
	var entries []string
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, apperr.InvalidPayload("wukongim user.onlinestatus body: %v", err)
	}

	changes := make([]PresenceChange, 0, len(entries))
	for _, raw := range entries {
		ch, ok := parsePresenceEntry(raw)
		if !ok || strings.HasSuffix(ch.UID, "-staff") {
			continue
		}
		changes = append(changes, ch)
	}
	if len(changes) > 0 && h.svc != nil && h.svc.OnPresence != nil {
		h.svc.OnPresence(ctx, changes)
	}
	return &Result{JSON: map[string]any{"status": "ok", "presence": len(changes)}}, nil
}

// parsePresenceEntry splits "uid-deviceFlag-status". Uids are uuids and
// contain dashes themselves, so the split runs from the right.
func parsePresenceEntry(raw string) (PresenceChange, bool) {
	i := strings.LastIndex(raw, "-")
	if i <= 0 {
		return PresenceChange{}, false
	}
	j := strings.LastIndex(raw[:i], "-")
	if j <= 0 {
		return PresenceChange{}, false
	}

	online, err := strconv.Atoi(raw[i+1:])
	if err != nil {
		return PresenceChange{}, false
	}
	flag, err := strconv.Atoi(raw[j+1 : i])
	if err != nil {
		return PresenceChange{}, false
	}
	return PresenceChange{UID: raw[:j], DeviceFlag: flag, Online: online == 1}, true
}

// decodeWuKongPayload base64-decodes the message payload. A decoded JSON
// object contributes its type and content fields; anything else is stored
// as the decoded text.
func decodeWuKongPayload(payload string) (string, string) {
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "text", payload
	}

	var body struct {
		Type    json.Number `json:"type"`
		Content string      `json:"content"`
	}
	if json.Unmarshal(decoded, &body) == nil && body.Content != "" {
		msgType := "text"
		if body.Type.String() != "" && body.Type.String() != "0" {
			msgType = body.Type.String()
		}
		return msgType, body.Content
	}
	return "text", string(decoded)
}
