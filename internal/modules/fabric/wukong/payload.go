package wukong

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
)

// EncodePayload JSON-encodes body and base64-wraps it for the wire.
func EncodePayload(body any) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayload base64-decodes a wire payload and parses it as a JSON
// object. Anything that is not base64 JSON comes back as
// {"content": <raw text>} so consumers always see a map.
func DecodePayload(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return map[string]any{"content": raw}
	}
	var m map[string]any
	if err := json.Unmarshal(decoded, &m); err != nil || m == nil {
		return map[string]any{"content": string(decoded)}
	}
	return m
}

// flexID accepts both string and numeric JSON values; the substrate emits
// message ids either way depending on version.
type flexID string

func (s *flexID) UnmarshalJSON(b []byte) error {
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
		*s = flexID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexID(n.String())
	return nil
}

type wireMessage struct {
	MessageID    flexID `json:"message_id"`
	MessageIDStr string `json:"message_idstr"`
	MessageSeq   int64  `json:"message_seq"`
	ClientMsgNo  string `json:"client_msg_no"`
	FromUID      string `json:"from_uid"`
	ChannelID    string `json:"channel_id"`
	ChannelType  int    `json:"channel_type"`
	Timestamp    int64  `json:"timestamp"`
	Payload      string `json:"payload"`
}

// SyncedMessage is one message from channel search or conversation sync,
// payload already decoded.
type SyncedMessage struct {
	MessageID   string         `json:"message_id"`
	MessageSeq  int64          `json:"message_seq"`
	ClientMsgNo string         `json:"client_msg_no"`
	FromUID     string         `json:"from_uid"`
	ChannelID   string         `json:"channel_id"`
	ChannelType int            `json:"channel_type"`
	Timestamp   int64          `json:"timestamp"`
	Payload     map[string]any `json:"payload"`
}

func (m wireMessage) decoded() SyncedMessage {
	id := m.MessageIDStr
	if id == "" {
		id = string(m.MessageID)
	}
	out := SyncedMessage{
		MessageID:   id,
		MessageSeq:  m.MessageSeq,
		ClientMsgNo: m.ClientMsgNo,
		FromUID:     m.FromUID,
		ChannelID:   m.ChannelID,
		ChannelType: m.ChannelType,
		Timestamp:   m.Timestamp,
	}
	if m.Payload != "" {
		out.Payload = DecodePayload(m.Payload)
	}
	return out
}
