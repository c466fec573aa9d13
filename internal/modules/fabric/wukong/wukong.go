// Package wukong is the HTTP client for the WuKongIM messaging substrate.
// Every call runs through a circuit breaker so a dead substrate turns into
// fast failures instead of a pile of blocked request goroutines.
package wukong

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/echodesk/core/internal/config"
	"github.com/echodesk/core/internal/pkg/apperr"
)

// Substrate channel types. Person and Group are the built-ins; CS is the
// custom type carrying visitor conversations.
const (
	ChannelTypePerson = 1
	ChannelTypeGroup  = 2
	ChannelTypeCS     = 251
)

// ConfigFunc supplies the current substrate settings. Wired to the configs
// service in production; tests inject a literal.
type ConfigFunc func() (config.WuKongOptions, error)

// Client talks to the WuKongIM manager API.
type Client struct {
	cfgFn ConfigFunc
	hc    *http.Client
	cb    *gobreaker.CircuitBreaker
	log   *zap.Logger
}

func NewClient(cfgFn ConfigFunc, log *zap.Logger) *Client {
	return &Client{
		cfgFn: cfgFn,
		hc:    &http.Client{Timeout: 15 * time.Second},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "wukongim",
			MaxRequests: 2,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log: log.Named("wukong"),
	}
}

// post sends a manager-API request and decodes the response into out when
// non-nil. Breaker and transport failures surface as upstream errors.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	cfg, err := c.cfgFn()
	if err != nil {
		return err
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return apperr.ConfigMissing("wukongim base_url is not configured")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return apperr.Internal(fmt.Errorf("encode %s request: %w", path, err))
	}

	res, err := c.cb.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if cfg.ManagerToken != "" {
			req.Header.Set("token", cfg.ManagerToken)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, snippet(data))
		}
		return data, nil
	})
	if err != nil {
		return apperr.Upstream(err, "wukongim")
	}

	if out != nil {
		if err := json.Unmarshal(res.([]byte), out); err != nil {
			return apperr.Upstream(fmt.Errorf("%s: decode response: %w", path, err), "wukongim")
		}
	}
	return nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

// CreateChannel registers a channel with its initial subscriber set.
// Re-creating an existing channel is accepted by the substrate.
func (c *Client) CreateChannel(ctx context.Context, channelID string, channelType int, subscribers []string) error {
	return c.post(ctx, "/channel", map[string]any{
		"channel_id":   channelID,
		"channel_type": channelType,
		"ban":          0,
		"large":        0,
		"subscribers":  subscribers,
	}, nil)
}

// AddSubscribers joins uids to the channel. Already-subscribed uids are a
// substrate-side no-op.
func (c *Client) AddSubscribers(ctx context.Context, channelID string, channelType int, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	return c.post(ctx, "/channel/subscriber_add", map[string]any{
		"channel_id":   channelID,
		"channel_type": channelType,
		"reset":        0,
		"subscribers":  uids,
	}, nil)
}

// RemoveSubscribers drops uids from the channel. Unknown uids are tolerated.
func (c *Client) RemoveSubscribers(ctx context.Context, channelID string, channelType int, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	return c.post(ctx, "/channel/subscriber_remove", map[string]any{
		"channel_id":   channelID,
		"channel_type": channelType,
		"subscribers":  uids,
	}, nil)
}

// OutboundMessage is a message pushed into a channel. Body is JSON-encoded
// and base64-wrapped on the wire; an empty FromUID falls back to the
// configured system UID.
type OutboundMessage struct {
	FromUID     string
	ChannelID   string
	ChannelType int
	ClientMsgNo string
	NoPersist   bool
	Body        any
}

type sendHeader struct {
	NoPersist int `json:"no_persist"`
	RedDot    int `json:"red_dot"`
	SyncOnce  int `json:"sync_once"`
}

// SendJSON delivers msg to its channel.
func (c *Client) SendJSON(ctx context.Context, msg OutboundMessage) error {
	cfg, err := c.cfgFn()
	if err != nil {
		return err
	}

	from := msg.FromUID
	if from == "" {
		from = cfg.SystemUID
	}
	if from == "" {
		from = "system"
	}

	payload, err := EncodePayload(msg.Body)
	if err != nil {
		return apperr.Internal(fmt.Errorf("encode message payload: %w", err))
	}

	header := sendHeader{RedDot: 1}
	if msg.NoPersist {
		header = sendHeader{NoPersist: 1}
	}

	return c.post(ctx, "/message/send", map[string]any{
		"header":        header,
		"client_msg_no": msg.ClientMsgNo,
		"from_uid":      from,
		"channel_id":    msg.ChannelID,
		"channel_type":  msg.ChannelType,
		"payload":       payload,
	}, nil)
}

// SearchRequest selects a window of channel history. PullMode 0 pulls
// downward from start_message_seq, 1 upward.
type SearchRequest struct {
	LoginUID        string `json:"login_uid"`
	ChannelID       string `json:"channel_id"`
	ChannelType     int    `json:"channel_type"`
	StartMessageSeq int64  `json:"start_message_seq"`
	EndMessageSeq   int64  `json:"end_message_seq"`
	Limit           int    `json:"limit"`
	PullMode        int    `json:"pull_mode"`
}

// SearchMessages pulls channel history with payloads decoded.
func (c *Client) SearchMessages(ctx context.Context, req SearchRequest) ([]SyncedMessage, error) {
	if req.Limit <= 0 {
		req.Limit = 50
	}

	var out struct {
		StartMessageSeq int64         `json:"start_message_seq"`
		EndMessageSeq   int64         `json:"end_message_seq"`
		More            int           `json:"more"`
		Messages        []wireMessage `json:"messages"`
	}
	if err := c.post(ctx, "/channel/messages/sync", req, &out); err != nil {
		return nil, err
	}

	msgs := make([]SyncedMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, m.decoded())
	}
	return msgs, nil
}

// Conversation is one entry of a uid's conversation list.
type Conversation struct {
	ChannelID   string          `json:"channel_id"`
	ChannelType int             `json:"channel_type"`
	Unread      int             `json:"unread"`
	Timestamp   int64           `json:"timestamp"`
	LastMsgSeq  int64           `json:"last_msg_seq"`
	Version     int64           `json:"version"`
	Recents     []SyncedMessage `json:"recents"`
}

// SyncConversations returns the uid's conversations changed since version,
// with recent-message payloads decoded.
func (c *Client) SyncConversations(ctx context.Context, uid string, version int64, msgCount int) ([]Conversation, error) {
	if msgCount <= 0 {
		msgCount = 1
	}

	var wire []struct {
		ChannelID   string        `json:"channel_id"`
		ChannelType int           `json:"channel_type"`
		Unread      int           `json:"unread"`
		Timestamp   int64         `json:"timestamp"`
		LastMsgSeq  int64         `json:"last_msg_seq"`
		Version     int64         `json:"version"`
		Recents     []wireMessage `json:"recents"`
	}
	err := c.post(ctx, "/conversation/sync", map[string]any{
		"uid":       uid,
		"version":   version,
		"msg_count": msgCount,
	}, &wire)
	if err != nil {
		return nil, err
	}

	convs := make([]Conversation, 0, len(wire))
	for _, w := range wire {
		conv := Conversation{
			ChannelID:   w.ChannelID,
			ChannelType: w.ChannelType,
			Unread:      w.Unread,
			Timestamp:   w.Timestamp,
			LastMsgSeq:  w.LastMsgSeq,
			Version:     w.Version,
			Recents:     make([]SyncedMessage, 0, len(w.Recents)),
		}
		for _, m := range w.Recents {
			conv.Recents = append(conv.Recents, m.decoded())
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// SetUnread overrides the unread counter of one conversation.
func (c *Client) SetUnread(ctx context.Context, uid, channelID string, channelType, unread int) error {
	return c.post(ctx, "/conversations/setUnread", map[string]any{
		"uid":          uid,
		"channel_id":   channelID,
		"channel_type": channelType,
		"unread":       unread,
	}, nil)
}

// KickDevice forces a device of uid offline. deviceFlag: 0 app, 1 web,
// 2 pc.
func (c *Client) KickDevice(ctx context.Context, uid string, deviceFlag int) error {
	return c.post(ctx, "/user/device_quit", map[string]any{
		"uid":         uid,
		"device_flag": deviceFlag,
	}, nil)
}
