package wukong

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/echodesk/core/internal/config"
	"github.com/echodesk/core/internal/pkg/apperr"
)

func newTestClient(baseURL string) *Client {
	cfgFn := func() (config.WuKongOptions, error) {
		return config.WuKongOptions{BaseURL: baseURL, ManagerToken: "tok", SystemUID: "system"}, nil
	}
	return NewClient(cfgFn, zap.NewNop())
}

func TestSendJSONEncodesPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message/send" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("token") != "tok" {
			t.Errorf("token header = %q", r.Header.Get("token"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"status":200}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.SendJSON(context.Background(), OutboundMessage{
		ChannelID:   "v1",
		ChannelType: ChannelTypeCS,
		ClientMsgNo: "cmn-1",
		Body:        map[string]any{"type": 1000, "content": "connected"},
	})
	if err != nil {
		t.Fatalf("SendJSON: %v", err)
	}

	if got["from_uid"] != "system" {
		t.Fatalf("from_uid = %v, want system fallback", got["from_uid"])
	}
	if got["client_msg_no"] != "cmn-1" {
		t.Fatalf("client_msg_no = %v", got["client_msg_no"])
	}

	raw, err := base64.StdEncoding.DecodeString(got["payload"].(string))
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if body["content"] != "connected" {
		t.Fatalf("payload content = %v", body["content"])
	}
}

func TestSearchMessagesDecodesPayloads(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte(`{"type":1,"content":"hello"}`))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channel/messages/sync" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"message_id": 12345, "from_uid": "u1", "channel_id": "v1", "channel_type": 251, "payload": payload},
				{"message_idstr": "m2", "from_uid": "u1", "channel_id": "v1", "channel_type": 251, "payload": "!!notb64"},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	msgs, err := c.SearchMessages(context.Background(), SearchRequest{ChannelID: "v1", ChannelType: ChannelTypeCS})
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].MessageID != "12345" {
		t.Fatalf("numeric message_id decoded as %q", msgs[0].MessageID)
	}
	if msgs[0].Payload["content"] != "hello" {
		t.Fatalf("payload[0] = %v", msgs[0].Payload)
	}
	if msgs[1].MessageID != "m2" {
		t.Fatalf("message_idstr preferred, got %q", msgs[1].MessageID)
	}
	if msgs[1].Payload["content"] != "!!notb64" {
		t.Fatalf("non-base64 payload should pass through raw, got %v", msgs[1].Payload)
	}
}

func TestSyncConversationsDecodesRecents(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte(`{"type":1,"content":"last"}`))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{
				"channel_id":   "v1",
				"channel_type": 251,
				"unread":       3,
				"recents":      []map[string]any{{"message_idstr": "m9", "payload": payload}},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	convs, err := c.SyncConversations(context.Background(), "s1-staff", 0, 1)
	if err != nil {
		t.Fatalf("SyncConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].Unread != 3 {
		t.Fatalf("convs = %+v", convs)
	}
	if len(convs[0].Recents) != 1 || convs[0].Recents[0].Payload["content"] != "last" {
		t.Fatalf("recents = %+v", convs[0].Recents)
	}
}

func TestUpstreamErrorsCarryProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.AddSubscribers(context.Background(), "v1", ChannelTypeCS, []string{"s1-staff"})
	if err == nil {
		t.Fatal("expected error on 502")
	}
	if !apperr.IsKind(err, apperr.KindUpstreamFailure) {
		t.Fatalf("kind = %v, want upstream_failure", apperr.KindOf(err))
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 7; i++ {
		_ = c.SetUnread(context.Background(), "s1-staff", "v1", ChannelTypeCS, 0)
	}
	// Five consecutive failures trip the breaker; later calls never reach
	// the server.
	if calls != 5 {
		t.Fatalf("server saw %d calls, want 5", calls)
	}
}

func TestMissingBaseURLIsConfigError(t *testing.T) {
	c := newTestClient("")
	err := c.KickDevice(context.Background(), "s1-staff", 1)
	if !apperr.IsKind(err, apperr.KindConfigMissing) {
		t.Fatalf("kind = %v, want config_missing", apperr.KindOf(err))
	}
}

func TestEmptySubscriberSetsAreNoops(t *testing.T) {
	c := newTestClient("") // would fail on any real call
	if err := c.AddSubscribers(context.Background(), "v1", ChannelTypeCS, nil); err != nil {
		t.Fatalf("AddSubscribers(nil): %v", err)
	}
	if err := c.RemoveSubscribers(context.Background(), "v1", ChannelTypeCS, nil); err != nil {
		t.Fatalf("RemoveSubscribers(nil): %v", err)
	}
}
