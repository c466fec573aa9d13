package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/apperr"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: conn, PreferSimpleProtocol: true}), &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm open: %v", err)
	}
	return gdb, mock
}

func testPlatform(pt models.PlatformType, cfg models.JSONMap) *models.PlatformModel {
	return &models.PlatformModel{
		Base:          models.Base{ID: "plat1"},
		ProjectScoped: models.ProjectScoped{ProjectID: "p1"},
		Type:          pt,
		Name:          "test channel",
		APIKey:        "key-1",
		Config:        cfg,
		IsActive:      true,
	}
}

func TestWuKongBatchSkipsStaffMessages(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	// Only the visitor message lands; the -staff sender is dropped.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "wukongim_inbox"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body := `[
		{"message_id":"m1","from_uid":"u1","channel_id":"c1","channel_type":251,"payload":"aGVsbG8="},
		{"message_id":"m2","from_uid":"agent7-staff","channel_id":"c1","channel_type":251,"payload":"aGVsbG8="}
	]`
	d := &Delivery{
		Platform: testPlatform(models.PlatformWuKongIM, nil),
		Body:     []byte(body),
		Query:    url.Values{"event": {"msg.notify"}},
		Header:   http.Header{},
	}
	res, err := svc.HandleCallback(context.Background(), http.MethodPost, d)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if res.Stored != 1 {
		t.Fatalf("stored = %d, want 1", res.Stored)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWuKongDecodesBase64Payload(t *testing.T) {
	d := &Delivery{
		Platform: testPlatform(models.PlatformWuKongIM, nil),
		Query:    url.Values{"event": {"msg.notify"}},
	}
	h := &wukongHandler{}
	rows, _, err := h.Normalize(context.Background(), d,
		[]byte(`[{"message_id":"m1","from_uid":"u1","channel_id":"c1","channel_type":251,"payload":"aGVsbG8=","client_msg_no":"cli-1","timestamp":1700000000}]`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	row := rows[0].(*models.WuKongIMInboxModel)
	if row.Content != "hello" {
		t.Fatalf("content = %q, want decoded payload", row.Content)
	}
	if row.MessageID != "m1" || row.ChannelID != "c1" || row.ChannelType != 251 || row.ClientMsgNo != "cli-1" {
		t.Fatalf("row = %+v", row)
	}
}

func TestWuKongNumericMessageID(t *testing.T) {
	h := &wukongHandler{}
	d := &Delivery{Platform: testPlatform(models.PlatformWuKongIM, nil), Query: url.Values{}}
	rows, _, err := h.Normalize(context.Background(), d,
		[]byte(`[{"message_id":1879048193,"from_uid":"u1","channel_id":"c1","channel_type":251,"payload":"aGVsbG8="}]`))
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows = %d, err = %v", len(rows), err)
	}
	if got := rows[0].(*models.WuKongIMInboxModel).MessageID; got != "1879048193" {
		t.Fatalf("message_id = %q", got)
	}
}

func TestWuKongIgnoresOtherEvents(t *testing.T) {
	gdb, _ := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	d := &Delivery{
		Platform: testPlatform(models.PlatformWuKongIM, nil),
		Body:     []byte(`{"channel_id":"c1"}`),
		Query:    url.Values{"event": {"channel.create"}},
		Header:   http.Header{},
	}
	res, err := svc.HandleCallback(context.Background(), http.MethodPost, d)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if res.JSON["status"] != "ignored" {
		t.Fatalf("res = %+v", res.JSON)
	}
}

func TestWuKongOnlineStatusFeedsPresenceSink(t *testing.T) {
	gdb, _ := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	var got []PresenceChange
	svc.OnPresence = func(_ context.Context, changes []PresenceChange) {
		got = changes
	}

	d := &Delivery{
		Platform: testPlatform(models.PlatformWuKongIM, nil),
		Body:     []byte(`["visitor-abc-123-1-1","agent7-staff-2-0","v2-2-0"]`),
		Query:    url.Values{"event": {"user.onlinestatus"}},
		Header:   http.Header{},
	}
	res, err := svc.HandleCallback(context.Background(), http.MethodPost, d)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if res.JSON["presence"] != 2 {
		t.Fatalf("res = %+v", res.JSON)
	}

	if len(got) != 2 {
		t.Fatalf("changes = %+v", got)
	}
	if got[0].UID != "visitor-abc-123" || got[0].DeviceFlag != 1 || !got[0].Online {
		t.Fatalf("first change = %+v", got[0])
	}
	if got[1].UID != "v2" || got[1].Online {
		t.Fatalf("second change = %+v", got[1])
	}
}

func TestParsePresenceEntry(t *testing.T) {
	cases := []struct {
		raw    string
		uid    string
		flag   int
		online bool
		ok     bool
	}{
		{"visitor-abc-123-1-1", "visitor-abc-123", 1, true, true},
		{"u1-2-0", "u1", 2, false, true},
		{"u1-0-1", "u1", 0, true, true},
		{"justoneword", "", 0, false, false},
		{"u1-x-1", "", 0, false, false},
		{"u1-1-x", "", 0, false, false},
		{"-1-1", "", 0, false, false},
		{"", "", 0, false, false},
	}
	for _, tc := range cases {
		ch, ok := parsePresenceEntry(tc.raw)
		if ok != tc.ok {
			t.Errorf("%q: ok = %v, want %v", tc.raw, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if ch.UID != tc.uid || ch.DeviceFlag != tc.flag || ch.Online != tc.online {
			t.Errorf("%q: change = %+v", tc.raw, ch)
		}
	}
}

func TestDuplicateDeliveryIsSuccess(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "wukongim_inbox"`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	body := `[{"message_id":"m1","from_uid":"u1","channel_id":"c1","channel_type":251,"payload":"aGVsbG8="}]`
	d := &Delivery{
		Platform: testPlatform(models.PlatformWuKongIM, nil),
		Body:     []byte(body),
		Query:    url.Values{"event": {"msg.notify"}},
		Header:   http.Header{},
	}
	res, err := svc.HandleCallback(context.Background(), http.MethodPost, d)
	if err != nil {
		t.Fatalf("redelivery must be acknowledged, got %v", err)
	}
	if res.Stored != 0 {
		t.Fatalf("stored = %d, want 0", res.Stored)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestTelegramSecretTokenChecked(t *testing.T) {
	gdb, _ := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	header := http.Header{}
	header.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")
	d := &Delivery{
		Platform: testPlatform(models.PlatformTelegram, models.JSONMap{"secret_token": "tg-secret"}),
		Body:     []byte(`{"update_id":1}`),
		Query:    url.Values{},
		Header:   header,
	}
	_, err := svc.HandleCallback(context.Background(), http.MethodPost, d)
	if !apperr.IsKind(err, apperr.KindSignatureMismatch) {
		t.Fatalf("err = %v, want signature mismatch", err)
	}
}

func TestTelegramUpdatePersists(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "telegram_inbox"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	header := http.Header{}
	header.Set("X-Telegram-Bot-Api-Secret-Token", "tg-secret")
	body := `{"update_id":9001,"message":{"message_id":77,"from":{"id":42,"username":"alice"},"chat":{"id":42,"type":"private"},"date":1700000003,"text":"help me"}}`
	d := &Delivery{
		Platform: testPlatform(models.PlatformTelegram, models.JSONMap{"secret_token": "tg-secret"}),
		Body:     []byte(body),
		Query:    url.Values{},
		Header:   header,
	}
	res, err := svc.HandleCallback(context.Background(), http.MethodPost, d)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if res.Stored != 1 {
		t.Fatalf("stored = %d", res.Stored)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestTelegramPhotoBecomesPlaceholder(t *testing.T) {
	h := &telegramHandler{}
	d := &Delivery{Platform: testPlatform(models.PlatformTelegram, nil), Header: http.Header{}}
	body := `{"update_id":9002,"message":{"message_id":78,"from":{"id":42},"chat":{"id":42,"type":"private"},"photo":[{}],"caption":"my screenshot"}}`
	rows, _, err := h.Normalize(context.Background(), d, []byte(body))
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows = %d, err = %v", len(rows), err)
	}
	row := rows[0].(*models.TelegramInboxModel)
	if row.MsgType != "image" || row.Content != "[image] my screenshot" {
		t.Fatalf("type = %q content = %q", row.MsgType, row.Content)
	}
	if row.MessageID != "9002" {
		t.Fatalf("dedup key must be the update id, got %q", row.MessageID)
	}
}

func TestFeishuChallengeEcho(t *testing.T) {
	gdb, _ := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	d := &Delivery{
		Platform: testPlatform(models.PlatformFeishu, nil),
		Body:     []byte(`{"challenge":"c123","token":"x","type":"url_verification"}`),
		Query:    url.Values{},
		Header:   http.Header{},
	}
	res, err := svc.HandleCallback(context.Background(), http.MethodPost, d)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if res.JSON["challenge"] != "c123" {
		t.Fatalf("challenge echo missing: %+v", res.JSON)
	}
}

func TestFeishuMessagePersists(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "feishu_inbox"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	event := map[string]any{
		"schema": "2.0",
		"header": map[string]any{
			"event_id":   "ev1",
			"event_type": "im.message.receive_v1",
			"tenant_key": "t1",
		},
		"event": map[string]any{
			"sender": map[string]any{"sender_id": map[string]any{"open_id": "ou_abc"}},
			"message": map[string]any{
				"message_id":   "om_1",
				"chat_id":      "oc_9",
				"chat_type":    "p2p",
				"message_type": "text",
				"content":      `{"text":"hi feishu"}`,
				"create_time":  "1700000002000",
			},
		},
	}
	body, _ := json.Marshal(event)
	d := &Delivery{
		Platform: testPlatform(models.PlatformFeishu, nil),
		Body:     body,
		Query:    url.Values{},
		Header:   http.Header{},
	}
	res, err := svc.HandleCallback(context.Background(), http.MethodPost, d)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if res.Stored != 1 {
		t.Fatalf("stored = %d", res.Stored)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFeishuContentUnwrapping(t *testing.T) {
	if got := feishuContent("text", `{"text":"hello"}`); got != "hello" {
		t.Fatalf("text = %q", got)
	}
	if got := feishuContent("image", `{"image_key":"img_v3"}`); got != "[image] img_v3" {
		t.Fatalf("image = %q", got)
	}
	if got := feishuContent("file", `{"file_name":"report.pdf"}`); got != "[file] report.pdf" {
		t.Fatalf("file = %q", got)
	}
	if got := feishuContent("audio", `{}`); got != "[audio]" {
		t.Fatalf("audio = %q", got)
	}
}

func TestDingTalkSignatureEnforced(t *testing.T) {
	gdb, _ := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	header := http.Header{}
	header.Set("timestamp", "1700000000000")
	header.Set("X-DingTalk-Sign", "bogus")
	d := &Delivery{
		Platform: testPlatform(models.PlatformDingTalk, models.JSONMap{"app_secret": "ding-secret"}),
		Body:     []byte(`{"msgId":"dt1"}`),
		Query:    url.Values{},
		Header:   header,
	}
	_, err := svc.HandleCallback(context.Background(), http.MethodPost, d)
	if !apperr.IsKind(err, apperr.KindSignatureMismatch) {
		t.Fatalf("err = %v, want signature mismatch", err)
	}
}

func TestDingTalkMessagePersists(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "dingtalk_inbox"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	header := http.Header{}
	header.Set("timestamp", "1700000000000")
	header.Set("X-DingTalk-Sign", "nqq88ibHb0KGsDlurqi82ts6x3l4frnYUqJn0JfHX9o=")
	body := `{"msgId":"dt1","msgtype":"text","text":{"content":"ding hello"},"senderStaffId":"emp1","conversationId":"cid1","conversationType":"1","createAt":1700000000000}`
	d := &Delivery{
		Platform: testPlatform(models.PlatformDingTalk, models.JSONMap{"app_secret": "ding-secret"}),
		Body:     []byte(body),
		Query:    url.Values{},
		Header:   header,
	}
	res, err := svc.HandleCallback(context.Background(), http.MethodPost, d)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if res.Stored != 1 {
		t.Fatalf("stored = %d", res.Stored)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func wecomTestConfig() models.JSONMap {
	return models.JSONMap{
		"token":            testWeComToken,
		"encoding_aes_key": testEncodingAESKey,
		"corp_id":          "corp1",
		"secret":           "corp-secret",
	}
}

func TestWeComURLVerification(t *testing.T) {
	gdb, _ := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	q := url.Values{}
	q.Set("msg_signature", wecomTextSignature)
	q.Set("timestamp", "1700000000")
	q.Set("nonce", "n0nce")
	q.Set("echostr", wecomTextCiphertext)

	d := &Delivery{
		Platform: testPlatform(models.PlatformWeCom, wecomTestConfig()),
		Query:    q,
		Header:   http.Header{},
	}
	res, err := svc.HandleCallback(context.Background(), http.MethodGet, d)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if res.Plain != wecomTextPayload {
		t.Fatalf("echo = %q", res.Plain)
	}

	q.Set("msg_signature", "ffffffffffffffffffffffffffffffffffffffff")
	_, err = svc.HandleCallback(context.Background(), http.MethodGet, d)
	if !apperr.IsKind(err, apperr.KindSignatureMismatch) {
		t.Fatalf("err = %v, want signature mismatch", err)
	}
}

func TestWeComDirectMessagePersists(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "wecom_inbox"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	q := url.Values{}
	q.Set("msg_signature", wecomTextSignature)
	q.Set("timestamp", "1700000000")
	q.Set("nonce", "n0nce")

	d := &Delivery{
		Platform: testPlatform(models.PlatformWeCom, wecomTestConfig()),
		Body:     []byte(fmt.Sprintf("<xml><Encrypt>%s</Encrypt></xml>", wecomTextCiphertext)),
		Query:    q,
		Header:   http.Header{},
	}
	res, err := svc.HandleCallback(context.Background(), http.MethodPost, d)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if res.Plain != "success" {
		t.Fatalf("ack = %q, want success", res.Plain)
	}
	if res.Stored != 1 {
		t.Fatalf("stored = %d", res.Stored)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

// Encrypted kf_msg_or_event envelope carrying pull token EVTOK for kf1.
const (
	wecomEventCiphertext = "TdZBfQuTTr2KD4P6JqQDsBQQoNylNWBHeZX3oxxXA4Ys6fXydV1Z0QCICMp51AM/nSOeme563RX7SvPs0d7vcKYr3yek6bMlHE0uzOAhevw4VktfH6fZZdMxJ1ufTE1Bke9p6hvnv+RbwEOOdri5mgoHChvNLBLfEsReNJ/6pmYw0k6qz3Efum81cz3Pcuwv5PicAlFBOQcqbd85xxqTg9hyvqCV+MlhL7pOoQCAqBuZnxTaGo4+MnCTQ0j2iQThYGNyxxElqiI+AP0+9voVHP6QZMXaiKeKsNGPSPhTNaQ="
	wecomEventSignature  = "2da570308080b3e8da1aafeaea23ffd7ba08b8e0"
)

func TestWeComEventTriggersSyncPull(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cgi-bin/gettoken":
			if r.URL.Query().Get("corpid") != "corp1" || r.URL.Query().Get("corpsecret") != "corp-secret" {
				t.Errorf("gettoken query = %s", r.URL.RawQuery)
			}
			fmt.Fprint(w, `{"errcode":0,"errmsg":"ok","access_token":"AT1","expires_in":7200}`)
		case "/cgi-bin/kf/sync_msg":
			if r.URL.Query().Get("access_token") != "AT1" {
				t.Errorf("sync_msg token = %s", r.URL.Query().Get("access_token"))
			}
			var req struct {
				Token    string `json:"token"`
				OpenKfID string `json:"open_kfid"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Token != "EVTOK" || req.OpenKfID != "kf1" {
				t.Errorf("sync_msg req = %+v", req)
			}
			fmt.Fprint(w, `{"errcode":0,"next_cursor":"cur1","has_more":0,"msg_list":[
				{"msgid":"kfmsg1","open_kfid":"kf1","external_userid":"ext1","send_time":1700000001,"origin":3,"msgtype":"text","text":{"content":"hello wecom kf"}}
			]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer api.Close()
	svc.wecomBase = api.URL

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "wecom_inbox"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	q := url.Values{}
	q.Set("msg_signature", wecomEventSignature)
	q.Set("timestamp", "1700000000")
	q.Set("nonce", "n0nce")

	d := &Delivery{
		Platform: testPlatform(models.PlatformWeCom, wecomTestConfig()),
		Body:     []byte(fmt.Sprintf("<xml><Encrypt>%s</Encrypt></xml>", wecomEventCiphertext)),
		Query:    q,
		Header:   http.Header{},
	}
	res, err := svc.HandleCallback(context.Background(), http.MethodPost, d)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if res.Plain != "success" || res.Stored != 1 {
		t.Fatalf("res = %+v", res)
	}

	svc.mu.Lock()
	cursor := svc.wecomCursors["plat1:kf1"]
	svc.mu.Unlock()
	if cursor != "cur1" {
		t.Fatalf("cursor = %q, want cur1", cursor)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWeComBotDecryptsWithoutReceiveID(t *testing.T) {
	// corp_id misconfigured on purpose: the dual try still opens the envelope.
	d := &Delivery{
		Platform: testPlatform(models.PlatformWeComBot, models.JSONMap{
			"token":            testWeComToken,
			"encoding_aes_key": testEncodingAESKey,
			"corp_id":          "corp-other",
		}),
		Query:  url.Values{},
		Header: http.Header{},
	}
	d.Query.Set("msg_signature", wecomTextSignature)
	d.Query.Set("timestamp", "1700000000")
	d.Query.Set("nonce", "n0nce")
	d.Body = []byte(fmt.Sprintf(`{"encrypt":%q}`, wecomTextCiphertext))

	h := &wecomBotHandler{}
	plain, err := h.Verify(d)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if string(plain) != wecomTextPayload {
		t.Fatalf("plain = %q", plain)
	}
}
