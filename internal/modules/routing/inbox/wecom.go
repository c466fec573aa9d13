package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/apperr"
)

const (
	defaultWeComAPIBase = "https://qyapi.weixin.qq.com"

	// kf_msg_or_event carries no message body; the pull loop pages through
	// sync_msg until has_more clears or this many pages have been fetched.
	wecomMaxSyncPages = 10
	wecomSyncLimit    = 1000
)

// wecomHandler serves WeCom customer-service callbacks. Config keys:
// token, encoding_aes_key, corp_id, secret.
type wecomHandler struct {
	persister
	svc *Service
}

func (h *wecomHandler) VerifyURL(d *Delivery) (string, error) {
	q := d.Query
	sig, ts, nonce, echostr := q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce"), q.Get("echostr")
	if !VerifyWeComSignature(d.ConfigString("token"), ts, nonce, echostr, sig) {
		return "", apperr.SignatureMismatch("wecom echostr signature mismatch")
	}
	plain, _, err := DecryptWeCom(d.ConfigString("encoding_aes_key"), echostr, d.ConfigString("corp_id"))
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindSignatureMismatch, "wecom echostr decrypt failed")
	}
	return string(plain), nil
}

func (h *wecomHandler) Verify(d *Delivery) ([]byte, error) {
	encrypted, err := extractEncrypted(d.Body)
	if err != nil {
		return nil, apperr.InvalidPayload("wecom callback body: %v", err)
	}
	q := d.Query
	if !VerifyWeComSignature(d.ConfigString("token"), q.Get("timestamp"), q.Get("nonce"), encrypted, q.Get("msg_signature")) {
		return nil, apperr.SignatureMismatch("wecom callback signature mismatch")
	}
	plain, _, err := DecryptWeCom(d.ConfigString("encoding_aes_key"), encrypted, d.ConfigString("corp_id"))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindSignatureMismatch, "wecom callback decrypt failed")
	}
	return plain, nil
}

// wecomCallback is the decrypted inner XML. Direct app messages carry
// MsgId/Content; customer-service deliveries are events holding a pull Token.
type wecomCallback struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	MsgID        string   `xml:"MsgId"`
	Content      string   `xml:"Content"`
	PicURL       string   `xml:"PicUrl"`
	MediaID      string   `xml:"MediaId"`
	Event        string   `xml:"Event"`
	Token        string   `xml:"Token"`
	OpenKfID     string   `xml:"OpenKfId"`
}

func (h *wecomHandler) Normalize(ctx context.Context, d *Delivery, payload []byte) ([]any, *Result, error) {
	var cb wecomCallback
	if err := xml.Unmarshal(payload, &cb); err != nil {
		return nil, nil, apperr.InvalidPayload("wecom callback xml: %v", err)
	}

	// Always acknowledge with a bare success body; WeCom retries anything else.
	ack := &Result{Plain: "success"}

	if cb.MsgType == "event" && cb.Event == "kf_msg_or_event" {
		if cb.Token == "" {
			return nil, ack, nil
		}
		rows, err := h.svc.wecomSyncMessages(ctx, d, cb.Token, cb.OpenKfID)
		if err != nil {
			return nil, nil, err
		}
		return rows, ack, nil
	}

	if cb.MsgID == "" {
		return nil, ack, nil
	}

	content := cb.Content
	switch cb.MsgType {
	case "text":
	case "image":
		content = placeholder("image", cb.PicURL)
	case "voice", "video", "file":
		content = placeholder(cb.MsgType, cb.MediaID)
	case "event":
		content = placeholder("event", cb.Event)
	default:
		content = placeholder(cb.MsgType, "")
	}

	row := &models.WeComInboxModel{
		InboxBase: models.InboxBase{
			PlatformID: d.Platform.ID,
			MessageID:  cb.MsgID,
			FromUser:   cb.FromUserName,
			MsgType:    cb.MsgType,
			Content:    content,
			RawPayload: models.JSONMap{"xml": string(payload)},
			Status:     models.InboxStatusPending,
			ReceivedAt: receivedAt(cb.CreateTime),
		},
		CorpID: cb.ToUserName,
	}
	return []any{row}, ack, nil
}

// wecomSyncMsg is one message returned by the kf/sync_msg API.
type wecomSyncMsg struct {
	MsgID          string `json:"msgid"`
	OpenKfID       string `json:"open_kfid"`
	ExternalUserID string `json:"external_userid"`
	SendTime       int64  `json:"send_time"`
	Origin         int    `json:"origin"`
	MsgType        string `json:"msgtype"`
	Text           struct {
		Content string `json:"content"`
	} `json:"text"`
	Image struct {
		MediaID string `json:"media_id"`
	} `json:"image"`
	File struct {
		MediaID string `json:"media_id"`
	} `json:"file"`
	Event struct {
		EventType string `json:"event_type"`
	} `json:"event"`
}

func (m *wecomSyncMsg) content() string {
	switch m.MsgType {
	case "text":
		return m.Text.Content
	case "image":
		return placeholder("image", m.Image.MediaID)
	case "file":
		return placeholder("file", m.File.MediaID)
	case "event":
		return placeholder("event", m.Event.EventType)
	default:
		return placeholder(m.MsgType, "")
	}
}

// wecomSyncMessages pulls the messages behind a kf_msg_or_event notification.
// The cursor survives across events per (platform, open_kfid); re-pulled
// messages are deduplicated by the inbox unique index anyway.
func (s *Service) wecomSyncMessages(ctx context.Context, d *Delivery, eventToken, openKfID string) ([]any, error) {
	corpID, secret := d.ConfigString("corp_id"), d.ConfigString("secret")
	if secret == "" {
		return nil, apperr.ConfigMissing("wecom platform %s has no secret for sync_msg", d.Platform.ID)
	}
	accessToken, err := s.wecomAccessToken(ctx, corpID, secret)
	if err != nil {
		return nil, err
	}

	cursorKey := d.Platform.ID + ":" + openKfID
	s.mu.Lock()
	cursor := s.wecomCursors[cursorKey]
	s.mu.Unlock()

	var rows []any
	for page := 0; page < wecomMaxSyncPages; page++ {
		reqBody := map[string]any{
			"cursor": cursor,
			"token":  eventToken,
			"limit":  wecomSyncLimit,
		}
		if openKfID != "" {
			reqBody["open_kfid"] = openKfID
		}

		var out struct {
			ErrCode    int               `json:"errcode"`
			ErrMsg     string            `json:"errmsg"`
			NextCursor string            `json:"next_cursor"`
			HasMore    int               `json:"has_more"`
			MsgList    []json.RawMessage `json:"msg_list"`
		}
		endpoint := fmt.Sprintf("%s/cgi-bin/kf/sync_msg?access_token=%s", s.wecomBase, url.QueryEscape(accessToken))
		if err := s.postJSON(ctx, endpoint, reqBody, &out); err != nil {
			return nil, err
		}
		if out.ErrCode != 0 {
			return nil, apperr.Upstream(fmt.Errorf("sync_msg errcode %d: %s", out.ErrCode, out.ErrMsg), "wecom")
		}

		for _, raw := range out.MsgList {
			var m wecomSyncMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				s.log.Warn("unparseable wecom message skipped", zap.Error(err))
				continue
			}
			rows = append(rows, &models.WeComInboxModel{
				InboxBase: models.InboxBase{
					PlatformID: d.Platform.ID,
					MessageID:  m.MsgID,
					FromUser:   m.ExternalUserID,
					MsgType:    m.MsgType,
					Content:    m.content(),
					RawPayload: rawMap(raw),
					Status:     models.InboxStatusPending,
					ReceivedAt: receivedAt(m.SendTime),
				},
				OpenKFID: m.OpenKfID,
				CorpID:   corpID,
			})
		}

		if out.NextCursor != "" {
			cursor = out.NextCursor
			s.mu.Lock()
			s.wecomCursors[cursorKey] = cursor
			s.mu.Unlock()
		}
		if out.HasMore == 0 {
			break
		}
	}
	return rows, nil
}

type wecomToken struct {
	value   string
	expires time.Time
}

func (s *Service) wecomAccessToken(ctx context.Context, corpID, secret string) (string, error) {
	cacheKey := corpID + ":" + secret
	s.mu.Lock()
	tok, ok := s.wecomTokens[cacheKey]
	s.mu.Unlock()
	if ok && time.Now().Before(tok.expires) {
		return tok.value, nil
	}

	endpoint := fmt.Sprintf("%s/cgi-bin/gettoken?corpid=%s&corpsecret=%s",
		s.wecomBase, url.QueryEscape(corpID), url.QueryEscape(secret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", apperr.Upstream(err, "wecom")
	}
	defer resp.Body.Close()

	var out struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Upstream(err, "wecom")
	}
	if out.ErrCode != 0 || out.AccessToken == "" {
		return "", apperr.Upstream(fmt.Errorf("gettoken errcode %d: %s", out.ErrCode, out.ErrMsg), "wecom")
	}

	// Refresh a minute early so in-flight pulls never race expiry.
	ttl := time.Duration(out.ExpiresIn-60) * time.Second
	if ttl < time.Minute {
		ttl = time.Minute
	}
	s.mu.Lock()
	s.wecomTokens[cacheKey] = wecomToken{value: out.AccessToken, expires: time.Now().Add(ttl)}
	s.mu.Unlock()
	return out.AccessToken, nil
}

func (s *Service) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return apperr.Upstream(err, "wecom")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperr.Upstream(fmt.Errorf("status %d", resp.StatusCode), "wecom")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Upstream(err, "wecom")
	}
	return nil
}

// extractEncrypted pulls the Encrypt field out of a callback body, accepting
// both the XML and JSON envelope shapes.
func extractEncrypted(body []byte) (string, error) {
	var jsonEnv struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(body, &jsonEnv); err == nil && jsonEnv.Encrypt != "" {
		return jsonEnv.Encrypt, nil
	}
	var xmlEnv struct {
		XMLName xml.Name `xml:"xml"`
		Encrypt string   `xml:"Encrypt"`
	}
	if err := xml.Unmarshal(body, &xmlEnv); err == nil && xmlEnv.Encrypt != "" {
		return xmlEnv.Encrypt, nil
	}
	return "", fmt.Errorf("no encrypt field in body")
}
