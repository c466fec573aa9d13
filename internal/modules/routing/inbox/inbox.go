// Package inbox receives platform webhooks behind the shared callback
// endpoint and stages inbound messages into per-platform inbox tables.
// Each platform type has one Handler implementing the same three steps:
// Verify authenticates (and where the platform encrypts, decrypts) the
// delivery, Normalize extracts staging rows, Persist writes them with
// at-most-once semantics. Redelivered messages hit the unique index on
// (platform_id, message_id) and are acknowledged without a second row.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/apperr"
)

// Delivery is one raw webhook call addressed to a resolved platform.
type Delivery struct {
	Platform *models.PlatformModel
	Body     []byte
	Query    url.Values
	Header   http.Header
}

// ConfigString returns a trimmed string credential from the platform config.
func (d *Delivery) ConfigString(key string) string {
	if d.Platform == nil || d.Platform.Config == nil {
		return ""
	}
	if v, ok := d.Platform.Config[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Result is the response a processed delivery hands back to the platform.
// Plain wins over JSON when set (WeCom wants a bare "success" body).
type Result struct {
	Plain  string
	JSON   map[string]any
	Stored int
}

// Handler is one platform intake. The set is closed: every supported
// platform type maps to exactly one implementation in this package.
type Handler interface {
	// Verify authenticates the delivery and returns the decoded payload.
	Verify(d *Delivery) ([]byte, error)
	// Normalize extracts staging rows from the decoded payload. A non-nil
	// Result overrides the default response body (handshake echoes, ignored
	// event types); rows are persisted either way.
	Normalize(ctx context.Context, d *Delivery, payload []byte) ([]any, *Result, error)
	// Persist writes rows, converting duplicate deliveries into skips.
	Persist(ctx context.Context, rows []any) (int, error)
}

// urlVerifier is the GET handshake branch the WeCom family implements.
type urlVerifier interface {
	VerifyURL(d *Delivery) (string, error)
}

// Service resolves the per-platform handler and runs the intake sequence.
type Service struct {
	db       *gorm.DB
	http     *http.Client
	handlers map[models.PlatformType]Handler
	log      *zap.Logger

	// OnPresence receives substrate online-status flips. Wired by the app
	// layer; nil means presence events are acknowledged and dropped.
	OnPresence func(ctx context.Context, changes []PresenceChange)

	// wecomBase is swapped for a test server in unit tests.
	wecomBase string

	mu           sync.Mutex
	wecomTokens  map[string]wecomToken
	wecomCursors map[string]string
}

func NewService(db *gorm.DB, log *zap.Logger) *Service {
	s := &Service{
		db:           db,
		http:         &http.Client{Timeout: 10 * time.Second},
		log:          log.Named("inbox"),
		wecomBase:    defaultWeComAPIBase,
		wecomTokens:  map[string]wecomToken{},
		wecomCursors: map[string]string{},
	}
	s.handlers = map[models.PlatformType]Handler{
		models.PlatformWeCom:    &wecomHandler{persister: persister{s}, svc: s},
		models.PlatformWeComBot: &wecomBotHandler{persister: persister{s}},
		models.PlatformFeishu:   &feishuHandler{persister: persister{s}},
		models.PlatformDingTalk: &dingtalkHandler{persister: persister{s}},
		models.PlatformTelegram: &telegramHandler{persister: persister{s}},
		models.PlatformWuKongIM: &wukongHandler{persister: persister{s}},
	}
	return s
}

// HandleCallback runs one delivery through its platform handler. GET is the
// WeCom URL-verification handshake; POST is a message delivery.
func (s *Service) HandleCallback(ctx context.Context, method string, d *Delivery) (*Result, error) {
	h, ok := s.handlers[d.Platform.Type]
	if !ok {
		return nil, apperr.InvalidPayload("platform type %s has no intake handler", d.Platform.Type)
	}

	if method == http.MethodGet {
		v, ok := h.(urlVerifier)
		if !ok {
			return nil, apperr.InvalidPayload("platform type %s has no URL verification", d.Platform.Type)
		}
		echo, err := v.VerifyURL(d)
		if err != nil {
			return nil, err
		}
		return &Result{Plain: echo}, nil
	}

	payload, err := h.Verify(d)
	if err != nil {
		return nil, err
	}

	rows, override, err := h.Normalize(ctx, d, payload)
	if err != nil {
		return nil, err
	}

	stored := 0
	if len(rows) > 0 {
		if stored, err = h.Persist(ctx, rows); err != nil {
			return nil, err
		}
	}

	s.log.Debug("callback processed",
		zap.String("platform", string(d.Platform.Type)),
		zap.String("platform_id", d.Platform.ID),
		zap.Int("rows", len(rows)),
		zap.Int("stored", stored))

	if override != nil {
		override.Stored = stored
		return override, nil
	}
	return &Result{JSON: map[string]any{"status": "ok", "stored": stored}, Stored: stored}, nil
}

// persister is the shared Persist implementation every handler embeds.
type persister struct {
	svc *Service
}

func (p persister) Persist(ctx context.Context, rows []any) (int, error) {
	return p.svc.storeRows(ctx, rows)
}

// storeRows inserts rows one at a time so a duplicate in a batch does not
// fail its siblings. A unique violation means the message is already staged;
// the webhook contract requires treating that as success.
func (s *Service) storeRows(ctx context.Context, rows []any) (int, error) {
	stored := 0
	for _, row := range rows {
		err := s.db.WithContext(ctx).Create(row).Error
		switch {
		case err == nil:
			stored++
		case isUniqueViolation(err):
			s.log.Info("duplicate inbound message skipped", zap.Error(err))
		default:
			return stored, err
		}
	}
	return stored, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	// 23505: postgres unique_violation
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// placeholder labels non-text message bodies so downstream consumers always
// have a content string to work with.
func placeholder(kind, detail string) string {
	if detail == "" {
		return "[" + kind + "]"
	}
	return "[" + kind + "] " + detail
}

// receivedAt converts a platform unix-seconds timestamp, defaulting to now.
func receivedAt(sec int64) time.Time {
	if sec <= 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}

// rawMap re-decodes a JSON fragment into the raw_payload column shape. The
// original bytes were already parsed once, so failures are ignored.
func rawMap(data []byte) models.JSONMap {
	m := models.JSONMap{}
	_ = json.Unmarshal(data, &m)
	return m
}
