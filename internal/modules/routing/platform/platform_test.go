package platform

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/modules/routing/inbox"
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

func TestCreateMintsAPIKey(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "platforms"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	row, err := svc.Create(context.Background(), "p1", CreateInput{
		Type: models.PlatformTelegram,
		Name: "  Support Bot  ",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if row.Name != "Support Bot" {
		t.Fatalf("name = %q", row.Name)
	}
	if _, err := uuid.Parse(row.APIKey); err != nil {
		t.Fatalf("api_key %q is not a uuid: %v", row.APIKey, err)
	}
	if !row.IsActive || row.AIMode != models.AIModeAuto {
		t.Fatalf("defaults: active=%v ai_mode=%q", row.IsActive, row.AIMode)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateValidation(t *testing.T) {
	gdb, _ := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	cases := []CreateInput{
		{Type: "smoke_signal", Name: "x"},
		{Type: models.PlatformFeishu, Name: "   "},
		{Type: models.PlatformFeishu, Name: "x", AIMode: "loud"},
	}
	for _, in := range cases {
		if _, err := svc.Create(context.Background(), "p1", in); !apperr.IsKind(err, apperr.KindInvalidPayload) {
			t.Fatalf("input %+v: err = %v, want invalid payload", in, err)
		}
	}
}

func TestFindByAPIKey(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectQuery(`SELECT \* FROM "platforms" WHERE api_key = \$1 AND is_active = \$2`).
		WithArgs("key-1", true, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "type", "name", "api_key", "is_active"}).
			AddRow("plat1", "p1", "telegram", "Support Bot", "key-1", true))

	row, err := svc.FindByAPIKey(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("FindByAPIKey: %v", err)
	}
	if row.ID != "plat1" || row.Type != models.PlatformTelegram {
		t.Fatalf("row = %+v", row)
	}

	mock.ExpectQuery(`SELECT \* FROM "platforms" WHERE api_key = \$1 AND is_active = \$2`).
		WithArgs("gone", true, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := svc.FindByAPIKey(context.Background(), "gone"); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}

	// Empty keys never reach the database.
	if _, err := svc.FindByAPIKey(context.Background(), "  "); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFindActiveByTypePicksOldest(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectQuery(`SELECT \* FROM "platforms" WHERE type = \$1 AND is_active = \$2 .* ORDER BY created_at ASC`).
		WithArgs("wukongim", true, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "type", "is_active"}).
			AddRow("plat1", "p1", "wukongim", true))

	row, err := svc.FindActiveByType(context.Background(), models.PlatformWuKongIM)
	if err != nil {
		t.Fatalf("FindActiveByType: %v", err)
	}
	if row.ID != "plat1" {
		t.Fatalf("row = %+v", row)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateScopedToProject(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectQuery(`SELECT \* FROM "platforms" WHERE id = \$1`).
		WithArgs("plat1", "p1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "type", "name", "is_active"}).
			AddRow("plat1", "p1", "telegram", "Old Name", true))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "platforms" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	name := "New Name"
	active := false
	row, err := svc.Update(context.Background(), "p1", "plat1", UpdateInput{Name: &name, IsActive: &active})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if row.Name != "New Name" || row.IsActive {
		t.Fatalf("row = %+v", row)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateMissingPlatform(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectQuery(`SELECT \* FROM "platforms" WHERE id = \$1`).
		WithArgs("ghost", "p1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	name := "x"
	if _, err := svc.Update(context.Background(), "p1", "ghost", UpdateInput{Name: &name}); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestCallbackUnknownKeyIs404(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gdb, mock := newMockDB(t)

	svc := NewService(gdb, zap.NewNop())
	h := NewHandler(svc, inbox.NewService(gdb, zap.NewNop()))

	router := gin.New()
	h.RegisterRoutes(router.Group("/v1"), func(c *gin.Context) { c.Next() })

	mock.ExpectQuery(`SELECT \* FROM "platforms" WHERE api_key = \$1 AND is_active = \$2`).
		WithArgs("nope", true, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodPost, "/v1/platforms/callback/nope", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCallbackDispatchesToIntake(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gdb, mock := newMockDB(t)

	svc := NewService(gdb, zap.NewNop())
	h := NewHandler(svc, inbox.NewService(gdb, zap.NewNop()))

	router := gin.New()
	h.RegisterRoutes(router.Group("/v1"), func(c *gin.Context) { c.Next() })

	mock.ExpectQuery(`SELECT \* FROM "platforms" WHERE api_key = \$1 AND is_active = \$2`).
		WithArgs("key-1", true, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "type", "api_key", "is_active"}).
			AddRow("plat1", "p1", "telegram", "key-1", true))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "telegram_inbox"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body := `{"update_id":1,"message":{"message_id":5,"from":{"id":9},"chat":{"id":9,"type":"private"},"date":1700000000,"text":"hi"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/platforms/callback/key-1", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"stored":1`) {
		t.Fatalf("body = %s", w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
