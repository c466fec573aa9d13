package auth

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

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

func staffCols() []string {
	return []string{"id", "project_id", "username", "password_hash", "name", "role", "status", "is_active", "service_paused"}
}

func mustHash(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func TestLoginVerifiesPassword(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())
	hash := mustHash(t, "hunter42!")

	mock.ExpectQuery(`SELECT \* FROM "staffs" WHERE username = .+ AND is_active = .+ LIMIT`).
		WillReturnRows(sqlmock.NewRows(staffCols()).
			AddRow("s1", "p1", "ann", hash, "Ann", "user", "offline", true, false))

	result, err := svc.Login(context.Background(), LoginInput{Username: "ann", Password: "hunter42!"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.Token == "" {
		t.Fatal("token missing")
	}
	if result.Staff == nil || result.Staff.ID != "s1" {
		t.Fatalf("staff = %+v", result.Staff)
	}

	mock.ExpectQuery(`SELECT \* FROM "staffs"`).
		WillReturnRows(sqlmock.NewRows(staffCols()).
			AddRow("s1", "p1", "ann", hash, "Ann", "user", "offline", true, false))

	if _, err := svc.Login(context.Background(), LoginInput{Username: "ann", Password: "wrong"}); !apperr.IsKind(err, apperr.KindUnauthorized) {
		t.Fatalf("wrong password: err = %v, want unauthorized", err)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectQuery(`SELECT \* FROM "staffs"`).
		WillReturnRows(sqlmock.NewRows(staffCols()))

	_, err := svc.Login(context.Background(), LoginInput{Username: "ghost", Password: "whatever"})
	if !apperr.IsKind(err, apperr.KindUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestLoginAmbiguousUsernameNeedsProject(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())
	hash := mustHash(t, "hunter42!")

	mock.ExpectQuery(`SELECT \* FROM "staffs"`).
		WillReturnRows(sqlmock.NewRows(staffCols()).
			AddRow("s1", "p1", "ann", hash, "Ann", "user", "offline", true, false).
			AddRow("s2", "p2", "ann", hash, "Ann", "user", "offline", true, false))

	_, err := svc.Login(context.Background(), LoginInput{Username: "ann", Password: "hunter42!"})
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("err = %v, want invalid_payload", err)
	}
}

func TestCreateStaffRejectsDuplicateUsername(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectQuery(`SELECT count\(\*\) FROM "staffs"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, err := svc.CreateStaff(context.Background(), "p1", CreateStaffInput{
		Username: "ann",
		Password: "hunter42!",
	})
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestCreateStaffValidatesRole(t *testing.T) {
	gdb, _ := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	_, err := svc.CreateStaff(context.Background(), "p1", CreateStaffInput{
		Username: "ann",
		Password: "hunter42!",
		Role:     "superuser",
	})
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("err = %v, want invalid_payload", err)
	}
}

func TestSeedAdminSkipsPopulatedInstall(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectQuery(`SELECT count\(\*\) FROM "staffs"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	if err := svc.SeedAdmin(context.Background()); err != nil {
		t.Fatalf("SeedAdmin: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("seed must not write on a populated install: %v", err)
	}
}

func TestSeedAdminBootstrapsEmptyInstall(t *testing.T) {
	t.Setenv("ED_ADMIN_PASSWORD", "bootstrap-secret")

	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectQuery(`SELECT count\(\*\) FROM "staffs"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT \* FROM "projects"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "is_active"}))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "projects"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "staffs"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := svc.SeedAdmin(context.Background()); err != nil {
		t.Fatalf("SeedAdmin: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("db expectations: %v", err)
	}
}

func TestHashPasswordRoundTrip(t *testing.T) {
	if _, err := hashPassword("short"); !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("short password: err = %v, want invalid_payload", err)
	}

	hash, err := hashPassword("long enough password")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("long enough password")) != nil {
		t.Fatal("hash does not verify")
	}
}
