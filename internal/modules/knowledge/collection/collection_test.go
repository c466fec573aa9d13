package collection

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/apperr"
	"github.com/echodesk/core/internal/pkg/pagination"
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

func TestCreateRejectsCrawlConfigOnFileCollection(t *testing.T) {
	gdb, _ := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	_, err := svc.Create(context.Background(), "p1", CreateInput{
		DisplayName:    "Docs",
		CollectionType: models.CollectionTypeFile,
		CrawlConfig:    models.JSONMap{"max_pages": 10},
	})
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("err = %v, want invalid payload", err)
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	gdb, _ := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	_, err := svc.Create(context.Background(), "p1", CreateInput{
		DisplayName:    "Docs",
		CollectionType: "folder",
	})
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("err = %v, want invalid payload", err)
	}

	_, err = svc.Create(context.Background(), "p1", CreateInput{
		DisplayName:    "   ",
		CollectionType: models.CollectionTypeFile,
	})
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("err = %v, want invalid payload for blank name", err)
	}
}

func TestCreatePersistsWebsiteCollection(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "collections"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	row, err := svc.Create(context.Background(), "p1", CreateInput{
		DisplayName:    "  Support Site  ",
		CollectionType: models.CollectionTypeWebsite,
		CrawlConfig:    models.JSONMap{"max_pages": 50},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if row.ID == "" {
		t.Fatal("id not assigned")
	}
	if row.DisplayName != "Support Site" {
		t.Fatalf("display_name = %q, want trimmed", row.DisplayName)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestListAttachesFileCounts(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectQuery(`SELECT count\(\*\) FROM "collections"`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT \* FROM "collections"`).
		WithArgs("p1", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "type", "display_name"}).
			AddRow("col1", "p1", "file", "Docs").
			AddRow("col2", "p1", "qa", "FAQ"))
	mock.ExpectQuery(`SELECT collection_id, COUNT\(\*\) AS n FROM "files"`).
		WithArgs("col1", "col2", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"collection_id", "n"}).AddRow("col1", int64(3)))

	views, page, err := svc.List(context.Background(), "p1", pagination.Query{Page: 1, Size: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("total = %d, want 2", page.Total)
	}
	if len(views) != 2 {
		t.Fatalf("views = %d, want 2", len(views))
	}
	if views[0].FileCount != 3 {
		t.Fatalf("col1 file_count = %d, want 3", views[0].FileCount)
	}
	if views[1].FileCount != 0 {
		t.Fatalf("col2 file_count = %d, want 0", views[1].FileCount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetIncludesDocumentCount(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectQuery(`SELECT \* FROM "collections"`).
		WithArgs("col1", "p1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "type", "display_name"}).
			AddRow("col1", "p1", "website", "Support Site"))
	mock.ExpectQuery(`SELECT collection_id, COUNT\(\*\) AS n FROM "files"`).
		WithArgs("col1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"collection_id", "n"}).AddRow("col1", int64(4)))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "file_documents"`).
		WithArgs("col1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(17))

	view, err := svc.Get(context.Background(), "p1", "col1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.FileCount != 4 {
		t.Fatalf("file_count = %d, want 4", view.FileCount)
	}
	if view.DocumentCount == nil || *view.DocumentCount != 17 {
		t.Fatalf("document_count = %v, want 17", view.DocumentCount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectQuery(`SELECT \* FROM "collections"`).
		WithArgs("nope", "p1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := svc.Get(context.Background(), "p1", "nope")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestUpdateRejectsCrawlConfigOnQACollection(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectQuery(`SELECT \* FROM "collections"`).
		WithArgs("col1", "p1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "type", "display_name"}).
			AddRow("col1", "p1", "qa", "FAQ"))

	_, err := svc.Update(context.Background(), "p1", "col1", UpdateInput{
		CrawlConfig: models.JSONMap{"max_pages": 5},
	})
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("err = %v, want invalid payload", err)
	}
}

func TestDeleteSoftDeletesOnlyTheCollection(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewService(gdb, zap.NewNop())

	mock.ExpectQuery(`SELECT \* FROM "collections"`).
		WithArgs("col1", "p1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "type", "display_name"}).
			AddRow("col1", "p1", "file", "Docs"))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "collections" SET "deleted_at"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := svc.Delete(context.Background(), "p1", "col1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
