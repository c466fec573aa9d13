package qa

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/modules/embedding"
	"github.com/echodesk/core/internal/modules/retrieval/vectorstore"
	"github.com/echodesk/core/internal/pkg/apperr"
	redisc "github.com/echodesk/core/internal/pkg/redis"
	"github.com/echodesk/core/internal/pkg/taskqueue"
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

func newTestService(t *testing.T, gdb *gorm.DB) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redisc.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	tq := taskqueue.NewService(rc, zap.NewNop())
	vectors := vectorstore.NewService(gdb, embedding.NewResolver(gdb, zap.NewNop()), vectorstore.DefaultParams(), zap.NewNop())
	return NewService(gdb, vectors, tq, zap.NewNop())
}

func TestQuestionHashNormalizesWhitespace(t *testing.T) {
	a := QuestionHash("如何重置密码？")
	b := QuestionHash("  如何重置密码？\n")
	if a != b {
		t.Fatalf("hash differs across surrounding whitespace: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64", len(a))
	}
	if a == QuestionHash("如何修改密码？") {
		t.Fatal("different questions hashed equal")
	}
}

func TestParseJSONItems(t *testing.T) {
	items, err := parseJSONItems([]byte(`[{"question":"q1","answer":"a1"}]`))
	if err != nil {
		t.Fatalf("bare array: %v", err)
	}
	if len(items) != 1 || items[0].Question != "q1" {
		t.Fatalf("items = %+v", items)
	}

	items, err = parseJSONItems([]byte(`{"items":[{"question":"q2","answer":"a2"},{"question":"q3","answer":"a3"}]}`))
	if err != nil {
		t.Fatalf("wrapped object: %v", err)
	}
	if len(items) != 2 || items[1].Question != "q3" {
		t.Fatalf("items = %+v", items)
	}

	if _, err := parseJSONItems([]byte(`{broken`)); err == nil {
		t.Fatal("malformed json accepted")
	}
}

func TestParseCSVItems(t *testing.T) {
	csvData := "\uFEFFQuestion,Answer,Category\n如何重置密码？,点击忘记密码按钮。,账户\nq2,a2,\n"
	items, err := parseCSVItems([]byte(csvData))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("rows = %d, want 2", len(items))
	}
	if items[0].Question != "如何重置密码？" || items[0].Answer != "点击忘记密码按钮。" {
		t.Fatalf("row 0 = %+v", items[0])
	}
	if items[0].Category == nil || *items[0].Category != "账户" {
		t.Fatalf("row 0 category = %v", items[0].Category)
	}
	if items[1].Category != nil {
		t.Fatalf("empty category should stay nil, got %v", *items[1].Category)
	}

	_, err = parseCSVItems([]byte("foo,bar\nx,y\n"))
	if err == nil {
		t.Fatal("csv without question/answer columns accepted")
	}
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("kind = %v, want invalid_payload", apperr.KindOf(err))
	}
}

func TestCreatePersistsAndEnqueues(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := newTestService(t, gdb)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "collections"`).
		WithArgs("col1", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "qa_pairs"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	row, err := svc.Create(context.Background(), "p1", "col1", CreateInput{
		Question: "如何重置密码？",
		Answer:   "点击忘记密码按钮。",
		Priority: 5,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if row.ID == "" {
		t.Fatal("row id not assigned")
	}
	if row.Status != models.QAStatusPending {
		t.Fatalf("status = %s, want pending", row.Status)
	}
	if row.QuestionHash != QuestionHash("如何重置密码？") {
		t.Fatalf("question hash mismatch: %s", row.QuestionHash)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateDuplicateQuestionIsConflict(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := newTestService(t, gdb)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "collections"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "qa_pairs"`).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), "p1", "col1", CreateInput{
		Question: "如何重置密码？",
		Answer:   "点击忘记密码按钮。",
		Priority: 1,
	})
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("kind = %v, want conflict", apperr.KindOf(err))
	}
}

func TestCreateRejectsEmptyFields(t *testing.T) {
	gdb, _ := newMockDB(t)
	svc := newTestService(t, gdb)

	_, err := svc.Create(context.Background(), "p1", "col1", CreateInput{Question: "  ", Answer: "a"})
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("kind = %v, want invalid_payload", apperr.KindOf(err))
	}
	_, err = svc.Create(context.Background(), "p1", "col1", CreateInput{Question: "q", Answer: ""})
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("kind = %v, want invalid_payload", apperr.KindOf(err))
	}
}

func TestDeleteRemovesDocumentThenPair(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := newTestService(t, gdb)

	mock.ExpectQuery(`SELECT \* FROM "qa_pairs"`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "project_id", "collection_id", "question", "answer", "question_hash", "source_type", "status", "document_id", "priority"}).
			AddRow("qa1", "p1", "col1", "q", "a", strings.Repeat("x", 64), "manual", "processed", "doc1", 0))
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "file_documents"`).
		WithArgs("p1", "doc1", "qa1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "qa_pairs" SET "deleted_at"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := svc.Delete(context.Background(), "p1", "col1", "qa1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteRejectsWrongCollection(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := newTestService(t, gdb)

	mock.ExpectQuery(`SELECT \* FROM "qa_pairs"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "collection_id"}).
			AddRow("qa1", "p1", "other-col"))

	err := svc.Delete(context.Background(), "p1", "col1", "qa1")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("kind = %v, want not_found", apperr.KindOf(err))
	}
}

func TestProcessQAMarksFailedWhenConfigMissing(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := newTestService(t, gdb)

	mock.ExpectQuery(`SELECT \* FROM "qa_pairs"`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "project_id", "collection_id", "question", "answer", "status"}).
			AddRow("qa1", "p1", "col1", "如何重置密码？", "点击忘记密码按钮。", "pending"))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "qa_pairs"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "file_documents"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// no active embedding config for the project
	mock.ExpectQuery(`SELECT \* FROM "embedding_configs"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "qa_pairs"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := svc.ProcessQA(context.Background(), "p1", "qa1", false)
	if !apperr.IsKind(err, apperr.KindConfigMissing) {
		t.Fatalf("kind = %v, want config_missing", apperr.KindOf(err))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessBatchAggregatesCounts(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := newTestService(t, gdb)

	// first id does not exist, second does but has no embedding config
	mock.ExpectQuery(`SELECT \* FROM "qa_pairs"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT \* FROM "qa_pairs"`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "project_id", "collection_id", "question", "answer", "status"}).
			AddRow("qa2", "p1", "col1", "q", "a", "pending"))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "qa_pairs"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "file_documents"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT \* FROM "embedding_configs"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "qa_pairs"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result := svc.ProcessBatch(context.Background(), "p1", []string{"qa1", "qa2"}, false)
	if result.Total != 2 || result.Processed != 0 || result.Failed != 2 {
		t.Fatalf("result = %+v, want total 2 failed 2", result)
	}
}
