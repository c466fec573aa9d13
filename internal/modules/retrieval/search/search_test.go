package search

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/config"
	"github.com/echodesk/core/internal/modules/embedding"
	"github.com/echodesk/core/internal/modules/retrieval/vectorstore"
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

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		Retrieval: config.RetrievalConfig{
			DefaultSearchLimit:  10,
			MaxSearchLimit:      50,
			MinSimilarityScore:  0.3,
			RRFK:                60,
			CandidateMultiplier: 2,
		},
	}
}

func newSearchService(t *testing.T, gdb *gorm.DB) *Service {
	t.Helper()
	vectors := vectorstore.NewService(gdb, embedding.NewResolver(gdb, zap.NewNop()), vectorstore.DefaultParams(), zap.NewNop())
	return NewService(vectors, testConfig(), zap.NewNop())
}

func expectEmbeddingConfig(mock sqlmock.Sqlmock, projectID string) {
	mock.ExpectQuery(`SELECT \* FROM "embedding_configs"`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "project_id", "provider", "model", "dimensions", "batch_size", "api_key", "is_active"}).
			AddRow("cfg1", projectID, "openai", "text-embedding-3-small", 1536, 16, "sk-test", true))
}

func lexicalColumns() []string {
	return []string{"id", "project_id", "collection_id", "content", "content_type", "created_at", "score"}
}

func TestSearchLexicalMapsResults(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := newSearchService(t, gdb)

	col := "col1"
	now := time.Now()
	expectEmbeddingConfig(mock, "p1")
	mock.ExpectQuery(`ts_rank_cd`).
		WillReturnRows(sqlmock.NewRows(lexicalColumns()).
			AddRow("d1", "p1", col, "重置密码的方法", "paragraph", now, 0.8).
			AddRow("d2", "p1", col, strings.Repeat("密", 250), "paragraph", now, 0.2))

	resp, err := svc.Search(context.Background(), "p1", Request{
		Query:        "重置密码",
		SearchType:   TypeLexical,
		CollectionID: col,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	if resp.Results[0].DocumentID != "d1" || resp.Results[0].RelevanceScore != 0.8 {
		t.Fatalf("rank-1 = %+v", resp.Results[0])
	}
	if got := len([]rune(resp.Results[1].ContentPreview)); got != 200 {
		t.Fatalf("preview runes = %d, want 200", got)
	}
	md := resp.Metadata
	if md.SearchType != TypeLexical || md.Query != "重置密码" {
		t.Fatalf("metadata = %+v", md)
	}
	if md.TotalResults != 2 || md.ReturnedResults != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", md.TotalResults, md.ReturnedResults)
	}
	if md.FiltersApplied["collection_id"] != col {
		t.Fatalf("filters_applied = %v", md.FiltersApplied)
	}
}

func TestSearchLexicalMinScoreBeforeLimit(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := newSearchService(t, gdb)

	now := time.Now()
	minScore := 0.4
	expectEmbeddingConfig(mock, "p1")
	mock.ExpectQuery(`ts_rank_cd`).
		WillReturnRows(sqlmock.NewRows(lexicalColumns()).
			AddRow("d1", "p1", "col1", "a", "paragraph", now, 0.8).
			AddRow("d2", "p1", "col1", "b", "paragraph", now, 0.5).
			AddRow("d3", "p1", "col1", "c", "paragraph", now, 0.1))

	resp, err := svc.Search(context.Background(), "p1", Request{
		Query:      "q",
		SearchType: TypeLexical,
		Limit:      2,
		MinScore:   &minScore,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Metadata.TotalResults != 2 || resp.Metadata.ReturnedResults != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", resp.Metadata.TotalResults, resp.Metadata.ReturnedResults)
	}
	if resp.Results[1].DocumentID != "d2" {
		t.Fatalf("rank-2 = %s, want d2", resp.Results[1].DocumentID)
	}
}

func TestSearchTruncatesToLimit(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := newSearchService(t, gdb)

	now := time.Now()
	rows := sqlmock.NewRows(lexicalColumns())
	for _, id := range []string{"d1", "d2", "d3", "d4", "d5"} {
		rows.AddRow(id, "p1", "col1", "text", "paragraph", now, 0.5)
	}
	expectEmbeddingConfig(mock, "p1")
	mock.ExpectQuery(`ts_rank_cd`).WillReturnRows(rows)

	resp, err := svc.Search(context.Background(), "p1", Request{
		Query:      "q",
		SearchType: TypeLexical,
		Limit:      2,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Metadata.TotalResults != 5 || resp.Metadata.ReturnedResults != 2 {
		t.Fatalf("counts = %d/%d, want 5/2", resp.Metadata.TotalResults, resp.Metadata.ReturnedResults)
	}
}

func TestSearchDropsCrossTenantHits(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := newSearchService(t, gdb)

	now := time.Now()
	expectEmbeddingConfig(mock, "p1")
	mock.ExpectQuery(`ts_rank_cd`).
		WillReturnRows(sqlmock.NewRows(lexicalColumns()).
			AddRow("d1", "p1", "col1", "mine", "paragraph", now, 0.8).
			AddRow("d2", "other", "col1", "leaked", "paragraph", now, 0.7))

	resp, err := svc.Search(context.Background(), "p1", Request{
		Query:      "q",
		SearchType: TypeLexical,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Metadata.TotalResults != 1 || len(resp.Results) != 1 {
		t.Fatalf("cross-tenant row survived: %+v", resp.Results)
	}
	if resp.Results[0].DocumentID != "d1" {
		t.Fatalf("kept = %s, want d1", resp.Results[0].DocumentID)
	}
}

func TestSearchRejectsBadInput(t *testing.T) {
	gdb, _ := newMockDB(t)
	svc := newSearchService(t, gdb)

	_, err := svc.Search(context.Background(), "p1", Request{Query: "   "})
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("empty query kind = %v", apperr.KindOf(err))
	}

	_, err = svc.Search(context.Background(), "p1", Request{Query: "q", SearchType: "fuzzy"})
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("unknown type kind = %v", apperr.KindOf(err))
	}

	bad := -0.5
	_, err = svc.Search(context.Background(), "p1", Request{Query: "q", MinScore: &bad})
	if !apperr.IsKind(err, apperr.KindInvalidPayload) {
		t.Fatalf("negative min_score kind = %v", apperr.KindOf(err))
	}
}
