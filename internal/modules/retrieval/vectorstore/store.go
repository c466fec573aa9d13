package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/modules/embedding"
	"github.com/echodesk/core/internal/pkg/apperr"
	"go.uber.org/zap"
)

// Doc is one row to (re-)embed. The chunk row must already exist; the store
// writes vectors, it does not invent documents. Tags, when non-nil, replace
// the row's tags in the same statement.
type Doc struct {
	ID      string
	Content string
	Tags    models.JSONMap
}

// Hit pairs a matched document with its relevance score. Semantic scores are
// cosine similarity in [-1, 1]; hybrid scores are raw reciprocal-rank fusion
// sums; lexical scores are ts_rank_cd values.
type Hit struct {
	Document models.FileDocumentModel
	Score    float64
}

// Filter narrows a query inside the project scope. The project predicate
// itself is not part of the filter: the handle carries it and every query
// gets it unconditionally.
type Filter struct {
	CollectionID string
	FileID       string
	ContentTypes []string
	TagEquals    map[string]string // jsonb tags ->> key = value
}

// ProjectStore is a store handle bound to one project and its embedding
// client. Obtain through Service.For.
type ProjectStore struct {
	db        *gorm.DB
	log       *zap.Logger
	projectID string
	client    embedding.Client
	params    Params
}

// Client exposes the bound embedding client (model/dimensions stamping,
// query embedding reuse).
func (ps *ProjectStore) Client() embedding.Client { return ps.client }

// UpsertBatch embeds every doc with the project client and writes the
// vectors in one transaction. Rows are keyed by id inside the project; a
// rewrite replaces the previous vector atomically.
//
// On embed failure nothing in this batch is written: the affected rows stay
// as NULL-embedding placeholders and the error reaches the caller, which is
// how a pipeline step fails deterministically. Callers doing provider-cap
// sub-batches keep previously written sub-batches.
func (ps *ProjectStore) UpsertBatch(ctx context.Context, docs []Doc) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Content
	}

	vectors, err := ps.client.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, apperr.Upstream(err, ps.client.Provider())
	}

	model := ps.client.Model()
	dims := ps.client.Dimensions()

	err = ps.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, doc := range docs {
			vec := pgvector.NewVector(vectors[i])
			updates := map[string]interface{}{
				"embedding":            vec,
				"embedding_model":      model,
				"embedding_dimensions": dims,
			}
			if doc.Tags != nil {
				updates["tags"] = doc.Tags
			}
			res := tx.Model(&models.FileDocumentModel{}).
				Where("id = ? AND project_id = ?", doc.ID, ps.projectID).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return apperr.NotFound("document %s not found in project", doc.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	ps.log.Debug("vectors upserted", zap.Int("count", len(ids)), zap.String("model", model))
	return ids, nil
}

// hitRow lets GORM scan the document columns and the computed score in one pass.
type hitRow struct {
	models.FileDocumentModel
	Score float64 `gorm:"column:score"`
}

func toHits(rows []hitRow) []Hit {
	hits := make([]Hit, len(rows))
	for i, row := range rows {
		hits[i] = Hit{Document: row.FileDocumentModel, Score: row.Score}
	}
	return hits
}

// KNN runs cosine k-NN over the project's embedded rows. minScore > 0 drops
// rows below the similarity threshold before the limit applies; at 0 the raw
// top-k comes back. Ties on score break by created_at descending.
func (ps *ProjectStore) KNN(ctx context.Context, queryText string, k int, filter Filter, minScore float64) ([]Hit, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, apperr.InvalidPayload("query must not be empty")
	}
	if k < 1 {
		k = 1
	}

	queryVec, err := ps.client.EmbedQuery(ctx, queryText)
	if err != nil {
		return nil, apperr.Upstream(err, ps.client.Provider())
	}
	qv := pgvector.NewVector(queryVec)

	where, args := ps.filterSQL(filter)
	where = append(where, "embedding IS NOT NULL")

	sql := fmt.Sprintf(`SELECT *, 1 - (embedding <=> ?) AS score
		FROM file_documents
		WHERE %s`, strings.Join(where, " AND "))
	sqlArgs := append([]interface{}{qv}, args...)

	if minScore > 0 {
		sql += " AND 1 - (embedding <=> ?) >= ?"
		sqlArgs = append(sqlArgs, qv, minScore)
	}
	sql += " ORDER BY embedding <=> ? ASC, created_at DESC LIMIT ?"
	sqlArgs = append(sqlArgs, qv, k)

	var rows []hitRow
	if err := ps.db.WithContext(ctx).Raw(sql, sqlArgs...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return toHits(rows), nil
}

// Lexical runs full-text search over the generated content_tsv column,
// ranked by ts_rank_cd.
func (ps *ProjectStore) Lexical(ctx context.Context, queryText string, k int, filter Filter) ([]Hit, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, apperr.InvalidPayload("query must not be empty")
	}
	if k < 1 {
		k = 1
	}

	where, args := ps.filterSQL(filter)
	where = append(where, "content_tsv @@ plainto_tsquery('simple', ?)")
	args = append(args, queryText)

	sql := fmt.Sprintf(`SELECT *, ts_rank_cd(content_tsv, plainto_tsquery('simple', ?)) AS score
		FROM file_documents
		WHERE %s
		ORDER BY score DESC, created_at DESC
		LIMIT ?`, strings.Join(where, " AND "))
	sqlArgs := append([]interface{}{queryText}, args...)
	sqlArgs = append(sqlArgs, k)

	var rows []hitRow
	if err := ps.db.WithContext(ctx).Raw(sql, sqlArgs...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return toHits(rows), nil
}

// Hybrid fuses the vector and lexical legs with reciprocal-rank fusion in a
// single SQL round trip. Each leg fetches params.FetchTopK candidates; a row
// scores 1/(rrf_k + rank) per leg it appears in. minScore applies to the
// fused score as a post-filter.
func (ps *ProjectStore) Hybrid(ctx context.Context, queryText string, k int, filter Filter, minScore float64) ([]Hit, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, apperr.InvalidPayload("query must not be empty")
	}
	if k < 1 {
		k = 1
	}

	queryVec, err := ps.client.EmbedQuery(ctx, queryText)
	if err != nil {
		return nil, apperr.Upstream(err, ps.client.Provider())
	}
	qv := pgvector.NewVector(queryVec)

	where, filterArgs := ps.filterSQL(filter)
	filterClause := strings.Join(where, " AND ")

	sql := fmt.Sprintf(`WITH vec AS (
			SELECT id, ROW_NUMBER() OVER (ORDER BY embedding <=> ?) AS rank
			FROM file_documents
			WHERE %s AND embedding IS NOT NULL
			ORDER BY embedding <=> ? ASC
			LIMIT ?
		), lex AS (
			SELECT id, ROW_NUMBER() OVER (
				ORDER BY ts_rank_cd(content_tsv, plainto_tsquery('simple', ?)) DESC
			) AS rank
			FROM file_documents
			WHERE %s AND content_tsv @@ plainto_tsquery('simple', ?)
			LIMIT ?
		)
		SELECT d.*,
			COALESCE(1.0 / (? + vec.rank), 0) + COALESCE(1.0 / (? + lex.rank), 0) AS score
		FROM file_documents d
		LEFT JOIN vec ON vec.id = d.id
		LEFT JOIN lex ON lex.id = d.id
		WHERE vec.id IS NOT NULL OR lex.id IS NOT NULL
		ORDER BY score DESC, d.created_at DESC
		LIMIT ?`, filterClause, filterClause)

	sqlArgs := []interface{}{qv}
	sqlArgs = append(sqlArgs, filterArgs...)
	sqlArgs = append(sqlArgs, qv, ps.params.FetchTopK, queryText)
	sqlArgs = append(sqlArgs, filterArgs...)
	sqlArgs = append(sqlArgs, queryText, ps.params.FetchTopK, ps.params.RRFK, ps.params.RRFK, k)

	var rows []hitRow
	if err := ps.db.WithContext(ctx).Raw(sql, sqlArgs...).Scan(&rows).Error; err != nil {
		return nil, err
	}

	hits := toHits(rows)
	if minScore > 0 {
		kept := hits[:0]
		for _, hit := range hits {
			if hit.Score >= minScore {
				kept = append(kept, hit)
			}
		}
		hits = kept
	}
	return hits, nil
}

// Delete removes rows by id within the project. Returns how many rows went
// away; deleting an already-missing id is not an error.
func (ps *ProjectStore) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := ps.db.WithContext(ctx).
		Where("project_id = ? AND id IN ?", ps.projectID, ids).
		Delete(&models.FileDocumentModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// filterSQL renders the tenant predicate plus the optional filter into WHERE
// fragments. The project predicate always comes first; forgetting it is not
// possible through this path.
func (ps *ProjectStore) filterSQL(filter Filter) ([]string, []interface{}) {
	where := []string{"project_id = ?"}
	args := []interface{}{ps.projectID}

	if filter.CollectionID != "" {
		where = append(where, "collection_id = ?")
		args = append(args, filter.CollectionID)
	}
	if filter.FileID != "" {
		where = append(where, "file_id = ?")
		args = append(args, filter.FileID)
	}
	if len(filter.ContentTypes) > 0 {
		where = append(where, "content_type IN ?")
		args = append(args, filter.ContentTypes)
	}
	for key, value := range filter.TagEquals {
		where = append(where, "tags ->> ? = ?")
		args = append(args, key, value)
	}
	return where, args
}
