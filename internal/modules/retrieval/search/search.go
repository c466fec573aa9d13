package search

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/echodesk/core/internal/config"
	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/modules/retrieval/vectorstore"
	"github.com/echodesk/core/internal/pkg/apperr"
)

// Ranking strategies.
const (
	TypeSemantic = "semantic"
	TypeLexical  = "lexical"
	TypeHybrid   = "hybrid"
)

const previewRunes = 200

// Service answers tenant-scoped retrieval queries against the vector store.
type Service struct {
	vectors *vectorstore.Service
	cfg     *config.AppConfig
	log     *zap.Logger
}

func NewService(vectors *vectorstore.Service, cfg *config.AppConfig, log *zap.Logger) *Service {
	return &Service{vectors: vectors, cfg: cfg, log: log.Named("search")}
}

// Filters narrow a search beyond the collection.
type Filters struct {
	FileID       string            `json:"file_id,omitempty"`
	ContentTypes []string          `json:"content_types,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// Request is one search call. CollectionID comes from the route, not the
// body. MinScore nil means the type's default: the configured similarity
// floor for semantic, no floor for lexical and hybrid (their scores are rank
// fusions, not similarities).
type Request struct {
	Query        string   `json:"query" binding:"required"`
	Limit        int      `json:"limit"`
	MinScore     *float64 `json:"min_score"`
	SearchType   string   `json:"search_type"`
	Filters      Filters  `json:"filters"`
	CollectionID string   `json:"-"`
}

// Result is one ranked chunk.
type Result struct {
	DocumentID     string         `json:"document_id"`
	FileID         *string        `json:"file_id,omitempty"`
	CollectionID   *string        `json:"collection_id,omitempty"`
	RelevanceScore float64        `json:"relevance_score"`
	ContentPreview string         `json:"content_preview"`
	DocumentTitle  *string        `json:"document_title,omitempty"`
	ContentType    string         `json:"content_type"`
	ChunkIndex     *int           `json:"chunk_index,omitempty"`
	PageNumber     *int           `json:"page_number,omitempty"`
	SectionTitle   *string        `json:"section_title,omitempty"`
	Tags           models.JSONMap `json:"tags,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Metadata describes how the result set was produced.
type Metadata struct {
	Query           string                 `json:"query"`
	TotalResults    int                    `json:"total_results"`
	ReturnedResults int                    `json:"returned_results"`
	SearchTimeMS    int64                  `json:"search_time_ms"`
	FiltersApplied  map[string]interface{} `json:"filters_applied,omitempty"`
	SearchType      string                 `json:"search_type"`
}

// Response pairs the ranked results with their metadata.
type Response struct {
	Results  []Result `json:"results"`
	Metadata Metadata `json:"metadata"`
}

// Search runs one retrieval query. Results come back ordered by score
// descending with created_at descending ties, thresholded before limiting.
func (s *Service) Search(ctx context.Context, projectID string, req Request) (*Response, error) {
	start := time.Now()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, apperr.InvalidPayload("query must not be empty")
	}
	searchType := strings.ToLower(strings.TrimSpace(req.SearchType))
	if searchType == "" {
		searchType = TypeHybrid
	}
	switch searchType {
	case TypeSemantic, TypeLexical, TypeHybrid:
	default:
		return nil, apperr.InvalidPayload("unknown search_type %q", req.SearchType)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.Retrieval.DefaultSearchLimit
	}
	if limit > s.cfg.Retrieval.MaxSearchLimit {
		limit = s.cfg.Retrieval.MaxSearchLimit
	}

	minScore := 0.0
	if req.MinScore != nil {
		if *req.MinScore < 0 {
			return nil, apperr.InvalidPayload("min_score must not be negative")
		}
		minScore = *req.MinScore
	} else if searchType == TypeSemantic {
		minScore = s.cfg.Retrieval.MinSimilarityScore
	}

	filter := vectorstore.Filter{
		CollectionID: req.CollectionID,
		FileID:       req.Filters.FileID,
		ContentTypes: req.Filters.ContentTypes,
		TagEquals:    req.Filters.Tags,
	}

	store, err := s.vectors.For(ctx, projectID)
	if err != nil {
		return nil, err
	}

	// over-fetch so the tenant re-check below cannot starve the page
	fetch := limit
	if s.cfg.Retrieval.CandidateMultiplier > 1 {
		fetch = limit * s.cfg.Retrieval.CandidateMultiplier
	}

	var hits []vectorstore.Hit
	switch searchType {
	case TypeSemantic:
		hits, err = store.KNN(ctx, query, fetch, filter, minScore)
	case TypeLexical:
		hits, err = store.Lexical(ctx, query, fetch, filter)
		if err == nil && minScore > 0 {
			kept := hits[:0]
			for _, h := range hits {
				if h.Score >= minScore {
					kept = append(kept, h)
				}
			}
			hits = kept
		}
	case TypeHybrid:
		hits, err = store.Hybrid(ctx, query, fetch, filter, minScore)
	}
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	total := 0
	for _, h := range hits {
		if h.Document.ProjectID != projectID {
			s.log.Warn("dropping cross-tenant hit",
				zap.String("expected", projectID), zap.String("got", h.Document.ProjectID),
				zap.String("document_id", h.Document.ID))
			continue
		}
		total++
		if len(results) < limit {
			results = append(results, toResult(h))
		}
	}

	return &Response{
		Results: results,
		Metadata: Metadata{
			Query:           query,
			TotalResults:    total,
			ReturnedResults: len(results),
			SearchTimeMS:    time.Since(start).Milliseconds(),
			FiltersApplied:  describeFilters(req.CollectionID, req.Filters),
			SearchType:      searchType,
		},
	}, nil
}

func toResult(h vectorstore.Hit) Result {
	doc := h.Document
	return Result{
		DocumentID:     doc.ID,
		FileID:         doc.FileID,
		CollectionID:   doc.CollectionID,
		RelevanceScore: h.Score,
		ContentPreview: preview(doc.Content),
		DocumentTitle:  doc.DocumentTitle,
		ContentType:    doc.ContentType,
		ChunkIndex:     doc.ChunkIndex,
		PageNumber:     doc.PageNumber,
		SectionTitle:   doc.SectionTitle,
		Tags:           doc.Tags,
		CreatedAt:      doc.CreatedAt,
	}
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewRunes {
		return content
	}
	return string(runes[:previewRunes])
}

func describeFilters(collectionID string, f Filters) map[string]interface{} {
	applied := map[string]interface{}{}
	if collectionID != "" {
		applied["collection_id"] = collectionID
	}
	if f.FileID != "" {
		applied["file_id"] = f.FileID
	}
	if len(f.ContentTypes) > 0 {
		applied["content_types"] = f.ContentTypes
	}
	if len(f.Tags) > 0 {
		applied["tags"] = f.Tags
	}
	if len(applied) == 0 {
		return nil
	}
	return applied
}
