// Package vectorstore is the shared vector-plus-lexical index over the
// file_documents table. One table backs every project; tenant isolation comes
// from the project_id predicate every query carries, and each project gets
// its own handle bound to that project's embedding client.
package vectorstore

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/modules/embedding"
)

// Params tunes the hybrid fusion. Values come from the retrieval section of
// the startup config.
type Params struct {
	RRFK      int // reciprocal-rank fusion constant
	FetchTopK int // candidates fetched per leg before fusion
}

// DefaultParams mirrors the config defaults for callers that build a store
// outside app wiring (tests, one-off tools).
func DefaultParams() Params {
	return Params{RRFK: 60, FetchTopK: 20}
}

// Service hands out per-project store handles. Handles are cached until the
// project's embedding config is re-synced; nothing rebinds a client on the
// query path.
type Service struct {
	db       *gorm.DB
	resolver *embedding.Resolver
	log      *zap.Logger
	params   Params

	mu      sync.RWMutex
	handles map[string]*ProjectStore
}

func NewService(db *gorm.DB, resolver *embedding.Resolver, params Params, log *zap.Logger) *Service {
	if params.RRFK < 1 {
		params.RRFK = DefaultParams().RRFK
	}
	if params.FetchTopK < 1 {
		params.FetchTopK = DefaultParams().FetchTopK
	}
	s := &Service{
		db:       db,
		resolver: resolver,
		log:      log.Named("vectorstore"),
		params:   params,
		handles:  make(map[string]*ProjectStore),
	}
	// Embedding re-sync must drop the handle bound to the old client.
	resolver.OnInvalidate(s.Invalidate)
	return s
}

// For returns the project-bound store handle, resolving the embedding client
// on first use.
func (s *Service) For(ctx context.Context, projectID string) (*ProjectStore, error) {
	s.mu.RLock()
	handle, ok := s.handles[projectID]
	s.mu.RUnlock()
	if ok {
		return handle, nil
	}

	client, err := s.resolver.Resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.handles[projectID]; ok {
		return existing, nil
	}
	handle = &ProjectStore{
		db:        s.db,
		log:       s.log.With(zap.String("project_id", projectID)),
		projectID: projectID,
		client:    client,
		params:    s.params,
	}
	s.handles[projectID] = handle
	return handle, nil
}

// Invalidate drops the cached handle for a project.
func (s *Service) Invalidate(projectID string) {
	s.mu.Lock()
	delete(s.handles, projectID)
	s.mu.Unlock()
}
