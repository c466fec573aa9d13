package embedding

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/models"
	"github.com/echodesk/core/internal/pkg/apperr"
)

// Resolver caches one bound client per project. Entries live until the
// project's config is re-synced; nothing rebuilds a client on the hot path.
type Resolver struct {
	db  *gorm.DB
	log *zap.Logger

	mu        sync.RWMutex
	clients   map[string]Client
	listeners []func(projectID string)
}

func NewResolver(db *gorm.DB, log *zap.Logger) *Resolver {
	return &Resolver{
		db:      db,
		log:     log.Named("embedding"),
		clients: make(map[string]Client),
	}
}

// Resolve returns the project's embedding client, building and caching it
// from the active EmbeddingConfig row on first use.
func (r *Resolver) Resolve(ctx context.Context, projectID string) (Client, error) {
	r.mu.RLock()
	client, ok := r.clients[projectID]
	r.mu.RUnlock()
	if ok {
		return client, nil
	}

	var cfg models.EmbeddingConfigModel
	err := r.db.WithContext(ctx).
		Scopes(models.ScopedBy(projectID)).
		Where("is_active = ?", true).
		First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ConfigMissing("no active embedding config for project %s", projectID)
		}
		return nil, err
	}

	client, err = buildClient(&cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	// Another request may have resolved concurrently; keep the first one.
	if existing, ok := r.clients[projectID]; ok {
		client = existing
	} else {
		r.clients[projectID] = client
	}
	r.mu.Unlock()

	r.log.Debug("embedding client bound",
		zap.String("project_id", projectID),
		zap.String("provider", client.Provider()),
		zap.String("model", client.Model()))
	return client, nil
}

// Invalidate drops the cached client for a project and notifies listeners
// (the vector store keeps project handles bound to the old client). Called
// after batch-sync rewrites the active config.
func (r *Resolver) Invalidate(projectID string) {
	r.mu.Lock()
	delete(r.clients, projectID)
	listeners := r.listeners
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(projectID)
	}
}

// OnInvalidate registers a callback fired whenever a project's client binding
// is dropped. Register during wiring, before traffic.
func (r *Resolver) OnInvalidate(fn func(projectID string)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func buildClient(cfg *models.EmbeddingConfigModel) (Client, error) {
	switch cfg.Provider {
	case models.EmbeddingProviderOpenAI, models.EmbeddingProviderOpenAICompatible:
		return newOpenAIClient(cfg), nil
	case models.EmbeddingProviderQwen3:
		return newQwen3Client(cfg), nil
	default:
		return nil, apperr.InvalidPayload("unsupported embedding provider %q", cfg.Provider)
	}
}
