package app

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/config"
	"github.com/echodesk/core/internal/modules/auth"
	"github.com/echodesk/core/internal/modules/embedding"
	"github.com/echodesk/core/internal/modules/fabric/channel"
	"github.com/echodesk/core/internal/modules/fabric/wukong"
	"github.com/echodesk/core/internal/modules/gateway"
	"github.com/echodesk/core/internal/modules/knowledge/qa"
	"github.com/echodesk/core/internal/modules/processing/ai"
	"github.com/echodesk/core/internal/modules/processing/crawl"
	"github.com/echodesk/core/internal/modules/processing/document"
	"github.com/echodesk/core/internal/modules/retrieval/vectorstore"
	"github.com/echodesk/core/internal/modules/routing/assignment"
	"github.com/echodesk/core/internal/modules/routing/inbox"
	"github.com/echodesk/core/internal/modules/routing/visitor"
	"github.com/echodesk/core/internal/modules/system/configs"
	"github.com/echodesk/core/internal/pkg/alert"
	pkgredis "github.com/echodesk/core/internal/pkg/redis"
	"github.com/echodesk/core/internal/pkg/storage"
	"github.com/echodesk/core/internal/pkg/taskqueue"
)

// services holds the long-lived services shared between the HTTP surface,
// the task workers and the cron jobs. Handlers are built per-route in
// registerRoutes; everything here outlives a single request.
type services struct {
	cfgSvc   *configs.Service
	alerts   *alert.Service
	tasks    *taskqueue.Service
	files    storage.Provider
	resolver *embedding.Resolver
	vectors  *vectorstore.Service
	aiClient *ai.Client
	pipeline *document.Pipeline
	runner   *crawl.Runner
	qa       *qa.Service

	substrate *wukong.Client
	fabric    *channel.Adapter
	inbox     *inbox.Service
	assign    *assignment.Service
	visitors  *visitor.Service

	auth *auth.Service
}

// buildServices wires the service graph and binds the queue topics. Task
// handlers must all be registered before StartWorkers runs.
func buildServices(cfg *config.AppConfig, db *gorm.DB, rc *pkgredis.Client, hub *gateway.Hub, logger *zap.Logger) (*services, error) {
	cfgSvc := configs.NewService(db)

	alerts := alert.New(func() (bool, string, string) {
		full, err := cfgSvc.Get()
		if err != nil {
			return false, "", ""
		}
		return full.Alert.Enabled, full.Alert.WebhookURL, full.Site.Name
	})

	files, err := storage.New(cfg)
	if err != nil {
		return nil, err
	}

	tasks := taskqueue.NewService(rc, logger)
	resolver := embedding.NewResolver(db, logger)
	vectors := vectorstore.NewService(db, resolver, vectorstore.Params{
		RRFK:      cfg.Retrieval.RRFK,
		FetchTopK: cfg.Retrieval.MaxSearchLimit,
	}, logger)
	aiClient := ai.NewClient(cfgSvc.AI, logger)

	pipeline := document.NewPipeline(db, files, vectors, aiClient, cfg, alerts, logger)
	pipeline.RegisterTasks(tasks)

	runner := crawl.NewRunner(db, files, tasks, alerts, logger)
	runner.RegisterTasks(tasks)

	qaSvc := qa.NewService(db, vectors, tasks, logger)
	qaSvc.RegisterTasks(tasks)

	substrate := wukong.NewClient(func() (config.WuKongOptions, error) {
		full, err := cfgSvc.Get()
		if err != nil {
			return config.WuKongOptions{}, err
		}
		return full.WuKong, nil
	}, logger)
	fabric := channel.NewAdapter(db, substrate, logger)

	inboxSvc := inbox.NewService(db, logger)
	assign := assignment.NewService(db, fabric, hub, aiClient, cfg, logger)
	visitors := visitor.NewService(db, assign, fabric, hub, logger)
	// Presence flips arrive through the webhook intake and land on visitor
	// sessions. Set here so the two packages stay decoupled.
	inboxSvc.OnPresence = visitors.ApplyPresence

	return &services{
		cfgSvc:    cfgSvc,
		alerts:    alerts,
		tasks:     tasks,
		files:     files,
		resolver:  resolver,
		vectors:   vectors,
		aiClient:  aiClient,
		pipeline:  pipeline,
		runner:    runner,
		qa:        qaSvc,
		substrate: substrate,
		fabric:    fabric,
		inbox:     inboxSvc,
		assign:    assign,
		visitors:  visitors,
		auth:      auth.NewService(db, logger),
	}, nil
}
