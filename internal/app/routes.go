package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/echodesk/core/internal/middleware"
	"github.com/echodesk/core/internal/modules/auth"
	"github.com/echodesk/core/internal/modules/embedding"
	"github.com/echodesk/core/internal/modules/fabric/channel"
	"github.com/echodesk/core/internal/modules/gateway"
	"github.com/echodesk/core/internal/modules/knowledge/collection"
	knowledgefile "github.com/echodesk/core/internal/modules/knowledge/file"
	"github.com/echodesk/core/internal/modules/knowledge/qa"
	"github.com/echodesk/core/internal/modules/knowledge/website"
	"github.com/echodesk/core/internal/modules/retrieval/search"
	"github.com/echodesk/core/internal/modules/routing/assignment"
	"github.com/echodesk/core/internal/modules/routing/platform"
	"github.com/echodesk/core/internal/modules/routing/visitor"
	"github.com/echodesk/core/internal/modules/servertime"
	"github.com/echodesk/core/internal/modules/system/configs"
	"github.com/echodesk/core/internal/modules/system/health"
	"github.com/echodesk/core/internal/modules/system/tasks"
	"github.com/echodesk/core/internal/pkg/response"
)

const appVersion = "1.0.0"

const apiPrefix = "/v1"

func (a *App) registerRoutes() {
	r := a.router
	db := a.db
	authMW := middleware.Auth(db)

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c)
	})
	r.NoMethod(func(c *gin.Context) {
		response.MethodNotAllowed(c)
	})

	// Rate limiting and idempotence run on every route (requires Redis).
	r.Use(middleware.RateLimit(a.rc.Raw(), a.svcs.alerts))
	r.Use(middleware.Idempotence(a.rc.Raw()))

	api := r.Group(apiPrefix)
	api.Use(middleware.OptionalAuth(db))
	api.Use(middleware.HTTPCache(a.rc.Raw(), middleware.HTTPCacheOptions{
		TTL:       15 * time.Second,
		Disable:   a.cfg.IsDev(),
		SkipPaths: httpCacheSkipPaths(apiPrefix),
	}))

	// Infrastructure
	health.RegisterRoutes(api, db, a.rc, a.sched, appVersion, authMW)
	api.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"data": "pong"}) })
	api.GET("/uptime", func(c *gin.Context) {
		uptime := time.Since(processStart)
		c.JSON(http.StatusOK, gin.H{
			"timestamp": uptime.Milliseconds(),
			"humanize":  humanizeDuration(uptime),
		})
	})

	servertime.RegisterRoutes(api)

	configs.NewHandler(a.svcs.cfgSvc).RegisterRoutes(api, authMW)
	tasks.NewHandler(a.svcs.tasks).RegisterRoutes(api, authMW)

	// Auth & staff admin
	auth.NewHandler(a.svcs.auth).RegisterRoutes(api, authMW)

	// Knowledge base
	collection.NewHandler(collection.NewService(db, a.logger)).RegisterRoutes(api, authMW)
	fileSvc := knowledgefile.NewService(db, a.cfg, a.svcs.files, a.svcs.tasks, a.logger)
	knowledgefile.NewHandler(db, fileSvc).RegisterRoutes(api, authMW)
	qa.NewHandler(db, a.svcs.qa).RegisterRoutes(api, authMW)
	website.NewHandler(website.NewService(db, a.svcs.runner, a.svcs.tasks, a.logger)).RegisterRoutes(api, authMW)
	embedding.NewHandler(db, a.svcs.resolver).RegisterRoutes(api, authMW)

	// Retrieval
	search.NewHandler(search.NewService(a.svcs.vectors, a.cfg, a.logger)).RegisterRoutes(api, authMW)

	// Routing fabric
	platformHandler := platform.NewHandler(platform.NewService(db, a.logger), a.svcs.inbox)
	platformHandler.RegisterRoutes(api, authMW)
	assignment.NewHandler(a.svcs.assign).RegisterRoutes(api, authMW)
	visitor.NewHandler(a.svcs.visitors).RegisterRoutes(api, authMW)
	channel.NewHandler(a.svcs.fabric).RegisterRoutes(api, authMW)

	// Substrate webhooks land outside the versioned prefix.
	platformHandler.RegisterIntegrationRoutes(r.Group("/integrations"))

	// Operator realtime gateway
	gateway.RegisterRoutes(r.Group(""), a.hub, authMW)
}

// httpCacheSkipPaths lists endpoints whose responses must never be served
// from cache: webhook callbacks (the WeCom GET verification branch is
// nonce-dependent), search (POST bodies differ per call, and the GET stats
// endpoints change per second).
func httpCacheSkipPaths(prefix string) []string {
	return []string{
		prefix + "/uptime",
		prefix + "/ping",
		prefix + "/health",
		prefix + "/server-time",
		prefix + "/platforms/callback/*",
		prefix + "/tasks",
		prefix + "/tasks/*",
		prefix + "/queue",
		prefix + "/queue/*",
	}
}
