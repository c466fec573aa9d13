// Package app assembles the EchoDesk server: configuration, Postgres,
// Redis, the realtime hub, background workers and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/echodesk/core/internal/config"
	"github.com/echodesk/core/internal/database"
	"github.com/echodesk/core/internal/middleware"
	"github.com/echodesk/core/internal/modules/gateway"
	"github.com/echodesk/core/internal/pkg/cluster"
	pkgcron "github.com/echodesk/core/internal/pkg/cron"
	pkgredis "github.com/echodesk/core/internal/pkg/redis"
)

// taskWorkers is the per-process worker pool size for the Redis task queue.
const taskWorkers = 4

// App holds all application dependencies.
type App struct {
	cfg    *config.AppConfig
	router *gin.Engine
	db     *gorm.DB
	rc     *pkgredis.Client
	hub    *gateway.Hub
	svcs   *services
	sched  *pkgcron.Scheduler
	logger *zap.Logger
	cancel context.CancelFunc
}

// New initializes the application: config → DB → Redis → services → routes.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := applyRuntimeSettings(cfg, logger); err != nil {
		return nil, err
	}

	// Workers skip migration; the master ensures the schema before spawning.
	db, err := database.Connect(cfg, !cluster.IsWorker())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	rc, err := pkgredis.Connect(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
		if !cluster.ShouldLogDevDiagnostics() {
			gin.DebugPrintRouteFunc = func(string, string, string, int) {}
			gin.DebugPrintFunc = func(string, ...interface{}) {}
		}
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(cors.New(corsConfig(cfg)))

	hub := gateway.NewHub(rc, logger, func(token string) (gateway.Identity, bool) {
		claims, role, err := middleware.ValidateTokenClaims(db, token)
		if err != nil {
			return gateway.Identity{}, false
		}
		return gateway.Identity{StaffID: claims.StaffID, ProjectID: claims.ProjectID, Role: role}, true
	})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	svcs, err := buildServices(cfg, db, rc, hub, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	svcs.tasks.StartWorkers(ctx, taskWorkers)

	if cluster.ShouldRunCron() {
		if err := svcs.auth.SeedAdmin(ctx); err != nil {
			logger.Warn("admin seed failed", zap.Error(err))
		}
	}

	sched := pkgcron.New()
	if cluster.ShouldRunCron() {
		registerCronJobs(sched, svcs, logger)
		go sched.Start(ctx)
	}

	app := &App{
		cfg:    cfg,
		router: router,
		db:     db,
		rc:     rc,
		hub:    hub,
		svcs:   svcs,
		sched:  sched,
		logger: logger,
		cancel: cancel,
	}
	app.registerRoutes()

	return app, nil
}

func corsConfig(cfg *config.AppConfig) cors.Config {
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "x-ed-cache"},
		AllowCredentials: true,
	}
	if len(cfg.AllowedOrigins) > 0 && !cfg.IsDev() {
		patterns := cfg.AllowedOrigins
		corsCfg.AllowOriginFunc = func(origin string) bool {
			host := extractOriginHost(origin)
			for _, pattern := range patterns {
				if matchOriginPattern(pattern, host) {
					return true
				}
			}
			return false
		}
	} else {
		corsCfg.AllowOriginFunc = func(origin string) bool { return true }
	}
	return corsCfg
}

// Addr returns the listen address.
func (a *App) Addr() string {
	if addr := cluster.WorkerListenAddr(); addr != "" {
		return addr
	}
	return a.cfg.ListenAddr()
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown stops background goroutines and drains the task workers.
func (a *App) Shutdown() {
	a.cancel()
	a.svcs.tasks.Stop()
}

var processStart = time.Now()
