package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/echodesk/core/internal/app"
	"github.com/echodesk/core/internal/config"
	"github.com/echodesk/core/internal/pkg/cluster"
	"github.com/echodesk/core/internal/pkg/nativelog"
	"github.com/echodesk/core/internal/pkg/proctitle"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "Path to YAML config file")
	port := flag.Int("port", 0, "Override the configured listen port")
	flag.Parse()

	logger, err := nativelog.NewZapLogger()
	if err != nil {
		logger, _ = zap.NewProduction()
		logger.Warn("native log pipeline unavailable, fallback to zap production logger", zap.Error(err))
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if *port > 0 {
		cfg.Port = *port
	}

	setProcessTitle(logger)

	opts := cluster.Options{
		Enable:     cfg.Workers > 0,
		Workers:    cfg.Workers,
		ListenAddr: cfg.ListenAddr(),
	}
	if cfg.Reload {
		opts.ReloadPath = *configPath
	}

	if err := cluster.Run(logger, opts, func() error {
		return serve(logger, cfg)
	}); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func setProcessTitle(logger *zap.Logger) {
	title := "echodesk"
	if cluster.IsWorker() {
		title = fmt.Sprintf("echodesk:w%d", cluster.WorkerID())
	}
	if err := proctitle.Set(title); err != nil && cluster.ShouldLogBootstrap() {
		logger.Debug("cannot set process title", zap.Error(err))
	}
}

func serve(logger *zap.Logger, cfg *config.AppConfig) error {
	application, err := app.New(logger, cfg)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}

	srv := &http.Server{
		Addr:    application.Addr(),
		Handler: application.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		application.Shutdown()
		return err
	case <-quit:
	}

	logger.Info("shutting down server...")
	application.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}
