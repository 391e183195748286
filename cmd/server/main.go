// Command server starts the hflix API HTTP service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hflix/internal/api"
	"hflix/internal/observability/logging"
	"hflix/internal/pipeline"
	"hflix/internal/server"
)

func main() {
	cfg := parseFlags()
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise dependencies", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	uploads, err := pipeline.NewUploadManager(pipeline.UploadConfig{
		Repository:   deps.Repository,
		Blob:         deps.Blob,
		Sessions:     deps.Sessions,
		ScratchDir:   cfg.ScratchDir,
		SessionTTL:   cfg.SessionTTL,
		ReapInterval: cfg.ReapInterval,
		Logger:       logging.WithComponent(logger, "uploads"),
	})
	if err != nil {
		logger.Error("failed to initialise upload manager", "error", err)
		os.Exit(1)
	}
	uploads.Start()

	orchestrator := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Repository: deps.Repository,
		Bus:        deps.Bus,
		Ladder:     cfg.Ladder,
		Codecs:     cfg.Codecs,
		Logger:     logging.WithComponent(logger, "orchestrator"),
	})
	selector := pipeline.NewSelector(pipeline.SelectorConfig{
		Repository: deps.Repository,
		Blob:       deps.Blob,
		Bus:        deps.Bus,
		Codecs:     cfg.Codecs,
		Logger:     logging.WithComponent(logger, "selector"),
	})

	p := pipeline.New(uploads, orchestrator, selector, deps.Repository)
	handler := api.NewHandler(p, deps.Repository, logging.WithComponent(logger, "api"))

	srv, err := server.New(handler, server.Config{
		Addr:      cfg.Addr,
		TLS:       server.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		RateLimit: cfg.RateLimit,
		CORS:      server.CORSConfig{PlayerOrigins: cfg.PlayerOrigins},
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("hflix API listening", "addr", cfg.Addr)
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			logger.Info("TLS enabled", "cert_file", cfg.TLSCert)
		}
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := uploads.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to stop upload manager", "error", err)
	}
	cancel()

	logger.Info("server stopped")
}
