// Command worker consumes encode and thumbnail jobs and runs ffmpeg.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"hflix/internal/observability/logging"
	"hflix/internal/pipeline"
	"hflix/internal/transcoder"
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

	runner := transcoder.NewFFmpeg(transcoder.FFmpegConfig{
		FFmpegPath:        cfg.FFmpegPath,
		FFprobePath:       cfg.FFprobePath,
		EncodeDeadline:    cfg.EncodeDeadline,
		ThumbnailDeadline: cfg.ThumbnailDeadline,
		Logger:            logging.WithComponent(logger, "ffmpeg"),
	})

	workerCfg := pipeline.WorkerConfig{
		Repository:  deps.Repository,
		Blob:        deps.Blob,
		Bus:         deps.Bus,
		Runner:      runner,
		Codecs:      cfg.Codecs,
		Concurrency: cfg.Concurrency,
		WorkDir:     cfg.WorkDir,
		Logger:      logging.WithComponent(logger, "encode-worker"),
	}
	encoder, err := pipeline.NewEncodeWorker(workerCfg)
	if err != nil {
		logger.Error("failed to initialise encode worker", "error", err)
		os.Exit(1)
	}
	workerCfg.Logger = logging.WithComponent(logger, "thumbnail-worker")
	thumbnailer, err := pipeline.NewThumbnailWorker(workerCfg)
	if err != nil {
		logger.Error("failed to initialise thumbnail worker", "error", err)
		os.Exit(1)
	}

	if err := encoder.Start(); err != nil {
		logger.Error("failed to start encode worker", "error", err)
		os.Exit(1)
	}
	if err := thumbnailer.Start(); err != nil {
		logger.Error("failed to start thumbnail worker", "error", err)
		os.Exit(1)
	}
	logger.Info("worker consuming", "concurrency", cfg.Concurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := encoder.Shutdown(shutdownCtx); err != nil {
		logger.Warn("encode worker shutdown incomplete", "error", err)
	}
	if err := thumbnailer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("thumbnail worker shutdown incomplete", "error", err)
	}
	cancel()

	logger.Info("worker stopped")
}
