package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jsperling/grabdeck/internal/api"
	"github.com/jsperling/grabdeck/internal/config"
	"github.com/jsperling/grabdeck/internal/logger"
	"github.com/jsperling/grabdeck/internal/metrics"
	"github.com/jsperling/grabdeck/internal/queue"
	"github.com/jsperling/grabdeck/internal/storage"
	"github.com/jsperling/grabdeck/internal/ytdlp"
)

const shutdownTimeout = 10 * time.Second

func main() {
	settings := config.Load()
	log := logger.New(os.Stdout, settings.LogLevel)

	if err := run(settings, log); err != nil {
		log.Error("startup_failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(settings *config.Settings, log *slog.Logger) error {
	if err := os.MkdirAll(settings.BaseDownloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	store, err := storage.NewStorage(settings.SQLitePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Checkpoint(); err != nil {
			log.Warn("db_checkpoint_failed", "error", err.Error())
		}
		_ = store.Close()
	}()

	// Rows left in 'downloading' belong to a process that no longer exists.
	recovered, err := store.RecoverInterrupted()
	if err != nil {
		return fmt.Errorf("recover interrupted downloads: %w", err)
	}

	recorder := metrics.NewRecorder()
	runner := ytdlp.NewCommandRunner(settings.YtdlpPath, log)

	manager := queue.NewManager(store, recorder, runner, log, settings)
	manager.Start()
	defer manager.Stop()

	server := api.NewServer(store, manager, recorder, runner, log, settings)

	version, err := runner.Version(context.Background())
	if err != nil {
		version = "unavailable"
	}
	log.Info("startup",
		"http_addr", settings.HTTPAddr,
		"sqlite_path", settings.SQLitePath,
		"recovered_jobs", recovered,
		"yt_dlp_version", version,
		"diagnostics", ytdlp.BuildDiagnostics(
			settings.JSRuntime,
			settings.JSRuntimePath,
			settings.FFmpegPath,
			settings.BaseDownloadDir,
			settings.MaxConcurrentDownloads,
		),
	)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutdown_started")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_shutdown_failed", "error", err.Error())
	}
	manager.Stop()
	log.Info("shutdown_complete")
	return nil
}
