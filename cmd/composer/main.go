package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/heimdex/heimdex-composer/internal/api"
	"github.com/heimdex/heimdex-composer/internal/catalog"
	"github.com/heimdex/heimdex-composer/internal/config"
	"github.com/heimdex/heimdex-composer/internal/db"
	"github.com/heimdex/heimdex-composer/internal/export"
	"github.com/heimdex/heimdex-composer/internal/logging"
	"github.com/heimdex/heimdex-composer/internal/media"
	"github.com/heimdex/heimdex-composer/internal/playback"
	"github.com/heimdex/heimdex-composer/internal/segments"
	"github.com/heimdex/heimdex-composer/internal/subtitles"
)

var Version = "0.1.0"

const (
	doctorTimeout   = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	for _, dir := range []string{cfg.DataDir(), cfg.SegmentsDir(), cfg.ExportsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting heimdex composer",
		"version", Version,
		"data_dir", logging.SanitizePath(cfg.DataDir()),
		"segments_dir", logging.SanitizePath(cfg.SegmentsDir()),
		"exports_dir", logging.SanitizePath(cfg.ExportsDir()),
	)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := catalog.NewRepository(database.Conn())
	catalogSvc := catalog.NewService(repo, logger)
	store := segments.NewStore(cfg.SegmentsDir())

	if _, err := export.SweepOrphans(context.Background(), cfg.ExportsDir(), repo, logger); err != nil {
		logger.Warn("failed to sweep orphaned export files", "error", err)
	}

	subtitleOpts := subtitles.DefaultOptions()
	subtitleOpts.MergeGap = cfg.SubtitleMergeGap()
	subtitleOpts.ConfidenceFloor = cfg.SubtitleConfidenceFloor()
	engine := subtitles.NewEngine(catalogSvc, subtitleOpts, logger)

	mediaCfg := media.DefaultConfig(logger)
	mediaCfg.FFmpegPath = cfg.FFmpegPath()
	mediaCfg.FFprobePath = cfg.FFprobePath()
	mediaCfg.Encoder = cfg.VideoEncoder()
	mediaCfg.Preset = cfg.EncoderPreset()
	mediaCfg.CRF = cfg.EncoderCRF()
	mediaCfg.Timeout = cfg.ToolTimeout()
	ffmpeg := media.NewFFmpeg(mediaCfg)

	doctor := media.NewCachedDoctor(ffmpeg, logger)
	initCtx, initCancel := context.WithTimeout(context.Background(), doctorTimeout)
	if caps, err := doctor.Refresh(initCtx); err != nil {
		logger.Warn("ffmpeg probe failed, exports will fail until it is installed", "error", err)
	} else {
		logger.Info("ffmpeg detected",
			"version", caps.FFmpegVersion,
			"encoder", caps.Encoder,
			"encoder_available", caps.HasEncoder,
		)
		if !caps.HasEncoder {
			logger.Warn("configured encoder is not available in this ffmpeg build", "encoder", caps.Encoder)
		}
	}
	initCancel()

	compositor := export.NewCompositor(export.Config{
		ExportsDir:       cfg.ExportsDir(),
		Workers:          cfg.TranscodeWorkers(),
		MinFreeDiskBytes: cfg.MinFreeDiskBytes(),
		Logger:           logger,
	}, store, catalogSvc, ffmpeg, repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := export.NewRunner(compositor, repo, catalogSvc, cfg.MaxConcurrentExports(), cfg.JobPollInterval(), logger)
	runnerDone := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(runnerDone)
	}()

	apiServer := api.NewServer(api.ServerConfig{
		Port:             cfg.Port(),
		Catalog:          catalogSvc,
		Exports:          repo,
		Subtitles:        engine,
		Segments:         store,
		Runner:           runner,
		Playback:         playback.NewServer(logger),
		Doctor:           doctor,
		ExportsDir:       cfg.ExportsDir(),
		MinFreeDiskBytes: cfg.MinFreeDiskBytes(),
		DiskFree:         export.FreeSpace,
		Logger:           logger,
		StartTime:        startTime,
		Version:          Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	// In-flight exports are cancelled and clean up their partial files.
	cancel()
	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		logger.Warn("export runner did not stop in time")
	}

	logger.Info("shutdown complete")
	return nil
}
