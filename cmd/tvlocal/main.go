package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/chasecee/tv.local/internal/api"
	"github.com/chasecee/tv.local/internal/config"
	"github.com/chasecee/tv.local/internal/display"
	"github.com/chasecee/tv.local/internal/frames"
	"github.com/chasecee/tv.local/internal/media"
	"github.com/chasecee/tv.local/internal/player"
	"github.com/chasecee/tv.local/internal/retention"
	"github.com/chasecee/tv.local/internal/server"
	"github.com/chasecee/tv.local/internal/state"
	"github.com/chasecee/tv.local/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := setupLogger(cfg.Logging)

	logger.Info().
		Str("version", api.Version).
		Msg("starting tv.local")

	catalog, err := storage.NewSQLiteStorage(cfg.Storage.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer catalog.Close()

	library, err := frames.NewLibrary(cfg.Storage.FramesDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open frames library")
	}

	if removed, err := library.SweepStaging(); err != nil {
		logger.Warn().Err(err).Msg("staging sweep failed")
	} else if removed > 0 {
		logger.Info().Int("removed", removed).Msg("swept leftover staging directories")
	}

	reconcileCatalog(library, catalog, logger)

	st, err := state.Load(catalog, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load playback state")
	}
	if err := st.OnBoot(); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply boot selection")
	}

	disp, err := display.Open(cfg.Display.Kind, cfg.Display.Device, cfg.Display.Width, cfg.Display.Height, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open display")
	}
	defer disp.Close()

	converter := media.NewConverter(
		cfg.Conversion.FFmpegPath,
		library,
		cfg.Display.Width, cfg.Display.Height, cfg.Display.FPS,
		cfg.Conversion.Timeout,
		logger,
	)
	prober := media.NewProber(cfg.Conversion.FFprobePath, logger)

	if converter.IsAvailable() {
		logger.Info().Msg("ffmpeg available - uploads enabled")
	} else {
		logger.Warn().Msg("ffmpeg not found - uploads will be rejected")
	}
	if prober.IsAvailable() {
		logger.Info().Msg("ffprobe available - metadata extraction enabled")
	} else {
		logger.Warn().Msg("ffprobe not found - metadata extraction disabled")
	}

	ret := retention.NewManager(library, catalog, st, cfg.Storage.MinFreeBytes, logger)

	play := player.New(library, st, disp, cfg.Display.FPS, cfg.Storage.CacheMaxSize, logger)

	handler := api.NewHandler(
		library, catalog, st,
		converter, prober, ret, play,
		cfg.Storage.UploadsDir,
		cfg.Server.MaxUploadBytes,
		cfg.Playback.AutoPlayUploads,
		logger,
	)

	srv := server.New(cfg, logger, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	playerDone := make(chan struct{})
	go func() {
		defer close(playerDone)
		play.Run(ctx)
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info().Msg("received shutdown signal")
		cancel()

		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("server error")
	}

	cancel()
	select {
	case <-playerDone:
	case <-time.After(3 * time.Second):
		logger.Warn().Msg("playback loop did not stop in time")
	}

	logger.Info().Msg("stopped")
}

// reconcileCatalog brings the sqlite catalog in line with what is actually on
// disk: records whose store vanished are dropped, stores with no record (a
// wiped database) are re-adopted.
func reconcileCatalog(library *frames.Library, catalog *storage.SQLiteStorage, logger zerolog.Logger) {
	videos, err := catalog.ListVideos()
	if err != nil {
		logger.Warn().Err(err).Msg("catalog listing failed, skipping reconcile")
		return
	}

	known := make(map[string]bool, len(videos))
	for _, v := range videos {
		known[v.ID] = true
		if !library.Exists(v.ID) {
			logger.Info().Str("id", v.ID).Msg("dropping catalog record for missing store")
			if err := catalog.DeleteVideo(v.ID); err != nil {
				logger.Warn().Err(err).Str("id", v.ID).Msg("failed to drop catalog record")
			}
		}
	}

	stores, err := library.List()
	if err != nil {
		logger.Warn().Err(err).Msg("library listing failed, skipping adoption")
		return
	}
	for _, st := range stores {
		if known[st.ID] {
			continue
		}
		logger.Info().Str("id", st.ID).Int("frames", st.FrameCount).Msg("adopting untracked store")
		if err := catalog.UpsertVideo(&storage.Video{
			ID:         st.ID,
			Title:      st.ID + ".mp4",
			FrameCount: st.FrameCount,
			SizeBytes:  st.SizeBytes,
			CreatedAt:  st.CreatedAt,
		}); err != nil {
			logger.Warn().Err(err).Str("id", st.ID).Msg("failed to adopt store")
		}
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Logger()
	}

	return zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()
}
