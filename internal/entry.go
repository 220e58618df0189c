// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/hollis-labs/marquee/internal/api"
	"github.com/hollis-labs/marquee/internal/cache"
	"github.com/hollis-labs/marquee/internal/channel"
	"github.com/hollis-labs/marquee/internal/downloader"
	"github.com/hollis-labs/marquee/internal/player"
	"github.com/hollis-labs/marquee/internal/playlist"
	"github.com/hollis-labs/marquee/internal/registration"
	"github.com/hollis-labs/marquee/internal/sse"
	"github.com/hollis-labs/marquee/internal/syncer"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("data_dir", cfg.Device.DataDir),
		slog.String("cache_dir", cfg.Cache.Dir),
		slog.String("playlist_url", cfg.Backend.PlaylistURL),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := os.MkdirAll(cfg.Device.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// The device must be activated before anything talks to the backend.
	device, err := registration.Require(cfg.Device.RegistrationPath())
	if err != nil {
		if device != nil {
			logger.Error("Device not activated; claim this GUID in the backend and restart",
				slog.String("assigned_guid", device.AssignedGUID),
				slog.String("registration_path", cfg.Device.RegistrationPath()))
		}
		return err
	}
	logger.Info("Device activated",
		slog.String("assigned_guid", device.AssignedGUID),
		slog.String("branch", device.Branch))

	// Cache ledger (advisory usage stats; cache correctness never depends on it).
	if err := os.MkdirAll(filepath.Dir(cfg.Cache.LedgerPath), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	ledger, err := cache.OpenLedger(cfg.Cache.LedgerPath)
	if err != nil {
		return fmt.Errorf("open cache ledger: %w", err)
	}
	defer ledger.Close()

	mediaCache, err := cache.New(cfg.Cache.Dir, cfg.Cache.MaxBytes, cfg.Cache.Threshold, ledger, logger)
	if err != nil {
		return fmt.Errorf("init media cache: %w", err)
	}

	store := playlist.NewStore(cfg.Device.PlaylistPath(), cfg.Sync.DefaultImageDurationSeconds)

	fetchClient := &http.Client{Timeout: cfg.Backend.FetchTimeout()}
	client := playlist.NewClient(cfg.Backend.PlaylistURL, device.APIKey,
		cfg.Sync.DefaultImageDurationSeconds, fetchClient, logger)

	dl := downloader.New(mediaCache, &http.Client{}, downloader.Options{
		Concurrency: cfg.Download.Concurrency,
		MaxRetries:  cfg.Download.MaxRetries,
		BackoffBase: cfg.Download.BackoffBase(),
		Timeout:     cfg.Download.Timeout(),
		ChunkSize:   cfg.Download.ChunkSize,
		RatePerSec:  cfg.Download.RatePerSec,
	}, logger)

	var push *channel.Channel
	if cfg.Channel.Enabled() {
		push = channel.New(channel.Options{
			URL:         cfg.Channel.URL,
			APIKey:      device.APIKey,
			Schedule:    cfg.Channel.Schedule(),
			MaxAttempts: cfg.Channel.MaxAttempts,
		}, logger)
	}

	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	defaultImage := time.Duration(cfg.Sync.DefaultImageDurationSeconds) * time.Second

	// Headless by default: log what would be on screen and keep videos
	// rotating on their declared duration.
	var seq *player.Sequencer
	renderer := app.renderer
	if renderer == nil {
		renderer = player.RendererFunc(func(_ context.Context, snap player.Snapshot) error {
			logger.Info("Showing item",
				slog.String("id", snap.Item.ID),
				slog.String("kind", string(snap.Item.Kind)),
				slog.String("path", snap.Item.LocalPath))
			if snap.Item.Kind == playlist.KindVideo {
				d := time.Duration(snap.Item.DurationSeconds) * time.Second
				if d <= 0 {
					d = defaultImage
				}
				// AdvanceFrom drops the advance if the playlist changed
				// before the timer fired.
				time.AfterFunc(d, func() { seq.AdvanceFrom(snap) })
			}
			return nil
		})
	}
	seq = player.New(renderer, defaultImage, logger)

	syncOpts := syncer.Options{
		Interval:             cfg.Sync.Interval(),
		DefaultImageDuration: cfg.Sync.DefaultImageDurationSeconds,
	}
	if push != nil {
		syncOpts.Notifications = push.Notifications()
		syncOpts.ChannelDown = push.Done()
		syncOpts.ChannelState = push.State
	}
	syncLoop := syncer.New(client, store, mediaCache, dl, seq, broker, syncOpts, logger)

	// Build API handler and router.
	h := api.NewHandler(syncLoop, seq, store, device)
	apiRouter := api.NewRouter(h, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Keep the cache ledger in step with the media directory.
	g.Go(func() error {
		return mediaCache.Watch(gCtx, logger)
	})

	// Push channel; a permanent stop degrades to polling, it never kills
	// the group.
	if push != nil {
		g.Go(func() error {
			return push.Run(gCtx)
		})
	}

	// Playback loop.
	g.Go(func() error {
		return seq.Run(gCtx)
	})

	// Sync loop.
	g.Go(func() error {
		return syncLoop.Run(gCtx)
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}
