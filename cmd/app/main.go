package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/hollis-labs/marquee/internal"
	"github.com/hollis-labs/marquee/internal/cache"
	"github.com/hollis-labs/marquee/internal/mcpserver"
	"github.com/hollis-labs/marquee/internal/playlist"
	pkgconfig "github.com/hollis-labs/marquee/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

// tools serves the MCP inspection tools on stdio, reading the same on-disk
// state the daemon uses.
func tools(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var ledger *cache.Ledger
	if _, statErr := os.Stat(cfg.Cache.LedgerPath); statErr == nil {
		if ledger, err = cache.OpenLedger(cfg.Cache.LedgerPath); err != nil {
			return fmt.Errorf("open cache ledger: %w", err)
		}
		defer ledger.Close()
	}

	mediaCache, err := cache.New(cfg.Cache.Dir, cfg.Cache.MaxBytes, cfg.Cache.Threshold, ledger, slog.Default())
	if err != nil {
		return fmt.Errorf("init media cache: %w", err)
	}

	store := playlist.NewStore(cfg.Device.PlaylistPath(), cfg.Sync.DefaultImageDurationSeconds)

	srv := mcpserver.New(store, mediaCache, cfg.Device.RegistrationPath())
	return srv.ServeStdio()
}

func main() {
	cmd := &cli.Command{
		Name:   "marquee",
		Usage:  "Display device daemon: keeps a media playlist synced, cached and playing",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "tools",
				Usage:  "Serve MCP inspection tools over stdio",
				Action: tools,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
