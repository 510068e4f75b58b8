package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rlindsay/depotsync/internal/api"
	"github.com/rlindsay/depotsync/internal/catalog"
	"github.com/rlindsay/depotsync/internal/config"
	"github.com/rlindsay/depotsync/internal/db"
	"github.com/rlindsay/depotsync/internal/depot"
	"github.com/rlindsay/depotsync/internal/scheduler"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── Logging (initial — overridden below once config is loaded) ─────────
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// ── Config ─────────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	// Re-configure logging with the level from config (default: info).
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("depotsync starting",
		"version", version,
		"log_level", cfg.LogLevel,
		"http_addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"catalog_url", cfg.Catalog.BaseURL,
		"anonymous", cfg.Catalog.Anonymous())

	// ── Database ───────────────────────────────────────────────────────────
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.RunMigrations(database); err != nil {
		slog.Error("run migrations", "error", err)
		os.Exit(1)
	}

	// Mark any sync runs that were 'running' when the last process
	// exited as failed.
	if err := depot.MarkStaleJobsFailed(database); err != nil {
		slog.Warn("mark stale sync jobs", "error", err)
	}

	// ── Engine ─────────────────────────────────────────────────────────────
	client := catalog.NewWebClient(cfg.Catalog.BaseURL, catalog.WebClientOptions{
		Timeout:     time.Duration(cfg.Catalog.TimeoutSeconds) * time.Second,
		MaxAttempts: uint64(cfg.Catalog.MaxAttempts),
	})
	creds := catalog.Credentials{
		Username: cfg.Catalog.Username,
		APIToken: cfg.Catalog.APIToken,
	}
	ctrl, err := depot.NewController(database, client, creds, depot.Config{
		GapThreshold:        cfg.Sync.GapThreshold,
		AppInfoBatchSize:    cfg.Catalog.AppInfoBatchSize,
		SnapshotURL:         cfg.Sync.SnapshotURL,
		SnapshotMinMappings: cfg.Sync.SnapshotMinMappings,
		MaxAttempts:         uint64(cfg.Catalog.MaxAttempts),
	})
	if err != nil {
		slog.Error("create sync controller", "error", err)
		os.Exit(1)
	}

	// ── Scheduler ──────────────────────────────────────────────────────────
	sched := scheduler.New()
	if !cfg.Sync.SyncPaused && cfg.Sync.Schedule != "" {
		if err := sched.SetSyncJob(cfg.Sync.Schedule, func() {
			slog.Info("scheduled sync triggered")
			if _, err := ctrl.Start(context.Background(), depot.StartOptions{Mode: depot.ModeIncremental}); err != nil {
				slog.Warn("scheduled sync skipped", "reason", err)
			}
		}); err != nil {
			slog.Warn("invalid cron expression", "expr", cfg.Sync.Schedule, "error", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	// ── HTTP server ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := api.New(cfg.HTTPAddr, ctrl, sched, version)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("depotsync stopped")
}

// parseLogLevel converts a config string ("debug", "info", "warn", "error")
// to its slog.Level equivalent. Unknown values default to Info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
