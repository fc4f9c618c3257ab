package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/dialogue"
	"github.com/m4xw311/parley/metrics"
	"github.com/m4xw311/parley/pool"
	"github.com/m4xw311/parley/registry"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/storage"
	"github.com/m4xw311/parley/telegram"
	"github.com/m4xw311/parley/web"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("c", "", "Path to config file (defaults to layered ~/.parley and ./.parley)")
	logLevel := flag.String("l", "", "Log level override: debug, info, warn or error")
	flag.Parse()

	// Optional; credentials usually live in the environment already.
	_ = godotenv.Load()

	var cfg *config.Config
	var watcher *config.Watcher
	var err error
	if *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, nil)
		if err == nil {
			cfg = watcher.Current()
		}
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if len(cfg.Roles) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no roles configured\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, watcher, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, watcher *config.Watcher, logger *slog.Logger) error {
	fileStore, err := storage.NewFileStore(cfg.Storage.Dir, cfg.Storage.MaxLength)
	if err != nil {
		return err
	}
	store := session.NewStore(fileStore, session.StoreOptions{
		CacheSize: cfg.Cache.Size,
		CacheTTL:  cfg.Cache.TTL,
		Logger:    logger,
	})
	go store.RunCacheSweeper(ctx, cfg.Cache.SweepInterval)

	mets := metrics.New(prometheus.DefaultRegisterer)

	p := pool.New(pool.Options{
		PerRoleCap:      cfg.Pool.PerRoleCap,
		GlobalCap:       cfg.Pool.GlobalCap,
		IdleTimeout:     cfg.Pool.IdleTimeout,
		HealthInterval:  cfg.Pool.HealthInterval,
		CleanupInterval: cfg.Pool.CleanupInterval,
		Logger:          logger,
		Metrics:         mets,
	})
	p.Start(ctx)
	defer p.Stop()

	reg, err := registry.New(cfg.Roles, cfg.Scheduler.TurnTimeout, logger)
	if err != nil {
		return err
	}
	logger.Info("roles registered", "count", len(reg.Sequence()))

	sched := dialogue.NewScheduler(reg, p, store, dialogue.Options{
		InterTurnPause: cfg.Scheduler.InterTurnPause,
		ReminderEvery:  cfg.Scheduler.ReminderEvery,
		Logger:         logger,
		Metrics:        mets,
	})
	orch := dialogue.NewOrchestrator(sched, reg, p, store, cfg.Scheduler.MaxInputLength, logger)

	if watcher != nil {
		watcher.Subscribe(func(next *config.Config) {
			// Role and pool changes need a restart; only log tuning is live.
			logger.Info("configuration reloaded", "log_level", next.Log.Level)
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 2)

	if cfg.Telegram.Enabled {
		token := os.Getenv(cfg.Telegram.TokenEnv)
		if token == "" {
			return fmt.Errorf("telegram enabled but %s is not set", cfg.Telegram.TokenEnv)
		}
		adapter, err := telegram.NewAdapter(telegram.Config{Token: token, Logger: logger}, orch)
		if err != nil {
			return err
		}
		go adapter.Run(ctx)
		logger.Info("telegram adapter started")
	}

	if cfg.Web.Enabled {
		srv := web.NewServer(cfg.Web.ListenAddr, orch, logger)
		go func() {
			errCh <- srv.Run(ctx)
		}()
		logger.Info("web server started", "addr", cfg.Web.ListenAddr)
	}

	if !cfg.Telegram.Enabled && !cfg.Web.Enabled {
		return fmt.Errorf("no transport enabled; set telegram.enabled or web.enabled")
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
