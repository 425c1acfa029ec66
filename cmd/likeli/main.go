package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/likeli/config"
	"github.com/alejandrodnm/likeli/internal/adapters/lock"
	"github.com/alejandrodnm/likeli/internal/adapters/notify"
	"github.com/alejandrodnm/likeli/internal/adapters/storage"
	"github.com/alejandrodnm/likeli/internal/application/engine"
	"github.com/alejandrodnm/likeli/internal/application/scheduler"
	"github.com/alejandrodnm/likeli/internal/domain"
	"github.com/alejandrodnm/likeli/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one sweep pass and exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print sweep details as tables (default: compact 1-line)")
	demo := flag.Bool("demo", false, "seed two markets and run a scripted trading session")
	report := flag.Bool("report", false, "print markets and open orders and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("likeli starting",
		"config", *configPath,
		"storage", cfg.Storage.Backend,
		"lock", cfg.Lock.Backend,
		"once", *once,
		"demo", *demo,
		"report", *report,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	locker, closeLocker, err := openLocker(ctx, cfg)
	if err != nil {
		slog.Error("failed to open lock", "err", err, "backend", cfg.Lock.Backend)
		os.Exit(1)
	}
	defer closeLocker()

	eng := engine.New(store, locker, engine.Config{
		Graduation: domain.GraduationRules{
			VolumeThreshold: cfg.Engine.GraduationVolume,
			Timer:           cfg.GraduationTimer(),
		},
		TradeRateLimit: cfg.Engine.TradesPerSecond,
		TradeBurst:     cfg.Engine.TradeBurst,
		SweepLockTTL:   cfg.SweepLockTTL(),
	})
	notifier := notify.NewConsole(*table || *report || *demo)

	switch {
	case *demo:
		if err := runDemo(ctx, eng, notifier, cfg.Engine.DefaultLiquidity); err != nil {
			slog.Error("demo failed", "err", err)
			os.Exit(1)
		}
		return
	case *report:
		if err := runReport(ctx, eng, notifier); err != nil {
			slog.Error("report failed", "err", err)
			os.Exit(1)
		}
		return
	}

	sched := scheduler.New(scheduler.Config{
		ExpireInterval:     cfg.ExpireInterval(),
		GraduationInterval: cfg.GraduationInterval(),
		DryRun:             *once,
	}, eng, notifier)

	if err := sched.Run(ctx); err != nil {
		slog.Error("scheduler exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("likeli stopped cleanly")
}

func openStore(cfg *config.Config) (ports.Store, error) {
	if cfg.Storage.Backend == "memory" {
		return storage.NewMemoryStore(cfg.Engine.InitialBalance), nil
	}
	store, err := storage.NewSQLiteStore(cfg.Storage.DSN, cfg.Engine.InitialBalance)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func openLocker(ctx context.Context, cfg *config.Config) (ports.Locker, func(), error) {
	if cfg.Lock.Backend != "redis" {
		return lock.NewLocal(), func() {}, nil
	}
	r, err := lock.NewRedis(ctx, lock.RedisConfig{
		Addr:     cfg.Lock.RedisAddr,
		Password: cfg.Lock.RedisPassword,
		DB:       cfg.Lock.RedisDB,
		Prefix:   cfg.Lock.Prefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return r, func() {
		if err := r.Close(); err != nil {
			slog.Warn("redis close failed", "err", err)
		}
	}, nil
}

func runReport(ctx context.Context, eng *engine.Engine, notifier *notify.Console) error {
	contracts, err := eng.ListContracts(ctx, "")
	if err != nil {
		return err
	}
	notifier.PrintMarkets(contracts)

	for _, c := range contracts {
		orders, err := eng.ActiveOrders(ctx, c.ID)
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			continue
		}
		slog.Info("open orders", "contract", c.ID, "count", len(orders))
		notifier.PrintOrders(orders)
	}
	return nil
}

func setupLogger(cfg config.LogConfig) {
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
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
