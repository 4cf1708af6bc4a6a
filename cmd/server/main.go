// Package main is the trading engine entry point: it wires the stores, the
// broker registry, the strategy manager, the background jobs, and the HTTP
// surface, then auto-resumes every strategy persisted active.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tradebaas/engine/internal/api"
	"github.com/tradebaas/engine/internal/broker"
	"github.com/tradebaas/engine/internal/broker/deribit"
	"github.com/tradebaas/engine/internal/ledger"
	"github.com/tradebaas/engine/internal/manager"
	"github.com/tradebaas/engine/internal/metrics"
	"github.com/tradebaas/engine/internal/reconcile"
	"github.com/tradebaas/engine/internal/sched"
	"github.com/tradebaas/engine/internal/staterepo"
	"github.com/tradebaas/engine/internal/strategy"
	"github.com/tradebaas/engine/pkg/types"
)

func main() {
	// .env is optional; the environment wins either way.
	godotenv.Load()

	cfg, err := types.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting trading engine",
		zap.String("storeBackend", string(cfg.StoreBackend)),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	repo, err := staterepo.New(logger, cfg.StateDBURL)
	if err != nil {
		logger.Fatal("Failed to open strategy-state store", zap.Error(err))
	}
	defer repo.Close()

	var store ledger.Store
	if cfg.StoreBackend == types.StoreBackendMemory {
		store = ledger.NewMemoryStore()
	} else {
		store, err = ledger.NewSQLStore(logger, cfg.TradeDBPath)
		if err != nil {
			logger.Fatal("Failed to open trade ledger", zap.Error(err))
		}
	}
	defer store.Close()

	brokers := broker.NewRegistry(logger)
	registerDevClient(ctx, logger, brokers)

	registry := strategy.NewRegistry(logger)
	logger.Info("Registered strategies", zap.Strings("strategies", registry.List()))

	mgr := manager.New(logger, cfg, registry, brokers, repo, store, m)

	// Auto-resume before serving traffic: never fails the boot.
	summary := mgr.Initialize(ctx)
	logger.Info("Boot resume finished",
		zap.Int("resumed", summary.Resumed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))

	reconciler := reconcile.New(logger, brokers, repo, store, cfg.HeartbeatPeriod(), cfg.OrphanPositionPolicy)

	scheduler := sched.New(logger)
	scheduler.AddEvery("reconcile", cfg.ReconcileSeconds, func() {
		jctx, jcancel := context.WithTimeout(ctx, time.Duration(cfg.ReconcileSeconds)*time.Second)
		defer jcancel()
		reconciler.Run(jctx)
	})
	scheduler.AddEvery("orphan-sweep", cfg.OrphanSweepSeconds, func() {
		jctx, jcancel := context.WithTimeout(ctx, time.Duration(cfg.OrphanSweepSeconds)*time.Second)
		defer jcancel()
		mgr.SweepOrphans(jctx)
	})
	scheduler.Start()

	server := api.NewServer(logger, cfg, mgr, m)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("API server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	scheduler.Stop()
	mgr.Shutdown(context.Background())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Engine stopped")
}

// registerDevClient connects a single Deribit client from the environment.
// Production credential management lives outside the core; this keeps a
// single-operator deployment usable without it.
func registerDevClient(ctx context.Context, logger *zap.Logger, brokers *broker.Registry) {
	clientID := os.Getenv("DERIBIT_CLIENT_ID")
	secret := os.Getenv("DERIBIT_CLIENT_SECRET")
	userID := os.Getenv("DERIBIT_USER_ID")
	if clientID == "" || secret == "" || userID == "" {
		return
	}
	environment := os.Getenv("DERIBIT_ENVIRONMENT")
	if environment == "" {
		environment = "testnet"
	}

	client := deribit.New(logger, deribit.Config{
		Environment:  environment,
		ClientID:     clientID,
		ClientSecret: secret,
	})

	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := client.Connect(cctx); err != nil {
		logger.Warn("Deribit client failed to connect; strategies will pause",
			zap.String("userId", userID),
			zap.Error(err))
	}
	brokers.Put(userID, manager.DefaultBroker, environment, client)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
