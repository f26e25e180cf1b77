// Package main — cmd/golem-worker-executor/main.go
//
// golem-worker-executor node entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/golem-worker-executor/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Open bbolt oplog storage.
//  4. Start Prometheus metrics server (127.0.0.1:9091).
//  5. Construct the AdmissionController from memory.budget_bytes.
//  6. Construct the node-level Worker executor.Registry.
//  7. Start the admin Unix domain socket server.
//  8. Start fsnotify config hot-reload.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Stop every registered worker's running instance.
//  3. Close the oplog store.
//  4. Flush logger.
//  5. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/golemcloud/golem-worker-executor/internal/adminsock"
	"github.com/golemcloud/golem-worker-executor/internal/admission"
	"github.com/golemcloud/golem-worker-executor/internal/config"
	"github.com/golemcloud/golem-worker-executor/internal/executor"
	"github.com/golemcloud/golem-worker-executor/internal/external"
	"github.com/golemcloud/golem-worker-executor/internal/loop"
	"github.com/golemcloud/golem-worker-executor/internal/model"
	"github.com/golemcloud/golem-worker-executor/internal/observability"
	"github.com/golemcloud/golem-worker-executor/internal/oplogstore"
	"github.com/golemcloud/golem-worker-executor/internal/runtime"
)

func main() {
	configPath := flag.String("config", "/etc/golem-worker-executor/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("golem-worker-executor %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("golem-worker-executor starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Oplog storage ─────────────────────────────────────────────────────
	store, err := oplogstore.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("oplog store open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer store.Close() //nolint:errcheck
	log.Info("oplog store opened", zap.String("path", cfg.Storage.DBPath))

	// ── Prometheus metrics ────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Admission control ─────────────────────────────────────────────────
	admissionCtl := admission.NewController(cfg.Memory.BudgetBytes)
	metrics.AdmissionBudgetBytes.Set(float64(cfg.Memory.BudgetBytes))

	// ── Out-of-scope collaborators (cluster routing is off-node) ──────────
	components := external.NewInMemoryComponentService()
	workerSvc := external.NewInMemoryWorkerService()
	scheduler := external.NewInMemorySchedulerService()
	engine := runtime.NewInMemoryEngine()

	defaultRetry := model.RetryConfig{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		MinDelay:        cfg.Retry.MinDelay,
		MaxDelay:        cfg.Retry.MaxDelay,
		Multiplier:      cfg.Retry.Multiplier,
		MaxJitterFactor: cfg.Retry.MaxJitterFactor,
	}
	oomRetry := model.RetryConfig{
		MaxAttempts:     cfg.Memory.OOMRetry.MaxAttempts,
		MinDelay:        cfg.Memory.OOMRetry.MinDelay,
		MaxDelay:        cfg.Memory.OOMRetry.MaxDelay,
		Multiplier:      cfg.Memory.OOMRetry.Multiplier,
		MaxJitterFactor: cfg.Memory.OOMRetry.MaxJitterFactor,
	}

	registry := executor.New(executor.Config{
		Storage:           store,
		Components:        components,
		Engine:            engine,
		WorkerService:     workerSvc,
		Scheduler:         scheduler,
		Admission:         admissionCtl,
		HostAPI:           loop.HostAPI{},
		MemoryCoefficient: cfg.Memory.WorkerEstimateCoefficient,
		DefaultRetry:      defaultRetry,
		OOMRetry:          oomRetry,
		Durability:        model.DurableOnly,
		EventBusCapacity:  cfg.Limits.EventBroadcastCapacity,
		EventHistorySize:  cfg.Limits.EventHistorySize,
		DriftCheckEvery:   256,
		Logger:            log,
	})
	log.Info("worker registry initialised")

	// ── Admin socket ───────────────────────────────────────────────────────
	if cfg.AdminSocket.Enabled {
		adminSrv := adminsock.NewServer(cfg.AdminSocket.SocketPath, registry, log)
		go func() {
			if err := adminSrv.ListenAndServe(ctx); err != nil {
				log.Error("admin socket server error", zap.Error(err))
			}
		}()
		log.Info("admin socket started", zap.String("path", cfg.AdminSocket.SocketPath))
	} else {
		log.Info("admin socket disabled")
	}

	// ── Config hot-reload ───────────────────────────────────────────────────
	watcher := config.NewWatcher(*configPath, cfg, log)
	if err := watcher.Start(ctx); err != nil {
		log.Warn("config hot-reload watcher failed to start", zap.Error(err))
	} else {
		log.Info("config hot-reload watching", zap.String("path", *configPath))
	}

	// ── Wait for shutdown signal ─────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	done := make(chan struct{})
	go func() {
		registry.StopAll()
		close(done)
	}()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-shutdownTimer.C:
		log.Warn("worker shutdown drain timeout — forcing exit")
	case <-done:
		log.Info("all workers stopped")
	}

	log.Info("golem-worker-executor shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
