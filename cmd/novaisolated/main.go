// Command novaisolated runs the isolate worker runtime core as a daemon:
// an isolate pool, a Runtime Registry, and the HTTP+JSON data plane and
// gRPC health/reflection surfaces over it.
//
// Grounded on the teacher's cmd/nova/main.go + daemon.go (cobra root
// command wiring persistent flags, a daemon subcommand assembling every
// component and blocking on an os/signal channel for graceful shutdown).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/novaisolate/internal/auditlog"
	"github.com/oriys/novaisolate/internal/bundlestore"
	"github.com/oriys/novaisolate/internal/config"
	"github.com/oriys/novaisolate/internal/grpcserver"
	"github.com/oriys/novaisolate/internal/isolatepool"
	"github.com/oriys/novaisolate/internal/logging"
	"github.com/oriys/novaisolate/internal/metrics"
	"github.com/oriys/novaisolate/internal/registry"
	"github.com/oriys/novaisolate/internal/rpc"
	"github.com/oriys/novaisolate/internal/tracing"
	"github.com/oriys/novaisolate/internal/worker"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "novaisolated",
		Short: "novaisolated runs the isolate worker runtime core",
		Long:  "A daemon that pools V8 isolates and dispatches fetch requests to spawned worker instances",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env vars override)")
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the worker runtime daemon",
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	logging.SetLevelFromString(cfg.Daemon.LogLevel)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	rid := worker.NewRuntimeId()
	logging.SetRuntimeID(rid.String())
	metrics.SetRuntimeID(rid.String())
	logging.Op().Info("runtime starting", "runtime_id", rid.String())

	ctx := context.Background()

	if err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		RuntimeID:   rid.String(),
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracing.Shutdown(context.Background())

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, rid.String(), cfg.Observability.Metrics.HistogramBuckets)
	}

	pool, err := isolatepool.New(ctx, cfg.Pool.Size, isolatepool.IsolateConfig{
		MaxMemoryBytes: cfg.Runtime.MaxIsolateMemoryBytes,
	})
	if err != nil {
		return fmt.Errorf("start isolate pool: %w", err)
	}
	defer pool.Shutdown()

	var bundles *bundlestore.Store
	if cfg.BundleStore.S3Bucket != "" {
		bundles, err = bundlestore.New(ctx, bundlestore.Config{
			RedisAddr:     cfg.BundleStore.RedisAddr,
			RedisPassword: cfg.BundleStore.RedisPassword,
			RedisDB:       cfg.BundleStore.RedisDB,
			CacheTTL:      cfg.BundleStore.CacheTTL,
			S3Bucket:      cfg.BundleStore.S3Bucket,
			S3Region:      cfg.BundleStore.S3Region,
		})
		if err != nil {
			logging.Op().Warn("bundle store unavailable; spawns will require an inline bundle", "error", err)
		} else {
			defer bundles.Close()
		}
	}

	var audit *auditlog.Writer
	if cfg.AuditLog.Enabled {
		audit, err = auditlog.New(ctx, cfg.AuditLog.DSN, cfg.AuditLog.QueueDepth, cfg.AuditLog.FlushPeriod)
		if err != nil {
			logging.Op().Warn("audit log unavailable; spawns/terminates/time-budget evictions will go unrecorded", "error", err)
		} else {
			defer audit.Close()
		}
	}

	reg := registry.New(worker.Config{
		MaxNumOfInstances:        cfg.Runtime.MaxNumOfInstances,
		MaxInactiveTime:          cfg.Runtime.MaxInactiveTime,
		MaxIsolateMemoryBytes:    cfg.Runtime.MaxIsolateMemoryBytes,
		HighMemoryThresholdBytes: cfg.Runtime.HighMemoryThresholdBytes,
	}, pool, audit)
	defer reg.Close()

	mux := http.NewServeMux()
	(&rpc.Handler{Registry: reg, Bundles: bundles, Audit: audit}).RegisterRoutes(mux)
	if cfg.Observability.Metrics.Enabled {
		mux.Handle("/metrics", metrics.PrometheusHandler())
		mux.Handle("/metrics.json", metrics.Global().JSONHandler())
	}

	httpServer := &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: mux}
	go func() {
		logging.Op().Info("http data plane started", "addr", cfg.Daemon.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server error", "error", err)
		}
	}()

	grpcSrv := grpcserver.New()
	if err := grpcSrv.Start(cfg.Daemon.GRPCAddr); err != nil {
		return fmt.Errorf("start grpc server: %w", err)
	}

	gcTicker := time.NewTicker(cfg.Pool.GCInterval)
	defer gcTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			logging.Op().Info("shutdown signal received")
			grpcSrv.SetNotServing()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			httpServer.Shutdown(shutdownCtx)
			cancel()
			grpcSrv.Stop()
			return nil
		case <-gcTicker.C:
			if n := reg.LRUGC(); n > 0 {
				logging.Op().Info("lru gc swept idle workers", "count", n)
			}
		}
	}
}
