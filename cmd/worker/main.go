package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/internal/app"
	"github.com/liamcoop/automation/internal/logger"
)

// The standalone worker drains the action queue without serving the API.
// Run several of them against one database; claims never overlap.
func main() {
	configPath := flag.String("config", os.Getenv("AUTOMATION_CONFIG"), "Path to YAML config file (optional)")
	metricsAddr := flag.String("metrics-addr", ":9091", "Address for the /metrics endpoint (empty disables it)")
	flag.Parse()

	loader, err := config.NewLoader(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}
	cfg := loader.Config()
	applyLogLevel(cfg.Log.Level)

	if cfg.Database.URL == "" {
		logger.Warn("no database configured; the worker only sees its own in-memory queue")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to build app", "error", err)
	}
	defer a.Close()

	pool, err := a.NewPool()
	if err != nil {
		logger.Fatal("failed to create worker pool", "error", err)
	}
	loader.OnChange(func(c *config.Config) {
		applyLogLevel(c.Log.Level)
		pool.Tune(c.Worker.BatchSize, c.Worker.ClaimRate)
	})
	if *configPath != "" {
		if err := loader.Watch(ctx); err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	logger.Info("worker starting", "workers", cfg.Worker.Workers, "tenant", cfg.Worker.Tenant)
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker pool stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Error("logger shutdown error", "error", err)
	}
	logger.Info("worker stopped")
}

func applyLogLevel(level string) {
	parsed, err := logger.ParseLevel(level)
	if err != nil {
		logger.Warn("invalid log level", "level", level, "error", err)
	}
	logger.SetLevel(parsed)
}
