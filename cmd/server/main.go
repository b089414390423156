package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/liamcoop/automation/config"
	"github.com/liamcoop/automation/internal/app"
	"github.com/liamcoop/automation/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("AUTOMATION_CONFIG"), "Path to YAML config file (optional)")
	flag.Parse()

	loader, err := config.NewLoader(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}
	cfg := loader.Config()
	applyLogLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to build app", "error", err)
	}
	defer a.Close()

	var wg sync.WaitGroup
	if cfg.Server.EmbeddedWorkers {
		pool, err := a.NewPool()
		if err != nil {
			logger.Fatal("failed to create worker pool", "error", err)
		}
		loader.OnChange(func(c *config.Config) {
			pool.Tune(c.Worker.BatchSize, c.Worker.ClaimRate)
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
	}
	if cfg.SLA.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Tickets.RunSweeper(ctx, cfg.SLA.SweepInterval)
		}()
	}

	loader.OnChange(func(c *config.Config) { applyLogLevel(c.Log.Level) })
	if *configPath != "" {
		if err := loader.Watch(ctx); err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      NewServer(a),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "embedded_workers", cfg.Server.EmbeddedWorkers)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	wg.Wait()
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Error("logger shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

func applyLogLevel(level string) {
	parsed, err := logger.ParseLevel(level)
	if err != nil {
		logger.Warn("invalid log level", "level", level, "error", err)
	}
	logger.SetLevel(parsed)
}
