package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"

	"mailpilot_worker/config"
	"mailpilot_worker/internal/bootstrap"
	"mailpilot_worker/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second
	startupTimeout  = 60 * time.Second
)

func main() {
	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	mode := flag.String("mode", "all", "Run mode: worker, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}
	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "mailpilot-worker",
	})

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	deps, cleanup, err := bootstrap.NewDependencies(startCtx, cfg)
	if err != nil {
		cancel()
		logger.Fatal("Failed to initialize dependencies: %v", err)
	}
	defer cleanup()

	w := bootstrap.NewWorker(cfg, deps)
	err = w.Start(startCtx)
	cancel()
	if err != nil {
		logger.Fatal("Failed to start worker: %v", err)
	}

	var app *fiber.App
	switch *mode {
	case "worker":
	case "all":
		app = bootstrap.NewAPI(cfg, deps)
		go func() {
			addr := ":" + cfg.Port
			logger.Info("Starting API server on %s", addr)
			if err := app.Listen(addr); err != nil {
				logger.Fatal("Failed to start server: %v", err)
			}
		}()
	default:
		logger.Fatal("Unknown mode: %s", *mode)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down (timeout: %v)...", shutdownTimeout)
	ctx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	if app != nil {
		if err := app.ShutdownWithContext(ctx); err != nil {
			logger.Error("Error shutting down API server: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		w.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Worker shut down gracefully")
	case <-ctx.Done():
		logger.Warn("Worker shutdown timed out")
	}
}
