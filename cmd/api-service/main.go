package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/image-batch/internal/api/handler"
	"github.com/cuongbtq/image-batch/internal/api/router"
	"github.com/cuongbtq/image-batch/internal/bootstrap"
	"github.com/cuongbtq/image-batch/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("queue_driver", cfg.Queue.Driver),
		slog.Bool("embedded_worker", cfg.Worker.Embedded),
	)

	res, err := bootstrap.Open(cfg, appLogger.With(slog.String("service", "api")).Logger)
	if err != nil {
		return err
	}
	defer res.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The memory driver only works with an in-process worker
	var workerWG sync.WaitGroup
	if cfg.Worker.Embedded {
		w, err := res.NewWorker()
		if err != nil {
			return err
		}
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			if err := w.Start(ctx); err != nil {
				appLogger.Error("Embedded worker stopped", slog.Any("error", err))
			}
		}()
	}

	r := initRouter(cfg, res)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	cancel()
	if cfg.Worker.Embedded {
		waitWithTimeout(&workerWG, cfg.Worker.ShutdownTimeout, appLogger.Logger)
	}

	appLogger.Info("API service shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, res *bootstrap.Resources) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	deps := &handler.Dependencies{
		Logger:       res.Logger,
		Store:        res.Store,
		Queue:        res.Queue,
		QueueOptions: bootstrap.QueueOptions(&cfg.Queue),
		Health:       res.HealthCheck,
		Gatherer:     res.Registry,
		OutputDir:    cfg.Storage.OutputDir,
		Environment:  cfg.App.Environment,
	}
	if res.History != nil {
		deps.History = res.History
	}

	return router.SetupRouter(deps)
}

// waitWithTimeout waits for in-flight jobs of the embedded worker
func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Embedded worker stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("Embedded worker shutdown timeout exceeded, forcing exit")
	}
}
