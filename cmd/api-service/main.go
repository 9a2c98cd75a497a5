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
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/editqueue/internal/account"
	"github.com/cuongbtq/editqueue/internal/api/handler"
	"github.com/cuongbtq/editqueue/internal/api/router"
	"github.com/cuongbtq/editqueue/internal/bootstrap"
	"github.com/cuongbtq/editqueue/internal/config"
	"github.com/cuongbtq/editqueue/internal/jobstore"
	"github.com/cuongbtq/editqueue/internal/results"
	"github.com/cuongbtq/editqueue/shared/logger"
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
	runMigrations := flag.Bool("migrate", false, "Apply database migrations before serving")
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
	)

	infra, err := bootstrap.Open(cfg, *runMigrations, appLogger.Logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	r := initRouter(cfg, appLogger, infra)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter wires the handlers onto the Gin engine
func initRouter(cfg *config.Config, appLogger *logger.Logger, infra *bootstrap.Infra) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	checks := make(map[string]handler.HealthCheck)
	for name, check := range infra.HealthChecks() {
		checks[name] = check
	}

	deps := &handler.Dependencies{
		Logger:       appLogger.Component("api"),
		Store:        jobstore.NewStore(infra.DB.GetDB(), appLogger.Component("jobstore")),
		Ledger:       account.NewLedger(infra.DB, appLogger.Component("ledger")),
		Queue:        infra.Queue,
		Lock:         infra.Lock,
		HealthChecks: checks,
		EditCost:     cfg.Pricing.EditCost,
		ServiceName:  cfg.App.Name,
	}
	if rdb := infra.RedisClient(); rdb != nil {
		deps.Results = results.NewCache(rdb, cfg.Results.Prefix, cfg.Results.TTL)
	}

	return router.SetupRouter(deps)
}
