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
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/editqueue/internal/account"
	"github.com/cuongbtq/editqueue/internal/backend"
	"github.com/cuongbtq/editqueue/internal/bootstrap"
	"github.com/cuongbtq/editqueue/internal/config"
	"github.com/cuongbtq/editqueue/internal/dispatcher"
	"github.com/cuongbtq/editqueue/internal/jobstore"
	"github.com/cuongbtq/editqueue/internal/notify"
	"github.com/cuongbtq/editqueue/internal/results"
	"github.com/cuongbtq/editqueue/internal/retry"
	"github.com/cuongbtq/editqueue/internal/storage"
	"github.com/cuongbtq/editqueue/internal/worker"
	"github.com/cuongbtq/editqueue/shared/logger"
)

const rehydrateLimit = 1000

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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	runMigrations := flag.Bool("migrate", false, "Apply database migrations before starting")
	rehydrate := flag.Bool("rehydrate", false, "Enqueue every QUEUED job from the store at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	infra, err := bootstrap.Open(cfg, *runMigrations, appLogger.Logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerID := uuid.NewString()
	w, store, err := initWorker(cfg, workerID, appLogger, infra)
	if err != nil {
		return err
	}

	if *rehydrate || cfg.Queue.Driver == config.DriverMemory {
		if _, err := worker.Rehydrate(ctx, store, infra.Queue, rehydrateLimit, appLogger.Logger); err != nil {
			return fmt.Errorf("failed to rehydrate queue: %w", err)
		}
	}

	var metricsSrv *http.Server
	if cfg.Worker.MetricsPort != 0 {
		metricsSrv = startMetricsServer(cfg.Worker.MetricsPort, appLogger.Logger)
	}

	w.Start(ctx)
	appLogger.Info("Worker service started successfully", slog.String("worker_id", workerID))

	<-ctx.Done()
	appLogger.Info("Received signal, shutting down gracefully")

	// The job in flight is bounded by the backend deadline, not the signal.
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout+cfg.JobDeadline())
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		appLogger.Error("Worker did not stop cleanly", slog.Any("error", err))
	}

	if metricsSrv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initWorker assembles the backend adapter, dispatcher and worker
func initWorker(cfg *config.Config, workerID string, appLogger *logger.Logger, infra *bootstrap.Infra) (*worker.Worker, *jobstore.Store, error) {
	files, err := storage.NewFileStore(cfg.Backend.OutputDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open output dir: %w", err)
	}

	templates, err := backend.LoadTemplates(cfg.Backend.SingleTemplate, cfg.Backend.DualTemplate)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load backend templates: %w", err)
	}

	adapter := backend.NewAdapter(
		backend.NewClient(backend.ClientOptions{
			BaseURL:        cfg.Backend.BaseURL,
			ClientID:       workerID,
			RequestTimeout: cfg.Backend.RequestTimeout,
		}),
		backend.NewBuilder(templates),
		files,
		backend.Options{
			Timeout:      cfg.Backend.Timeout,
			PollInterval: cfg.Backend.PollInterval,
			SafetyMargin: cfg.Backend.SafetyMargin,
			UnknownGrace: cfg.Backend.UnknownGrace,
		},
		appLogger.Component("backend"),
	)

	notifier, err := initNotifier(&cfg.Delivery, appLogger)
	if err != nil {
		return nil, nil, err
	}

	ledger := account.NewLedger(infra.DB, appLogger.Component("ledger"))
	dispatch := dispatcher.New(notifier, ledger, ledger, files, dispatcher.Config{
		SuccessCaption: cfg.Delivery.SuccessCaption,
		FailureMessage: cfg.Delivery.FailureMessage,
		RefundRetries:  cfg.Delivery.RefundRetries,
		RefundBackoff:  cfg.Delivery.RefundBackoff,
	}, appLogger.Component("dispatcher"))

	store := jobstore.NewStore(infra.DB.GetDB(), appLogger.Component("jobstore"))

	wcfg := &worker.Config{
		Logger:             appLogger.Component("worker"),
		Queue:              infra.Queue,
		Lock:               infra.Lock,
		Store:              store,
		Backend:            adapter,
		Dispatcher:         dispatch,
		Artifacts:          files,
		Retry:              retry.New(cfg.Retry.MaxRetries, cfg.Retry.Delays),
		WorkerID:           workerID,
		LockTimeout:        cfg.Worker.LockTimeout,
		LockTTL:            cfg.Lock.TTL,
		VisibilityTimeout:  cfg.Queue.VisibilityTimeout,
		IdleBackoffInitial: cfg.Worker.IdleBackoffInitial,
		IdleBackoffMax:     cfg.Worker.IdleBackoffMax,
		ReconcileInterval:  cfg.Worker.ReconcileInterval,
		StaleAfter:         cfg.Worker.StaleAfter,
	}
	if rdb := infra.RedisClient(); rdb != nil {
		wcfg.Results = results.NewCache(rdb, cfg.Results.Prefix, cfg.Results.TTL)
	}

	w, err := worker.NewWorker(wcfg)
	if err != nil {
		return nil, nil, err
	}
	return w, store, nil
}

// initNotifier picks Telegram when a bot token is configured
func initNotifier(cfg *config.DeliveryConfig, appLogger *logger.Logger) (dispatcher.Notifier, error) {
	notifyLogger := appLogger.Component("notify")
	if cfg.TelegramToken == "" {
		notifyLogger.Warn("No telegram token configured, deliveries are only logged")
		return notify.NewLog(notifyLogger), nil
	}

	tg, err := notify.NewTelegram(notify.TelegramOptions{
		Token:          cfg.TelegramToken,
		RequestTimeout: cfg.RequestTimeout,
	}, notifyLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telegram notifier: %w", err)
	}
	return tg, nil
}

func startMetricsServer(port int, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()

	log.Info("Metrics server listening", slog.Int("port", port))
	return srv
}
