package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/editqueue/internal/backend"
	"github.com/cuongbtq/editqueue/internal/domain"
	"github.com/cuongbtq/editqueue/internal/lock"
	"github.com/cuongbtq/editqueue/internal/queue"
)

// JobStore is the fenced job record store
type JobStore interface {
	MarkProcessing(ctx context.Context, jobID string, token int64) (*domain.Job, error)
	MarkCompleted(ctx context.Context, jobID string, token int64, artifact string) (*domain.Job, error)
	MarkQueued(ctx context.Context, jobID string, token int64, retryCount int) (*domain.Job, error)
	MarkFailed(ctx context.Context, jobID string, token int64, errMsg string) (*domain.Job, error)
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Job, error)
	Requeue(ctx context.Context, jobID string, token int64) (*domain.Job, error)
}

// Backend runs one edit on the generation backend
type Backend interface {
	Health(ctx context.Context) bool
	BuildRequest(item domain.QueueItem) (backend.Request, error)
	Execute(ctx context.Context, req backend.Request) (backend.Result, error)
}

// Dispatcher tells the owner how the job ended
type Dispatcher interface {
	DeliverSuccess(ctx context.Context, job *domain.Job, artifactKey string)
	DeliverFailure(ctx context.Context, job *domain.Job, errText string) error
}

// ResultCache is the fast job id to artifact lookup
type ResultCache interface {
	Save(ctx context.Context, jobID, artifact string) error
}

// ArtifactChecker verifies a produced artifact is on disk
type ArtifactChecker interface {
	Exists(key string) bool
}

// RetryPolicy decides whether a failed attempt is retried
type RetryPolicy interface {
	ShouldRetry(attempt int) bool
	NextDelay(attempt int) time.Duration
}

// Config holds worker dependencies and settings
type Config struct {
	Logger     *slog.Logger
	Queue      queue.Queue
	Lock       lock.Lock
	Store      JobStore
	Backend    Backend
	Dispatcher Dispatcher
	Results    ResultCache
	Artifacts  ArtifactChecker
	Retry      RetryPolicy

	WorkerID           string
	LockTimeout        time.Duration
	LockTTL            time.Duration
	VisibilityTimeout  time.Duration
	IdleBackoffInitial time.Duration
	IdleBackoffMax     time.Duration
	ReconcileInterval  time.Duration
	StaleAfter         time.Duration
}

// Worker pulls edit jobs off the queue and runs them one at a time
type Worker struct {
	logger     *slog.Logger
	queue      queue.Queue
	lock       lock.Lock
	store      JobStore
	backend    Backend
	dispatcher Dispatcher
	results    ResultCache
	artifacts  ArtifactChecker
	retry      RetryPolicy

	workerID           string
	lockTimeout        time.Duration
	lockTTL            time.Duration
	visibilityTimeout  time.Duration
	idleBackoffInitial time.Duration
	idleBackoffMax     time.Duration
	reconcileInterval  time.Duration
	staleAfter         time.Duration

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Queue == nil || cfg.Lock == nil || cfg.Store == nil || cfg.Backend == nil || cfg.Dispatcher == nil || cfg.Retry == nil {
		return nil, errors.New("worker: queue, lock, store, backend, dispatcher and retry policy are required")
	}

	w := &Worker{
		logger:             cfg.Logger,
		queue:              cfg.Queue,
		lock:               cfg.Lock,
		store:              cfg.Store,
		backend:            cfg.Backend,
		dispatcher:         cfg.Dispatcher,
		results:            cfg.Results,
		artifacts:          cfg.Artifacts,
		retry:              cfg.Retry,
		workerID:           cfg.WorkerID,
		lockTimeout:        orDefault(cfg.LockTimeout, 10*time.Second),
		lockTTL:            orDefault(cfg.LockTTL, 30*time.Second),
		visibilityTimeout:  orDefault(cfg.VisibilityTimeout, 2*time.Minute),
		idleBackoffInitial: orDefault(cfg.IdleBackoffInitial, 100*time.Millisecond),
		idleBackoffMax:     orDefault(cfg.IdleBackoffMax, 2*time.Second),
		reconcileInterval:  cfg.ReconcileInterval,
		staleAfter:         cfg.StaleAfter,
	}
	if w.workerID == "" {
		w.workerID = uuid.NewString()
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With(slog.String("worker_id", w.workerID))

	return w, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// ID returns the worker identity used in logs and backend submissions
func (w *Worker) ID() string {
	return w.workerID
}

// Start launches the job loop and, when configured, the reconciler. It
// returns immediately; call Stop to shut down.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.logger.Info("Starting worker",
		slog.Duration("lock_timeout", w.lockTimeout),
		slog.Duration("lock_ttl", w.lockTTL),
		slog.Duration("reconcile_interval", w.reconcileInterval),
	)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()

	if w.reconcileInterval > 0 && w.staleAfter > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.reconcileLoop(ctx)
		}()
	}
}

// Stop signals the loops and waits for the job in flight to finish, or for
// ctx to expire
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped")
		return nil
	case <-ctx.Done():
		w.logger.Warn("Worker stop timed out with a job in flight")
		return ctx.Err()
	}
}
