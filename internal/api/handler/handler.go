package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/editqueue/internal/domain"
	"github.com/cuongbtq/editqueue/internal/jobstore"
)

// JobStore is the part of the job store the API uses
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter jobstore.Filter) ([]domain.Job, error)
	MarkFailed(ctx context.Context, jobID string, token int64, errMsg string) (*domain.Job, error)
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}

// Ledger charges for and refunds edit requests
type Ledger interface {
	Charge(ctx context.Context, jobID, userID string, amount int64) error
	Refund(ctx context.Context, jobID, userID string, amount int64, reason string) (bool, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

// Queue is the producer side of the work queue
type Queue interface {
	Enqueue(ctx context.Context, item domain.QueueItem) error
	Peek(ctx context.Context, limit int) ([]domain.QueueItem, error)
}

// LockInspector reports whether the execution lock is held
type LockInspector interface {
	IsHeld(ctx context.Context) (bool, error)
}

// ResultLookup is the fast job id to artifact lookup
type ResultLookup interface {
	Get(ctx context.Context, jobID string) (string, error)
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Store        JobStore
	Ledger       Ledger
	Queue        Queue
	Lock         LockInspector
	Results      ResultLookup
	HealthChecks map[string]HealthCheck
	EditCost     int64
	ServiceName  string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger   *slog.Logger
	store    JobStore
	ledger   Ledger
	queue    Queue
	results  ResultLookup
	editCost int64
	now      func() time.Time
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		store:    deps.Store,
		ledger:   deps.Ledger,
		queue:    deps.Queue,
		results:  deps.Results,
		editCost: deps.EditCost,
		now:      time.Now,
	}
}

// SystemHandler serves queue, lock and health diagnostics
type SystemHandler struct {
	logger  *slog.Logger
	store   JobStore
	queue   Queue
	lock    LockInspector
	checks  map[string]HealthCheck
	service string
}

// NewSystemHandler creates a new SystemHandler instance
func NewSystemHandler(deps *Dependencies) *SystemHandler {
	return &SystemHandler{
		logger:  deps.Logger,
		store:   deps.Store,
		queue:   deps.Queue,
		lock:    deps.Lock,
		checks:  deps.HealthChecks,
		service: deps.ServiceName,
	}
}
