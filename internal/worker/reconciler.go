package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/editqueue/internal/domain"
	"github.com/cuongbtq/editqueue/internal/metrics"
	"github.com/cuongbtq/editqueue/internal/queue"
)

const reconcileBatch = 100

func (w *Worker) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(w.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reconcile(ctx)
		}
	}
}

// reconcile returns expired queue leases to the queue and re-admits jobs
// stuck in PROCESSING. Stuck jobs are only touched while this worker holds
// the execution lock, which proves nobody is running them.
func (w *Worker) reconcile(ctx context.Context) {
	n, err := w.queue.Reclaim(ctx)
	if err != nil {
		w.logger.Warn("Failed to reclaim expired deliveries", slog.String("error", err.Error()))
	} else if n > 0 {
		metrics.Reclaimed.Add(float64(n))
		w.logger.Info("Reclaimed expired deliveries", slog.Int("count", n))
	}

	stale, err := w.store.ListStale(ctx, w.staleAfter, reconcileBatch)
	if err != nil {
		w.logger.Warn("Failed to list stale jobs", slog.String("error", err.Error()))
		return
	}
	if len(stale) == 0 {
		return
	}

	lease, ok, err := w.lock.Acquire(ctx, 0)
	if err != nil || !ok {
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		_ = w.lock.Release(releaseCtx, lease)
	}()

	for _, job := range stale {
		updated, err := w.store.Requeue(ctx, job.JobID, lease.Token)
		if err != nil {
			w.logger.Debug("Stale job not requeued",
				slog.String("job_id", job.JobID),
				slog.String("reason", err.Error()),
			)
			continue
		}
		if err := w.queue.Enqueue(ctx, domain.NewQueueItem(updated)); err != nil {
			w.logger.Error("Failed to enqueue reconciled job",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
			continue
		}
		metrics.Requeues.WithLabelValues(string(domain.RequeueReconciled)).Inc()
		w.logger.Warn("Re-admitted stuck job",
			slog.String("job_id", job.JobID),
			slog.Time("last_update", job.UpdatedAt),
		)
	}
}

// QueuedLister lists jobs by status
type QueuedLister interface {
	ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
}

// Rehydrate enqueues every QUEUED job in the store. It is meant for a queue
// that starts empty, such as the in-process driver after a restart; on a
// durable queue it creates duplicates, which the job record then skips.
func Rehydrate(ctx context.Context, store QueuedLister, q queue.Queue, limit int, logger *slog.Logger) (int, error) {
	jobs, err := store.ListByStatus(ctx, domain.JobStatusQueued, limit)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range jobs {
		if err := q.Enqueue(ctx, domain.NewQueueItem(&jobs[i])); err != nil {
			return n, err
		}
		n++
	}

	if n > 0 {
		logger.Info("Rehydrated queue from job store", slog.Int("count", n))
	}
	return n, nil
}
