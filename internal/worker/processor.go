package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/editqueue/internal/backend"
	"github.com/cuongbtq/editqueue/internal/domain"
	"github.com/cuongbtq/editqueue/internal/lock"
	"github.com/cuongbtq/editqueue/internal/metrics"
	"github.com/cuongbtq/editqueue/internal/queue"
)

const releaseTimeout = 5 * time.Second

// handle carries one delivery through lock acquisition, execution and
// finalization. waitCtx bounds only the lock wait; everything after the lock
// is taken runs on jobCtx.
func (w *Worker) handle(waitCtx, jobCtx context.Context, d *queue.Delivery) (domain.Outcome, error) {
	item := d.Item
	logger := w.logger.With(
		slog.String("job_id", item.JobID),
		slog.Int("retry_count", item.RetryCount),
	)

	if item.JobID == "" {
		logger.Warn("Dropping queue item without a job id")
		w.ack(jobCtx, logger, d)
		return domain.OutcomeSkipped, nil
	}

	waitStart := time.Now()
	lease, ok, err := w.lock.Acquire(waitCtx, w.lockTimeout)
	metrics.LockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil || !ok {
		if err == nil {
			err = errors.New("lock acquire timed out")
		}
		return w.requeue(jobCtx, logger, d, domain.RequeueLockTimeout, err)
	}
	logger = logger.With(slog.Int64("fence_token", lease.Token))
	logger.Debug("Execution lock acquired", slog.Duration("waited", time.Since(waitStart)))

	defer func() {
		ctx, cancel := context.WithTimeout(jobCtx, releaseTimeout)
		defer cancel()
		if err := w.lock.Release(ctx, lease); err != nil {
			logger.Warn("Failed to release execution lock", slog.String("error", err.Error()))
		}
	}()

	stopHeartbeat := w.startHeartbeat(jobCtx, logger, lease, d)
	defer stopHeartbeat()

	if !w.backend.Health(jobCtx) {
		return w.requeue(jobCtx, logger, d, domain.RequeueBackendUnhealthy, backend.ErrBackendUnhealthy)
	}

	job, err := w.store.MarkProcessing(jobCtx, item.JobID, lease.Token)
	if err != nil {
		if isRejected(err) {
			logger.Info("Skipping item, job record rejected the claim", slog.String("reason", err.Error()))
			w.ack(jobCtx, logger, d)
			return domain.OutcomeSkipped, nil
		}
		return w.requeue(jobCtx, logger, d, domain.RequeueStoreUnavailable, err)
	}

	artifactKey, execErr := w.execute(jobCtx, logger, item)
	if execErr == nil {
		return w.completeJob(jobCtx, logger, d, job, lease, artifactKey)
	}
	return w.failAttempt(jobCtx, logger, d, job, lease, execErr)
}

func (w *Worker) execute(ctx context.Context, logger *slog.Logger, item domain.QueueItem) (string, error) {
	req, err := w.backend.BuildRequest(item)
	if err != nil {
		return "", err
	}

	logger.Info("Dispatching edit to backend", slog.Bool("dual", req.Dual))
	start := time.Now()
	res, err := w.backend.Execute(ctx, req)
	if err != nil {
		metrics.BackendDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return "", err
	}
	metrics.BackendDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	if w.artifacts != nil && !w.artifacts.Exists(res.ArtifactKey) {
		return "", fmt.Errorf("%w: %s", backend.ErrArtifactMissing, res.ArtifactKey)
	}

	logger.Info("Backend produced artifact",
		slog.String("artifact", res.ArtifactKey),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res.ArtifactKey, nil
}

func (w *Worker) completeJob(ctx context.Context, logger *slog.Logger, d *queue.Delivery, job *domain.Job, lease lock.Lease, artifactKey string) (domain.Outcome, error) {
	updated, err := w.store.MarkCompleted(ctx, job.JobID, lease.Token, artifactKey)
	if err != nil {
		if isRejected(err) {
			logger.Warn("Completion rejected by job record", slog.String("reason", err.Error()))
			w.ack(ctx, logger, d)
			return domain.OutcomeSkipped, nil
		}
		// Leave the delivery unacked; its lease lapses and the item is reclaimed.
		logger.Error("Failed to mark job completed", slog.String("error", err.Error()))
		return domain.OutcomeRequeued, err
	}

	if w.results != nil {
		if err := w.results.Save(ctx, updated.JobID, artifactKey); err != nil {
			logger.Warn("Failed to cache result", slog.String("error", err.Error()))
		}
	}

	w.dispatcher.DeliverSuccess(ctx, updated, artifactKey)
	w.ack(ctx, logger, d)

	logger.Info("Job completed", slog.String("artifact", artifactKey))
	return domain.OutcomeCompleted, nil
}

func (w *Worker) failAttempt(ctx context.Context, logger *slog.Logger, d *queue.Delivery, job *domain.Job, lease lock.Lease, cause error) (domain.Outcome, error) {
	attempt := job.RetryCount + 1
	errText := cause.Error()
	logger = logger.With(slog.Int("attempt", attempt), slog.String("error", errText))

	if w.retry.ShouldRetry(attempt) {
		updated, err := w.store.MarkQueued(ctx, job.JobID, lease.Token, attempt)
		if err != nil {
			if isRejected(err) {
				logger.Warn("Retry rejected by job record", slog.String("reason", err.Error()))
				w.ack(ctx, logger, d)
				return domain.OutcomeSkipped, nil
			}
			logger.Error("Failed to mark job queued for retry", slog.String("store_error", err.Error()))
			return domain.OutcomeRequeued, err
		}

		if err := w.queue.Enqueue(ctx, domain.NewQueueItem(updated)); err != nil {
			// The old delivery stays leased and is reclaimed; the record holds the new count.
			logger.Error("Failed to enqueue retry", slog.String("queue_error", err.Error()))
			return domain.OutcomeRetry, err
		}
		w.ack(ctx, logger, d)

		logger.Warn("Attempt failed, job requeued for retry",
			slog.Duration("suggested_delay", w.retry.NextDelay(job.RetryCount)),
		)
		return domain.OutcomeRetry, nil
	}

	updated, err := w.store.MarkFailed(ctx, job.JobID, lease.Token, errText)
	if err != nil {
		if isRejected(err) {
			logger.Warn("Failure rejected by job record", slog.String("reason", err.Error()))
			w.ack(ctx, logger, d)
			return domain.OutcomeSkipped, nil
		}
		logger.Error("Failed to mark job failed", slog.String("store_error", err.Error()))
		return domain.OutcomeRequeued, err
	}
	w.ack(ctx, logger, d)

	logger.Error("Job failed, retries exhausted")
	if err := w.dispatcher.DeliverFailure(ctx, updated, errText); err != nil {
		metrics.FailureDeliveryErrors.Inc()
		logger.Error("Failure delivery incomplete", slog.String("delivery_error", err.Error()))
	}
	return domain.OutcomeFailed, nil
}

// requeue puts the identical item back without consuming a retry
func (w *Worker) requeue(ctx context.Context, logger *slog.Logger, d *queue.Delivery, reason domain.RequeueReason, cause error) (domain.Outcome, error) {
	rqErr := domain.NewRequeueError(reason, cause)

	if err := w.queue.Enqueue(ctx, d.Item); err != nil {
		logger.Error("Failed to requeue item, leaving it to lease expiry",
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
		return domain.OutcomeRequeued, rqErr
	}
	w.ack(ctx, logger, d)

	metrics.Requeues.WithLabelValues(string(reason)).Inc()
	logger.Warn("Item requeued", slog.String("reason", string(reason)), slog.String("cause", cause.Error()))
	return domain.OutcomeRequeued, rqErr
}

func (w *Worker) ack(ctx context.Context, logger *slog.Logger, d *queue.Delivery) {
	if err := d.Ack(ctx); err != nil {
		logger.Warn("Failed to ack delivery", slog.String("error", err.Error()))
	}
}

// isRejected reports whether the job record refused a write for a reason
// that retrying the same write can never fix
func isRejected(err error) bool {
	return errors.Is(err, domain.ErrJobNotFound) ||
		errors.Is(err, domain.ErrJobFinalized) ||
		errors.Is(err, domain.ErrStaleWrite) ||
		errors.Is(err, domain.ErrInvalidTransition)
}
