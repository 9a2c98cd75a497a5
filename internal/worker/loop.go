package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/editqueue/internal/domain"
	"github.com/cuongbtq/editqueue/internal/metrics"
	"github.com/cuongbtq/editqueue/internal/queue"
)

// run is the main worker loop. It stops taking new items when ctx is
// cancelled; an item already dequeued is always carried to an outcome.
func (w *Worker) run(ctx context.Context) {
	backoff := w.idleBackoffInitial

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker loop exiting")
			return
		default:
		}

		busy, err := w.iterate(ctx)

		var requeueErr *domain.RequeueError
		switch {
		case busy && !(errors.As(err, &requeueErr) && requeueErr.Reason == domain.RequeueBackendUnhealthy):
			backoff = w.idleBackoffInitial
			continue
		case err != nil && !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil:
			w.logger.Warn("Worker iteration did not complete", slog.String("error", err.Error()))
		}

		if !w.sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, w.idleBackoffMax)
	}
}

// iterate dequeues and handles at most one item. busy is false when there was
// nothing to do. A panic is recovered and reported as an error.
func (w *Worker) iterate(ctx context.Context) (busy bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanics.Inc()
			w.logger.Error("Recovered panic in worker loop", slog.Any("panic", r))
			busy = true
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	d, err := w.queue.Dequeue(ctx)
	switch {
	case errors.Is(err, queue.ErrEmpty):
		return false, err
	case errors.Is(err, queue.ErrMalformedItem):
		w.logger.Warn("Dropped malformed queue item", slog.String("error", err.Error()))
		return true, nil
	case err != nil:
		return false, fmt.Errorf("dequeue: %w", err)
	}
	metrics.Dequeued.Inc()

	// Shutdown must not abort a job midway; the backend adapter bounds it.
	outcome, err := w.handle(ctx, context.WithoutCancel(ctx), d)
	metrics.JobsFinalized.WithLabelValues(string(outcome)).Inc()
	return true, err
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
