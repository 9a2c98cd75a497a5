package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/editqueue/internal/lock"
	"github.com/cuongbtq/editqueue/internal/queue"
)

// startHeartbeat keeps the execution lock and the queue lease alive while a
// job runs. The returned func stops the heartbeat and waits for it to exit.
func (w *Worker) startHeartbeat(ctx context.Context, logger *slog.Logger, lease lock.Lease, d *queue.Delivery) func() {
	interval := w.lockTTL / 3
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		current := lease
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				renewed, err := w.lock.Extend(ctx, current, w.lockTTL)
				switch {
				case errors.Is(err, lock.ErrLeaseLost):
					// Writes with this token will be fenced off from here on.
					logger.Error("Execution lock lost during job")
				case err != nil:
					logger.Warn("Failed to extend execution lock", slog.String("error", err.Error()))
				default:
					current = renewed
				}

				if err := w.queue.Extend(ctx, d, w.visibilityTimeout); err != nil {
					logger.Warn("Failed to extend queue lease", slog.String("error", err.Error()))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
