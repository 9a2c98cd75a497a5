package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/editqueue/internal/backend"
	"github.com/cuongbtq/editqueue/internal/dispatcher"
	"github.com/cuongbtq/editqueue/internal/domain"
	"github.com/cuongbtq/editqueue/internal/lock"
	"github.com/cuongbtq/editqueue/internal/queue"
	"github.com/cuongbtq/editqueue/internal/retry"
	"github.com/cuongbtq/editqueue/shared/logger"
)

type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	history map[string][]string
	procErr error
}

func newFakeStore(jobs ...*domain.Job) *fakeStore {
	s := &fakeStore{jobs: make(map[string]*domain.Job), history: make(map[string][]string)}
	for _, j := range jobs {
		s.jobs[j.JobID] = j
	}
	return s
}

func (s *fakeStore) update(id string, token int64, from domain.JobStatus, fn func(j *domain.Job)) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	switch {
	case !ok:
		return nil, domain.ErrJobNotFound
	case j.Status.IsTerminal():
		return nil, domain.ErrJobFinalized
	case token < j.FenceToken:
		return nil, domain.ErrStaleWrite
	case from != "" && j.Status != from:
		return nil, domain.ErrInvalidTransition
	}

	fn(j)
	j.FenceToken = token
	j.UpdatedAt = time.Now()

	entry := string(j.Status)
	if j.Status == domain.JobStatusQueued {
		entry = fmt.Sprintf("%s(%d)", j.Status, j.RetryCount)
	}
	s.history[id] = append(s.history[id], entry)

	cp := *j
	return &cp, nil
}

func (s *fakeStore) MarkProcessing(ctx context.Context, jobID string, token int64) (*domain.Job, error) {
	s.mu.Lock()
	err := s.procErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.update(jobID, token, "", func(j *domain.Job) { j.Status = domain.JobStatusProcessing })
}

func (s *fakeStore) MarkCompleted(ctx context.Context, jobID string, token int64, artifact string) (*domain.Job, error) {
	return s.update(jobID, token, "", func(j *domain.Job) {
		j.Status = domain.JobStatusCompleted
		j.ResultArtifact = artifact
	})
}

func (s *fakeStore) MarkQueued(ctx context.Context, jobID string, token int64, retryCount int) (*domain.Job, error) {
	return s.update(jobID, token, "", func(j *domain.Job) {
		j.Status = domain.JobStatusQueued
		j.RetryCount = max(j.RetryCount, retryCount)
	})
}

func (s *fakeStore) MarkFailed(ctx context.Context, jobID string, token int64, errMsg string) (*domain.Job, error) {
	return s.update(jobID, token, "", func(j *domain.Job) {
		j.Status = domain.JobStatusFailed
		j.ErrorMessage = errMsg
	})
}

func (s *fakeStore) Requeue(ctx context.Context, jobID string, token int64) (*domain.Job, error) {
	return s.update(jobID, token, domain.JobStatusProcessing, func(j *domain.Job) { j.Status = domain.JobStatusQueued })
}

func (s *fakeStore) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var out []domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.JobStatusProcessing && j.UpdatedAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *fakeStore) get(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *fakeStore) transitions(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[id])
}

type fakeBackend struct {
	mu        sync.Mutex
	unhealthy bool
	execute   func(req backend.Request) (backend.Result, error)
	calls     int
	active    int
	maxActive int
}

func (b *fakeBackend) Health(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.unhealthy
}

func (b *fakeBackend) BuildRequest(item domain.QueueItem) (backend.Request, error) {
	if err := item.Validate(); err != nil {
		return backend.Request{}, err
	}
	return backend.Request{JobID: item.JobID, Dual: item.IsDual()}, nil
}

func (b *fakeBackend) Execute(ctx context.Context, req backend.Request) (backend.Result, error) {
	b.mu.Lock()
	b.calls++
	b.active++
	b.maxActive = max(b.maxActive, b.active)
	fn := b.execute
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()

	if fn == nil {
		return backend.Result{ArtifactKey: req.JobID + "/out.png", Elapsed: time.Millisecond}, nil
	}
	return fn(req)
}

func (b *fakeBackend) stats() (calls, maxActive int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls, b.maxActive
}

type fakeDispatcher struct {
	mu        sync.Mutex
	successes []string
	failures  []string
}

func (d *fakeDispatcher) DeliverSuccess(ctx context.Context, job *domain.Job, artifactKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.successes = append(d.successes, job.JobID+":"+artifactKey)
}

func (d *fakeDispatcher) DeliverFailure(ctx context.Context, job *domain.Job, errText string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, job.JobID)
	return nil
}

type fakeResults struct {
	mu    sync.Mutex
	saved map[string]string
}

func (r *fakeResults) Save(ctx context.Context, jobID, artifact string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved[jobID] = artifact
	return nil
}

type fakeArtifacts struct{ missing bool }

func (a fakeArtifacts) Exists(key string) bool { return !a.missing }

type harness struct {
	queue      *queue.MemoryQueue
	lock       *lock.MemoryLock
	store      *fakeStore
	backend    *fakeBackend
	dispatcher *fakeDispatcher
	results    *fakeResults
}

func newHarness(jobs ...*domain.Job) *harness {
	return &harness{
		queue:      queue.NewMemoryQueue(queue.Options{}),
		lock:       lock.NewMemoryLock(lock.Options{TTL: 30 * time.Second, RetryInterval: 5 * time.Millisecond}),
		store:      newFakeStore(jobs...),
		backend:    &fakeBackend{},
		dispatcher: &fakeDispatcher{},
		results:    &fakeResults{saved: make(map[string]string)},
	}
}

func (h *harness) worker(t *testing.T) *Worker {
	t.Helper()
	w, err := NewWorker(&Config{
		Logger:             logger.NewDiscard().Logger,
		Queue:              h.queue,
		Lock:               h.lock,
		Store:              h.store,
		Backend:            h.backend,
		Dispatcher:         h.dispatcher,
		Results:            h.results,
		Artifacts:          fakeArtifacts{},
		Retry:              retry.New(3, []time.Duration{time.Second, 2 * time.Second}),
		LockTimeout:        20 * time.Millisecond,
		LockTTL:            30 * time.Second,
		IdleBackoffInitial: time.Millisecond,
		IdleBackoffMax:     5 * time.Millisecond,
		StaleAfter:         time.Minute,
	})
	require.NoError(t, err)
	return w
}

func (h *harness) submit(t *testing.T, job *domain.Job) {
	t.Helper()
	require.NoError(t, h.queue.Enqueue(context.Background(), domain.NewQueueItem(job)))
}

func queuedJob(id string) *domain.Job {
	now := time.Now()
	return &domain.Job{
		JobID:          id,
		UserID:         "user-1",
		InputArtifacts: []string{"in/a.jpg"},
		Instruction:    "make it blue",
		Status:         domain.JobStatusQueued,
		ChargedAmount:  10,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestNewWorker_RequiresDependencies(t *testing.T) {
	_, err := NewWorker(&Config{})
	require.Error(t, err)

	h := newHarness()
	w := h.worker(t)
	assert.NotEmpty(t, w.ID())
}

func TestWorker_Success(t *testing.T) {
	job := queuedJob("job-1")
	h := newHarness(job)
	h.submit(t, job)
	w := h.worker(t)

	busy, err := w.iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, busy)

	got := h.store.get("job-1")
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, "job-1/out.png", got.ResultArtifact)
	assert.Equal(t, []string{"PROCESSING", "COMPLETED"}, h.store.transitions("job-1"))
	assert.Equal(t, "job-1/out.png", h.results.saved["job-1"])
	assert.Equal(t, []string{"job-1:job-1/out.png"}, h.dispatcher.successes)
	assert.Empty(t, h.dispatcher.failures)
	assert.Equal(t, 0, h.queue.Len())

	held, err := h.lock.IsHeld(context.Background())
	require.NoError(t, err)
	assert.False(t, held)
}

func TestWorker_AlwaysFailingBackendExhaustsRetries(t *testing.T) {
	job := queuedJob("job-1")
	h := newHarness(job)
	h.backend.execute = func(backend.Request) (backend.Result, error) {
		return backend.Result{}, fmt.Errorf("%w: out of memory", backend.ErrExecutionFailed)
	}
	h.submit(t, job)
	w := h.worker(t)

	for i := 0; i < 3; i++ {
		busy, err := w.iterate(context.Background())
		require.NoError(t, err)
		require.True(t, busy)
	}

	busy, _ := w.iterate(context.Background())
	assert.False(t, busy)

	assert.Equal(t, []string{
		"PROCESSING", "QUEUED(1)",
		"PROCESSING", "QUEUED(2)",
		"PROCESSING", "FAILED",
	}, h.store.transitions("job-1"))

	got := h.store.get("job-1")
	assert.Contains(t, got.ErrorMessage, "out of memory")
	assert.Equal(t, []string{"job-1"}, h.dispatcher.failures)
	assert.Empty(t, h.dispatcher.successes)
	calls, _ := h.backend.stats()
	assert.Equal(t, 3, calls)
}

func TestWorker_RetryCarriesIncrementedCount(t *testing.T) {
	job := queuedJob("job-1")
	h := newHarness(job)
	h.backend.execute = func(backend.Request) (backend.Result, error) {
		return backend.Result{}, backend.ErrPollTimeout
	}
	h.submit(t, job)
	w := h.worker(t)

	_, err := w.iterate(context.Background())
	require.NoError(t, err)

	items, err := h.queue.Peek(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.Equal(t, domain.JobStatusQueued, items[0].Status)
}

func TestWorker_LockContentionRequeuesIdenticalItem(t *testing.T) {
	job := queuedJob("job-1")
	h := newHarness(job)
	h.submit(t, job)
	before, err := h.queue.Peek(context.Background(), 1)
	require.NoError(t, err)

	_, ok, err := h.lock.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)

	w := h.worker(t)
	busy, err := w.iterate(context.Background())
	assert.True(t, busy)

	var requeueErr *domain.RequeueError
	require.True(t, errors.As(err, &requeueErr))
	assert.Equal(t, domain.RequeueLockTimeout, requeueErr.Reason)

	after, err := h.queue.Peek(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got := h.store.get("job-1")
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, h.store.transitions("job-1"))
}

func TestWorker_UnhealthyBackendRequeuesWithoutRetry(t *testing.T) {
	job := queuedJob("job-1")
	h := newHarness(job)
	h.backend.unhealthy = true
	h.submit(t, job)
	w := h.worker(t)

	_, err := w.iterate(context.Background())
	var requeueErr *domain.RequeueError
	require.True(t, errors.As(err, &requeueErr))
	assert.Equal(t, domain.RequeueBackendUnhealthy, requeueErr.Reason)

	calls, _ := h.backend.stats()
	assert.Zero(t, calls)
	assert.Equal(t, 1, h.queue.Len())
	assert.Equal(t, domain.JobStatusQueued, h.store.get("job-1").Status)
	assert.Equal(t, 0, h.store.get("job-1").RetryCount)

	held, err := h.lock.IsHeld(context.Background())
	require.NoError(t, err)
	assert.False(t, held)
}

func TestWorker_StoreOutageRequeues(t *testing.T) {
	job := queuedJob("job-1")
	h := newHarness(job)
	h.store.procErr = errors.New("connection refused")
	h.submit(t, job)
	w := h.worker(t)

	_, err := w.iterate(context.Background())
	var requeueErr *domain.RequeueError
	require.True(t, errors.As(err, &requeueErr))
	assert.Equal(t, domain.RequeueStoreUnavailable, requeueErr.Reason)
	assert.Equal(t, 1, h.queue.Len())
}

func TestWorker_PanicReleasesLock(t *testing.T) {
	job := queuedJob("job-1")
	h := newHarness(job)
	h.backend.execute = func(backend.Request) (backend.Result, error) {
		panic("boom")
	}
	h.submit(t, job)
	w := h.worker(t)

	busy, err := w.iterate(context.Background())
	assert.True(t, busy)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	held, err := h.lock.IsHeld(context.Background())
	require.NoError(t, err)
	assert.False(t, held)

	// Still leased, so neither lost nor duplicated
	assert.Equal(t, 0, h.queue.Len())

	// The loop carries on with the next item
	h.backend.execute = nil
	other := queuedJob("job-2")
	h.store.jobs["job-2"] = other
	h.submit(t, other)
	_, err = w.iterate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, h.store.get("job-2").Status)
}

func TestWorker_NewerLeaseHolderSkipsExecution(t *testing.T) {
	job := queuedJob("job-1")
	// written by a lease newer than anything this lock will issue
	job.FenceToken = math.MaxInt64
	h := newHarness(job)
	h.submit(t, job)
	w := h.worker(t)

	busy, err := w.iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, busy)

	calls, _ := h.backend.stats()
	assert.Zero(t, calls)
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, domain.JobStatusQueued, h.store.get("job-1").Status)
}

func TestWorker_FinalizedJobIsSkipped(t *testing.T) {
	job := queuedJob("job-1")
	h := newHarness(job)
	h.submit(t, job)
	job.Status = domain.JobStatusCompleted
	w := h.worker(t)

	_, err := w.iterate(context.Background())
	require.NoError(t, err)

	calls, _ := h.backend.stats()
	assert.Zero(t, calls)
	assert.Empty(t, h.dispatcher.successes)
	assert.Empty(t, h.dispatcher.failures)
}

func TestWorker_MissingArtifactFailsAttempt(t *testing.T) {
	job := queuedJob("job-1")
	h := newHarness(job)
	h.submit(t, job)
	w := h.worker(t)
	w.artifacts = fakeArtifacts{missing: true}

	_, err := w.iterate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"PROCESSING", "QUEUED(1)"}, h.store.transitions("job-1"))
}

func TestWorker_ItemWithoutJobIDIsDropped(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.queue.Enqueue(context.Background(), domain.QueueItem{Instruction: "x"}))
	w := h.worker(t)

	busy, err := w.iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, busy)
	assert.Equal(t, 0, h.queue.Len())
}

type malformedQueue struct {
	*queue.MemoryQueue
	once sync.Once
}

func (q *malformedQueue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	var first bool
	q.once.Do(func() { first = true })
	if first {
		return nil, fmt.Errorf("%w: unexpected end of JSON input", queue.ErrMalformedItem)
	}
	return q.MemoryQueue.Dequeue(ctx)
}

func TestWorker_MalformedItemDoesNotStopLoop(t *testing.T) {
	job := queuedJob("job-1")
	h := newHarness(job)
	h.submit(t, job)
	w := h.worker(t)
	w.queue = &malformedQueue{MemoryQueue: h.queue}

	busy, err := w.iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, busy)

	_, err = w.iterate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, h.store.get("job-1").Status)
}

func TestWorker_EmptyQueue(t *testing.T) {
	h := newHarness()
	w := h.worker(t)

	busy, err := w.iterate(context.Background())
	assert.False(t, busy)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestWorker_TwoWorkersNeverOverlap(t *testing.T) {
	var jobs []*domain.Job
	for i := 0; i < 4; i++ {
		jobs = append(jobs, queuedJob(fmt.Sprintf("job-%d", i)))
	}
	h := newHarness(jobs...)
	h.backend.execute = func(req backend.Request) (backend.Result, error) {
		time.Sleep(10 * time.Millisecond)
		return backend.Result{ArtifactKey: req.JobID + "/out.png"}, nil
	}
	for _, j := range jobs {
		h.submit(t, j)
	}

	w1, w2 := h.worker(t), h.worker(t)
	w1.lockTimeout = time.Second
	w2.lockTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w1.Start(ctx)
	w2.Start(ctx)

	require.Eventually(t, func() bool {
		for _, j := range jobs {
			if h.store.get(j.JobID).Status != domain.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, w1.Stop(stopCtx))
	require.NoError(t, w2.Stop(stopCtx))

	calls, maxActive := h.backend.stats()
	assert.Equal(t, 4, calls)
	assert.Equal(t, 1, maxActive)
	assert.Len(t, h.dispatcher.successes, 4)
}

func TestWorker_ReconcileReadmitsStuckJob(t *testing.T) {
	job := queuedJob("job-1")
	job.Status = domain.JobStatusProcessing
	job.FenceToken = 0
	job.UpdatedAt = time.Now().Add(-time.Hour)
	h := newHarness(job)
	w := h.worker(t)

	w.reconcile(context.Background())

	assert.Equal(t, domain.JobStatusQueued, h.store.get("job-1").Status)
	items, err := h.queue.Peek(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "job-1", items[0].JobID)

	held, err := h.lock.IsHeld(context.Background())
	require.NoError(t, err)
	assert.False(t, held)
}

func TestWorker_ReconcileWaitsForLock(t *testing.T) {
	job := queuedJob("job-1")
	job.Status = domain.JobStatusProcessing
	job.UpdatedAt = time.Now().Add(-time.Hour)
	h := newHarness(job)
	_, ok, err := h.lock.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)

	w := h.worker(t)
	w.reconcile(context.Background())

	assert.Equal(t, domain.JobStatusProcessing, h.store.get("job-1").Status)
	assert.Equal(t, 0, h.queue.Len())
}

type listerFunc func(status domain.JobStatus, limit int) ([]domain.Job, error)

func (f listerFunc) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	return f(status, limit)
}

func TestRehydrate(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{})
	lister := listerFunc(func(status domain.JobStatus, limit int) ([]domain.Job, error) {
		assert.Equal(t, domain.JobStatusQueued, status)
		assert.Equal(t, 50, limit)
		return []domain.Job{*queuedJob("job-1"), *queuedJob("job-2")}, nil
	})

	n, err := Rehydrate(context.Background(), lister, q, 50, logger.NewDiscard().Logger)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items, err := q.Peek(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "job-1", items[0].JobID)
}

func TestRehydrate_ListError(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Options{})
	lister := listerFunc(func(domain.JobStatus, int) ([]domain.Job, error) {
		return nil, errors.New("db down")
	})

	_, err := Rehydrate(context.Background(), lister, q, 10, slog.Default())
	require.Error(t, err)
	assert.Equal(t, 0, q.Len())
}

func TestWorker_RestartedProcessResumesRetriedJob(t *testing.T) {
	job := queuedJob("job-1")
	h := newHarness(job)
	failing := true
	h.backend.execute = func(req backend.Request) (backend.Result, error) {
		if failing {
			return backend.Result{}, backend.ErrPollTimeout
		}
		return backend.Result{ArtifactKey: req.JobID + "/out.png"}, nil
	}

	// a few unrelated acquisitions push the fence forward before the failure
	for i := 0; i < 4; i++ {
		lease, ok, err := h.lock.Acquire(context.Background(), 0)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, h.lock.Release(context.Background(), lease))
	}
	h.submit(t, job)
	_, err := h.worker(t).iterate(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"PROCESSING", "QUEUED(1)"}, h.store.transitions("job-1"))

	// new process: fresh in-memory queue and lock over the same records
	failing = false
	h.queue = queue.NewMemoryQueue(queue.Options{})
	h.lock = lock.NewMemoryLock(lock.Options{TTL: 30 * time.Second, RetryInterval: 5 * time.Millisecond})
	lister := listerFunc(func(domain.JobStatus, int) ([]domain.Job, error) {
		return []domain.Job{h.store.get("job-1")}, nil
	})
	n, err := Rehydrate(context.Background(), lister, h.queue, 10, logger.NewDiscard().Logger)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = h.worker(t).iterate(context.Background())
	require.NoError(t, err)

	got := h.store.get("job-1")
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, []string{"PROCESSING", "QUEUED(1)", "PROCESSING", "COMPLETED"}, h.store.transitions("job-1"))
	calls, _ := h.backend.stats()
	assert.Equal(t, 2, calls)
}

type flakyLedger struct {
	mu       sync.Mutex
	calls    int
	refunded int64
}

func (l *flakyLedger) Refund(ctx context.Context, jobID, userID string, amount int64, reason string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls == 1 {
		return false, errors.New("deadlock detected")
	}
	l.refunded += amount
	return true, nil
}

type silentNotifier struct{}

func (silentNotifier) SendArtifact(context.Context, string, string, []byte, string) error { return nil }
func (silentNotifier) SendText(context.Context, string, string) error { return nil }

type oneAddress struct{}

func (oneAddress) AddressOf(context.Context, string) (string, error) { return "chat-1", nil }

type noArtifacts struct{}

func (noArtifacts) Read(context.Context, string) ([]byte, error) { return nil, errors.New("missing") }

func TestWorker_ExhaustedJobRefundSurvivesTransientLedgerError(t *testing.T) {
	job := queuedJob("job-1")
	job.RetryCount = 2
	h := newHarness(job)
	h.backend.execute = func(backend.Request) (backend.Result, error) {
		return backend.Result{}, backend.ErrPollTimeout
	}
	h.submit(t, job)

	ledger := &flakyLedger{}
	w := h.worker(t)
	w.dispatcher = dispatcher.New(silentNotifier{}, oneAddress{}, ledger, noArtifacts{}, dispatcher.Config{
		FailureMessage: "Sorry.",
		RefundRetries:  3,
		RefundBackoff:  time.Millisecond,
	}, logger.NewDiscard().Logger)

	_, err := w.iterate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, h.store.get("job-1").Status)
	assert.Equal(t, 2, ledger.calls)
	assert.Equal(t, int64(10), ledger.refunded)
}
