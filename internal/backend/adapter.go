// Package backend drives the single generation backend: submit a graph, poll
// it to completion and persist the produced image.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/cuongbtq/editqueue/internal/domain"
)

// ArtifactStore persists fetched images
type ArtifactStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// Options configures polling behaviour
type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
	SafetyMargin time.Duration
	UnknownGrace int
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.SafetyMargin < 0 {
		o.SafetyMargin = 0
	}
	if o.UnknownGrace <= 0 {
		o.UnknownGrace = 3
	}
	return o
}

// Result is a finished execution
type Result struct {
	Handle      Handle
	ArtifactKey string
	Elapsed     time.Duration
}

// Adapter runs edit requests against the backend
type Adapter struct {
	client  *Client
	builder *Builder
	store   ArtifactStore
	opts    Options
	logger  *slog.Logger
}

// NewAdapter wires the HTTP client, request builder and artifact store
func NewAdapter(client *Client, builder *Builder, store ArtifactStore, opts Options, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:  client,
		builder: builder,
		store:   store,
		opts:    opts.withDefaults(),
		logger:  logger,
	}
}

// Health probes the backend
func (a *Adapter) Health(ctx context.Context) bool {
	return a.client.Health(ctx)
}

// BuildRequest renders the graph for item
func (a *Adapter) BuildRequest(item domain.QueueItem) (Request, error) {
	return a.builder.BuildRequest(item)
}

// Deadline is the hard ceiling on one Execute call
func (a *Adapter) Deadline() time.Duration {
	return a.opts.Timeout + a.opts.SafetyMargin
}

// Execute submits req and polls until it finishes, fails or times out. The
// produced image is stored under "<job_id>/<filename>".
func (a *Adapter) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.Deadline())
	defer cancel()

	logger := a.logger.With(slog.String("job_id", req.JobID))

	handle, err := a.client.Submit(ctx, req.Graph)
	if err != nil {
		return Result{}, err
	}
	logger.Info("Job submitted to backend",
		slog.String("handle", string(handle)),
		slog.Bool("dual", req.Dual),
	)

	payload, err := a.await(ctx, logger, handle, start)
	if err != nil {
		return Result{Handle: handle}, err
	}

	ref, ok := payload.FirstImage()
	if !ok {
		return Result{Handle: handle}, ErrArtifactMissing
	}

	data, err := a.client.Fetch(ctx, ref)
	if err != nil {
		if !a.client.Health(ctx) {
			return Result{Handle: handle}, fmt.Errorf("%w: %v", ErrBackendUnhealthy, err)
		}
		return Result{Handle: handle}, fmt.Errorf("%w: %v", ErrArtifactMissing, err)
	}
	if len(data) == 0 {
		return Result{Handle: handle}, fmt.Errorf("%w: empty image %s", ErrArtifactMissing, ref.Filename)
	}

	key, err := a.store.Write(ctx, path.Join(req.JobID, path.Base(ref.Filename)), data)
	if err != nil {
		return Result{Handle: handle}, fmt.Errorf("failed to persist artifact: %w", err)
	}

	elapsed := time.Since(start)
	logger.Info("Backend execution finished",
		slog.String("handle", string(handle)),
		slog.String("artifact", key),
		slog.Duration("elapsed", elapsed),
	)

	return Result{Handle: handle, ArtifactKey: key, Elapsed: elapsed}, nil
}

func (a *Adapter) await(ctx context.Context, logger *slog.Logger, h Handle, start time.Time) (*StatusPayload, error) {
	pollDeadline := start.Add(a.opts.Timeout)
	unknown := 0

	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	for {
		state, payload, err := a.client.Poll(ctx, h)
		switch {
		case err != nil && errors.Is(err, ErrExecutionFailed):
			return nil, err
		case err != nil:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrPollTimeout, ctx.Err())
			}
			if !a.client.Health(ctx) {
				return nil, fmt.Errorf("%w: %v", ErrBackendUnhealthy, err)
			}
			logger.Warn("Poll failed, backend still healthy",
				slog.String("handle", string(h)),
				slog.Any("error", err),
			)
		case state == StateDone:
			return payload, nil
		case state == StatePending:
			unknown = 0
		case state == StateUnknown:
			unknown++
			if unknown > a.opts.UnknownGrace {
				return nil, fmt.Errorf("%w: %s after %d polls", ErrHandleUnknown, h, unknown)
			}
		}

		if !time.Now().Before(pollDeadline) {
			return nil, fmt.Errorf("%w: after %s", ErrPollTimeout, a.opts.Timeout)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrPollTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
