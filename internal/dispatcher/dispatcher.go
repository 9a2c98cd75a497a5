// Package dispatcher tells users how their edit ended. Success sends the
// image; failure sends a fixed message and returns the charge.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"

	"github.com/cuongbtq/editqueue/internal/domain"
)

// Notifier sends messages to a user's chat address
type Notifier interface {
	SendArtifact(ctx context.Context, address string, filename string, data []byte, caption string) error
	SendText(ctx context.Context, address string, text string) error
}

// Directory resolves a user to a chat address
type Directory interface {
	AddressOf(ctx context.Context, userID string) (string, error)
}

// Ledger returns charges. Refunds are keyed by job id; a second refund for
// the same job reports applied=false and changes nothing.
type Ledger interface {
	Refund(ctx context.Context, jobID, userID string, amount int64, reason string) (applied bool, err error)
}

// ArtifactReader loads a stored result
type ArtifactReader interface {
	Read(ctx context.Context, key string) ([]byte, error)
}

// Config holds the fixed user-facing texts and the refund retry budget
type Config struct {
	SuccessCaption string
	FailureMessage string
	// RefundRetries is how many times a failed refund is retried
	RefundRetries int
	// RefundBackoff is the first retry delay; it doubles per retry
	RefundBackoff time.Duration
}

// Dispatcher delivers job outcomes
type Dispatcher struct {
	notifier  Notifier
	directory Directory
	ledger    Ledger
	artifacts ArtifactReader
	cfg       Config
	logger    *slog.Logger
}

// New creates a dispatcher
func New(notifier Notifier, directory Directory, ledger Ledger, artifacts ArtifactReader, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.RefundRetries <= 0 {
		cfg.RefundRetries = 4
	}
	if cfg.RefundBackoff <= 0 {
		cfg.RefundBackoff = 250 * time.Millisecond
	}
	return &Dispatcher{
		notifier:  notifier,
		directory: directory,
		ledger:    ledger,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger,
	}
}

// DeliverSuccess sends the artifact to the job owner. Errors are logged and
// swallowed; the job is already complete.
func (d *Dispatcher) DeliverSuccess(ctx context.Context, job *domain.Job, artifactKey string) {
	logger := d.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("user_id", job.UserID),
	)

	data, err := d.artifacts.Read(ctx, artifactKey)
	if err != nil {
		logger.Error("Failed to read artifact for delivery",
			slog.String("artifact", artifactKey),
			slog.Any("error", err),
		)
		return
	}

	address, err := d.directory.AddressOf(ctx, job.UserID)
	if err != nil {
		logger.Error("Failed to resolve delivery address",
			slog.Any("error", err),
		)
		return
	}

	if err := d.notifier.SendArtifact(ctx, address, path.Base(artifactKey), data, d.cfg.SuccessCaption); err != nil {
		logger.Error("Failed to deliver artifact",
			slog.Any("error", err),
		)
		return
	}

	logger.Info("Result delivered",
		slog.String("artifact", artifactKey),
		slog.Int("bytes", len(data)),
	)
}

// DeliverFailure notifies the owner and refunds the charge. A notification
// failure does not stop the refund; a refund error is returned.
func (d *Dispatcher) DeliverFailure(ctx context.Context, job *domain.Job, errText string) error {
	logger := d.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("user_id", job.UserID),
	)

	if address, err := d.directory.AddressOf(ctx, job.UserID); err != nil {
		logger.Error("Failed to resolve delivery address",
			slog.Any("error", err),
		)
	} else if err := d.notifier.SendText(ctx, address, d.cfg.FailureMessage); err != nil {
		logger.Error("Failed to send failure notice",
			slog.Any("error", err),
		)
	}

	if job.ChargedAmount <= 0 {
		logger.Info("Nothing to refund")
		return nil
	}

	applied, err := d.refund(ctx, logger, job, refundReason(errText))
	if err != nil {
		return fmt.Errorf("failed to refund job %s: %w", job.JobID, err)
	}
	if !applied {
		logger.Warn("Refund already recorded",
			slog.Int64("amount", job.ChargedAmount),
		)
		return nil
	}

	logger.Info("Charge refunded",
		slog.Int64("amount", job.ChargedAmount),
	)
	return nil
}

// refund retries ledger errors with exponential backoff. The ledger is keyed
// by job id, so a retry after an unseen commit reports applied=false.
func (d *Dispatcher) refund(ctx context.Context, logger *slog.Logger, job *domain.Job, reason string) (bool, error) {
	backoff := retry.WithMaxRetries(uint64(d.cfg.RefundRetries), retry.NewExponential(d.cfg.RefundBackoff))

	var applied bool
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		ok, err := d.ledger.Refund(ctx, job.JobID, job.UserID, job.ChargedAmount, reason)
		if err != nil {
			logger.Warn("Refund attempt failed",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			return retry.RetryableError(err)
		}
		applied = ok
		return nil
	})
	return applied, err
}

const maxReasonLen = 255

// refundReason is valid UTF-8 of at most maxReasonLen bytes
func refundReason(errText string) string {
	reason := strings.ToValidUTF8("job failed: "+errText, "\uFFFD")
	if len(reason) <= maxReasonLen {
		return reason
	}
	cut := maxReasonLen
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
