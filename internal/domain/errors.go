package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinalized is returned when a write targets a COMPLETED or FAILED job
	ErrJobFinalized = errors.New("job is already completed or failed")

	// ErrStaleWrite is returned when a write carries a fencing token older than the row's
	ErrStaleWrite = errors.New("stale fencing token")

	// ErrInvalidRequest is returned when an edit request or queue item is malformed
	ErrInvalidRequest = errors.New("invalid edit request")

	// ErrInvalidTransition is returned when a job is not in the state a write expects
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrUserNotFound is returned when an owner has no account row
	ErrUserNotFound = errors.New("user not found")

	// ErrNoAddress is returned when an owner has no chat address on file
	ErrNoAddress = errors.New("user has no delivery address")

	// ErrInsufficientBalance is returned when the owner cannot pay for a job
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// NewInvalidRequestError wraps ErrInvalidRequest with a reason
func NewInvalidRequestError(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, reason)
}

// RequeueReason explains why an item went back on the queue without using a retry
type RequeueReason string

const (
	RequeueLockTimeout      RequeueReason = "lock_timeout"
	RequeueBackendUnhealthy RequeueReason = "backend_unhealthy"
	RequeueStoreUnavailable RequeueReason = "store_unavailable"
	RequeueReconciled       RequeueReason = "reconciled"
)

// RequeueError marks an infrastructure failure that puts the item back unchanged
type RequeueError struct {
	Reason RequeueReason
	Err    error
}

func (e *RequeueError) Error() string {
	if e.Err == nil {
		return "requeue: " + string(e.Reason)
	}
	return "requeue: " + string(e.Reason) + ": " + e.Err.Error()
}

func (e *RequeueError) Unwrap() error {
	return e.Err
}

// NewRequeueError creates a new requeue error
func NewRequeueError(reason RequeueReason, err error) error {
	return &RequeueError{Reason: reason, Err: err}
}
