package backend

import "errors"

var (
	// ErrSubmission is returned when the backend refuses or fails a submit
	ErrSubmission = errors.New("backend submission failed")

	// ErrExecutionFailed is returned when the backend reports the job as errored
	ErrExecutionFailed = errors.New("backend execution failed")

	// ErrPollTimeout is returned when the job did not finish within the timeout
	ErrPollTimeout = errors.New("backend poll timed out")

	// ErrHandleUnknown is returned when the backend lost track of the job
	ErrHandleUnknown = errors.New("backend does not know the job handle")

	// ErrArtifactMissing is returned when a finished job produced no image
	ErrArtifactMissing = errors.New("backend produced no artifact")

	// ErrBackendUnhealthy is returned when the backend stops answering mid-flight
	ErrBackendUnhealthy = errors.New("backend unhealthy")
)
