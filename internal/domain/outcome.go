package domain

// Outcome is how one processing attempt of a job ended
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeRequeued  Outcome = "requeued"
	OutcomeSkipped   Outcome = "skipped"
)
