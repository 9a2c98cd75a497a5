package domain

import (
	"strings"
	"time"
)

// Job is the durable record of one edit request
type Job struct {
	JobID          string
	UserID         string
	InputArtifacts []string
	Instruction    string
	Status         JobStatus
	ResultArtifact string
	ErrorMessage   string
	RetryCount     int
	ChargedAmount  int64
	FenceToken     int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QueueItem is the self-sufficient snapshot of a job carried by the work queue
type QueueItem struct {
	JobID       string    `json:"job_id"`
	UserID      string    `json:"user_id"`
	Artifacts   []string  `json:"artifacts"`
	Instruction string    `json:"instruction"`
	Status      JobStatus `json:"status"`
	RetryCount  int       `json:"retry_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewQueueItem snapshots a job for the work queue
func NewQueueItem(job *Job) QueueItem {
	artifacts := make([]string, len(job.InputArtifacts))
	copy(artifacts, job.InputArtifacts)

	return QueueItem{
		JobID:       job.JobID,
		UserID:      job.UserID,
		Artifacts:   artifacts,
		Instruction: job.Instruction,
		Status:      job.Status,
		RetryCount:  job.RetryCount,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

// Validate checks that an item can be executed
func (q QueueItem) Validate() error {
	if strings.TrimSpace(q.JobID) == "" {
		return NewInvalidRequestError("job_id is required")
	}
	if strings.TrimSpace(q.Instruction) == "" {
		return NewInvalidRequestError("instruction is required")
	}
	if len(q.Artifacts) < MinInputArtifacts || len(q.Artifacts) > MaxInputArtifacts {
		return NewInvalidRequestError("expected 1 or 2 input artifacts")
	}
	for _, a := range q.Artifacts {
		if strings.TrimSpace(a) == "" {
			return NewInvalidRequestError("artifact reference is empty")
		}
	}
	return nil
}

// IsDual reports whether the item carries two input artifacts
func (q QueueItem) IsDual() bool {
	return len(q.Artifacts) == 2
}
