package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/editqueue/internal/domain"
)

const jobColumns = `job_id, user_id, input_artifacts, instruction, status,
	result_artifact, error_message, retry_count, charged_amount, fence_token,
	created_at, updated_at`

// terminalGuard keeps COMPLETED and FAILED rows immutable
const terminalGuard = `status NOT IN ('COMPLETED', 'FAILED')`

type jobRow struct {
	JobID          string         `db:"job_id"`
	UserID         string         `db:"user_id"`
	InputArtifacts pq.StringArray `db:"input_artifacts"`
	Instruction    string         `db:"instruction"`
	Status         string         `db:"status"`
	ResultArtifact sql.NullString `db:"result_artifact"`
	ErrorMessage   sql.NullString `db:"error_message"`
	RetryCount     int            `db:"retry_count"`
	ChargedAmount  int64          `db:"charged_amount"`
	FenceToken     int64          `db:"fence_token"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	return &domain.Job{
		JobID:          r.JobID,
		UserID:         r.UserID,
		InputArtifacts: []string(r.InputArtifacts),
		Instruction:    r.Instruction,
		Status:         domain.JobStatus(r.Status),
		ResultArtifact: r.ResultArtifact.String,
		ErrorMessage:   r.ErrorMessage.String,
		RetryCount:     r.RetryCount,
		ChargedAmount:  r.ChargedAmount,
		FenceToken:     r.FenceToken,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// Store is the job record store. Every mutation carries the caller's lease
// token and is rejected when a newer token already wrote the row.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new QUEUED job
func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, user_id, input_artifacts, instruction, status,
			retry_count, charged_amount, fence_token, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, 0, $8, $9
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.JobID,
		job.UserID,
		pq.StringArray(job.InputArtifacts),
		job.Instruction,
		job.Status,
		job.RetryCount,
		job.ChargedAmount,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.String("user_id", job.UserID),
		slog.Int("artifacts", len(job.InputArtifacts)),
	)
	return nil
}

// GetByID retrieves a job by its ID
func (s *Store) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain(), nil
}

// MarkProcessing moves a job to PROCESSING under token
func (s *Store) MarkProcessing(ctx context.Context, jobID string, token int64) (*domain.Job, error) {
	return s.fencedUpdate(ctx, jobID, token,
		`status = 'PROCESSING'`, "",
	)
}

// MarkCompleted records the result artifact and finalizes the job
func (s *Store) MarkCompleted(ctx context.Context, jobID string, token int64, artifact string) (*domain.Job, error) {
	return s.fencedUpdate(ctx, jobID, token,
		`status = 'COMPLETED', result_artifact = $3, error_message = NULL`, "",
		artifact,
	)
}

// MarkQueued puts a failed attempt back to QUEUED with its new retry count.
// The retry count never decreases.
func (s *Store) MarkQueued(ctx context.Context, jobID string, token int64, retryCount int) (*domain.Job, error) {
	return s.fencedUpdate(ctx, jobID, token,
		`status = 'QUEUED', retry_count = GREATEST(retry_count, $3)`, "",
		retryCount,
	)
}

// MarkFailed finalizes the job with an error message
func (s *Store) MarkFailed(ctx context.Context, jobID string, token int64, errMsg string) (*domain.Job, error) {
	return s.fencedUpdate(ctx, jobID, token,
		`status = 'FAILED', error_message = $3`, "",
		errMsg,
	)
}

// Requeue returns a stuck PROCESSING job to QUEUED without touching its retry count
func (s *Store) Requeue(ctx context.Context, jobID string, token int64) (*domain.Job, error) {
	return s.fencedUpdate(ctx, jobID, token,
		`status = 'QUEUED'`, `status = 'PROCESSING'`,
	)
}

// fencedUpdate applies set to the row when token is at least the row's
// fence token and the row is not terminal. Extra args start at $3.
func (s *Store) fencedUpdate(ctx context.Context, jobID string, token int64, set, where string, args ...any) (*domain.Job, error) {
	query := `UPDATE jobs SET ` + set + `, fence_token = $2, updated_at = NOW()
		WHERE job_id = $1 AND fence_token <= $2 AND ` + terminalGuard
	if where != "" {
		query += ` AND ` + where
	}
	query += ` RETURNING ` + jobColumns

	params := append([]any{jobID, token}, args...)

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, params...)
	if err == nil {
		job := row.toDomain()
		s.logger.Debug("Job updated",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
			slog.Int64("fence_token", token),
		)
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update job %s: %w", jobID, err)
	}

	reason := s.rejection(ctx, jobID, token)
	s.logger.Warn("Job update rejected",
		slog.String("job_id", jobID),
		slog.Int64("fence_token", token),
		slog.String("reason", reason.Error()),
	)
	return nil, reason
}

// rejection explains why a fenced update matched no row
func (s *Store) rejection(ctx context.Context, jobID string, token int64) error {
	var current struct {
		Status     string `db:"status"`
		FenceToken int64  `db:"fence_token"`
	}
	err := s.db.GetContext(ctx, &current, `SELECT status, fence_token FROM jobs WHERE job_id = $1`, jobID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrJobNotFound
	case err != nil:
		return fmt.Errorf("failed to inspect job %s: %w", jobID, err)
	case domain.JobStatus(current.Status).IsTerminal():
		return domain.ErrJobFinalized
	case current.FenceToken > token:
		return domain.ErrStaleWrite
	default:
		return domain.ErrInvalidTransition
	}
}

// Filter selects jobs for listing
type Filter struct {
	UserID   string
	Status   domain.JobStatus
	PageSize int
	Cursor   *Cursor
}

// Cursor is the keyset position of the last row of a page
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// List returns up to PageSize+1 jobs newest first; the extra row tells the
// caller another page exists
func (s *Store) List(ctx context.Context, filter Filter) ([]domain.Job, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserID != "" {
		conds = append(conds, "user_id = "+arg(filter.UserID))
	}
	if filter.Status != "" {
		conds = append(conds, "status = "+arg(string(filter.Status)))
	}
	if filter.Cursor != nil {
		conds = append(conds, fmt.Sprintf("(created_at, job_id) < (%s, %s)", arg(filter.Cursor.CreatedAt), arg(filter.Cursor.JobID)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, job_id DESC LIMIT ` + arg(filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return toDomainSlice(rows), nil
}

// ListByStatus returns up to limit jobs in status, oldest first
func (s *Store) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = $1
		ORDER BY created_at ASC, job_id ASC
		LIMIT $2`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, string(status), limit); err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	return toDomainSlice(rows), nil
}

// ListStale returns PROCESSING jobs untouched for longer than olderThan
func (s *Store) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'PROCESSING' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, time.Now().Add(-olderThan), limit); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return toDomainSlice(rows), nil
}

// CountByStatus returns the number of jobs per status
func (s *Store) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	out := make(map[domain.JobStatus]int, len(rows))
	for _, r := range rows {
		out[domain.JobStatus(r.Status)] = r.Count
	}
	return out, nil
}

func toDomainSlice(rows []jobRow) []domain.Job {
	jobs := make([]domain.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, *rows[i].toDomain())
	}
	return jobs
}
