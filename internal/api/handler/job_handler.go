package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/editqueue/internal/api/dto"
	"github.com/cuongbtq/editqueue/internal/domain"
	"github.com/cuongbtq/editqueue/internal/jobstore"
	"github.com/cuongbtq/editqueue/internal/metrics"
	"github.com/cuongbtq/editqueue/internal/results"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Charges the owner, records the job and puts it on the work queue
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	now := h.now().UTC()
	job := &domain.Job{
		JobID:          uuid.New().String(),
		UserID:         req.UserID,
		InputArtifacts: req.Artifacts,
		Instruction:    req.Instruction,
		Status:         domain.JobStatusQueued,
		ChargedAmount:  h.editCost,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	item := domain.NewQueueItem(job)
	if err := item.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	logger := h.logger.With(slog.String("job_id", job.JobID), slog.String("user_id", job.UserID))

	if job.ChargedAmount > 0 {
		if err := h.ledger.Charge(ctx, job.JobID, job.UserID, job.ChargedAmount); err != nil {
			switch {
			case errors.Is(err, domain.ErrInsufficientBalance):
				c.JSON(http.StatusPaymentRequired, gin.H{"error": "Insufficient balance"})
			case errors.Is(err, domain.ErrUserNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			default:
				logger.Error("Failed to charge for job", slog.String("error", err.Error()))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to charge for job"})
			}
			return
		}
	}

	if err := h.store.Create(ctx, job); err != nil {
		logger.Error("Failed to create job", slog.String("error", err.Error()))
		h.refund(ctx, logger, job, "job could not be recorded")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if err := h.queue.Enqueue(ctx, item); err != nil {
		logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		// Nothing is queued, so no worker can hold a newer fencing token.
		if _, markErr := h.store.MarkFailed(ctx, job.JobID, 0, "enqueue failed"); markErr != nil {
			logger.Error("Failed to mark unqueued job failed", slog.String("error", markErr.Error()))
		}
		h.refund(ctx, logger, job, "job could not be queued")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	shape := "single"
	if item.IsDual() {
		shape = "dual"
	}
	metrics.JobsSubmitted.WithLabelValues(shape).Inc()
	logger.Info("Job submitted", slog.String("shape", shape))

	c.JSON(http.StatusAccepted, toJobDTO(job))
}

func (h *JobHandler) refund(ctx context.Context, logger *slog.Logger, job *domain.Job, reason string) {
	if job.ChargedAmount <= 0 {
		return
	}
	if _, err := h.ledger.Refund(context.WithoutCancel(ctx), job.JobID, job.UserID, job.ChargedAmount, reason); err != nil {
		logger.Error("Failed to refund job", slog.String("error", err.Error()))
	}
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toJobDTO(job))
}

// GetResult handles GET /api/v1/jobs/:job_id/result
// Answers from the result cache when possible, otherwise from the job record
func (h *JobHandler) GetResult(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	if h.results != nil {
		artifact, err := h.results.Get(c.Request.Context(), jobID)
		if err == nil {
			c.JSON(http.StatusOK, dto.ResultResponse{
				JobID:    jobID,
				Status:   string(domain.JobStatusCompleted),
				Artifact: artifact,
				Source:   "cache",
			})
			return
		}
		if !errors.Is(err, results.ErrNotFound) {
			h.logger.Warn("Result cache lookup failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
	}

	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	if job.Status != domain.JobStatusCompleted {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "Result not available",
			"status": string(job.Status),
		})
		return
	}

	c.JSON(http.StatusOK, dto.ResultResponse{
		JobID:    job.JobID,
		Status:   string(job.Status),
		Artifact: job.ResultArtifact,
		Source:   "record",
	})
}

func (h *JobHandler) loadJob(c *gin.Context) (*domain.Job, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return nil, false
	}

	job, err := h.store.GetByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return nil, false
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return nil, false
	}
	return job, true
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional owner and status filters
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	status := domain.JobStatus(req.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	cursor, err := jobstore.DecodeCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.List(c.Request.Context(), jobstore.Filter{
		UserID:   req.UserID,
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = toJobDTO(&jobs[i])
	}
	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = (&jobstore.Cursor{CreatedAt: last.CreatedAt, JobID: last.JobID}).Encode()
	}

	c.JSON(http.StatusOK, resp)
}

// GetBalance handles GET /api/v1/users/:user_id/balance
func (h *JobHandler) GetBalance(c *gin.Context) {
	userID := c.Param("user_id")

	balance, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "User not found",
			})
			return
		}
		h.logger.Error("Failed to read balance", slog.String("user_id", userID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read balance",
		})
		return
	}

	c.JSON(http.StatusOK, dto.BalanceResponse{UserID: userID, Balance: balance})
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	return dto.JobDTO{
		JobID:          job.JobID,
		UserID:         job.UserID,
		Artifacts:      job.InputArtifacts,
		Instruction:    job.Instruction,
		Status:         string(job.Status),
		ResultArtifact: job.ResultArtifact,
		ErrorMessage:   job.ErrorMessage,
		RetryCount:     job.RetryCount,
		ChargedAmount:  job.ChargedAmount,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
	}
}
