package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/editqueue/internal/api/dto"
)

const healthCheckTimeout = 2 * time.Second

// PeekQueue handles GET /api/v1/queue
// Shows the next items to be dequeued without taking them
func (h *SystemHandler) PeekQueue(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxPageSize)
	}

	ctx := c.Request.Context()
	items, err := h.queue.Peek(ctx, limit)
	if err != nil {
		h.logger.Error("Failed to peek queue", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to read queue",
		})
		return
	}

	resp := dto.QueueResponse{Items: make([]dto.QueueItemDTO, len(items))}
	for i, it := range items {
		resp.Items[i] = dto.QueueItemDTO{
			JobID:       it.JobID,
			UserID:      it.UserID,
			Artifacts:   it.Artifacts,
			Instruction: it.Instruction,
			RetryCount:  it.RetryCount,
		}
	}

	if counts, err := h.store.CountByStatus(ctx); err != nil {
		h.logger.Warn("Failed to count jobs by status", slog.String("error", err.Error()))
	} else {
		resp.Counts = make(map[string]int, len(counts))
		for status, n := range counts {
			resp.Counts[string(status)] = n
		}
	}

	c.JSON(http.StatusOK, resp)
}

// LockStatus handles GET /api/v1/lock
func (h *SystemHandler) LockStatus(c *gin.Context) {
	held, err := h.lock.IsHeld(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read lock state", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to read lock state",
		})
		return
	}
	c.JSON(http.StatusOK, dto.LockResponse{Held: held})
}

// Health handles GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))

	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()

		if err != nil {
			h.logger.Warn("Health check failed", slog.String("dependency", name), slog.String("error", err.Error()))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":  state,
		"service": h.service,
		"checks":  checks,
	})
}
