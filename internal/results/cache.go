// Package results is the fast lookup from job id to result artifact.
package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no result is cached for the job
var ErrNotFound = errors.New("result not cached")

// Cache stores result references in Redis under "<prefix>:<job_id>"
type Cache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCache creates a cache. A zero ttl keeps entries forever.
func NewCache(rdb *redis.Client, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "edit_results"
	}
	return &Cache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *Cache) key(jobID string) string {
	return c.prefix + ":" + jobID
}

// Save records the artifact reference for jobID
func (c *Cache) Save(ctx context.Context, jobID, artifact string) error {
	if err := c.rdb.Set(ctx, c.key(jobID), artifact, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache result for job %s: %w", jobID, err)
	}
	return nil
}

// Get returns the artifact reference for jobID
func (c *Cache) Get(ctx context.Context, jobID string) (string, error) {
	v, err := c.rdb.Get(ctx, c.key(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cached result for job %s: %w", jobID, err)
	}
	return v, nil
}
