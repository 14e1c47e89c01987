package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"contentq/internal/models"
)

// Pinger is satisfied by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheckHandler probes the worker's own dependencies so the scheduled
// health-check job surfaces broken infrastructure as a failed job.
type HealthCheckHandler struct {
	store Pinger
	redis *redis.Client
}

func NewHealthCheckHandler(store Pinger, rdb *redis.Client) *HealthCheckHandler {
	return &HealthCheckHandler{store: store, redis: rdb}
}

func (h *HealthCheckHandler) Handle(ctx context.Context, _ models.Job) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			return fmt.Errorf("postgres unreachable: %w", err)
		}
	}
	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
	}
	return nil
}
