package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"contentq/internal/models"
	"contentq/internal/store"
	"contentq/internal/telemetry"
)

// Store is the slice of the job store the enqueuer needs.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	FindActiveByDedupeKey(ctx context.Context, key string) (models.Job, bool, error)
	RefreshPayload(ctx context.Context, id string, payload map[string]any) error
}

// Options tune a single enqueue call.
type Options struct {
	RunAfter    time.Time
	DedupeKey   string
	MaxAttempts int
}

// Enqueuer validates and inserts jobs, collapsing duplicate work onto the
// active job for a dedupe key. Enqueue is idempotent under retried calls
// with the same key: at most one pending/processing job exists per key.
type Enqueuer struct {
	store       Store
	maxAttempts int
	logger      *zap.Logger
}

// NewEnqueuer builds an enqueuer. maxAttempts is the attempt ceiling applied
// to jobs enqueued without an explicit override; zero falls back to the
// store default.
func NewEnqueuer(st Store, maxAttempts int, logger *zap.Logger) *Enqueuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enqueuer{store: st, maxAttempts: maxAttempts, logger: logger}
}

// Enqueue inserts a new pending job, or returns the active job already
// holding opts.DedupeKey. The returned bool reports whether the call was
// collapsed onto an existing job. On merge the existing job keeps its
// run_after so a burst of calls debounces to the first deadline.
func (e *Enqueuer) Enqueue(ctx context.Context, jobType string, payload map[string]any, opts Options) (models.Job, bool, error) {
	if err := ValidatePayload(jobType, payload); err != nil {
		return models.Job{}, false, err
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = e.maxAttempts
	}

	if opts.DedupeKey != "" {
		existing, found, err := e.store.FindActiveByDedupeKey(ctx, opts.DedupeKey)
		if err != nil {
			return models.Job{}, false, err
		}
		if found {
			job, deduped, merr := e.merge(ctx, existing, payload)
			if !errors.Is(merr, store.ErrInvalidTransition) {
				return job, deduped, merr
			}
			// The active job finished between lookup and merge;
			// fall through and insert a fresh one.
		}
	}

	job, err := e.store.CreateJob(ctx, store.CreateJobParams{
		Type:        jobType,
		Payload:     payload,
		RunAfter:    opts.RunAfter,
		DedupeKey:   opts.DedupeKey,
		MaxAttempts: opts.MaxAttempts,
	})
	if errors.Is(err, store.ErrDuplicateDedupeKey) {
		// Lost the insert race for the key; the winner is the active job.
		existing, found, ferr := e.store.FindActiveByDedupeKey(ctx, opts.DedupeKey)
		if ferr != nil {
			return models.Job{}, false, ferr
		}
		if !found {
			return models.Job{}, false, fmt.Errorf("dedupe conflict for key %q but no active job: %w", opts.DedupeKey, err)
		}
		return e.merge(ctx, existing, payload)
	}
	if err != nil {
		return models.Job{}, false, err
	}

	telemetry.JobsEnqueued.Inc()
	e.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", jobType),
		zap.Time("run_after", job.RunAfter),
	)
	return job, false, nil
}

func (e *Enqueuer) merge(ctx context.Context, existing models.Job, payload map[string]any) (models.Job, bool, error) {
	if err := e.store.RefreshPayload(ctx, existing.ID, payload); err != nil {
		return models.Job{}, false, err
	}
	existing.Payload = payload
	telemetry.JobsDeduped.Inc()
	e.logger.Debug("enqueue deduped onto active job",
		zap.String("job_id", existing.ID),
		zap.Stringp("dedupe_key", existing.DedupeKey),
	)
	return existing, true, nil
}
