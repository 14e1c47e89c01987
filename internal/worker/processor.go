package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"contentq/internal/config"
	"contentq/internal/models"
	"contentq/internal/telemetry"
)

// Store is the slice of the job store the processor drives. Claiming and
// every outcome transition go through conditional row updates in Postgres;
// the processor holds no shared state of its own.
type Store interface {
	ClaimDue(ctx context.Context, limit int, leaseUntil time.Time) ([]models.Job, error)
	MarkCompleted(ctx context.Context, id string) error
	ScheduleRetry(ctx context.Context, id string, attempts int, runAfter time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
	ReapExpiredLeases(ctx context.Context, limit int) (int, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Handler executes a job for a given type. Returning an error wrapped with
// Permanent skips retries; any other error reschedules with backoff until
// the attempt ceiling.
type Handler func(ctx context.Context, job models.Job) error

// Processor claims due jobs and drives the execute/retry state machine.
type Processor struct {
	cfg      config.Config
	store    Store
	handlers map[string]Handler
	logger   *zap.Logger
	workerID string
}

func NewProcessor(cfg config.Config, st Store, logger *zap.Logger, workerID string) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:      cfg,
		store:    st,
		handlers: make(map[string]Handler),
		logger:   logger,
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run polls for due jobs until context cancellation, sweeping expired leases
// on its own cadence so jobs stranded by a crashed worker get re-queued.
func (p *Processor) Run(ctx context.Context) error {
	poll := time.NewTicker(p.cfg.WorkerPollInterval)
	defer poll.Stop()
	reap := time.NewTicker(p.cfg.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reap.C:
			p.reap(ctx)
		case <-poll.C:
			p.tick(ctx)
		}
	}
}

func (p *Processor) reap(ctx context.Context) {
	n, err := p.store.ReapExpiredLeases(ctx, p.cfg.ClaimBatchSize*10)
	if err != nil {
		p.logger.Warn("reap expired leases", zap.Error(err))
		return
	}
	if n > 0 {
		telemetry.LeasesReaped.Add(float64(n))
		p.logger.Info("requeued expired leases", zap.Int("count", n))
	}
}

func (p *Processor) tick(ctx context.Context) {
	if counts, err := p.store.CountByStatus(ctx); err == nil {
		telemetry.PendingGauge.Set(float64(counts[models.StatusPending]))
		telemetry.ProcessingGauge.Set(float64(counts[models.StatusProcessing]))
	}

	leaseUntil := time.Now().UTC().Add(p.cfg.LeaseTimeout)
	claimed, err := p.store.ClaimDue(ctx, p.cfg.ClaimBatchSize, leaseUntil)
	if err != nil {
		p.logger.Warn("claim due jobs", zap.Error(err))
		return
	}
	for _, job := range claimed {
		telemetry.JobsClaimed.Inc()
		p.execute(ctx, job)
	}
}

// execute runs one claimed job and writes its outcome back to the store.
// Handler failures never escape; every path ends in a status transition.
func (p *Processor) execute(ctx context.Context, job models.Job) {
	start := time.Now()
	err := p.invoke(ctx, job)
	if err == nil {
		if err := p.store.MarkCompleted(ctx, job.ID); err != nil {
			p.logger.Error("mark completed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		telemetry.JobsCompleted.Inc()
		p.logger.Info("job completed",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.String("worker_id", p.workerID),
			zap.Duration("took", time.Since(start)),
		)
		return
	}

	attempts := job.Attempts + 1
	if IsPermanent(err) || attempts >= job.MaxAttempts {
		if serr := p.store.MarkFailed(ctx, job.ID, attempts, err.Error()); serr != nil {
			p.logger.Error("mark failed", zap.String("job_id", job.ID), zap.Error(serr))
			return
		}
		telemetry.JobsExhausted.Inc()
		p.logger.Warn("job failed terminally",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempts", attempts),
			zap.Bool("permanent", IsPermanent(err)),
			zap.Error(err),
		)
		return
	}

	delay := backoffDelay(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	runAfter := time.Now().UTC().Add(delay)
	if serr := p.store.ScheduleRetry(ctx, job.ID, attempts, runAfter, err.Error()); serr != nil {
		p.logger.Error("schedule retry", zap.String("job_id", job.ID), zap.Error(serr))
		return
	}
	telemetry.JobsRetried.Inc()
	p.logger.Info("job retry scheduled",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempts", attempts),
		zap.Time("run_after", runAfter),
		zap.Error(err),
	)
}

// invoke dispatches to the registered handler, converting panics into errors
// so a misbehaving handler cannot take the worker down.
func (p *Processor) invoke(ctx context.Context, job models.Job) (err error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for type %q", job.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
