package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"contentq/internal/models"
)

// Sentinel errors surfaced to callers. Store errors are never swallowed here;
// anything not listed below is a wrapped driver error.
var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateDedupeKey = errors.New("active job exists for dedupe key")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

// Store wraps pgxpool for Postgres persistence. Postgres rows are the sole
// source of truth for job state; claiming relies on row-level conditional
// updates rather than any external lock.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database round-trip.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, type, payload, status, attempts, max_attempts, run_after, dedupe_key, last_error, started_at, completed_at, lease_expires_at, created_at, updated_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type        string
	Payload     map[string]any
	RunAfter    time.Time
	DedupeKey   string
	MaxAttempts int
}

// CreateJob inserts a pending job row. When the dedupe key already has an
// active job the partial unique index rejects the insert and the method
// returns ErrDuplicateDedupeKey; the enqueuer resolves the winner.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	now := time.Now().UTC()
	if p.RunAfter.IsZero() {
		p.RunAfter = now
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, run_after, dedupe_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $8)
	`, id, p.Type, payloadJSON, models.StatusPending, p.MaxAttempts, p.RunAfter, emptyToNil(p.DedupeKey), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "jobs_active_dedupe_idx" {
			return models.Job{}, ErrDuplicateDedupeKey
		}
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		Type:        p.Type,
		Payload:     p.Payload,
		Status:      models.StatusPending,
		Attempts:    0,
		MaxAttempts: p.MaxAttempts,
		RunAfter:    p.RunAfter,
		DedupeKey:   emptyToNil(p.DedupeKey),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListJobs returns jobs newest-first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if status != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2
		`, status, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus aggregates job counts per lifecycle status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// FindActiveByDedupeKey returns the pending/processing job holding the key, if any.
func (s *Store) FindActiveByDedupeKey(ctx context.Context, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE dedupe_key = $1 AND status IN ($2, $3)
	`, key, models.StatusPending, models.StatusProcessing)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// RefreshPayload replaces the payload of a still-active job. Used when a
// duplicate enqueue merges onto the existing job; if the job reached a
// terminal state in the meantime the merge reports ErrInvalidTransition so
// the enqueuer can insert a fresh job instead.
func (s *Store) RefreshPayload(ctx context.Context, id string, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET payload = $2, updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, payloadJSON, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("refresh payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is no longer active: %w", id, ErrInvalidTransition)
	}
	return nil
}

// ClaimDue atomically leases up to limit runnable jobs for one worker.
// The inner select locks candidate rows with SKIP LOCKED so concurrent
// workers never receive the same row; the update flips pending to
// processing and stamps started_at plus the lease deadline.
func (s *Store) ClaimDue(ctx context.Context, limit int, leaseUntil time.Time) ([]models.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs j
		SET status = $3, started_at = now(), lease_expires_at = $2, updated_at = now()
		FROM (
			SELECT id FROM jobs
			WHERE status = $4 AND run_after <= now()
			ORDER BY run_after ASC, created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) due
		WHERE j.id = due.id AND j.status = $4
		RETURNING `+prefixedJobColumns("j")+`
	`, limit, leaseUntil, models.StatusProcessing, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var claimed []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, job)
	}
	return claimed, rows.Err()
}

// MarkCompleted transitions a processing job to completed.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = now(), last_error = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, models.StatusCompleted, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not processing: %w", id, ErrInvalidTransition)
	}
	return nil
}

// ScheduleRetry returns a processing job to pending with the next attempt count,
// a future run_after, and the failure detail.
func (s *Store) ScheduleRetry(ctx context.Context, id string, attempts int, runAfter time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, run_after = $4, last_error = $5,
		    started_at = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = $6
	`, id, models.StatusPending, attempts, runAfter, lastErr, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not processing: %w", id, ErrInvalidTransition)
	}
	return nil
}

// MarkFailed transitions a processing job to its terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, last_error = $4, completed_at = now(),
		    lease_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND status = $5
	`, id, models.StatusFailed, attempts, lastErr, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not processing: %w", id, ErrInvalidTransition)
	}
	return nil
}

// ResetForRetry is the operator path that re-queues a failed (or stuck pending)
// job: attempts, error, and execution timestamps are cleared and the job
// becomes claimable immediately. Processing and completed jobs are rejected.
func (s *Store) ResetForRetry(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempts = 0, last_error = NULL, started_at = NULL,
		    completed_at = NULL, lease_expires_at = NULL, run_after = now(), updated_at = now()
		WHERE id = $1 AND status IN ($2, $3)
		RETURNING `+jobColumns+`
	`, id, models.StatusPending, models.StatusFailed)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return models.Job{}, getErr
		}
		return models.Job{}, fmt.Errorf("job %s is not failed or pending: %w", id, ErrInvalidTransition)
	}
	return job, err
}

// ReapExpiredLeases sweeps processing jobs whose lease deadline passed back to
// pending so another worker can claim them. Attempts are left untouched; the
// interrupted attempt never reported an outcome.
func (s *Store) ReapExpiredLeases(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs j
		SET status = $2, started_at = NULL, lease_expires_at = NULL,
		    last_error = 'lease expired; worker presumed dead', run_after = now(), updated_at = now()
		FROM (
			SELECT id FROM jobs
			WHERE status = $3 AND lease_expires_at IS NOT NULL AND lease_expires_at < now()
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) stale
		WHERE j.id = stale.id
	`, limit, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("reap leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecordWebhookEvent persists a raw provider notification. The unique
// constraint on (provider, channel, message number) detects replayed
// deliveries; replays report duplicate=true and insert nothing.
func (s *Store) RecordWebhookEvent(ctx context.Context, ev models.WebhookEvent) (models.WebhookEvent, bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.ReceivedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, provider, channel_id, resource_id, event_type, message_number, payload, processed, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (provider, channel_id, message_number) DO NOTHING
	`, ev.ID, ev.Provider, ev.ChannelID, ev.ResourceID, ev.EventType, ev.MessageNumber, ev.Payload, ev.ReceivedAt)
	if err != nil {
		return models.WebhookEvent{}, false, fmt.Errorf("insert webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ev, true, nil
	}
	return ev, false, nil
}

// MarkWebhookProcessed flags an event once its enqueue side effect happened.
func (s *Store) MarkWebhookProcessed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE webhook_events SET processed = TRUE WHERE id = $1`, id)
	return err
}

// CreateConnector registers an external content source.
func (s *Store) CreateConnector(ctx context.Context, provider, channelID, resourceID, name string) (models.Connector, error) {
	c := models.Connector{
		ID:         uuid.New().String(),
		Provider:   provider,
		ChannelID:  channelID,
		ResourceID: resourceID,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connectors (id, provider, channel_id, resource_id, name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.Provider, c.ChannelID, c.ResourceID, c.Name, c.CreatedAt)
	if err != nil {
		return models.Connector{}, fmt.Errorf("insert connector: %w", err)
	}
	return c, nil
}

// FindConnectorByChannel resolves a notification's channel to its connector.
func (s *Store) FindConnectorByChannel(ctx context.Context, provider, channelID string) (models.Connector, bool, error) {
	var c models.Connector
	err := s.pool.QueryRow(ctx, `
		SELECT id, provider, channel_id, resource_id, name, created_at
		FROM connectors WHERE provider = $1 AND channel_id = $2
	`, provider, channelID).Scan(&c.ID, &c.Provider, &c.ChannelID, &c.ResourceID, &c.Name, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Connector{}, false, nil
	}
	if err != nil {
		return models.Connector{}, false, fmt.Errorf("query connector: %w", err)
	}
	return c, true, nil
}

// ListConnectors returns every registered connector.
func (s *Store) ListConnectors(ctx context.Context) ([]models.Connector, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, provider, channel_id, resource_id, name, created_at FROM connectors ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()

	var out []models.Connector
	for rows.Next() {
		var c models.Connector
		if err := rows.Scan(&c.ID, &c.Provider, &c.ChannelID, &c.ResourceID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan connector: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var dedupe, lastErr pgtype.Text
	var started, completed, lease pgtype.Timestamptz

	err := row.Scan(
		&job.ID, &job.Type, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.RunAfter, &dedupe, &lastErr, &started, &completed, &lease,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.DedupeKey = textPtr(dedupe)
	job.LastError = textPtr(lastErr)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.LeaseExpiresAt = timePtr(lease)
	return job, nil
}

func prefixedJobColumns(alias string) string {
	return alias + ".id, " + alias + ".type, " + alias + ".payload, " + alias + ".status, " +
		alias + ".attempts, " + alias + ".max_attempts, " + alias + ".run_after, " + alias + ".dedupe_key, " +
		alias + ".last_error, " + alias + ".started_at, " + alias + ".completed_at, " + alias + ".lease_expires_at, " +
		alias + ".created_at, " + alias + ".updated_at"
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
