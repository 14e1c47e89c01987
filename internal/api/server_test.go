package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"contentq/internal/config"
	"contentq/internal/jobs"
	"contentq/internal/models"
	"contentq/internal/store"
	"contentq/internal/webhook"
)

type fakeJobStore struct {
	jobs       map[string]*models.Job
	connectors []models.Connector
}

func newFakeJobStore(jobList ...models.Job) *fakeJobStore {
	st := &fakeJobStore{jobs: map[string]*models.Job{}}
	for i := range jobList {
		j := jobList[i]
		st.jobs[j.ID] = &j
	}
	return st
}

func (s *fakeJobStore) GetJob(_ context.Context, id string) (models.Job, error) {
	if j, ok := s.jobs[id]; ok {
		return *j, nil
	}
	return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
}

func (s *fakeJobStore) ListJobs(_ context.Context, status string, limit int) ([]models.Job, error) {
	var out []models.Job
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			out = append(out, *j)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeJobStore) CountByStatus(_ context.Context) (map[string]int64, error) {
	counts := map[string]int64{}
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *fakeJobStore) ResetForRetry(_ context.Context, id string) (models.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if j.Status != models.StatusFailed && j.Status != models.StatusPending {
		return models.Job{}, fmt.Errorf("job %s is %s: %w", id, j.Status, store.ErrInvalidTransition)
	}
	j.Status = models.StatusPending
	j.Attempts = 0
	j.LastError = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.RunAfter = time.Now()
	return *j, nil
}

func (s *fakeJobStore) CreateConnector(_ context.Context, provider, channelID, resourceID, name string) (models.Connector, error) {
	c := models.Connector{
		ID:        fmt.Sprintf("conn-%d", len(s.connectors)+1),
		Provider:  provider,
		ChannelID: channelID,
		CreatedAt: time.Now(),
	}
	s.connectors = append(s.connectors, c)
	return c, nil
}

func (s *fakeJobStore) ListConnectors(_ context.Context) ([]models.Connector, error) {
	return s.connectors, nil
}

// fakeJobStore also serves as the translator's event store in these tests.
func (s *fakeJobStore) RecordWebhookEvent(_ context.Context, ev models.WebhookEvent) (models.WebhookEvent, bool, error) {
	ev.ID = "ev-1"
	return ev, false, nil
}

func (s *fakeJobStore) MarkWebhookProcessed(context.Context, string) error { return nil }

func (s *fakeJobStore) FindConnectorByChannel(_ context.Context, provider, channelID string) (models.Connector, bool, error) {
	for _, c := range s.connectors {
		if c.Provider == provider && c.ChannelID == channelID {
			return c, true, nil
		}
	}
	return models.Connector{}, false, nil
}

type fakeEnqueuer struct {
	calls []string
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, jobType string, payload map[string]any, opts jobs.Options) (models.Job, bool, error) {
	e.calls = append(e.calls, jobType)
	return models.Job{
		ID:       fmt.Sprintf("job-%d", len(e.calls)),
		Type:     jobType,
		Payload:  payload,
		Status:   models.StatusPending,
		RunAfter: opts.RunAfter,
	}, false, nil
}

type fakeLimiter struct{ allow bool }

func (l *fakeLimiter) Allow(context.Context, string) (bool, error) { return l.allow, nil }

func newTestServer(cfg config.Config, st *fakeJobStore, enq *fakeEnqueuer, limiter Limiter) http.Handler {
	tr := webhook.NewTranslator(st, enq, 5*time.Second, nil)
	return New(cfg, st, enq, tr, limiter, nil).Router()
}

func completedJob(id string) models.Job {
	now := time.Now()
	return models.Job{
		ID:          id,
		Type:        jobs.TypeHealthCheck,
		Status:      models.StatusCompleted,
		CompletedAt: &now,
		CreatedAt:   now,
	}
}

func failedJob(id string) models.Job {
	now := time.Now()
	msg := "boom"
	return models.Job{
		ID:          id,
		Type:        jobs.TypeHealthCheck,
		Status:      models.StatusFailed,
		Attempts:    3,
		MaxAttempts: 3,
		LastError:   &msg,
		CompletedAt: &now,
		CreatedAt:   now,
	}
}

func TestRetryCompletedJobRejected(t *testing.T) {
	st := newFakeJobStore(completedJob("j1"))
	srv := newTestServer(config.Config{Env: "test"}, st, &fakeEnqueuer{}, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/j1/retry", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := st.jobs["j1"].Status; got != models.StatusCompleted {
		t.Fatalf("job must be unchanged, got status %s", got)
	}
}

func TestRetryUnknownJobNotFound(t *testing.T) {
	srv := newTestServer(config.Config{Env: "test"}, newFakeJobStore(), &fakeEnqueuer{}, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/missing/retry", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRetryFailedJobRequeues(t *testing.T) {
	st := newFakeJobStore(failedJob("j1"))
	srv := newTestServer(config.Config{Env: "test"}, st, &fakeEnqueuer{}, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/j1/retry", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.Status != models.StatusPending || job.Attempts != 0 {
		t.Fatalf("expected requeued pending job with zero attempts, got %s/%d", job.Status, job.Attempts)
	}
	if job.LastError != nil || job.CompletedAt != nil {
		t.Fatal("retry must clear error and completion timestamps")
	}
	if job.RunAfter.After(time.Now()) {
		t.Fatalf("retried job must be immediately claimable, run_after=%s", job.RunAfter)
	}
}

func TestListJobsRejectsUnknownStatus(t *testing.T) {
	srv := newTestServer(config.Config{Env: "test"}, newFakeJobStore(), &fakeEnqueuer{}, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs?status=sideways", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListJobsReturnsCounts(t *testing.T) {
	st := newFakeJobStore(completedJob("j1"), failedJob("j2"))
	srv := newTestServer(config.Config{Env: "test"}, st, &fakeEnqueuer{}, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Jobs   []models.Job     `json:"jobs"`
		Counts map[string]int64 `json:"counts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(resp.Jobs))
	}
	if resp.Counts[models.StatusCompleted] != 1 || resp.Counts[models.StatusFailed] != 1 {
		t.Fatalf("unexpected counts: %v", resp.Counts)
	}
}

func TestTriggerFailsClosedInProduction(t *testing.T) {
	// No cron secret configured outside dev: reject everything.
	srv := newTestServer(config.Config{Env: "production"}, newFakeJobStore(), &fakeEnqueuer{}, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/triggers/health-check", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestTriggerRequiresMatchingSecret(t *testing.T) {
	enq := &fakeEnqueuer{}
	srv := newTestServer(config.Config{Env: "production", CronSecret: "s3cret"}, newFakeJobStore(), enq, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/triggers/health-check", nil)
	req.Header.Set("X-Cron-Secret", "wrong")
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong secret, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/triggers/health-check", nil)
	req.Header.Set("X-Cron-Secret", "s3cret")
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(enq.calls) != 1 || enq.calls[0] != jobs.TypeHealthCheck {
		t.Fatalf("expected one health_check enqueue, got %v", enq.calls)
	}
}

func TestTriggerConnectorSyncFansOut(t *testing.T) {
	st := newFakeJobStore()
	st.connectors = []models.Connector{
		{ID: "c1", Provider: "gdrive", ChannelID: "ch1"},
		{ID: "c2", Provider: "notion", ChannelID: "ch2"},
	}
	enq := &fakeEnqueuer{}
	srv := newTestServer(config.Config{Env: "test"}, st, enq, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/triggers/connector-sync", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(enq.calls) != 2 {
		t.Fatalf("expected one sync per connector, got %d", len(enq.calls))
	}
}

func TestWebhookMissingHeadersRejected(t *testing.T) {
	srv := newTestServer(config.Config{Env: "test"}, newFakeJobStore(), &fakeEnqueuer{}, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/gdrive", strings.NewReader("")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing identifying headers, got %d", rec.Code)
	}
}

func TestWebhookUpdateEnqueuesSync(t *testing.T) {
	st := newFakeJobStore()
	st.connectors = []models.Connector{{ID: "c1", Provider: "gdrive", ChannelID: "chan-1"}}
	enq := &fakeEnqueuer{}
	srv := newTestServer(config.Config{Env: "test"}, st, enq, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gdrive", strings.NewReader(""))
	req.Header.Set("X-Goog-Channel-ID", "chan-1")
	req.Header.Set("X-Goog-Resource-ID", "res-1")
	req.Header.Set("X-Goog-Resource-State", "update")
	req.Header.Set("X-Goog-Message-Number", "7")
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(enq.calls) != 1 || enq.calls[0] != jobs.TypeConnectorSync {
		t.Fatalf("expected one connector_sync enqueue, got %v", enq.calls)
	}
}

func TestWebhookRateLimited(t *testing.T) {
	srv := newTestServer(config.Config{Env: "test"}, newFakeJobStore(), &fakeEnqueuer{}, &fakeLimiter{allow: false})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/gdrive", strings.NewReader("")))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}
