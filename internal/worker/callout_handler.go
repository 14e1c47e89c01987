package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"contentq/internal/models"
)

// ServiceCalloutHandler delegates a job to the owning application service.
// Transcription, connector sync, and recommendation analysis live in the
// main application; the queue core only owns their scheduling. The service
// endpoint is expected to be idempotent under at-least-once delivery.
type ServiceCalloutHandler struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewServiceCalloutHandler(baseURL, token string) *ServiceCalloutHandler {
	return &ServiceCalloutHandler{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Handle POSTs the job payload to <base>/internal/jobs/<type>. A 422 from
// the service means the payload can never be processed and fails the job
// permanently; other non-2xx statuses retry with backoff.
func (h *ServiceCalloutHandler) Handle(ctx context.Context, job models.Job) error {
	if h.baseURL == "" {
		return Permanent(fmt.Errorf("no application service configured for type %q", job.Type))
	}

	body, err := json.Marshal(map[string]any{
		"job_id":  job.ID,
		"attempt": job.Attempts + 1,
		"payload": job.Payload,
	})
	if err != nil {
		return Permanent(fmt.Errorf("marshal callout body: %w", err))
	}

	url := fmt.Sprintf("%s/internal/jobs/%s", h.baseURL, job.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build callout request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("service returned %d for %s: %s", resp.StatusCode, job.Type, bytes.TrimSpace(detail))
	if resp.StatusCode == http.StatusUnprocessableEntity {
		return Permanent(err)
	}
	return err
}
