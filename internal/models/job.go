package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ValidStatus reports whether s is a known job status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job represents a unit of background work persisted in Postgres.
type Job struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	RunAfter       time.Time      `json:"run_after"`
	DedupeKey      *string        `json:"dedupe_key,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Active reports whether the job counts against its dedupe key.
func (j Job) Active() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}

// WebhookEvent is a raw provider notification kept for idempotency and audit.
type WebhookEvent struct {
	ID            string    `json:"id"`
	Provider      string    `json:"provider"`
	ChannelID     string    `json:"channel_id"`
	ResourceID    string    `json:"resource_id"`
	EventType     string    `json:"event_type"`
	MessageNumber string    `json:"message_number"`
	Payload       []byte    `json:"payload,omitempty"`
	Processed     bool      `json:"processed"`
	RetryCount    int       `json:"retry_count"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Connector is a registered external content source whose notifications we accept.
type Connector struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	ChannelID  string    `json:"channel_id"`
	ResourceID string    `json:"resource_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}
