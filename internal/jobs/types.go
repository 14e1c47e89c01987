package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Job types the core schedules. Each type owns a payload schema validated at
// the enqueue boundary so malformed work never reaches the store.
const (
	TypeTranscription   = "transcription"
	TypeMediaCompress   = "media_compress"
	TypeConnectorSync   = "connector_sync"
	TypeRecommendations = "recommendations"
	TypeHealthCheck     = "health_check"
)

// Connector sync modes.
const (
	SyncIncremental = "incremental"
	SyncFull        = "full"
)

var ErrUnknownType = errors.New("unknown job type")

// TranscriptionPayload requests a transcript for a stored recording.
type TranscriptionPayload struct {
	RecordingID string `json:"recording_id"`
	Language    string `json:"language,omitempty"`
}

func (p TranscriptionPayload) Validate() error {
	if p.RecordingID == "" {
		return errors.New("recording_id is required")
	}
	return nil
}

// MediaCompressPayload requests re-encoding of a media asset.
type MediaCompressPayload struct {
	RecordingID string `json:"recording_id"`
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Destination string `json:"destination,omitempty"`
}

func (p MediaCompressPayload) Validate() error {
	if p.SourceURL == "" {
		return errors.New("source_url is required")
	}
	if p.Width < 0 || p.Height < 0 {
		return errors.New("dimensions must be non-negative")
	}
	return nil
}

// ConnectorSyncPayload requests a connector synchronization pass.
type ConnectorSyncPayload struct {
	ConnectorID string `json:"connector_id"`
	Mode        string `json:"mode"`
}

func (p ConnectorSyncPayload) Validate() error {
	if p.ConnectorID == "" {
		return errors.New("connector_id is required")
	}
	if p.Mode != SyncIncremental && p.Mode != SyncFull {
		return fmt.Errorf("mode must be %q or %q", SyncIncremental, SyncFull)
	}
	return nil
}

// RecommendationsPayload requests cost/recommendation analysis. An empty
// workspace id means the sweep covers every workspace.
type RecommendationsPayload struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
}

func (p RecommendationsPayload) Validate() error { return nil }

// HealthCheckPayload carries no fields; the handler probes dependencies.
type HealthCheckPayload struct{}

func (p HealthCheckPayload) Validate() error { return nil }

type validator interface{ Validate() error }

var payloadSchemas = map[string]func() validator{
	TypeTranscription:   func() validator { return &TranscriptionPayload{} },
	TypeMediaCompress:   func() validator { return &MediaCompressPayload{} },
	TypeConnectorSync:   func() validator { return &ConnectorSyncPayload{} },
	TypeRecommendations: func() validator { return &RecommendationsPayload{} },
	TypeHealthCheck:     func() validator { return &HealthCheckPayload{} },
}

// ValidatePayload checks a raw payload against the schema for jobType.
func ValidatePayload(jobType string, payload map[string]any) error {
	newSchema, ok := payloadSchemas[jobType]
	if !ok {
		return fmt.Errorf("%q: %w", jobType, ErrUnknownType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	schema := newSchema()
	if err := json.Unmarshal(raw, schema); err != nil {
		return fmt.Errorf("payload does not match %s schema: %w", jobType, err)
	}
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("invalid %s payload: %w", jobType, err)
	}
	return nil
}
