package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"contentq/internal/jobs"
	"contentq/internal/models"
	"contentq/internal/telemetry"
)

// ErrBadNotification marks a notification missing required identifying
// fields; the HTTP edge turns it into a 400.
var ErrBadNotification = errors.New("notification is missing identifying fields")

// Outcomes of translating one notification. Everything except a bad
// notification is acknowledged with 200 so providers do not retry-storm.
const (
	OutcomeHandshake      = "handshake"
	OutcomeUnknownChannel = "unknown_channel"
	OutcomeReplay         = "replay"
	OutcomeEnqueued       = "enqueued"
	OutcomeIgnored        = "ignored"
)

// Notification is a provider push normalized by a parser.
type Notification struct {
	Provider      string
	ChannelID     string
	ResourceID    string
	State         string
	MessageNumber string
	Raw           []byte
}

// EventStore is the slice of the store the translator needs.
type EventStore interface {
	RecordWebhookEvent(ctx context.Context, ev models.WebhookEvent) (models.WebhookEvent, bool, error)
	MarkWebhookProcessed(ctx context.Context, id string) error
	FindConnectorByChannel(ctx context.Context, provider, channelID string) (models.Connector, bool, error)
}

// Enqueuer is the job enqueue contract the translator drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload map[string]any, opts jobs.Options) (models.Job, bool, error)
}

// Translator converts provider change notifications into debounced,
// deduplicated sync jobs. A burst of N notifications for one connector
// collapses into a single job scheduled one debounce window after the
// first notification arrived.
type Translator struct {
	store    EventStore
	enqueuer Enqueuer
	debounce time.Duration
	logger   *zap.Logger
}

func NewTranslator(st EventStore, enq Enqueuer, debounce time.Duration, logger *zap.Logger) *Translator {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{store: st, enqueuer: enq, debounce: debounce, logger: logger}
}

// Translate runs the full pipeline for one notification: validate, resolve
// the connector, persist the raw event for replay detection, then map the
// change state to an enqueue call.
func (t *Translator) Translate(ctx context.Context, n Notification) (string, error) {
	telemetry.WebhooksSeen.Inc()

	if n.Provider == "" || n.ChannelID == "" || n.State == "" || n.MessageNumber == "" {
		return "", ErrBadNotification
	}

	connector, found, err := t.store.FindConnectorByChannel(ctx, n.Provider, n.ChannelID)
	if err != nil {
		return "", err
	}
	if !found {
		t.logger.Info("webhook for unknown channel",
			zap.String("provider", n.Provider),
			zap.String("channel_id", n.ChannelID),
		)
		return OutcomeUnknownChannel, nil
	}

	event, replay, err := t.store.RecordWebhookEvent(ctx, models.WebhookEvent{
		Provider:      n.Provider,
		ChannelID:     n.ChannelID,
		ResourceID:    n.ResourceID,
		EventType:     n.State,
		MessageNumber: n.MessageNumber,
		Payload:       n.Raw,
	})
	if err != nil {
		return "", err
	}
	if replay {
		telemetry.WebhookReplays.Inc()
		return OutcomeReplay, nil
	}

	jobType, payload, key, mapped := t.mapState(connector, n.State)
	if !mapped {
		if n.State == stateHandshake {
			return OutcomeHandshake, nil
		}
		return OutcomeIgnored, nil
	}

	job, deduped, err := t.enqueuer.Enqueue(ctx, jobType, payload, jobs.Options{
		RunAfter:  time.Now().UTC().Add(t.debounce),
		DedupeKey: key,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s for connector %s: %w", jobType, connector.ID, err)
	}
	if err := t.store.MarkWebhookProcessed(ctx, event.ID); err != nil {
		return "", err
	}
	telemetry.WebhooksMapped.Inc()
	t.logger.Info("webhook translated",
		zap.String("provider", n.Provider),
		zap.String("connector_id", connector.ID),
		zap.String("state", n.State),
		zap.String("job_id", job.ID),
		zap.Bool("deduped", deduped),
	)
	return OutcomeEnqueued, nil
}

const stateHandshake = "sync"

// mapState decides which job a change state produces. Removal notifications
// carry no item identity, so they trigger a full reconciliation instead of
// an incremental pass.
func (t *Translator) mapState(c models.Connector, state string) (jobType string, payload map[string]any, dedupeKey string, ok bool) {
	switch state {
	case "add", "update", "change", "untrash":
		return jobs.TypeConnectorSync, map[string]any{
			"connector_id": c.ID,
			"mode":         jobs.SyncIncremental,
		}, "connector-sync:" + c.ID, true
	case "remove", "trash":
		return jobs.TypeConnectorSync, map[string]any{
			"connector_id": c.ID,
			"mode":         jobs.SyncFull,
		}, "connector-reconcile:" + c.ID, true
	default:
		return "", nil, "", false
	}
}
