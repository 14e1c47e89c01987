package webhook

import (
	"encoding/json"
	"io"
	"net/http"
)

// Drive-style push notification headers.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
	headerMessageNumber = "X-Goog-Message-Number"
)

// genericNotification is the body shape accepted from providers that POST
// JSON instead of identifying headers.
type genericNotification struct {
	ChannelID  string `json:"channel_id"`
	ResourceID string `json:"resource_id"`
	EventType  string `json:"event_type"`
	EventID    string `json:"event_id"`
}

// ParseRequest normalizes an inbound provider request into a Notification.
// Field presence is checked later by Translate; parsing only extracts.
func ParseRequest(provider string, r *http.Request) (Notification, error) {
	switch provider {
	case "gdrive":
		return parseDrive(provider, r)
	default:
		return parseGeneric(provider, r)
	}
}

func parseDrive(provider string, r *http.Request) (Notification, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		Provider:      provider,
		ChannelID:     r.Header.Get(headerChannelID),
		ResourceID:    r.Header.Get(headerResourceID),
		State:         r.Header.Get(headerResourceState),
		MessageNumber: r.Header.Get(headerMessageNumber),
		Raw:           body,
	}, nil
}

func parseGeneric(provider string, r *http.Request) (Notification, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		return Notification{}, err
	}
	var g genericNotification
	if err := json.Unmarshal(body, &g); err != nil {
		return Notification{}, ErrBadNotification
	}
	return Notification{
		Provider:      provider,
		ChannelID:     g.ChannelID,
		ResourceID:    g.ResourceID,
		State:         g.EventType,
		MessageNumber: g.EventID,
		Raw:           body,
	}, nil
}
