package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the broker representation of one published event
type Envelope struct {
	EventID    string          `json:"event_id"`
	BundleID   string          `json:"bundle_id"`
	Service    string          `json:"service,omitempty"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewEnvelope encodes payload into a new envelope with a fresh event id
func NewEnvelope(bundleID, service, eventType string, payload any, at time.Time) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:    uuid.NewString(),
		BundleID:   bundleID,
		Service:    service,
		Type:       eventType,
		Payload:    data,
		OccurredAt: at.UTC(),
	}, nil
}

// RoutingKey is the broker routing key of the envelope, bundle.<id>.<type>
func (e Envelope) RoutingKey() string {
	return "bundle." + e.BundleID + "." + e.Type
}

// ParseEnvelope decodes and validates a broker message body
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if _, err := uuid.Parse(env.EventID); err != nil {
		return Envelope{}, fmt.Errorf("invalid event_id %q: %w", env.EventID, err)
	}
	if strings.TrimSpace(env.BundleID) == "" {
		return Envelope{}, fmt.Errorf("envelope bundle_id is required")
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope type is required")
	}
	return env, nil
}
