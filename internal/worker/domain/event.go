package domain

import (
	"encoding/json"
	"time"
)

// EventRecord is one mirrored bundle event as stored in bundle_events
type EventRecord struct {
	EventID    string          `db:"event_id"`
	BundleID   string          `db:"bundle_id"`
	Service    string          `db:"service"`
	EventType  string          `db:"event_type"`
	Payload    json.RawMessage `db:"payload"`
	OccurredAt time.Time       `db:"occurred_at"`
	RecordedAt time.Time       `db:"recorded_at"`
}
