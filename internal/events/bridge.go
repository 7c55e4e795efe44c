package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/channel"
	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
)

// Mirror forwards events outside the process
type Mirror interface {
	Forward(env Envelope)
}

// StatusChange is the payload of a status_change event
type StatusChange struct {
	BundleID string             `json:"bundle_id"`
	From     domain.BundleState `json:"from"`
	To       domain.BundleState `json:"to"`
	At       time.Time          `json:"at"`
}

// LogLine is the payload of a log event: a human readable note about a
// failed or retried attempt on the bundle topic
type LogLine struct {
	BundleID string    `json:"bundle_id"`
	Service  string    `json:"service"`
	Level    string    `json:"level"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// Bridge turns scheduler transitions into channel events. It implements
// scheduler.EventSink.
type Bridge struct {
	logger    *slog.Logger
	publisher *Publisher
	mirror    Mirror
}

// NewBridge creates a bridge. mirror may be nil.
func NewBridge(logger *slog.Logger, publisher *Publisher, mirror Mirror) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		logger:    logger,
		publisher: publisher,
		mirror:    mirror,
	}
}

// ServiceTopic is the topic of one service within a bundle
func ServiceTopic(bundleID, service string) string {
	return bundleID + ":" + service
}

// AttemptTransition publishes a trial_update to the bundle and service topics,
// plus a log line on the bundle topic when the attempt carries an error
func (b *Bridge) AttemptTransition(t domain.Transition) {
	b.publish(t.BundleID, channel.TypeTrialUpdate, t)
	b.publish(ServiceTopic(t.BundleID, t.ServiceName), channel.TypeTrialUpdate, t)
	b.forward(t.BundleID, t.ServiceName, channel.TypeTrialUpdate, t, t.At)

	if t.Error == "" {
		return
	}
	line := LogLine{BundleID: t.BundleID, Service: t.ServiceName, Level: "error", At: t.At}
	if t.To == domain.AttemptRetrying {
		line.Level = "warn"
		line.Text = fmt.Sprintf("%s attempt %d failed, retrying: %s", t.ServiceName, t.AttemptNumber, t.Error)
	} else {
		line.Text = fmt.Sprintf("%s failed after attempt %d: %s", t.ServiceName, t.AttemptNumber, t.Error)
	}
	b.publish(t.BundleID, channel.TypeLog, line)
}

// BundleTransition publishes a status_change and the full bundle snapshot
func (b *Bridge) BundleTransition(t domain.BundleTransition) {
	change := StatusChange{BundleID: t.BundleID, From: t.From, To: t.To, At: t.At}
	b.publish(t.BundleID, channel.TypeStatusChange, change)
	b.publish(t.BundleID, channel.TypeBundleUpdate, t.Snapshot)
	b.forward(t.BundleID, "", channel.TypeStatusChange, change, t.At)
	b.forward(t.BundleID, "", channel.TypeBundleUpdate, t.Snapshot, t.At)
}

// RunStats publishes stats() as a metrics event on the system topic every
// interval until ctx is canceled
func (b *Bridge) RunStats(ctx context.Context, interval time.Duration, stats func() any) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if b.publisher.SubscriberCount(SystemTopic) == 0 {
				continue
			}
			b.publish(SystemTopic, channel.TypeMetrics, stats())
		}
	}
}

func (b *Bridge) publish(topic, eventType string, payload any) {
	if _, err := b.publisher.Publish(topic, eventType, payload); err != nil {
		b.logger.Error("Failed to publish event",
			slog.String("topic", topic),
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Bridge) forward(bundleID, service, eventType string, payload any, at time.Time) {
	if b.mirror == nil {
		return
	}
	env, err := NewEnvelope(bundleID, service, eventType, payload, at)
	if err != nil {
		b.logger.Error("Failed to build mirrored event",
			slog.String("bundle_id", bundleID),
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}
	b.mirror.Forward(env)
}
