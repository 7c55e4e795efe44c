package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// BrokerPublisher publishes a message body under a routing key
type BrokerPublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// BrokerMirror forwards envelopes to the broker from its own goroutine so a
// slow broker never holds up channel delivery
type BrokerMirror struct {
	logger  *slog.Logger
	broker  BrokerPublisher
	queue   chan Envelope
	timeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewBrokerMirror creates a mirror with a queue of buffer envelopes
func NewBrokerMirror(logger *slog.Logger, broker BrokerPublisher, buffer int, timeout time.Duration) *BrokerMirror {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BrokerMirror{
		logger:  logger,
		broker:  broker,
		queue:   make(chan Envelope, buffer),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Forward queues env, dropping it when the queue is full
func (m *BrokerMirror) Forward(env Envelope) {
	select {
	case m.queue <- env:
	default:
		m.logger.Warn("Broker mirror queue full, dropping event",
			slog.String("bundle_id", env.BundleID),
			slog.String("type", env.Type),
		)
	}
}

// Start publishes queued envelopes until ctx is canceled or Close is called,
// then flushes whatever is still queued
func (m *BrokerMirror) Start(ctx context.Context) error {
	m.logger.Info("Starting broker mirror")

	for {
		select {
		case <-ctx.Done():
			m.flush()
			m.logger.Info("Broker mirror stopped")
			return nil
		case <-m.done:
			m.flush()
			m.logger.Info("Broker mirror stopped")
			return nil
		case env := <-m.queue:
			m.publish(context.Background(), env)
		}
	}
}

// Close stops Start once every envelope forwarded before the call is published.
// Call it after the last producer has stopped forwarding.
func (m *BrokerMirror) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *BrokerMirror) flush() {
	for {
		select {
		case env := <-m.queue:
			m.publish(context.Background(), env)
		default:
			return
		}
	}
}

func (m *BrokerMirror) publish(parent context.Context, env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		m.logger.Error("Failed to marshal envelope",
			slog.String("event_id", env.EventID),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()

	if err := m.broker.Publish(ctx, env.RoutingKey(), body, "application/json"); err != nil {
		m.logger.Error("Failed to mirror event",
			slog.String("event_id", env.EventID),
			slog.String("routing_key", env.RoutingKey()),
			slog.String("error", err.Error()),
		)
	}
}
