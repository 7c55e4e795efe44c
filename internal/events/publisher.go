// Package events fans scheduler transitions out to channel subscribers and
// mirrors them to the message broker.
package events

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/channel"
)

// SystemTopic carries process-wide events such as scheduler metrics
const SystemTopic = "system"

// DeliveryRecorder receives fan-out counts
type DeliveryRecorder interface {
	ObserveDelivery(eventType string, delivered, dropped int)
}

// Config holds publisher configuration
type Config struct {
	Logger  *slog.Logger
	Metrics DeliveryRecorder
	Clock   func() time.Time
}

// Publisher routes messages to the subscribers of a topic. It implements
// channel.Registry so server-side peers can register themselves.
type Publisher struct {
	logger  *slog.Logger
	metrics DeliveryRecorder
	now     func() time.Time

	mu     sync.RWMutex
	topics map[string]map[string]channel.Subscriber
}

// NewPublisher creates a new publisher instance
func NewPublisher(cfg *Config) *Publisher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Publisher{
		logger:  logger,
		metrics: metrics,
		now:     clock,
		topics:  make(map[string]map[string]channel.Subscriber),
	}
}

// Subscribe registers sub for topic. Registering twice is a no-op.
func (p *Publisher) Subscribe(topic string, sub channel.Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs, ok := p.topics[topic]
	if !ok {
		subs = make(map[string]channel.Subscriber)
		p.topics[topic] = subs
	}
	subs[sub.ID()] = sub
}

// Unsubscribe removes sub from topic
func (p *Publisher) Unsubscribe(topic string, sub channel.Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribeLocked(topic, sub.ID())
}

// Remove drops every subscription held by sub
func (p *Publisher) Remove(sub channel.Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic := range p.topics {
		p.unsubscribeLocked(topic, sub.ID())
	}
}

func (p *Publisher) unsubscribeLocked(topic, id string) {
	subs, ok := p.topics[topic]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(p.topics, topic)
	}
}

// Publish hands one message to every open subscriber of topic. Delivery is
// best effort: closed subscribers and subscribers with a full queue miss the
// message. It returns the number of subscribers that accepted it.
func (p *Publisher) Publish(topic, eventType string, payload any) (int, error) {
	msg, err := channel.NewEvent(eventType, topic, payload, p.now())
	if err != nil {
		return 0, fmt.Errorf("failed to build %s event: %w", eventType, err)
	}

	p.mu.RLock()
	subs := make([]channel.Subscriber, 0, len(p.topics[topic]))
	for _, sub := range p.topics[topic] {
		subs = append(subs, sub)
	}
	p.mu.RUnlock()

	delivered, dropped := 0, 0
	for _, sub := range subs {
		if sub.IsOpen() && sub.Deliver(msg) {
			delivered++
			continue
		}
		dropped++
	}

	if dropped > 0 {
		p.logger.Debug("Event dropped for some subscribers",
			slog.String("topic", topic),
			slog.String("type", eventType),
			slog.Int("dropped", dropped),
		)
	}
	p.metrics.ObserveDelivery(eventType, delivered, dropped)

	return delivered, nil
}

// SubscriberCount returns how many subscribers listen to topic
func (p *Publisher) SubscriberCount(topic string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.topics[topic])
}

// Topics returns every topic with at least one subscriber, sorted
func (p *Publisher) Topics() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.topics))
	for topic := range p.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

type nopRecorder struct{}

func (nopRecorder) ObserveDelivery(string, int, int) {}
