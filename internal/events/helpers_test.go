package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/trial-bundler/internal/channel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSubscriber struct {
	id     string
	closed atomic.Bool
	full   atomic.Bool

	mu       sync.Mutex
	received []channel.Message
}

func newFakeSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id}
}

func (s *fakeSubscriber) ID() string   { return s.id }
func (s *fakeSubscriber) IsOpen() bool { return !s.closed.Load() }

func (s *fakeSubscriber) Deliver(msg channel.Message) bool {
	if s.full.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, msg)
	return true
}

func (s *fakeSubscriber) messages() []channel.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]channel.Message(nil), s.received...)
}

func (s *fakeSubscriber) ofType(msgType string) []channel.Message {
	var out []channel.Message
	for _, m := range s.messages() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type countingRecorder struct {
	mu        sync.Mutex
	delivered map[string]int
	dropped   map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{delivered: make(map[string]int), dropped: make(map[string]int)}
}

func (r *countingRecorder) ObserveDelivery(eventType string, delivered, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered[eventType] += delivered
	r.dropped[eventType] += dropped
}

type recordingMirror struct {
	mu   sync.Mutex
	envs []Envelope
}

func (m *recordingMirror) Forward(env Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs = append(m.envs, env)
}

func (m *recordingMirror) all() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.envs...)
}

type publishedMessage struct {
	routingKey  string
	body        []byte
	contentType string
}

type fakeBroker struct {
	mu   sync.Mutex
	msgs []publishedMessage
	err  error
}

func (b *fakeBroker) Publish(ctx context.Context, routingKey string, body []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, publishedMessage{routingKey: routingKey, body: body, contentType: contentType})
	return nil
}

func (b *fakeBroker) published() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMessage(nil), b.msgs...)
}
