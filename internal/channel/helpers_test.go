package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("connection refused")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory transport. The test plays the remote side through
// push and sent.
type fakeConn struct {
	mu       sync.Mutex
	in       chan Message
	sentMsgs []Message
	closed   chan struct{}
	once     sync.Once
	autoPong bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan Message, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(msg Message) error {
	select {
	case <-c.closed:
		return ErrTransportClosed
	default:
	}

	c.mu.Lock()
	c.sentMsgs = append(c.sentMsgs, msg)
	pong := c.autoPong && msg.Type == TypePing
	c.mu.Unlock()

	if pong {
		c.push(Message{Type: TypePong})
	}
	return nil
}

func (c *fakeConn) Receive() (Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return Message{}, ErrTransportClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(msg Message) {
	select {
	case c.in <- msg:
	case <-c.closed:
	}
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sentMsgs...)
}

func (c *fakeConn) sentOfType(msgType string) []Message {
	var out []Message
	for _, m := range c.sent() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// fakeDialer hands out fresh fakeConns. Dials listed in failFrom onwards fail.
type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	conns    []*fakeConn
	failFrom int
	autoPong bool
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failFrom > 0 && d.dials >= d.failFrom {
		return nil, errRefused
	}
	c := newFakeConn()
	c.autoPong = d.autoPong
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) setFailFrom(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFrom = n
}

// stateLog records state changes reported to the application
type stateLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *stateLog) record(c StateChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *stateLog) all() []StateChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StateChange(nil), l.changes...)
}

func newTestSession(t *testing.T, dialer Dialer, mutate func(cfg *SessionConfig)) (*Session, *stateLog) {
	t.Helper()

	log := &stateLog{}
	cfg := &SessionConfig{
		Logger:               discardLogger(),
		Dialer:               dialer,
		HeartbeatInterval:    time.Hour,
		HeartbeatTimeout:     2 * time.Hour,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Millisecond,
		OnStateChange:        log.record,
	}
	if mutate != nil {
		mutate(cfg)
	}

	s, err := NewSession(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return s, log
}

func waitForSessionState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, time.Millisecond,
		"session never reached %s", want)
}

// memoryRegistry is a Registry that remembers subscriptions by topic
type memoryRegistry struct {
	mu     sync.Mutex
	topics map[string]map[string]Subscriber
	gone   []string
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{topics: make(map[string]map[string]Subscriber)}
}

func (r *memoryRegistry) Subscribe(topic string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]Subscriber)
	}
	r.topics[topic][sub.ID()] = sub
}

func (r *memoryRegistry) Unsubscribe(topic string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.topics[topic], sub.ID())
}

func (r *memoryRegistry) Remove(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, subs := range r.topics {
		delete(subs, sub.ID())
	}
	r.gone = append(r.gone, sub.ID())
}

func (r *memoryRegistry) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[topic])
}

func (r *memoryRegistry) removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.gone...)
}
