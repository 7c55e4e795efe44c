package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func servePeer(t *testing.T, conn Conn, cfg *PeerConfig) (*Peer, <-chan error) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	p := NewPeer(conn, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Serve(ctx) }()
	t.Cleanup(cancel)

	require.Eventually(t, p.IsOpen, time.Second, time.Millisecond)
	return p, errCh
}

// waitForSent waits until conn has sent n messages of msgType and returns them
func waitForSent(t *testing.T, conn *fakeConn, msgType string, n int) []Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(conn.sentOfType(msgType)) >= n }, time.Second, time.Millisecond,
		"expected %d %s messages", n, msgType)
	return conn.sentOfType(msgType)
}

func TestPeer_ControlMessages(t *testing.T) {
	conn := newFakeConn()
	registry := newMemoryRegistry()
	p, _ := servePeer(t, conn, &PeerConfig{Registry: registry, HeartbeatTimeout: time.Minute})

	hello := waitForSent(t, conn, TypeConnection, 1)
	assert.Equal(t, "connected", hello[0].Status)
	assert.Equal(t, p.ID(), hello[0].Message)

	tests := []struct {
		name     string
		in       Message
		wantType string
		check    func(t *testing.T, out Message)
	}{
		{
			name:     "ping",
			in:       Message{Type: TypePing},
			wantType: TypePong,
		},
		{
			name:     "subscribe",
			in:       control(TypeSubscribe, "bundle-1"),
			wantType: TypeSubscriptionSuccess,
			check: func(t *testing.T, out Message) {
				assert.Equal(t, "bundle-1", out.BotID)
				assert.Equal(t, 1, registry.count("bundle-1"))
			},
		},
		{
			name:     "unsubscribe",
			in:       control(TypeUnsubscribe, "bundle-1"),
			wantType: TypeUnsubscriptionSuccess,
			check: func(t *testing.T, out Message) {
				assert.Equal(t, "bundle-1", out.BotID)
				assert.Equal(t, 0, registry.count("bundle-1"))
			},
		},
		{
			name:     "subscribe without bot id",
			in:       Message{Type: TypeSubscribe},
			wantType: TypeError,
			check: func(t *testing.T, out Message) {
				assert.Contains(t, out.Message, "botId is required")
			},
		},
		{
			name:     "unknown type",
			in:       Message{Type: "launch_rockets"},
			wantType: TypeError,
			check: func(t *testing.T, out Message) {
				assert.Contains(t, out.Message, "launch_rockets")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(conn.sentOfType(tt.wantType))
			conn.push(tt.in)
			out := waitForSent(t, conn, tt.wantType, before+1)
			if tt.check != nil {
				tt.check(t, out[len(out)-1])
			}
		})
	}
}

func TestPeer_DuplicateSubscribeRegistersOnce(t *testing.T) {
	conn := newFakeConn()
	registry := newMemoryRegistry()
	servePeer(t, conn, &PeerConfig{Registry: registry, HeartbeatTimeout: time.Minute})

	conn.push(control(TypeSubscribe, "bundle-1"))
	conn.push(control(TypeSubscribe, "bundle-1"))

	waitForSent(t, conn, TypeSubscriptionSuccess, 2)
	assert.Equal(t, 1, registry.count("bundle-1"))
}

func TestPeer_Authentication(t *testing.T) {
	conn := newFakeConn()
	registry := newMemoryRegistry()
	servePeer(t, conn, &PeerConfig{Registry: registry, AuthToken: "secret", HeartbeatTimeout: time.Minute})

	hello := waitForSent(t, conn, TypeConnection, 1)
	assert.Equal(t, "authentication_required", hello[0].Status)

	conn.push(control(TypeSubscribe, "bundle-1"))
	errs := waitForSent(t, conn, TypeError, 1)
	assert.Equal(t, "not authenticated", errs[0].Message)
	assert.Equal(t, 0, registry.count("bundle-1"))

	conn.push(Message{Type: TypeAuthenticate, Token: "wrong"})
	errs = waitForSent(t, conn, TypeError, 2)
	assert.Equal(t, "invalid auth token", errs[1].Message)

	conn.push(Message{Type: TypeAuthenticate, Token: "secret"})
	acks := waitForSent(t, conn, TypeConnection, 2)
	assert.Equal(t, "authenticated", acks[1].Status)

	conn.push(control(TypeSubscribe, "bundle-1"))
	waitForSent(t, conn, TypeSubscriptionSuccess, 1)
	assert.Equal(t, 1, registry.count("bundle-1"))
}

func TestPeer_HeartbeatTimeout(t *testing.T) {
	conn := newFakeConn()
	registry := newMemoryRegistry()
	p, errCh := servePeer(t, conn, &PeerConfig{Registry: registry, HeartbeatTimeout: 30 * time.Millisecond})

	conn.push(control(TypeSubscribe, "bundle-1"))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	case <-time.After(time.Second):
		t.Fatal("peer did not time out")
	}

	assert.False(t, p.IsOpen())
	assert.False(t, p.Deliver(Message{Type: TypeTrialUpdate}))
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, registry.count("bundle-1"))
	assert.Equal(t, []string{p.ID()}, registry.removed())
}

func TestPeer_ClientDisconnect(t *testing.T) {
	conn := newFakeConn()
	registry := newMemoryRegistry()
	p, errCh := servePeer(t, conn, &PeerConfig{Registry: registry, HeartbeatTimeout: time.Minute})

	require.NoError(t, conn.Close())

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("peer did not stop")
	}
	assert.Equal(t, []string{p.ID()}, registry.removed())
}

// stuckConn never finishes a Send until released
type stuckConn struct {
	*fakeConn
	release chan struct{}
}

func (c *stuckConn) Send(msg Message) error {
	select {
	case <-c.release:
	case <-c.closed:
		return ErrTransportClosed
	}
	return c.fakeConn.Send(msg)
}

func TestPeer_DeliverNeverBlocks(t *testing.T) {
	idle := NewPeer(newFakeConn(), &PeerConfig{Logger: discardLogger(), Registry: newMemoryRegistry()})
	assert.False(t, idle.Deliver(Message{Type: TypeTrialUpdate}), "peer is not serving yet")

	conn := &stuckConn{fakeConn: newFakeConn(), release: make(chan struct{})}
	p, _ := servePeer(t, conn, &PeerConfig{Registry: newMemoryRegistry(), SendBuffer: 1, HeartbeatTimeout: time.Minute})

	// the write loop is stuck on the connection greeting once the queue has room again
	require.Eventually(t, func() bool {
		return p.Deliver(Message{Type: TypeTrialUpdate, BotID: "first"})
	}, time.Second, time.Millisecond)

	done := make(chan bool)
	go func() { done <- p.Deliver(Message{Type: TypeTrialUpdate, BotID: "second"}) }()
	select {
	case accepted := <-done:
		assert.False(t, accepted)
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked on a full queue")
	}

	close(conn.release)
	require.Eventually(t, func() bool { return len(conn.sentOfType(TypeTrialUpdate)) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "first", conn.sentOfType(TypeTrialUpdate)[0].BotID)
}
