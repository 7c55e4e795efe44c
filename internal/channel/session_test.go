package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession_Validation(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *SessionConfig
		errString string
	}{
		{
			name:      "missing dialer",
			cfg:       &SessionConfig{},
			errString: "dialer is required",
		},
		{
			name:      "negative reconnect attempts",
			cfg:       &SessionConfig{Dialer: &fakeDialer{}, MaxReconnectAttempts: -1},
			errString: "must not be negative",
		},
		{
			name: "timeout not longer than interval",
			cfg: &SessionConfig{
				Dialer:            &fakeDialer{},
				HeartbeatInterval: time.Second,
				HeartbeatTimeout:  time.Second,
			},
			errString: "must be longer than heartbeat interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSession(tt.cfg)
			require.Error(t, err)
			assert.Nil(t, s)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestSession_ConnectOpensAndAuthenticates(t *testing.T) {
	dialer := &fakeDialer{}
	s, log := newTestSession(t, dialer, func(cfg *SessionConfig) { cfg.AuthToken = "secret" })

	assert.Equal(t, StateClosed, s.State())
	require.NoError(t, s.Connect())
	waitForSessionState(t, s, StateOpen)

	auth := dialer.conn(0).sentOfType(TypeAuthenticate)
	require.Len(t, auth, 1)
	assert.Equal(t, "secret", auth[0].Token)

	require.Eventually(t, func() bool { return len(log.all()) == 2 }, time.Second, time.Millisecond)
	changes := log.all()
	assert.Equal(t, StateChange{From: StateClosed, To: StateConnecting}, changes[0])
	assert.Equal(t, StateChange{From: StateConnecting, To: StateOpen}, changes[1])

	// connecting an open session does nothing
	require.NoError(t, s.Connect())
	assert.Equal(t, 1, dialer.dialCount())
}

func TestSession_ReconnectExhausted(t *testing.T) {
	dialer := &fakeDialer{}
	s, log := newTestSession(t, dialer, nil)

	require.NoError(t, s.Connect())
	waitForSessionState(t, s, StateOpen)

	dialer.setFailFrom(2)
	require.NoError(t, dialer.conn(0).Close())

	waitForSessionState(t, s, StateClosed)
	assert.Equal(t, 6, dialer.dialCount())

	require.Eventually(t, func() bool {
		changes := log.all()
		return len(changes) > 0 && changes[len(changes)-1].To == StateClosed
	}, time.Second, time.Millisecond)
	changes := log.all()
	last := changes[len(changes)-1]
	assert.Equal(t, StateReconnecting, last.From)
	assert.ErrorIs(t, last.Err, ErrReconnectExhausted)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, dialer.dialCount())
	assert.Equal(t, StateClosed, s.State())
}

func TestSession_ConnectFailureCountsTowardsLimit(t *testing.T) {
	dialer := &fakeDialer{failFrom: 1}
	s, _ := newTestSession(t, dialer, func(cfg *SessionConfig) { cfg.MaxReconnectAttempts = 3 })

	require.NoError(t, s.Connect())
	require.Eventually(t, func() bool {
		return dialer.dialCount() == 3 && s.State() == StateClosed
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, dialer.dialCount())
}

func TestSession_ReconnectLimit(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		wantDials   int
	}{
		{name: "no reconnects allowed", maxAttempts: 0, wantDials: 1},
		{name: "one reconnect", maxAttempts: 1, wantDials: 2},
		{name: "three reconnects", maxAttempts: 3, wantDials: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &fakeDialer{}
			s, log := newTestSession(t, dialer, func(cfg *SessionConfig) { cfg.MaxReconnectAttempts = tt.maxAttempts })

			require.NoError(t, s.Connect())
			waitForSessionState(t, s, StateOpen)

			dialer.setFailFrom(2)
			require.NoError(t, dialer.conn(0).Close())
			waitForSessionState(t, s, StateClosed)

			require.Eventually(t, func() bool {
				changes := log.all()
				return len(changes) > 0 && changes[len(changes)-1].To == StateClosed
			}, time.Second, time.Millisecond)

			changes := log.all()
			last := changes[len(changes)-1]
			assert.Equal(t, StateReconnecting, last.From)
			assert.ErrorIs(t, last.Err, ErrReconnectExhausted)
			for _, c := range changes {
				assert.False(t, c.From == StateConnecting && c.To == StateClosed, "unexpected CONNECTING -> CLOSED")
			}

			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, tt.wantDials, dialer.dialCount())
		})
	}
}

func TestSession_FullDispatchQueueDoesNotBlockStateChanges(t *testing.T) {
	dialer := &fakeDialer{}
	s, log := newTestSession(t, dialer, func(cfg *SessionConfig) {
		cfg.DispatchBuffer = 1
		cfg.MaxReconnectAttempts = 0
	})

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, s.On(TypeLog, func(msg Message) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		// handlers may call back into the session
		_ = s.Subscribe("bundle-a")
	}))

	require.NoError(t, s.Connect())
	waitForSessionState(t, s, StateOpen)

	conn := dialer.conn(0)
	conn.push(Message{Type: TypeLog, Message: "first"})
	<-started
	conn.push(Message{Type: TypeLog, Message: "queued"})
	conn.push(Message{Type: TypeLog, Message: "dropped"})
	require.NoError(t, conn.Close())

	// the actor keeps running while the handler is stuck
	waitForSessionState(t, s, StateClosed)
	subs, err := s.Subscriptions()
	require.NoError(t, err)
	assert.Empty(t, subs)

	close(release)
	require.Eventually(t, func() bool {
		changes := log.all()
		return len(changes) == 4 && changes[3].To == StateClosed
	}, time.Second, time.Millisecond)
	changes := log.all()
	assert.Equal(t, StateOpen, changes[2].From)
	assert.Equal(t, StateReconnecting, changes[2].To)
	assert.Equal(t, StateReconnecting, changes[3].From)

	require.Eventually(t, func() bool {
		subs, err := s.Subscriptions()
		return err == nil && len(subs) == 1
	}, time.Second, time.Millisecond)
}

func TestSession_ResubscribesAfterReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, dialer, nil)

	require.NoError(t, s.Subscribe("bundle-b"))
	require.NoError(t, s.Subscribe("bundle-a"))
	require.NoError(t, s.Subscribe("bundle-a"))
	require.NoError(t, s.Connect())
	waitForSessionState(t, s, StateOpen)

	require.NoError(t, s.Subscribe("bundle-c"))
	require.NoError(t, s.Subscribe("bundle-c"))

	first := dialer.conn(0)
	require.Eventually(t, func() bool { return len(first.sentOfType(TypeSubscribe)) == 3 }, time.Second, time.Millisecond)

	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		c := dialer.conn(1)
		return c != nil && len(c.sentOfType(TypeSubscribe)) == 3
	}, time.Second, time.Millisecond)
	waitForSessionState(t, s, StateOpen)

	var topics []string
	for _, m := range dialer.conn(1).sentOfType(TypeSubscribe) {
		topics = append(topics, m.BotID)
	}
	assert.Equal(t, []string{"bundle-a", "bundle-b", "bundle-c"}, topics)

	subs, err := s.Subscriptions()
	require.NoError(t, err)
	assert.Equal(t, []string{"bundle-a", "bundle-b", "bundle-c"}, subs)
}

func TestSession_Unsubscribe(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, dialer, nil)

	require.NoError(t, s.Connect())
	waitForSessionState(t, s, StateOpen)
	require.NoError(t, s.Subscribe("bundle-a"))
	require.NoError(t, s.Unsubscribe("bundle-a"))
	require.NoError(t, s.Unsubscribe("bundle-z"))

	subs, err := s.Subscriptions()
	require.NoError(t, err)
	assert.Empty(t, subs)

	unsub := dialer.conn(0).sentOfType(TypeUnsubscribe)
	require.Len(t, unsub, 1)
	assert.Equal(t, "bundle-a", unsub[0].BotID)

	assert.Error(t, s.Subscribe(""))
}

func TestSession_HeartbeatTimeoutForcesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	s, log := newTestSession(t, dialer, func(cfg *SessionConfig) {
		cfg.HeartbeatInterval = 10 * time.Millisecond
		cfg.HeartbeatTimeout = 30 * time.Millisecond
	})

	require.NoError(t, s.Connect())
	waitForSessionState(t, s, StateOpen)
	first := dialer.conn(0)

	require.Eventually(t, first.isClosed, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return dialer.dialCount() >= 2 }, time.Second, time.Millisecond)
	assert.NotEmpty(t, first.sentOfType(TypePing))

	require.Eventually(t, func() bool {
		for _, c := range log.all() {
			if c.From == StateOpen && c.To == StateReconnecting {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	for _, c := range log.all() {
		if c.From == StateOpen && c.To == StateReconnecting {
			assert.ErrorIs(t, c.Err, ErrHeartbeatTimeout)
		}
	}
}

func TestSession_HeartbeatKeepsHealthyConnection(t *testing.T) {
	dialer := &fakeDialer{autoPong: true}
	s, _ := newTestSession(t, dialer, func(cfg *SessionConfig) {
		cfg.HeartbeatInterval = 5 * time.Millisecond
		cfg.HeartbeatTimeout = 25 * time.Millisecond
	})

	require.NoError(t, s.Connect())
	waitForSessionState(t, s, StateOpen)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, 1, dialer.dialCount())
	assert.GreaterOrEqual(t, len(dialer.conn(0).sentOfType(TypePing)), 3)
}

func TestSession_DispatchesByType(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, dialer, nil)

	trials := make(chan Message, 4)
	bundles := make(chan Message, 4)
	require.NoError(t, s.On(TypeTrialUpdate, func(msg Message) { trials <- msg }))
	require.NoError(t, s.On(TypeBundleUpdate, func(msg Message) { bundles <- msg }))
	require.NoError(t, s.On(TypeLog, func(Message) { panic("bad handler") }))

	require.NoError(t, s.Connect())
	waitForSessionState(t, s, StateOpen)

	msg, err := NewEvent(TypeTrialUpdate, "bundle-1", map[string]string{"to": "RUNNING"}, time.Now())
	require.NoError(t, err)
	conn := dialer.conn(0)
	conn.push(Message{Type: TypeLog})
	conn.push(Message{Type: "unregistered"})
	conn.push(msg)

	select {
	case got := <-trials:
		assert.Equal(t, "bundle-1", got.BotID)
		var payload map[string]string
		require.NoError(t, got.Decode(&payload))
		assert.Equal(t, "RUNNING", payload["to"])
	case <-time.After(time.Second):
		t.Fatal("trial_update handler not called")
	}
	assert.Empty(t, bundles)
}

func TestSession_SendRequiresOpenTransport(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, dialer, nil)

	assert.ErrorIs(t, s.Send(Message{Type: TypePing}), ErrTransportClosed)

	require.NoError(t, s.Connect())
	waitForSessionState(t, s, StateOpen)
	require.NoError(t, s.Send(Message{Type: TypeLog, Message: "hello"}))
	assert.Len(t, dialer.conn(0).sentOfType(TypeLog), 1)
}

func TestSession_CloseStopsReconnecting(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, dialer, nil)

	require.NoError(t, s.Connect())
	waitForSessionState(t, s, StateOpen)
	require.NoError(t, s.Close())

	assert.Equal(t, StateClosed, s.State())
	assert.True(t, dialer.conn(0).isClosed())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestSession_StoppedSessionRejectsCalls(t *testing.T) {
	s, err := NewSession(&SessionConfig{Logger: discardLogger(), Dialer: &fakeDialer{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()
	cancel()
	<-done

	assert.ErrorIs(t, s.Subscribe("bundle-a"), ErrSessionStopped)
	assert.ErrorIs(t, s.Connect(), ErrSessionStopped)
}

func TestSession_ReconnectDelayDoubles(t *testing.T) {
	s, err := NewSession(&SessionConfig{
		Dialer:             &fakeDialer{},
		ReconnectBaseDelay: 10 * time.Millisecond,
		MaxReconnectDelay:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{failures: 0, want: 10 * time.Millisecond},
		{failures: 1, want: 20 * time.Millisecond},
		{failures: 2, want: 40 * time.Millisecond},
		{failures: 3, want: 50 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.reconnectDelay(tt.failures), "failures=%d", tt.failures)
	}
}
