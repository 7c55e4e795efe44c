package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/orchestrator/backoff"
)

// State is the connection phase of a client session
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler receives inbound messages of one type
type Handler func(msg Message)

// StateChange describes one session phase change. Err is set when a failure caused it.
type StateChange struct {
	From State
	To   State
	Err  error
}

// SessionConfig holds client session configuration
type SessionConfig struct {
	Logger               *slog.Logger
	Dialer               Dialer
	AuthToken            string
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	MaxReconnectDelay    time.Duration
	DialTimeout          time.Duration
	DispatchBuffer       int
	OnStateChange        func(StateChange)
}

type inbound struct {
	gen uint64
	msg Message
	err error
}

type dialResult struct {
	gen  uint64
	conn Conn
	err  error
}

// Session is the client side of a channel. All connection state, the
// subscription set and the handler table are owned by the goroutine running
// Start; public methods hand work to it over a command channel.
type Session struct {
	logger               *slog.Logger
	dialer               Dialer
	authToken            string
	heartbeatInterval    time.Duration
	heartbeatTimeout     time.Duration
	maxReconnectAttempts int
	baseDelay            time.Duration
	maxDelay             time.Duration
	dialTimeout          time.Duration
	onStateChange        func(StateChange)

	state      atomic.Int32
	cmds       chan func()
	inbound    chan inbound
	dialed     chan dialResult
	dispatch   chan func()
	done       chan struct{}
	dispatched chan struct{}

	// state changes bypass the bounded dispatch queue and are never dropped
	stateMu      sync.Mutex
	stateChanges []StateChange
	stateReady   chan struct{}

	// owned by the actor goroutine
	conn       Conn
	gen        uint64
	attempts   int
	delay      time.Duration
	lastAck    time.Time
	subs       map[string]struct{}
	handlers   map[string][]Handler
	heartbeat  *time.Ticker
	heartbeatC <-chan time.Time
	retryTimer *time.Timer
	retryC     <-chan time.Time
	dialCancel context.CancelFunc
}

// NewSession creates a new client session in the CLOSED state
func NewSession(cfg *SessionConfig) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("session dialer is required")
	}
	if cfg.MaxReconnectAttempts < 0 {
		return nil, fmt.Errorf("max reconnect attempts must not be negative")
	}

	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 25 * time.Second
	}
	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 2 * interval
	}
	if timeout <= interval {
		return nil, fmt.Errorf("heartbeat timeout %s must be longer than heartbeat interval %s", timeout, interval)
	}
	baseDelay := cfg.ReconnectBaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	buffer := cfg.DispatchBuffer
	if buffer <= 0 {
		buffer = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		logger:               logger,
		dialer:               cfg.Dialer,
		authToken:            cfg.AuthToken,
		heartbeatInterval:    interval,
		heartbeatTimeout:     timeout,
		maxReconnectAttempts: cfg.MaxReconnectAttempts,
		baseDelay:            baseDelay,
		maxDelay:             cfg.MaxReconnectDelay,
		dialTimeout:          dialTimeout,
		onStateChange:        cfg.OnStateChange,
		cmds:                 make(chan func()),
		inbound:              make(chan inbound),
		dialed:               make(chan dialResult),
		dispatch:             make(chan func(), buffer),
		done:                 make(chan struct{}),
		dispatched:           make(chan struct{}),
		stateReady:           make(chan struct{}, 1),
		delay:                baseDelay,
		subs:                 make(map[string]struct{}),
		handlers:             make(map[string][]Handler),
	}, nil
}

// Start runs the session actor until ctx is canceled. Handlers run on a
// separate dispatcher goroutine in arrival order, and state callbacks run
// there ahead of any queued handler.
func (s *Session) Start(ctx context.Context) error {
	go s.runDispatcher()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case fn := <-s.cmds:
			fn()
		case in := <-s.inbound:
			s.handleInbound(in)
		case res := <-s.dialed:
			s.handleDial(res)
		case <-s.heartbeatC:
			s.beat()
		case <-s.retryC:
			s.retryC = nil
			s.reconnect()
		}
	}
}

// Connect opens the transport. It is a no-op unless the session is CLOSED.
func (s *Session) Connect() error {
	return s.do(s.connect)
}

// Close closes the transport and stops reconnecting. Subscriptions are kept
// and replayed on the next Connect.
func (s *Session) Close() error {
	return s.do(func() { s.closeSession(nil) })
}

// On registers a handler for messages of msgType
func (s *Session) On(msgType string, h Handler) error {
	return s.do(func() {
		s.handlers[msgType] = append(s.handlers[msgType], h)
	})
}

// Subscribe adds topic to the subscription set and, when OPEN, tells the server
func (s *Session) Subscribe(topic string) error {
	if topic == "" {
		return fmt.Errorf("subscription topic is required")
	}
	return s.do(func() {
		if _, ok := s.subs[topic]; ok {
			return
		}
		s.subs[topic] = struct{}{}
		if s.current() == StateOpen {
			_ = s.send(control(TypeSubscribe, topic))
		}
	})
}

// Unsubscribe removes topic from the subscription set
func (s *Session) Unsubscribe(topic string) error {
	return s.do(func() {
		if _, ok := s.subs[topic]; !ok {
			return
		}
		delete(s.subs, topic)
		if s.current() == StateOpen {
			_ = s.send(control(TypeUnsubscribe, topic))
		}
	})
}

// Send writes msg on the open transport
func (s *Session) Send(msg Message) error {
	reply := make(chan error, 1)
	if err := s.do(func() {
		if s.current() != StateOpen {
			reply <- ErrTransportClosed
			return
		}
		reply <- s.send(msg)
	}); err != nil {
		return err
	}
	return <-reply
}

// Subscriptions returns the current subscription set, sorted
func (s *Session) Subscriptions() ([]string, error) {
	reply := make(chan []string, 1)
	if err := s.do(func() { reply <- s.topics() }); err != nil {
		return nil, err
	}
	return <-reply, nil
}

// State returns the current connection phase
func (s *Session) State() State {
	return s.current()
}

func (s *Session) do(fn func()) error {
	select {
	case s.cmds <- fn:
		return nil
	case <-s.done:
		return ErrSessionStopped
	}
}

func (s *Session) current() State {
	return State(s.state.Load())
}

func (s *Session) connect() {
	if s.current() != StateClosed {
		return
	}
	s.attempts = 0
	s.delay = s.baseDelay
	s.setState(StateConnecting, nil)
	s.dial()
}

func (s *Session) dial() {
	s.gen++
	gen := s.gen

	ctx, cancel := context.WithTimeout(context.Background(), s.dialTimeout)
	s.dialCancel = cancel

	go func() {
		defer cancel()
		conn, err := s.dialer.Dial(ctx)
		select {
		case s.dialed <- dialResult{gen: gen, conn: conn, err: err}:
		case <-s.done:
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()
}

func (s *Session) handleDial(res dialResult) {
	if res.gen != s.gen || s.current() != StateConnecting {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}
	s.dialCancel = nil

	if res.err != nil {
		s.attempts++
		s.logger.Warn("Channel connect failed",
			slog.Int("attempt", s.attempts),
			slog.Int("max_attempts", s.maxReconnectAttempts),
			slog.String("error", res.err.Error()),
		)
		s.scheduleReconnect(res.err)
		return
	}

	s.open(res.conn)
}

func (s *Session) open(conn Conn) {
	s.conn = conn
	s.attempts = 0
	s.delay = s.baseDelay
	s.lastAck = time.Now()

	go s.read(conn, s.gen)
	s.setState(StateOpen, nil)

	if s.authToken != "" {
		if err := s.send(Message{Type: TypeAuthenticate, Token: s.authToken}); err != nil {
			return
		}
	}
	for _, topic := range s.topics() {
		if err := s.send(control(TypeSubscribe, topic)); err != nil {
			return
		}
	}

	s.heartbeat = time.NewTicker(s.heartbeatInterval)
	s.heartbeatC = s.heartbeat.C
}

func (s *Session) read(conn Conn, gen uint64) {
	for {
		msg, err := conn.Receive()
		select {
		case s.inbound <- inbound{gen: gen, msg: msg, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleInbound(in inbound) {
	if in.gen != s.gen || s.conn == nil {
		return
	}
	if in.err != nil {
		s.lost(fmt.Errorf("%w: %v", ErrTransportClosed, in.err))
		return
	}

	s.lastAck = time.Now()

	handlers := s.handlers[in.msg.Type]
	if len(handlers) == 0 {
		s.logger.Debug("No handler for message",
			slog.String("type", in.msg.Type),
		)
		return
	}

	msg := in.msg
	hs := append([]Handler(nil), handlers...)
	select {
	case s.dispatch <- func() {
		for _, h := range hs {
			h(msg)
		}
	}:
	default:
		s.logger.Warn("Dispatch queue full, dropping message",
			slog.String("type", msg.Type),
			slog.String("bot_id", msg.BotID),
		)
	}
}

// beat sends a liveness ping, or force-closes a transport that went silent
func (s *Session) beat() {
	if s.current() != StateOpen {
		return
	}
	if silent := time.Since(s.lastAck); silent > s.heartbeatTimeout {
		s.logger.Warn("No heartbeat acknowledgment, closing transport",
			slog.Duration("silent_for", silent),
			slog.Duration("heartbeat_timeout", s.heartbeatTimeout),
		)
		s.lost(ErrHeartbeatTimeout)
		return
	}
	_ = s.send(Message{Type: TypePing, Timestamp: time.Now().UnixMilli()})
}

// send writes on the current transport. A write failure counts as a lost connection.
func (s *Session) send(msg Message) error {
	if s.conn == nil {
		return ErrTransportClosed
	}
	if err := s.conn.Send(msg); err != nil {
		s.lost(fmt.Errorf("%w: %v", ErrTransportClosed, err))
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// lost handles the loss of an OPEN transport
func (s *Session) lost(cause error) {
	if s.current() != StateOpen {
		return
	}
	s.logger.Warn("Channel connection lost",
		slog.String("error", cause.Error()),
	)
	s.closeConn()
	s.scheduleReconnect(cause)
}

// scheduleReconnect enters RECONNECTING and arms the retry timer, or moves
// on to CLOSED once the attempt limit is reached
func (s *Session) scheduleReconnect(cause error) {
	s.setState(StateReconnecting, cause)
	if s.attempts >= s.maxReconnectAttempts {
		s.logger.Error("Giving up reconnecting",
			slog.Int("attempts", s.attempts),
			slog.Int("max_attempts", s.maxReconnectAttempts),
		)
		s.setState(StateClosed, fmt.Errorf("%w: %v", ErrReconnectExhausted, cause))
		return
	}

	s.delay = s.reconnectDelay(s.attempts)

	s.logger.Info("Reconnecting",
		slog.Int("attempt", s.attempts+1),
		slog.Duration("delay", s.delay),
	)

	s.stopRetry()
	s.retryTimer = time.NewTimer(s.delay)
	s.retryC = s.retryTimer.C
}

func (s *Session) reconnect() {
	if s.current() != StateReconnecting {
		return
	}
	s.setState(StateConnecting, nil)
	s.dial()
}

// reconnectDelay doubles the base delay for every consecutive failure
func (s *Session) reconnectDelay(failures int) time.Duration {
	return backoff.Exponential(s.baseDelay, 2, failures+1, s.maxDelay)
}

func (s *Session) closeConn() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
		s.heartbeatC = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.gen++
}

func (s *Session) stopRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.retryC = nil
}

func (s *Session) closeSession(cause error) {
	s.closeConn()
	s.stopRetry()
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.setState(StateClosed, cause)
}

func (s *Session) shutdown() {
	s.closeSession(ErrSessionStopped)
	s.subs = make(map[string]struct{})
	close(s.done)
	close(s.dispatch)
	<-s.dispatched
}

func (s *Session) setState(to State, cause error) {
	from := s.current()
	if from == to {
		return
	}
	s.state.Store(int32(to))

	attrs := []any{
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	s.logger.Info("Channel state changed", attrs...)

	if s.onStateChange == nil {
		return
	}
	s.stateMu.Lock()
	s.stateChanges = append(s.stateChanges, StateChange{From: from, To: to, Err: cause})
	s.stateMu.Unlock()
	select {
	case s.stateReady <- struct{}{}:
	default:
	}
}

func (s *Session) topics() []string {
	out := make([]string, 0, len(s.subs))
	for topic := range s.subs {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// runDispatcher runs handlers in arrival order. Pending state changes go
// first so a full handler queue cannot delay them.
func (s *Session) runDispatcher() {
	defer close(s.dispatched)
	for {
		select {
		case <-s.stateReady:
			s.notifyStates()
		case fn, ok := <-s.dispatch:
			s.notifyStates()
			if !ok {
				return
			}
			s.safeRun(fn)
		}
	}
}

func (s *Session) notifyStates() {
	s.stateMu.Lock()
	changes := s.stateChanges
	s.stateChanges = nil
	s.stateMu.Unlock()

	for _, change := range changes {
		s.safeRun(func() { s.onStateChange(change) })
	}
}

func (s *Session) safeRun(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Channel handler panicked",
				slog.Any("panic", p),
			)
		}
	}()
	fn()
}
