package channel

import (
	"context"
	"errors"
)

var (
	// ErrTransportClosed is returned when sending on a channel that has no open transport
	ErrTransportClosed = errors.New("transport closed")

	// ErrReconnectExhausted is surfaced when a session gives up reconnecting
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrHeartbeatTimeout is the cause used when a transport goes silent
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrSessionStopped is returned by session calls after Start has returned
	ErrSessionStopped = errors.New("session stopped")
)

// Conn is a framed, bidirectional message transport. Send may be called
// concurrently with Receive. Close unblocks a pending Receive.
type Conn interface {
	Send(msg Message) error
	Receive() (Message, error)
	Close() error
}

// Dialer opens a new client transport
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Subscriber is a delivery target registered against topics
type Subscriber interface {
	ID() string
	IsOpen() bool
	// Deliver queues msg without blocking and reports whether it was accepted
	Deliver(msg Message) bool
}

// Registry tracks which subscribers listen to which topics
type Registry interface {
	Subscribe(topic string, sub Subscriber)
	Unsubscribe(topic string, sub Subscriber)
	Remove(sub Subscriber)
}
