package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PeerConfig holds server-side connection configuration
type PeerConfig struct {
	Logger           *slog.Logger
	Registry         Registry
	AuthToken        string
	HeartbeatTimeout time.Duration
	SendBuffer       int
}

// Peer is the server side of one channel connection. It answers control
// messages and receives published events through Deliver.
type Peer struct {
	id               string
	conn             Conn
	logger           *slog.Logger
	registry         Registry
	authToken        string
	heartbeatTimeout time.Duration

	open          atomic.Bool
	authenticated bool
	topics        map[string]struct{}
	writerQ       chan Message
	closed        chan struct{}
	closeOnce     sync.Once
}

// NewPeer wraps an accepted transport
func NewPeer(conn Conn, cfg *PeerConfig) *Peer {
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}
	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	id := uuid.NewString()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Peer{
		id:               id,
		conn:             conn,
		logger:           logger.With(slog.String("peer_id", id)),
		registry:         cfg.Registry,
		authToken:        cfg.AuthToken,
		heartbeatTimeout: timeout,
		authenticated:    cfg.AuthToken == "",
		topics:           make(map[string]struct{}),
		writerQ:          make(chan Message, buffer),
		closed:           make(chan struct{}),
	}
}

// ID returns the peer's unique id
func (p *Peer) ID() string {
	return p.id
}

// IsOpen reports whether the peer is still serving
func (p *Peer) IsOpen() bool {
	return p.open.Load()
}

// Deliver queues msg for the write loop. It never blocks: a closed peer or a
// full queue drops the message.
func (p *Peer) Deliver(msg Message) bool {
	if !p.open.Load() {
		return false
	}
	select {
	case p.writerQ <- msg:
		return true
	default:
		return false
	}
}

// Serve runs the connection until the client goes away, stays silent for
// longer than the heartbeat timeout, or ctx is canceled
func (p *Peer) Serve(ctx context.Context) error {
	p.open.Store(true)
	p.logger.Info("Channel peer connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.writeLoop()
	}()
	defer func() {
		p.shutdown()
		wg.Wait()
	}()

	status := "connected"
	if !p.authenticated {
		status = "authentication_required"
	}
	p.Deliver(Message{Type: TypeConnection, Status: status, Message: p.id, Timestamp: time.Now().UnixMilli()})

	received := make(chan inbound)
	go func() {
		for {
			msg, err := p.conn.Receive()
			select {
			case received <- inbound{msg: msg, err: err}:
			case <-p.closed:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(p.heartbeatTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			p.logger.Warn("Channel peer silent, closing",
				slog.Duration("heartbeat_timeout", p.heartbeatTimeout),
			)
			return ErrHeartbeatTimeout
		case in := <-received:
			if in.err != nil {
				p.logger.Debug("Channel peer receive ended",
					slog.String("error", in.err.Error()),
				)
				return nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.heartbeatTimeout)
			p.handle(in.msg)
		}
	}
}

func (p *Peer) handle(msg Message) {
	switch msg.Type {
	case TypePing:
		p.Deliver(Message{Type: TypePong, Timestamp: time.Now().UnixMilli()})

	case TypeAuthenticate:
		if p.authToken != "" && msg.Token != p.authToken {
			p.logger.Warn("Channel peer sent invalid auth token")
			p.Deliver(errorMessage("invalid auth token"))
			return
		}
		p.authenticated = true
		p.Deliver(Message{Type: TypeConnection, Status: "authenticated", Message: p.id})

	case TypeSubscribe, TypeUnsubscribe:
		if err := p.checkTopicRequest(msg); err != nil {
			p.Deliver(errorMessage(err.Error()))
			return
		}
		if msg.Type == TypeSubscribe {
			p.subscribe(msg.BotID)
			return
		}
		p.unsubscribe(msg.BotID)

	default:
		p.logger.Debug("Channel peer sent unknown message type",
			slog.String("type", msg.Type),
		)
		p.Deliver(errorMessage(fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

func (p *Peer) checkTopicRequest(msg Message) error {
	if !p.authenticated {
		return fmt.Errorf("not authenticated")
	}
	if msg.BotID == "" {
		return fmt.Errorf("botId is required for %s", msg.Type)
	}
	return nil
}

func (p *Peer) subscribe(topic string) {
	if _, ok := p.topics[topic]; !ok {
		p.topics[topic] = struct{}{}
		p.registry.Subscribe(topic, p)
		p.logger.Debug("Channel peer subscribed",
			slog.String("topic", topic),
		)
	}
	p.Deliver(control(TypeSubscriptionSuccess, topic))
}

func (p *Peer) unsubscribe(topic string) {
	if _, ok := p.topics[topic]; ok {
		delete(p.topics, topic)
		p.registry.Unsubscribe(topic, p)
	}
	p.Deliver(control(TypeUnsubscriptionSuccess, topic))
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.closed:
			return
		case msg := <-p.writerQ:
			if err := p.conn.Send(msg); err != nil {
				p.logger.Debug("Channel peer send failed",
					slog.String("error", err.Error()),
				)
				p.close()
				return
			}
		}
	}
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		p.open.Store(false)
		close(p.closed)
		_ = p.conn.Close()
	})
}

func (p *Peer) shutdown() {
	p.close()
	p.registry.Remove(p)
	p.logger.Info("Channel peer disconnected",
		slog.Int("topics", len(p.topics)),
	)
}
