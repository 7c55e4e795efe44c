package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 10 * time.Second

// WebsocketConn carries JSON messages over a gorilla websocket connection
type WebsocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

// NewWebsocketConn wraps an established websocket connection
func NewWebsocketConn(ws *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{ws: ws, writeTimeout: defaultWriteTimeout}
}

// Send writes msg as one JSON text frame
func (c *WebsocketConn) Send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Receive blocks until the next frame arrives
func (c *WebsocketConn) Receive() (Message, error) {
	var msg Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			errors.Is(err, websocket.ErrCloseSent) {
			return Message{}, ErrTransportClosed
		}
		return Message{}, fmt.Errorf("failed to read message: %w", err)
	}
	return msg, nil
}

// Close sends a close frame when possible and closes the connection
func (c *WebsocketConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// WebsocketDialer dials a channel server over websocket
type WebsocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial opens a new websocket transport
func (d WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", d.URL, err)
	}
	return NewWebsocketConn(ws), nil
}
