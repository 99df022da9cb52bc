// Package client implements the parley chat client.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/parley/pkg/protocol"
	"github.com/NicolasHaas/parley/pkg/version"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// EventHandler is a callback for incoming server events.
type EventHandler func(env *protocol.Envelope)

// ControlClient manages the WebSocket connection to a parley server.
type ControlClient struct {
	conn    *websocket.Conn
	mu      sync.Mutex // serializes writes
	handler EventHandler
	done    chan struct{}
}

// NewControlClient dials url (ws:// or wss://).
func NewControlClient(ctx context.Context, url string) (*ControlClient, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: connect %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("client: connect %s: %w", url, err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	return &ControlClient{
		conn: conn,
		done: make(chan struct{}),
	}, nil
}

// SetEventHandler sets the callback for incoming events. It must be called
// before StartReceiving.
func (c *ControlClient) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// Send encodes and writes one event.
func (c *ControlClient) Send(event string, data any) error {
	frame, err := protocol.EncodeRequest(event, data)
	if err != nil {
		return fmt.Errorf("client: encode %s: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("client: send %s: %w", event, err)
	}
	return nil
}

// StartReceiving starts a goroutine that reads incoming frames and
// dispatches them to the event handler.
func (c *ControlClient) StartReceiving() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.mu.Lock()
		defer c.mu.Unlock()
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	go func() {
		defer close(c.done)
		for {
			_, frame, err := c.conn.ReadMessage()
			if err != nil {
				if isClosedErr(err) {
					slog.Debug("connection closed", "err", err)
					return
				}
				slog.Error("read error", "err", err)
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

			env, err := protocol.Decode(frame)
			if err != nil {
				slog.Warn("ignoring malformed frame", "err", err)
				continue
			}
			if c.handler != nil {
				c.handler(env)
			}
		}
	}()
}

// Close sends a close frame and closes the connection.
func (c *ControlClient) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.mu.Unlock()
	return c.conn.Close()
}

// Done returns a channel that's closed when the connection is lost.
// It is only meaningful after StartReceiving.
func (c *ControlClient) Done() <-chan struct{} {
	return c.done
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed)
}
