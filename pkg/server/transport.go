package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/NicolasHaas/parley/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	errConnClosed     = errors.New("server: connection closed")
	errSendBufferFull = errors.New("server: send buffer full")
)

// wsConn is a WebSocket connection with a buffered outbound queue drained
// by its own writer goroutine.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	closing   chan struct{}
	closeOnce sync.Once
	reason    string
}

func newWSConn(ws *websocket.Conn, buffer int) *wsConn {
	return &wsConn{
		id:      uuid.NewString(),
		ws:      ws,
		send:    make(chan []byte, buffer),
		closing: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send enqueues frame without blocking.
func (c *wsConn) Send(frame []byte) error {
	select {
	case <-c.closing:
		return errConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close asks the writer to flush queued frames and close the socket.
func (c *wsConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.closing)
	})
	return nil
}

// writePump pumps frames from the send queue to the socket.
func (c *wsConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				slog.Debug("websocket write failed", "conn", c.id, "err", err)
				_ = c.Close("write failed")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.Close("ping failed")
				return
			}
		case <-ctx.Done():
			_ = c.Close("server shutting down")
			c.flush()
			return
		case <-c.closing:
			c.flush()
			return
		}
	}
}

func (c *wsConn) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// flush writes whatever is still queued, then a close frame.
func (c *wsConn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Server) newUpgrader() *websocket.Upgrader {
	up := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	origins := s.cfg.AllowedOrigins
	switch {
	case len(origins) == 0:
		// gorilla's default same-origin check
	case slices.Contains(origins, "*"):
		up.CheckOrigin = func(*http.Request) bool { return true }
	default:
		up.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, origin)
		}
	}
	return up
}

// handleWS upgrades the request and serves the connection until it closes.
func (s *Server) handleWS(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written an error response.
		slog.Debug("websocket upgrade failed", "remote", c.RealIP(), "err", err)
		return nil
	}
	s.serveConn(newWSConn(ws, s.cfg.SendBuffer), c.RealIP())
	return nil
}

// serveConn runs the read loop on the calling goroutine.
func (s *Server) serveConn(conn *wsConn, remote string) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	slog.Debug("new connection", "conn", conn.id, "remote", remote)

	sess := s.coordinator.Connect(conn)
	go conn.writePump(ctx)

	defer func() {
		_ = conn.Close("connection closed")
		s.coordinator.Disconnect(sess)
		s.metrics.ActiveConnections.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
		slog.Debug("connection closed", "conn", conn.id, "remote", remote)
	}()

	conn.ws.SetReadLimit(protocol.MaxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("read error", "conn", conn.id, "err", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		s.coordinator.Handle(ctx, sess, data)
	}
}
