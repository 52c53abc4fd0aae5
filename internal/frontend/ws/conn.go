package ws

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teampoint/teampoint/internal/config"
	"github.com/teampoint/teampoint/internal/game/session"
)

// Conn is one upgraded client connection. Frames are written only by the
// write pump; the read pump delivers inbound frames to the handler.
type Conn struct {
	id          string
	ws          *websocket.Conn
	outbox      *session.Outbox
	cfg         config.WebSocketConfig
	remoteAddr  string
	connectedAt time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// newConn wraps an upgraded connection and assigns it a fresh id.
func newConn(raw *websocket.Conn, cfg config.WebSocketConfig) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:          id,
		ws:          raw,
		outbox:      session.NewOutbox(id, cfg.SendBuffer),
		cfg:         cfg,
		remoteAddr:  raw.RemoteAddr().String(),
		connectedAt: time.Now(),
		closed:      make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Close tears the connection down. Both pumps exit afterwards. Close is
// idempotent and safe to call from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// readPump delivers inbound frames to dispatch until the peer goes away,
// the pong deadline passes or the connection is closed.
//
// Postcondition: Returns nil on a normal close, or the read error otherwise.
func (c *Conn) readPump(dispatch func(frame []byte)) error {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		dispatch(frame)
	}
}

// writePump writes queued frames and keepalive pings until the outbox is
// closed or a write fails.
func (c *Conn) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame, ok := <-c.outbox.Events():
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.cfg.WriteTimeout))
				return
			}
			if err := c.write(frame); err != nil {
				c.logWriteError(logger, err)
				return
			}
			// Drain what queued up meanwhile before waiting again.
			for n := len(c.outbox.Events()); n > 0; n-- {
				frame, ok := <-c.outbox.Events()
				if !ok {
					break
				}
				if err := c.write(frame); err != nil {
					c.logWriteError(logger, err)
					return
				}
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logWriteError(logger, err)
				return
			}

		case <-c.closed:
			return
		}
	}
}

func (c *Conn) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) logWriteError(logger *zap.Logger, err error) {
	select {
	case <-c.closed:
		return
	default:
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	logger.Debug("websocket write failed", zap.String("conn_id", c.id), zap.Error(err))
}
