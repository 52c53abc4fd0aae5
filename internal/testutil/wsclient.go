package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teampoint/teampoint/internal/gameserver"
)

// WSClient is a minimal WebSocket client for integration testing.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials the given ws:// URL and returns a test client.
//
// Precondition: url must point at a listening WebSocket endpoint.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send writes one event envelope. ackID may be nil.
//
// Postcondition: The envelope is written as a single text frame.
func (c *WSClient) Send(event string, ackID *int64, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("encoding %s data: %v", event, err)
	}
	frame, err := json.Marshal(gameserver.Envelope{Event: event, AckID: ackID, Data: raw})
	if err != nil {
		c.t.Fatalf("encoding %s envelope: %v", event, err)
	}
	c.SendRaw(frame)
}

// SendRaw writes frame unchanged.
func (c *WSClient) SendRaw(frame []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("sending frame: %v", err)
	}
}

// Read returns the next envelope or fails the test on timeout.
func (c *WSClient) Read(timeout time.Duration) gameserver.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	var env gameserver.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.t.Fatalf("decoding frame %q: %v", frame, err)
	}
	return env
}

// ReadUntil skips envelopes until one with the given event arrives.
//
// Postcondition: Returns the matching envelope, or fails on timeout.
func (c *WSClient) ReadUntil(event string, timeout time.Duration) gameserver.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("no %q event within %s", event, timeout)
		}
		if env := c.Read(remaining); env.Event == event {
			return env
		}
	}
}

// ReadRoom waits for the next updateGame and decodes it.
func (c *WSClient) ReadRoom(timeout time.Duration) gameserver.RoomView {
	c.t.Helper()
	env := c.ReadUntil(gameserver.EventUpdateGame, timeout)
	var v gameserver.RoomView
	if err := json.Unmarshal(env.Data, &v); err != nil {
		c.t.Fatalf("decoding room view: %v", err)
	}
	return v
}

// ExpectClosed reads until the server closes the connection.
func (c *WSClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				c.t.Fatalf("connection still open after %s", timeout)
			}
			return
		}
	}
}

// Close closes the underlying connection without a close handshake.
func (c *WSClient) Close() {
	c.conn.Close()
}
