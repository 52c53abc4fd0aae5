// Package ws is the WebSocket transport: it upgrades HTTP connections, pumps
// frames between clients and the protocol handler, and fans room updates out
// to the connections joined to each room.
package ws

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/teampoint/teampoint/internal/game/session"
)

// ErrNotConnected is returned by Send for an unknown or closed connection.
var ErrNotConnected = errors.New("not connected")

// Hub tracks live connections and the room groups they belong to.
// All methods are safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	groups   map[string]map[string]struct{} // roomCode → connIDs
	memberOf map[string]map[string]struct{} // connID → roomCodes
	logger   *zap.Logger
}

// NewHub creates an empty Hub.
//
// Precondition: logger must be non-nil.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:    make(map[string]*Conn),
		groups:   make(map[string]map[string]struct{}),
		memberOf: make(map[string]map[string]struct{}),
		logger:   logger,
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
}

// unregister removes c from the hub and from every group.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.conns[c.ID()]; !ok || cur != c {
		return
	}
	delete(h.conns, c.ID())
	for code := range h.memberOf[c.ID()] {
		h.leaveLocked(c.ID(), code)
	}
	delete(h.memberOf, c.ID())
}

// JoinGroup adds connID to the room's broadcast group. Unknown connections
// are ignored.
func (h *Hub) JoinGroup(connID, roomCode string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[connID]; !ok {
		return
	}
	if h.groups[roomCode] == nil {
		h.groups[roomCode] = make(map[string]struct{})
	}
	h.groups[roomCode][connID] = struct{}{}
	if h.memberOf[connID] == nil {
		h.memberOf[connID] = make(map[string]struct{})
	}
	h.memberOf[connID][roomCode] = struct{}{}
}

// LeaveGroup removes connID from the room's broadcast group.
func (h *Hub) LeaveGroup(connID, roomCode string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, roomCode)
}

func (h *Hub) leaveLocked(connID, roomCode string) {
	if g, ok := h.groups[roomCode]; ok {
		delete(g, connID)
		if len(g) == 0 {
			delete(h.groups, roomCode)
		}
	}
	if m, ok := h.memberOf[connID]; ok {
		delete(m, roomCode)
		if len(m) == 0 {
			delete(h.memberOf, connID)
		}
	}
}

// Broadcast queues frame on every connection in the room's group. A
// connection whose queue is full is closed.
func (h *Hub) Broadcast(roomCode string, frame []byte) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.groups[roomCode]))
	for connID := range h.groups[roomCode] {
		if c, ok := h.conns[connID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.push(c, frame)
	}
	h.logger.Debug("room broadcast",
		zap.String("room_code", roomCode),
		zap.Int("connections", len(targets)),
	)
}

// Send queues frame on one connection.
//
// Postcondition: Returns an error wrapping ErrNotConnected when the
// connection is unknown, closed or was closed for falling behind.
func (h *Hub) Send(connID string, frame []byte) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s: %w", connID, ErrNotConnected)
	}
	if err := h.push(c, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (h *Hub) push(c *Conn, frame []byte) error {
	err := c.outbox.Push(frame)
	if errors.Is(err, session.ErrOutboxFull) {
		h.logger.Warn("connection send buffer full, closing connection",
			zap.String("conn_id", c.ID()),
		)
		c.Close()
	}
	return err
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Members returns the sorted connection ids grouped under roomCode.
func (h *Hub) Members(roomCode string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.groups[roomCode]))
	for connID := range h.groups[roomCode] {
		out = append(out, connID)
	}
	sort.Strings(out)
	return out
}

// CloseAll closes every live connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
