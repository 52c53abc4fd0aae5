// Package session tracks which connection speaks for which player in which
// room. Its state is ephemeral and rebuilt as clients reconnect.
package session

import (
	"sort"
	"sync"
)

// Binding associates a connection with the room and player it joined as.
type Binding struct {
	ConnID   string
	RoomCode string
	PlayerID string
}

type member struct {
	roomCode string
	playerID string
}

// Manager maps connections to bindings and records, for every bound player,
// the connection that currently owns it. The most recent Bind of a player
// takes ownership, so a stale connection closing afterwards does not speak
// for the player any more.
// All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	bindings map[string]Binding         // connID → binding
	owners   map[member]string          // (room, player) → connID
	roomSets map[string]map[string]bool // roomCode → set of connIDs
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		bindings: make(map[string]Binding),
		owners:   make(map[member]string),
		roomSets: make(map[string]map[string]bool),
	}
}

// Bind records that connID now acts for playerID in roomCode and makes it the
// owner of that player.
//
// Precondition: connID, roomCode and playerID must be non-empty.
// Postcondition: Returns the binding the connection held before, if any. That
// previous binding has been removed, including its ownership.
func (m *Manager) Bind(connID, roomCode, playerID string) (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous, had := m.unbindLocked(connID)

	b := Binding{ConnID: connID, RoomCode: roomCode, PlayerID: playerID}
	m.bindings[connID] = b
	m.owners[member{roomCode, playerID}] = connID
	if m.roomSets[roomCode] == nil {
		m.roomSets[roomCode] = make(map[string]bool)
	}
	m.roomSets[roomCode][connID] = true

	return previous, had
}

// Unbind removes the binding of connID.
//
// Postcondition: ok is false when the connection was not bound. owner reports
// whether the connection still owned the player at the time of the call.
func (m *Manager) Unbind(connID string) (b Binding, owner bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok = m.bindings[connID]
	if !ok {
		return Binding{}, false, false
	}
	owner = m.owners[member{b.RoomCode, b.PlayerID}] == connID
	m.unbindLocked(connID)
	return b, owner, true
}

// unbindLocked removes connID's binding and its ownership, if it holds it.
// The caller must hold m.mu.
func (m *Manager) unbindLocked(connID string) (Binding, bool) {
	b, ok := m.bindings[connID]
	if !ok {
		return Binding{}, false
	}
	delete(m.bindings, connID)

	key := member{b.RoomCode, b.PlayerID}
	if m.owners[key] == connID {
		delete(m.owners, key)
	}
	if rs, ok := m.roomSets[b.RoomCode]; ok {
		delete(rs, connID)
		if len(rs) == 0 {
			delete(m.roomSets, b.RoomCode)
		}
	}
	return b, true
}

// Lookup returns the binding of connID.
//
// Postcondition: Returns (binding, true) if bound, or (Binding{}, false) otherwise.
func (m *Manager) Lookup(connID string) (Binding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[connID]
	return b, ok
}

// Owner returns the connection that currently owns playerID in roomCode.
func (m *Manager) Owner(roomCode, playerID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	connID, ok := m.owners[member{roomCode, playerID}]
	return connID, ok
}

// ConnectionsInRoom returns the ids of the connections bound to roomCode,
// sorted.
//
// Postcondition: Returns a slice of connection ids (may be empty).
func (m *Manager) ConnectionsInRoom(roomCode string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rs, ok := m.roomSets[roomCode]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rs))
	for connID := range rs {
		out = append(out, connID)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of bound connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bindings)
}
