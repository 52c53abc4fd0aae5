package room

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// entry guards one room. gone is set when the room is dropped so that a
// caller which fetched the entry before the drop retries against the map.
type entry struct {
	mu   sync.Mutex
	room Room
	gone bool
}

// Registry maps room codes to rooms. Mutations of one room are serialized by
// that room's lock; different rooms are mutated concurrently.
// All methods are safe for concurrent use and return deep copies.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*entry
	revision atomic.Uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*entry),
	}
}

// acquire returns the locked entry for code. When create is true a missing
// room is inserted in PhaseLobby with no players; the caller must add a
// player before releasing it.
func (r *Registry) acquire(code string, create bool) *entry {
	for {
		r.mu.RLock()
		e, ok := r.rooms[code]
		r.mu.RUnlock()

		if !ok {
			if !create {
				return nil
			}
			r.mu.Lock()
			if e, ok = r.rooms[code]; !ok {
				e = &entry{room: Room{Code: code, Phase: PhaseLobby}}
				e.mu.Lock()
				r.rooms[code] = e
				r.mu.Unlock()
				return e
			}
			r.mu.Unlock()
		}

		e.mu.Lock()
		if !e.gone {
			return e
		}
		e.mu.Unlock()
	}
}

// release drops the room if it has become empty and unlocks the entry.
// It reports whether the room was dropped.
func (r *Registry) release(e *entry) bool {
	dropped := false
	if len(e.room.Players) == 0 && !e.gone {
		e.gone = true
		r.mu.Lock()
		if cur, ok := r.rooms[e.room.Code]; ok && cur == e {
			delete(r.rooms, e.room.Code)
		}
		r.mu.Unlock()
		dropped = true
	}
	e.mu.Unlock()
	return dropped
}

func (r *Registry) stamp(e *entry) {
	e.room.Revision = r.revision.Add(1)
}

// Get returns a copy of the room with the given code.
//
// Postcondition: Returns (room, true) if found, or (Room{}, false) otherwise.
func (r *Registry) Get(code string) (Room, bool) {
	e := r.acquire(code, false)
	if e == nil {
		return Room{}, false
	}
	out := e.room.clone()
	e.mu.Unlock()
	return out, true
}

// JoinOrCreate adds p to the room, creating the room in PhaseLobby when the
// code is unknown. A player whose id is already present replaces the existing
// entry in place: the name is updated and the selection is kept.
//
// Precondition: p.ID and p.Name must be non-empty.
// Postcondition: Returns the updated room, or ErrInvalidPlayer.
func (r *Registry) JoinOrCreate(code string, p Player) (Room, error) {
	if p.ID == "" || p.Name == "" {
		return Room{}, ErrInvalidPlayer
	}

	e := r.acquire(code, true)
	if i := e.room.indexOf(p.ID); i >= 0 {
		e.room.Players[i].Name = p.Name
	} else {
		e.room.Players = append(e.room.Players, Player{ID: p.ID, Name: p.Name})
	}
	r.stamp(e)
	out := e.room.clone()
	r.release(e)
	return out, nil
}

// RemovePlayer removes the player with the given id. When the room empties it
// is deleted from the registry.
//
// Postcondition: Returns Unchanged if the room or player is absent, Deleted
// with a zero-player room if the last player left, or Updated with the
// surviving room.
func (r *Registry) RemovePlayer(code, playerID string) (Room, Removal) {
	e := r.acquire(code, false)
	if e == nil {
		return Room{}, Unchanged
	}

	i := e.room.indexOf(playerID)
	if i < 0 {
		out := e.room.clone()
		e.mu.Unlock()
		return out, Unchanged
	}

	e.room.Players = append(e.room.Players[:i], e.room.Players[i+1:]...)
	r.stamp(e)
	out := e.room.clone()
	if r.release(e) {
		return out, Deleted
	}
	return out, Updated
}

// StartGame moves the room to PhaseSelecting and clears every selection.
// It is unconditional: calling it while already selecting clears again.
//
// Postcondition: Returns the updated room, or ErrRoomNotFound.
func (r *Registry) StartGame(code string) (Room, error) {
	e := r.acquire(code, false)
	if e == nil {
		return Room{}, ErrRoomNotFound
	}
	e.room.Phase = PhaseSelecting
	for i := range e.room.Players {
		e.room.Players[i].SelectedCardIndex = nil
	}
	r.stamp(e)
	out := e.room.clone()
	e.mu.Unlock()
	return out, nil
}

// EndGame moves the room to PhaseFinished. Selections are left as they are.
//
// Postcondition: Returns the updated room, or ErrRoomNotFound.
func (r *Registry) EndGame(code string) (Room, error) {
	e := r.acquire(code, false)
	if e == nil {
		return Room{}, ErrRoomNotFound
	}
	e.room.Phase = PhaseFinished
	r.stamp(e)
	out := e.room.clone()
	e.mu.Unlock()
	return out, nil
}

// SetSelection records the player's card. Negative indexes clear the
// selection.
//
// Postcondition: Returns the updated room, or ErrRoomNotFound,
// ErrInvalidPhase (room not in PhaseSelecting) or ErrPlayerNotFound with no
// state change.
func (r *Registry) SetSelection(code, playerID string, index int) (Room, error) {
	e := r.acquire(code, false)
	if e == nil {
		return Room{}, ErrRoomNotFound
	}
	defer e.mu.Unlock()

	if e.room.Phase != PhaseSelecting {
		return Room{}, fmt.Errorf("select card in %s: %w", e.room.Phase, ErrInvalidPhase)
	}
	i := e.room.indexOf(playerID)
	if i < 0 {
		return Room{}, ErrPlayerNotFound
	}
	e.room.Players[i].SelectedCardIndex = normalizeSelection(index)
	r.stamp(e)
	return e.room.clone(), nil
}

// List returns copies of all rooms ordered by code.
func (r *Registry) List() []Room {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Room, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.gone {
			out = append(out, e.room.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Count returns the number of rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Revision returns the latest mutation counter.
func (r *Registry) Revision() uint64 {
	return r.revision.Load()
}

// Snapshot returns the full registry content for persistence.
//
// Postcondition: Every mutation stamped at or below the returned Revision is
// reflected in Rooms. Rooms may also reflect later mutations.
func (r *Registry) Snapshot() Snapshot {
	rev := r.Revision()
	return Snapshot{Revision: rev, Rooms: r.List()}
}

// Restore replaces the registry content with s.
//
// Precondition: every room in s must have a code, a known phase and at least
// one player with a non-empty id and name; codes and player ids must be unique.
// Postcondition: On success the registry holds exactly the rooms of s and the
// revision counter is at least the largest revision in s. On error the
// registry is unchanged.
func (r *Registry) Restore(s Snapshot) error {
	rooms := make(map[string]*entry, len(s.Rooms))
	maxRev := s.Revision
	for _, rm := range s.Rooms {
		if err := rm.validate(); err != nil {
			return fmt.Errorf("restoring snapshot: %w", err)
		}
		if _, dup := rooms[rm.Code]; dup {
			return fmt.Errorf("restoring snapshot: duplicate room %q", rm.Code)
		}
		c := rm.clone()
		for i, p := range c.Players {
			if p.SelectedCardIndex != nil && *p.SelectedCardIndex < 0 {
				c.Players[i].SelectedCardIndex = nil
			}
		}
		rooms[rm.Code] = &entry{room: c}
		if rm.Revision > maxRev {
			maxRev = rm.Revision
		}
	}

	r.mu.Lock()
	previous := r.rooms
	r.rooms = rooms
	r.mu.Unlock()

	// Entry locks are never taken while holding r.mu, so retire the old
	// entries after the swap.
	for _, old := range previous {
		old.mu.Lock()
		old.gone = true
		old.mu.Unlock()
	}

	for {
		cur := r.revision.Load()
		if cur >= maxRev || r.revision.CompareAndSwap(cur, maxRev) {
			return nil
		}
	}
}
