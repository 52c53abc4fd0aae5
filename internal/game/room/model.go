// Package room provides the authoritative in-memory registry of estimation
// rooms and the mutations that drive a room through its voting rounds.
package room

import (
	"errors"
	"fmt"
)

// Phase is the position of a room in its voting round.
type Phase string

const (
	// PhaseLobby is the initial phase of a freshly created room.
	PhaseLobby Phase = "lobby"
	// PhaseSelecting is active voting; selections are accepted only here.
	PhaseSelecting Phase = "selecting"
	// PhaseFinished is the revealed phase; selections are frozen.
	PhaseFinished Phase = "finished"
)

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseLobby, PhaseSelecting, PhaseFinished:
		return true
	}
	return false
}

var (
	// ErrRoomNotFound is returned when an operation names an unknown room code.
	ErrRoomNotFound = errors.New("room not found")
	// ErrPlayerNotFound is returned when the player id is not in the room.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrInvalidPhase is returned when an action is not allowed in the room's current phase.
	ErrInvalidPhase = errors.New("action not allowed in current phase")
	// ErrInvalidPlayer is returned when a player is missing its id or name.
	ErrInvalidPlayer = errors.New("player id and name must not be empty")
)

// Player is a participant in a room.
type Player struct {
	// ID is supplied by the client and survives reconnects.
	ID string `json:"id"`
	// Name is the display name.
	Name string `json:"name"`
	// SelectedCardIndex is the chosen card; nil means the player has not voted.
	SelectedCardIndex *int `json:"selectedCardIndex,omitempty"`
}

// HasVoted reports whether the player currently holds a selection.
func (p Player) HasVoted() bool {
	return p.SelectedCardIndex != nil
}

// Room is a value snapshot of a single estimation room.
type Room struct {
	Code    string   `json:"code"`
	Players []Player `json:"players"`
	Phase   Phase    `json:"phase"`
	// Revision is the registry-wide mutation counter at the time this
	// snapshot was taken. Later snapshots always carry larger revisions.
	Revision uint64 `json:"revision"`
}

// Player returns the player with the given id.
func (r Room) Player(id string) (Player, bool) {
	for _, p := range r.Players {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}

// VoteCount returns the number of players holding a selection.
func (r Room) VoteCount() int {
	n := 0
	for _, p := range r.Players {
		if p.HasVoted() {
			n++
		}
	}
	return n
}

// clone returns a deep copy that shares no memory with r.
func (r Room) clone() Room {
	out := r
	out.Players = make([]Player, len(r.Players))
	for i, p := range r.Players {
		out.Players[i] = p
		if p.SelectedCardIndex != nil {
			v := *p.SelectedCardIndex
			out.Players[i].SelectedCardIndex = &v
		}
	}
	return out
}

func (r *Room) indexOf(playerID string) int {
	for i := range r.Players {
		if r.Players[i].ID == playerID {
			return i
		}
	}
	return -1
}

func (r Room) validate() error {
	if r.Code == "" {
		return errors.New("room code must not be empty")
	}
	if !r.Phase.Valid() {
		return fmt.Errorf("room %q has unknown phase %q", r.Code, r.Phase)
	}
	if len(r.Players) == 0 {
		return fmt.Errorf("room %q has no players", r.Code)
	}
	seen := make(map[string]bool, len(r.Players))
	for _, p := range r.Players {
		if p.ID == "" || p.Name == "" {
			return fmt.Errorf("room %q: %w", r.Code, ErrInvalidPlayer)
		}
		if seen[p.ID] {
			return fmt.Errorf("room %q has duplicate player %q", r.Code, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// normalizeSelection maps every negative index to "unset".
func normalizeSelection(index int) *int {
	if index < 0 {
		return nil
	}
	return &index
}

// Removal describes the outcome of RemovePlayer.
type Removal int

const (
	// Unchanged means the room or the player did not exist.
	Unchanged Removal = iota
	// Updated means the player was removed and the room still has players.
	Updated
	// Deleted means the last player left and the room was dropped.
	Deleted
)

// String returns the lowercase name of the removal outcome.
func (r Removal) String() string {
	switch r {
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unchanged"
	}
}

// Snapshot is the full registry blob handed to persistence.
type Snapshot struct {
	Revision uint64 `json:"revision"`
	Rooms    []Room `json:"rooms"`
}
