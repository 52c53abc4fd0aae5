package gameserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/teampoint/teampoint/internal/game/room"
)

// Client events.
const (
	EventJoin       = "join"
	EventLeave      = "leave"
	EventStartGame  = "startGame"
	EventSelectCard = "selectCard"
	EventEndGame    = "endGame"
)

// Server events.
const (
	EventUpdateGame = "updateGame"
	EventAck        = "ack"
)

// Ack statuses.
const (
	AckSuccess = "success"
	AckFailure = "failure"
)

// Unset is the wire value of a player that has not voted.
const Unset = -1

// ErrMalformedPayload is returned when an event's data cannot be decoded.
var ErrMalformedPayload = errors.New("malformed payload")

// Envelope is the frame exchanged over the transport in both directions.
type Envelope struct {
	Event string          `json:"event"`
	AckID *int64          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Request carries the fields of every client event. Each event reads only
// the fields it needs.
type Request struct {
	RoomCode   string
	PlayerID   string
	PlayerName string
	// CardIndex is Unset when the client omitted it.
	CardIndex int
}

type wireRequest struct {
	RoomCode   string          `json:"roomCode"`
	RoomNumber json.RawMessage `json:"roomNumber"`
	PlayerID   string          `json:"playerId"`
	PlayerName string          `json:"playerName"`
	CardIndex  *int            `json:"cardIndex"`
}

// DecodeRequest parses event data. roomNumber is accepted in place of
// roomCode, as a string or a number.
//
// Postcondition: Returns the request, or an error wrapping ErrMalformedPayload.
func DecodeRequest(data json.RawMessage) (Request, error) {
	var w wireRequest
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &w); err != nil {
			return Request{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}

	req := Request{
		RoomCode:   w.RoomCode,
		PlayerID:   w.PlayerID,
		PlayerName: w.PlayerName,
		CardIndex:  Unset,
	}
	if w.CardIndex != nil {
		req.CardIndex = *w.CardIndex
	}
	if req.RoomCode == "" && len(w.RoomNumber) > 0 {
		code, err := decodeRoomNumber(w.RoomNumber)
		if err != nil {
			return Request{}, err
		}
		req.RoomCode = code
	}
	return req, nil
}

func decodeRoomNumber(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: roomNumber must be a string or number", ErrMalformedPayload)
	}
	return n.String(), nil
}

// PlayerView is a player as sent to clients.
type PlayerView struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	SelectedCardIndex int    `json:"selectedCardIndex"`
}

// RoomView is the updateGame payload: the full room, never a diff.
type RoomView struct {
	Code     string       `json:"code"`
	Players  []PlayerView `json:"players"`
	Phase    room.Phase   `json:"phase"`
	Revision uint64       `json:"revision"`
}

// NewRoomView converts a room snapshot to its wire form.
func NewRoomView(rm room.Room) RoomView {
	v := RoomView{
		Code:     rm.Code,
		Players:  make([]PlayerView, len(rm.Players)),
		Phase:    rm.Phase,
		Revision: rm.Revision,
	}
	for i, p := range rm.Players {
		v.Players[i] = PlayerView{ID: p.ID, Name: p.Name, SelectedCardIndex: Unset}
		if p.SelectedCardIndex != nil {
			v.Players[i].SelectedCardIndex = *p.SelectedCardIndex
		}
	}
	return v
}

// AckData is the payload of an ack frame.
type AckData struct {
	Status string `json:"status"`
}

// EncodeFrame marshals an outbound envelope.
func EncodeFrame(event string, ackID *int64, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s data: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, AckID: ackID, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", event, err)
	}
	return frame, nil
}
