// Package gameserver implements the room session protocol: it turns client
// events into registry mutations and publishes the resulting snapshots to
// the transport and to room subscribers.
package gameserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/teampoint/teampoint/internal/game/cards"
	"github.com/teampoint/teampoint/internal/game/room"
	"github.com/teampoint/teampoint/internal/game/session"
)

// ErrUnknownEvent is returned by Dispatch for an event name it does not handle.
var ErrUnknownEvent = errors.New("unknown event")

// Transport delivers frames to connections and tracks room groups.
//
// Broadcast and Send must not block on a slow connection.
type Transport interface {
	JoinGroup(connID, roomCode string)
	LeaveGroup(connID, roomCode string)
	Broadcast(roomCode string, frame []byte)
	Send(connID string, frame []byte) error
}

// Persister is notified after every applied mutation.
type Persister interface {
	MarkDirty()
}

// Handler processes the events of every connection.
// All methods are safe for concurrent use.
type Handler struct {
	// claimMu serializes the binding and registry steps of join, leave and
	// disconnect, so a player's owner and presence change together.
	claimMu sync.Mutex

	rooms     *room.Registry
	conns     *session.Manager
	transport Transport
	deck      *cards.Deck
	persister Persister
	publisher *Publisher
	logger    *zap.Logger
}

// NewHandler creates a Handler.
//
// Precondition: rooms, conns, transport, deck and logger must be non-nil.
// persister may be nil (mutations are not persisted).
// Postcondition: Returns a Handler ready to Dispatch.
func NewHandler(
	rooms *room.Registry,
	conns *session.Manager,
	transport Transport,
	deck *cards.Deck,
	persister Persister,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		rooms:     rooms,
		conns:     conns,
		transport: transport,
		deck:      deck,
		persister: persister,
		logger:    logger,
	}
	h.publisher = NewPublisher(h.broadcast)
	return h
}

// Rooms returns the registry the handler mutates.
func (h *Handler) Rooms() *room.Registry {
	return h.rooms
}

// Connections returns the connection manager.
func (h *Handler) Connections() *session.Manager {
	return h.conns
}

// Deck returns the card table.
func (h *Handler) Deck() *cards.Deck {
	return h.deck
}

// Subscribe returns a stream of snapshots of the room with the given code.
// See Publisher.Subscribe.
func (h *Handler) Subscribe(code string) (<-chan room.Room, func()) {
	return h.publisher.Subscribe(code)
}

// Dispatch decodes one inbound frame from connID and handles it. Failures
// are logged and dropped; when the frame carries an ack id the client gets
// a success or failure ack before any resulting broadcast.
//
// Postcondition: Never panics.
func (h *Handler) Dispatch(connID string, frame []byte) {
	defer h.recoverEvent(connID)

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		h.logger.Debug("dropping malformed frame", zap.String("conn_id", connID), zap.Error(err))
		return
	}

	updates, err := h.apply(connID, env)
	if err != nil {
		h.logger.Debug("event not applied",
			zap.String("conn_id", connID),
			zap.String("event", env.Event),
			zap.Error(err),
		)
	}
	if env.AckID != nil {
		h.ack(connID, *env.AckID, err == nil)
	}
	for _, rm := range updates {
		h.publish(rm)
	}
}

func (h *Handler) apply(connID string, env Envelope) ([]room.Room, error) {
	req, err := DecodeRequest(env.Data)
	if err != nil {
		return nil, err
	}
	switch env.Event {
	case EventJoin:
		return h.join(connID, req)
	case EventLeave:
		return h.leave(connID, req)
	case EventStartGame:
		return one(h.rooms.StartGame(req.RoomCode))
	case EventSelectCard:
		return h.selectCard(req)
	case EventEndGame:
		return one(h.rooms.EndGame(req.RoomCode))
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownEvent, env.Event)
	}
}

func one(rm room.Room, err error) ([]room.Room, error) {
	if err != nil {
		return nil, err
	}
	return []room.Room{rm}, nil
}

// Join adds the player to the room on behalf of connID. A connection that is
// bound to another room or player leaves it first.
//
// Precondition: req.RoomCode, req.PlayerID and req.PlayerName must be non-empty.
// Postcondition: The connection is bound, grouped and owns the player; the
// new snapshot is published.
func (h *Handler) Join(connID string, req Request) error {
	return h.run(connID, func() ([]room.Room, error) { return h.join(connID, req) })
}

func (h *Handler) join(connID string, req Request) ([]room.Room, error) {
	if req.RoomCode == "" {
		return nil, errors.New("join: room code must not be empty")
	}
	if req.PlayerID == "" || req.PlayerName == "" {
		return nil, fmt.Errorf("join %s: %w", req.RoomCode, room.ErrInvalidPlayer)
	}

	h.claimMu.Lock()
	defer h.claimMu.Unlock()

	var updates []room.Room
	if prev, ok := h.conns.Lookup(connID); ok && (prev.RoomCode != req.RoomCode || prev.PlayerID != req.PlayerID) {
		updates = append(updates, h.releaseLocked(connID)...)
	}

	rm, err := h.rooms.JoinOrCreate(req.RoomCode, room.Player{ID: req.PlayerID, Name: req.PlayerName})
	if err != nil {
		return updates, fmt.Errorf("join: %w", err)
	}
	h.conns.Bind(connID, req.RoomCode, req.PlayerID)
	h.transport.JoinGroup(connID, req.RoomCode)

	h.logger.Info("player joined",
		zap.String("conn_id", connID),
		zap.String("room_code", req.RoomCode),
		zap.String("player_id", req.PlayerID),
		zap.Int("players", len(rm.Players)),
	)
	return append(updates, rm), nil
}

// Leave removes the player from the room and detaches connID from it.
//
// Postcondition: Returns room.ErrPlayerNotFound when nothing was removed.
func (h *Handler) Leave(connID string, req Request) error {
	return h.run(connID, func() ([]room.Room, error) { return h.leave(connID, req) })
}

func (h *Handler) leave(connID string, req Request) ([]room.Room, error) {
	h.claimMu.Lock()
	defer h.claimMu.Unlock()

	// Removing another player of the room keeps this connection bound to,
	// and grouped with, its own player.
	b, bound := h.conns.Lookup(connID)
	inRoom := bound && b.RoomCode == req.RoomCode
	if !inRoom || b.PlayerID == req.PlayerID {
		h.transport.LeaveGroup(connID, req.RoomCode)
		if inRoom {
			h.conns.Unbind(connID)
		}
	}

	rm, res := h.rooms.RemovePlayer(req.RoomCode, req.PlayerID)
	if res == room.Unchanged {
		return nil, fmt.Errorf("leave %s: %w", req.RoomCode, room.ErrPlayerNotFound)
	}
	h.logRemoval(connID, req.RoomCode, req.PlayerID, res)
	return []room.Room{rm}, nil
}

// StartGame begins a voting round in the room.
func (h *Handler) StartGame(connID string, req Request) error {
	return h.run(connID, func() ([]room.Room, error) { return one(h.rooms.StartGame(req.RoomCode)) })
}

// SelectCard records a player's vote. A negative index withdraws it.
func (h *Handler) SelectCard(connID string, req Request) error {
	return h.run(connID, func() ([]room.Room, error) { return h.selectCard(req) })
}

func (h *Handler) selectCard(req Request) ([]room.Room, error) {
	if req.CardIndex >= 0 && !h.deck.Valid(req.CardIndex) {
		h.logger.Debug("card index outside deck",
			zap.String("room_code", req.RoomCode),
			zap.String("player_id", req.PlayerID),
			zap.Int("card_index", req.CardIndex),
		)
	}
	return one(h.rooms.SetSelection(req.RoomCode, req.PlayerID, req.CardIndex))
}

// EndGame reveals the votes in the room.
func (h *Handler) EndGame(connID string, req Request) error {
	return h.run(connID, func() ([]room.Room, error) { return one(h.rooms.EndGame(req.RoomCode)) })
}

// Disconnect releases whatever connID was bound to. It is a no-op for an
// unbound connection and for a connection whose player has since been
// claimed by another connection.
func (h *Handler) Disconnect(connID string) {
	_ = h.run(connID, func() ([]room.Room, error) {
		h.claimMu.Lock()
		defer h.claimMu.Unlock()
		return h.releaseLocked(connID), nil
	})
}

// releaseLocked unbinds connID and removes its player if the connection still
// owns it. The caller must hold h.claimMu.
func (h *Handler) releaseLocked(connID string) []room.Room {
	b, owner, ok := h.conns.Unbind(connID)
	if !ok {
		return nil
	}
	h.transport.LeaveGroup(connID, b.RoomCode)
	if !owner {
		h.logger.Debug("released stale connection",
			zap.String("conn_id", connID),
			zap.String("room_code", b.RoomCode),
			zap.String("player_id", b.PlayerID),
		)
		return nil
	}

	rm, res := h.rooms.RemovePlayer(b.RoomCode, b.PlayerID)
	if res == room.Unchanged {
		return nil
	}
	h.logRemoval(connID, b.RoomCode, b.PlayerID, res)
	return []room.Room{rm}
}

func (h *Handler) logRemoval(connID, code, playerID string, res room.Removal) {
	h.logger.Info("player left",
		zap.String("conn_id", connID),
		zap.String("room_code", code),
		zap.String("player_id", playerID),
		zap.Stringer("result", res),
	)
}

// run applies op and publishes its updates, recovering from panics.
func (h *Handler) run(connID string, op func() ([]room.Room, error)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panic",
				zap.String("conn_id", connID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("event handler panic: %v", r)
		}
	}()
	updates, err := op()
	for _, rm := range updates {
		h.publish(rm)
	}
	return err
}

func (h *Handler) recoverEvent(connID string) {
	if r := recover(); r != nil {
		h.logger.Error("event handler panic",
			zap.String("conn_id", connID),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
	}
}

func (h *Handler) ack(connID string, ackID int64, ok bool) {
	status := AckSuccess
	if !ok {
		status = AckFailure
	}
	frame, err := EncodeFrame(EventAck, &ackID, AckData{Status: status})
	if err != nil {
		h.logger.Error("encoding ack", zap.Error(err))
		return
	}
	if err := h.transport.Send(connID, frame); err != nil {
		h.logger.Debug("ack not delivered", zap.String("conn_id", connID), zap.Error(err))
	}
}

// publish hands a snapshot to the publisher and marks persistence dirty.
func (h *Handler) publish(rm room.Room) {
	if h.persister != nil {
		h.persister.MarkDirty()
	}
	if !h.publisher.Publish(rm) {
		h.logger.Debug("dropped stale snapshot",
			zap.String("room_code", rm.Code),
			zap.Uint64("revision", rm.Revision),
		)
	}
}

// broadcast sends an accepted snapshot to the room's group. A deleted room
// has no audience.
func (h *Handler) broadcast(rm room.Room) {
	if len(rm.Players) == 0 {
		return
	}
	frame, err := EncodeFrame(EventUpdateGame, nil, NewRoomView(rm))
	if err != nil {
		h.logger.Error("encoding room update", zap.String("room_code", rm.Code), zap.Error(err))
		return
	}
	h.transport.Broadcast(rm.Code, frame)
}
