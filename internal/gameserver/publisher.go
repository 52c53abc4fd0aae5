package gameserver

import (
	"sort"
	"sync"

	"github.com/teampoint/teampoint/internal/game/room"
)

// SubscriptionBuffer is the number of snapshots a subscriber may lag behind
// before further snapshots are dropped for it.
const SubscriptionBuffer = 16

// maxTombstones bounds the revisions remembered for deleted rooms.
const maxTombstones = 1024

type subscriber struct {
	ch   chan room.Room
	once sync.Once
}

// Publisher orders room snapshots. A snapshot older than one already
// published for the same room is dropped, so receivers only ever move
// forward. Accepted snapshots go to emit and then to every subscriber of
// the room, all while the publisher lock is held.
type Publisher struct {
	mu         sync.Mutex
	last       map[string]uint64 // roomCode → latest published revision
	tombstones map[string]uint64 // deleted roomCode → revision of its deletion
	subs       map[string]map[*subscriber]struct{}
	emit       func(room.Room)
}

// NewPublisher creates a Publisher. emit may be nil.
//
// Postcondition: emit must not block; it is called under the publisher lock.
func NewPublisher(emit func(room.Room)) *Publisher {
	return &Publisher{
		last:       make(map[string]uint64),
		tombstones: make(map[string]uint64),
		subs:       make(map[string]map[*subscriber]struct{}),
		emit:       emit,
	}
}

// Publish delivers rm unless a newer snapshot of the same room was already
// delivered. A snapshot with no players marks the room as deleted.
//
// Postcondition: Returns true if rm was delivered.
func (p *Publisher) Publish(rm room.Room) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	floor, ok := p.last[rm.Code]
	if !ok {
		floor = p.tombstones[rm.Code]
	}
	if rm.Revision <= floor {
		return false
	}

	if len(rm.Players) == 0 {
		delete(p.last, rm.Code)
		p.tombstones[rm.Code] = rm.Revision
		p.pruneTombstonesLocked()
	} else {
		p.last[rm.Code] = rm.Revision
		delete(p.tombstones, rm.Code)
	}

	if p.emit != nil {
		p.emit(rm)
	}
	for s := range p.subs[rm.Code] {
		select {
		case s.ch <- rm:
		default:
		}
	}
	return true
}

// pruneTombstonesLocked drops the older half of the tombstones once the limit
// is exceeded. The caller must hold p.mu.
func (p *Publisher) pruneTombstonesLocked() {
	if len(p.tombstones) <= maxTombstones {
		return
	}
	revs := make([]uint64, 0, len(p.tombstones))
	for _, rev := range p.tombstones {
		revs = append(revs, rev)
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i] < revs[j] })
	cutoff := revs[len(revs)/2]
	for code, rev := range p.tombstones {
		if rev < cutoff {
			delete(p.tombstones, code)
		}
	}
}

// Subscribe registers for snapshots of the room with the given code. The
// subscription outlives deletion of the room: a deletion is delivered as a
// snapshot with no players and a recreated room is delivered again.
//
// Postcondition: Returns the receive channel and an idempotent cancel func
// that closes it.
func (p *Publisher) Subscribe(code string) (<-chan room.Room, func()) {
	s := &subscriber{ch: make(chan room.Room, SubscriptionBuffer)}

	p.mu.Lock()
	if p.subs[code] == nil {
		p.subs[code] = make(map[*subscriber]struct{})
	}
	p.subs[code][s] = struct{}{}
	p.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			p.mu.Lock()
			delete(p.subs[code], s)
			if len(p.subs[code]) == 0 {
				delete(p.subs, code)
			}
			p.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Subscribers returns the number of active subscriptions for code.
func (p *Publisher) Subscribers(code string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[code])
}
