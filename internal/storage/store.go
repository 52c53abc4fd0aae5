// Package storage persists registry snapshots. A Store saves and loads the
// whole registry as one blob; WriteBack decouples saving from the mutations
// that make the registry dirty.
package storage

import (
	"context"
	"sync"

	"github.com/teampoint/teampoint/internal/game/room"
)

// Store is a synchronous get/set of the full registry snapshot.
type Store interface {
	// Load returns the saved snapshot, or an empty snapshot when nothing has
	// been saved yet.
	Load(ctx context.Context) (room.Snapshot, error)
	// Save replaces the saved snapshot.
	Save(ctx context.Context, s room.Snapshot) error
}

// Memory keeps the last snapshot in process memory. Nothing survives a
// restart.
type Memory struct {
	mu    sync.Mutex
	snap  room.Snapshot
	saves int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Load returns the last saved snapshot.
func (m *Memory) Load(context.Context) (room.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

// Save stores s.
func (m *Memory) Save(_ context.Context, s room.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Recover loads the stored snapshot into the registry.
//
// Postcondition: On success the registry holds the stored rooms, or stays
// empty when nothing was stored.
func Recover(ctx context.Context, store Store, registry *room.Registry) (room.Snapshot, error) {
	snap, err := store.Load(ctx)
	if err != nil {
		return room.Snapshot{}, err
	}
	if err := registry.Restore(snap); err != nil {
		return room.Snapshot{}, err
	}
	return snap, nil
}
