package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/teampoint/teampoint/internal/game/room"
)

// SnapshotStore keeps the registry snapshot in a single registry_snapshots row.
type SnapshotStore struct {
	pool *Pool
}

// NewSnapshotStore creates a SnapshotStore on pool.
//
// Precondition: pool must be connected and migrated.
func NewSnapshotStore(pool *Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Load returns the saved snapshot, or an empty snapshot when no row exists.
func (s *SnapshotStore) Load(ctx context.Context) (room.Snapshot, error) {
	var (
		revision int64
		body     []byte
	)
	err := s.pool.DB().QueryRow(ctx,
		`SELECT revision, body FROM registry_snapshots WHERE id = 1`,
	).Scan(&revision, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return room.Snapshot{}, nil
	}
	if err != nil {
		return room.Snapshot{}, fmt.Errorf("loading snapshot: %w", err)
	}

	var rooms []room.Room
	if err := json.Unmarshal(body, &rooms); err != nil {
		return room.Snapshot{}, fmt.Errorf("decoding snapshot body: %w", err)
	}
	return room.Snapshot{Revision: uint64(revision), Rooms: rooms}, nil
}

// Save upserts the snapshot row. A snapshot older than the stored one is
// ignored.
func (s *SnapshotStore) Save(ctx context.Context, snap room.Snapshot) error {
	rooms := snap.Rooms
	if rooms == nil {
		rooms = []room.Room{}
	}
	body, err := json.Marshal(rooms)
	if err != nil {
		return fmt.Errorf("encoding snapshot body: %w", err)
	}

	_, err = s.pool.DB().Exec(ctx, `
		INSERT INTO registry_snapshots (id, revision, body, saved_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE
		SET revision = EXCLUDED.revision, body = EXCLUDED.body, saved_at = EXCLUDED.saved_at
		WHERE registry_snapshots.revision <= EXCLUDED.revision`,
		int64(snap.Revision), string(body),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}
