package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/teampoint/teampoint/internal/game/room"
)

// DefaultSaveTimeout bounds one Save call.
const DefaultSaveTimeout = 5 * time.Second

// SnapshotSource produces the registry snapshot to persist.
type SnapshotSource interface {
	Snapshot() room.Snapshot
}

// WriteBack saves the registry in the background. MarkDirty never blocks;
// every tick saves the latest snapshot when something changed since the last
// successful save. A failed save is retried on the next tick.
type WriteBack struct {
	store    Store
	source   SnapshotSource
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	dirty     atomic.Bool
	lastSaved atomic.Uint64
	saveMu    sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWriteBack creates a WriteBack. Pass clockwork.NewRealClock() outside tests.
//
// Precondition: store, source, clock and logger must be non-nil; interval must be > 0.
// Postcondition: Returns a WriteBack ready to Start.
func NewWriteBack(store Store, source SnapshotSource, interval time.Duration, clock clockwork.Clock, logger *zap.Logger) *WriteBack {
	return &WriteBack{
		store:    store,
		source:   source,
		interval: interval,
		clock:    clock,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// MarkDirty records that the registry changed.
func (w *WriteBack) MarkDirty() {
	w.dirty.Store(true)
}

// Dirty reports whether changes are waiting to be saved.
func (w *WriteBack) Dirty() bool {
	return w.dirty.Load()
}

// Start runs the save loop until Stop is called.
//
// Postcondition: Pending changes are flushed once more before returning.
func (w *WriteBack) Start() error {
	defer close(w.done)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("write-back started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ticker.Chan():
			w.flushIfDirty()
		case <-w.stop:
			w.flushIfDirty()
			w.logger.Info("write-back stopped", zap.Uint64("last_saved_revision", w.lastSaved.Load()))
			return nil
		}
	}
}

// Stop ends the loop started by Start and waits for the final flush.
// It is safe to call more than once.
func (w *WriteBack) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *WriteBack) flushIfDirty() {
	if !w.dirty.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultSaveTimeout)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		w.dirty.Store(true)
		w.logger.Error("saving registry snapshot", zap.Error(err))
	}
}

// Flush saves the current snapshot now unless it was already saved.
//
// Postcondition: Returns nil when the store holds a snapshot at least as new
// as the registry at call time.
func (w *WriteBack) Flush(ctx context.Context) error {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()

	snap := w.source.Snapshot()
	if snap.Revision != 0 && snap.Revision <= w.lastSaved.Load() {
		return nil
	}
	start := time.Now()
	if err := w.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("saving snapshot at revision %d: %w", snap.Revision, err)
	}
	w.lastSaved.Store(snap.Revision)
	w.logger.Debug("registry snapshot saved",
		zap.Uint64("revision", snap.Revision),
		zap.Int("rooms", len(snap.Rooms)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// LastSaved returns the revision of the last successful save.
func (w *WriteBack) LastSaved() uint64 {
	return w.lastSaved.Load()
}
