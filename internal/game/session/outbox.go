package session

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutboxClosed is returned by Push after Close.
	ErrOutboxClosed = errors.New("outbox closed")
	// ErrOutboxFull is returned by Push when the consumer has fallen behind.
	ErrOutboxFull = errors.New("outbox buffer full")
)

// DefaultOutboxSize is used when NewOutbox is given a non-positive size.
const DefaultOutboxSize = 64

// Outbox is a bounded queue of outbound frames for one connection. The
// transport's write pump drains Events.
type Outbox struct {
	connID string
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the given connection.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns an open Outbox holding at most size frames.
func NewOutbox(connID string, size int) *Outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &Outbox{
		connID: connID,
		frames: make(chan []byte, size),
	}
}

// ConnID returns the owning connection id.
func (o *Outbox) ConnID() string {
	return o.connID
}

// Push enqueues a frame without blocking.
//
// Postcondition: Returns nil when the frame was queued, an error wrapping
// ErrOutboxClosed or ErrOutboxFull otherwise.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("connection %s: %w", o.connID, ErrOutboxClosed)
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return fmt.Errorf("connection %s: %w", o.connID, ErrOutboxFull)
	}
}

// Events returns the receive side of the queue. It is closed by Close.
func (o *Outbox) Events() <-chan []byte {
	return o.frames
}

// Close closes the queue. Frames already queued can still be drained.
//
// Postcondition: Further Push calls fail. Close is idempotent.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
