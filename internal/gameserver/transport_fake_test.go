package gameserver

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTransport records frames per connection and fans broadcasts out to
// the connections joined to a group.
type fakeTransport struct {
	mu     sync.Mutex
	groups map[string]map[string]bool
	frames map[string][][]byte
	closed map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		groups: make(map[string]map[string]bool),
		frames: make(map[string][][]byte),
		closed: make(map[string]bool),
	}
}

func (f *fakeTransport) JoinGroup(connID, roomCode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[roomCode] == nil {
		f.groups[roomCode] = make(map[string]bool)
	}
	f.groups[roomCode][connID] = true
}

func (f *fakeTransport) LeaveGroup(connID, roomCode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups[roomCode], connID)
}

func (f *fakeTransport) Broadcast(roomCode string, frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for connID := range f.groups[roomCode] {
		f.frames[connID] = append(f.frames[connID], frame)
	}
}

func (f *fakeTransport) Send(connID string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed[connID] {
		return errNotConnected
	}
	f.frames[connID] = append(f.frames[connID], frame)
	return nil
}

func (f *fakeTransport) inGroup(connID, roomCode string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[roomCode][connID]
}

// take returns and clears the decoded frames received by connID.
func (f *fakeTransport) take(t *testing.T, connID string) []Envelope {
	t.Helper()
	f.mu.Lock()
	raw := f.frames[connID]
	delete(f.frames, connID)
	f.mu.Unlock()

	out := make([]Envelope, 0, len(raw))
	for _, b := range raw {
		var env Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		out = append(out, env)
	}
	return out
}

var errNotConnected = errors.New("not connected")

func decodeView(t *testing.T, env Envelope) RoomView {
	t.Helper()
	require.Equal(t, EventUpdateGame, env.Event)
	var v RoomView
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func decodeAck(t *testing.T, env Envelope) (int64, string) {
	t.Helper()
	require.Equal(t, EventAck, env.Event)
	require.NotNil(t, env.AckID)
	var a AckData
	require.NoError(t, json.Unmarshal(env.Data, &a))
	return *env.AckID, a.Status
}
