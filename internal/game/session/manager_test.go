package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestOutbox_Push(t *testing.T) {
	o := NewOutbox("c1", 4)
	require.NoError(t, o.Push([]byte("hello")))

	data := <-o.Events()
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, "c1", o.ConnID())
}

func TestOutbox_PushClosed(t *testing.T) {
	o := NewOutbox("c1", 4)
	require.NoError(t, o.Close())
	assert.True(t, o.IsClosed())
	assert.ErrorIs(t, o.Push([]byte("fail")), ErrOutboxClosed)
}

func TestOutbox_PushFull(t *testing.T) {
	o := NewOutbox("c1", 1)
	require.NoError(t, o.Push([]byte("first")))
	assert.ErrorIs(t, o.Push([]byte("overflow")), ErrOutboxFull)
}

func TestOutbox_CloseIdempotentAndDrainable(t *testing.T) {
	o := NewOutbox("c1", 4)
	require.NoError(t, o.Push([]byte("queued")))
	require.NoError(t, o.Close())
	require.NoError(t, o.Close())

	data, ok := <-o.Events()
	assert.True(t, ok)
	assert.Equal(t, []byte("queued"), data)
	_, ok = <-o.Events()
	assert.False(t, ok)
}

func TestOutbox_DefaultSize(t *testing.T) {
	o := NewOutbox("c1", 0)
	assert.Equal(t, DefaultOutboxSize, cap(o.frames))
}

func TestManager_Bind(t *testing.T) {
	m := NewManager()
	_, had := m.Bind("c1", "100", "p1")
	assert.False(t, had)

	b, ok := m.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, Binding{ConnID: "c1", RoomCode: "100", PlayerID: "p1"}, b)
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, []string{"c1"}, m.ConnectionsInRoom("100"))

	owner, ok := m.Owner("100", "p1")
	require.True(t, ok)
	assert.Equal(t, "c1", owner)
}

func TestManager_BindOverwritesPrevious(t *testing.T) {
	m := NewManager()
	m.Bind("c1", "100", "p1")

	prev, had := m.Bind("c1", "200", "p1")
	require.True(t, had)
	assert.Equal(t, "100", prev.RoomCode)

	assert.Empty(t, m.ConnectionsInRoom("100"))
	assert.Equal(t, []string{"c1"}, m.ConnectionsInRoom("200"))
	_, ok := m.Owner("100", "p1")
	assert.False(t, ok, "previous ownership must be released")
	assert.Equal(t, 1, m.Count())
}

func TestManager_Unbind(t *testing.T) {
	m := NewManager()
	m.Bind("c1", "100", "p1")

	b, owner, ok := m.Unbind("c1")
	require.True(t, ok)
	assert.True(t, owner)
	assert.Equal(t, "p1", b.PlayerID)
	assert.Equal(t, 0, m.Count())
	assert.Nil(t, m.ConnectionsInRoom("100"))

	_, _, ok = m.Unbind("c1")
	assert.False(t, ok, "second unbind is a no-op")
}

func TestManager_UnbindUnknown(t *testing.T) {
	m := NewManager()
	_, owner, ok := m.Unbind("ghost")
	assert.False(t, ok)
	assert.False(t, owner)
}

func TestManager_ReconnectTransfersOwnership(t *testing.T) {
	m := NewManager()
	m.Bind("old", "100", "p1")
	m.Bind("new", "100", "p1")

	assert.ElementsMatch(t, []string{"new", "old"}, m.ConnectionsInRoom("100"))

	_, owner, ok := m.Unbind("old")
	require.True(t, ok)
	assert.False(t, owner, "stale connection no longer owns the player")

	current, ok := m.Owner("100", "p1")
	require.True(t, ok)
	assert.Equal(t, "new", current)

	_, owner, ok = m.Unbind("new")
	require.True(t, ok)
	assert.True(t, owner)
}

func TestManager_ConnectionsInRoomSorted(t *testing.T) {
	m := NewManager()
	m.Bind("c3", "100", "p3")
	m.Bind("c1", "100", "p1")
	m.Bind("c2", "100", "p2")
	m.Bind("c9", "200", "p9")
	assert.Equal(t, []string{"c1", "c2", "c3"}, m.ConnectionsInRoom("100"))
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", i)
			m.Bind(connID, fmt.Sprintf("room%d", i%5), fmt.Sprintf("p%d", i))
			m.Lookup(connID)
			m.ConnectionsInRoom("room0")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, m.Count())

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			m.Unbind(fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Count())
}

// Property: after any sequence of binds and unbinds, every owned player is
// owned by a connection whose binding names that player, and room sets list
// exactly the bound connections.
func TestPropertyOwnershipConsistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager()
		ops := rapid.IntRange(1, 80).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			connID := fmt.Sprintf("c%d", rapid.IntRange(0, 4).Draw(t, "conn"))
			if rapid.Bool().Draw(t, "bind") {
				room := fmt.Sprintf("r%d", rapid.IntRange(0, 2).Draw(t, "room"))
				player := fmt.Sprintf("p%d", rapid.IntRange(0, 3).Draw(t, "player"))
				m.Bind(connID, room, player)
			} else {
				m.Unbind(connID)
			}
		}

		m.mu.RLock()
		defer m.mu.RUnlock()
		for key, connID := range m.owners {
			b, ok := m.bindings[connID]
			if !ok {
				t.Fatalf("owner %s of %v is not bound", connID, key)
			}
			if b.RoomCode != key.roomCode || b.PlayerID != key.playerID {
				t.Fatalf("owner %s bound to %+v, owns %v", connID, b, key)
			}
		}
		total := 0
		for room, rs := range m.roomSets {
			for connID := range rs {
				if m.bindings[connID].RoomCode != room {
					t.Fatalf("connection %s listed in %s", connID, room)
				}
				total++
			}
		}
		if total != len(m.bindings) {
			t.Fatalf("room sets hold %d connections, %d bound", total, len(m.bindings))
		}
	})
}
