package gameserver

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/teampoint/teampoint/internal/game/room"
)

func snap(code string, rev uint64, players ...string) room.Room {
	rm := room.Room{Code: code, Phase: room.PhaseLobby, Revision: rev, Players: []room.Player{}}
	for _, id := range players {
		rm.Players = append(rm.Players, room.Player{ID: id, Name: id})
	}
	return rm
}

func TestPublisher_DropsStale(t *testing.T) {
	var emitted []uint64
	p := NewPublisher(func(rm room.Room) { emitted = append(emitted, rm.Revision) })

	assert.True(t, p.Publish(snap("100", 2, "a")))
	assert.False(t, p.Publish(snap("100", 1, "a")))
	assert.False(t, p.Publish(snap("100", 2, "a")))
	assert.True(t, p.Publish(snap("100", 5, "a")))
	assert.True(t, p.Publish(snap("200", 3, "b")), "revisions are tracked per room")
	assert.Equal(t, []uint64{2, 5, 3}, emitted)
}

func TestPublisher_DeletionIsFinal(t *testing.T) {
	p := NewPublisher(nil)
	require.True(t, p.Publish(snap("100", 4, "a")))
	require.True(t, p.Publish(snap("100", 5)))

	assert.False(t, p.Publish(snap("100", 3, "a")), "stale snapshot after deletion")
	assert.True(t, p.Publish(snap("100", 6, "z")), "recreated room")
}

func TestPublisher_Subscribe(t *testing.T) {
	p := NewPublisher(nil)
	ch, cancel := p.Subscribe("100")
	other, cancelOther := p.Subscribe("200")
	defer cancelOther()
	assert.Equal(t, 1, p.Subscribers("100"))

	p.Publish(snap("100", 1, "a"))
	p.Publish(snap("100", 2))

	got := <-ch
	assert.Len(t, got.Players, 1)
	got = <-ch
	assert.Empty(t, got.Players)
	assert.Empty(t, other)

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, p.Subscribers("100"))
	assert.NotPanics(t, func() { p.Publish(snap("100", 3, "a")) })
}

func TestPublisher_SlowSubscriberDrops(t *testing.T) {
	p := NewPublisher(nil)
	ch, cancel := p.Subscribe("100")
	defer cancel()

	for i := 1; i <= SubscriptionBuffer+10; i++ {
		require.True(t, p.Publish(snap("100", uint64(i), "a")))
	}
	assert.Len(t, ch, SubscriptionBuffer)
	first := <-ch
	assert.Equal(t, uint64(1), first.Revision)
}

func TestPublisher_PrunesTombstones(t *testing.T) {
	p := NewPublisher(nil)
	for i := 0; i < maxTombstones+1; i++ {
		code := fmt.Sprintf("r%d", i)
		p.Publish(snap(code, uint64(2*i+1), "a"))
		p.Publish(snap(code, uint64(2*i+2)))
	}
	assert.LessOrEqual(t, len(p.tombstones), maxTombstones)
	assert.Empty(t, p.last)
	_, newest := p.tombstones[fmt.Sprintf("r%d", maxTombstones)]
	assert.True(t, newest, "newest tombstone survives pruning")
}

func TestPublisher_ConcurrentPublishMonotonic(t *testing.T) {
	var mu sync.Mutex
	var last uint64
	monotonic := true
	p := NewPublisher(func(rm room.Room) {
		mu.Lock()
		if rm.Revision <= last {
			monotonic = false
		}
		last = rm.Revision
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 200; i++ {
		wg.Add(1)
		go func(rev uint64) {
			defer wg.Done()
			p.Publish(snap("100", rev, "a"))
		}(uint64(i))
	}
	wg.Wait()
	assert.True(t, monotonic)
}

// Property: the emitted revisions of a room are strictly increasing whatever
// order snapshots arrive in.
func TestPropertyNoStaleAfterNewer(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var emitted []uint64
		p := NewPublisher(func(rm room.Room) { emitted = append(emitted, rm.Revision) })
		revs := rapid.SliceOf(rapid.Uint64Range(1, 50)).Draw(t, "revisions")
		var max uint64
		for _, rev := range revs {
			delivered := p.Publish(snap("R", rev, "a"))
			if delivered != (rev > max) {
				t.Fatalf("revision %d delivered=%v with max %d", rev, delivered, max)
			}
			if rev > max {
				max = rev
			}
		}
		for i := 1; i < len(emitted); i++ {
			if emitted[i] <= emitted[i-1] {
				t.Fatalf("emitted %v is not increasing", emitted)
			}
		}
	})
}
