package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// rawServerConn returns the server side of a fresh WebSocket connection with
// no pumps running.
func rawServerConn(t *testing.T) *websocket.Conn {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-serverSide:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not complete")
		return nil
	}
}

func newHubConn(t *testing.T, buffer int) *Conn {
	t.Helper()
	_, wsCfg := testConfigs()
	wsCfg.SendBuffer = buffer
	return newConn(rawServerConn(t), wsCfg)
}

func TestHub_SendUnknown(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	assert.ErrorIs(t, h.Send("ghost", []byte("x")), ErrNotConnected)
}

func TestHub_GroupsAndBroadcast(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	a := newHubConn(t, 4)
	b := newHubConn(t, 4)
	h.register(a)
	h.register(b)

	h.JoinGroup(a.ID(), "100")
	h.JoinGroup(b.ID(), "200")
	h.JoinGroup("ghost", "100")
	assert.Equal(t, []string{a.ID()}, h.Members("100"))

	h.Broadcast("100", []byte("hello"))
	assert.Equal(t, []byte("hello"), <-a.outbox.Events())
	assert.Empty(t, b.outbox.Events())

	h.LeaveGroup(a.ID(), "100")
	assert.Empty(t, h.Members("100"))
}

func TestHub_UnregisterLeavesGroups(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	a := newHubConn(t, 4)
	h.register(a)
	h.JoinGroup(a.ID(), "100")
	h.JoinGroup(a.ID(), "200")

	h.unregister(a)
	assert.Equal(t, 0, h.Count())
	assert.Empty(t, h.Members("100"))
	assert.Empty(t, h.Members("200"))
	assert.ErrorIs(t, h.Send(a.ID(), []byte("x")), ErrNotConnected)
}

func TestHub_SlowConnectionClosed(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t))
	c := newHubConn(t, 1)
	h.register(c)
	h.JoinGroup(c.ID(), "100")

	require.NoError(t, h.Send(c.ID(), []byte("first")))
	err := h.Send(c.ID(), []byte("second"))
	assert.ErrorIs(t, err, ErrNotConnected)

	select {
	case <-c.closed:
	default:
		t.Fatal("slow connection was not closed")
	}
}
