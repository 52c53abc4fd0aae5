package admin

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/teampoint/teampoint/internal/config"
	"github.com/teampoint/teampoint/internal/game/room"
	"github.com/teampoint/teampoint/internal/gameserver"
)

type testEnv struct {
	reg    *room.Registry
	pub    *gameserver.Publisher
	client *Client
	cc     *grpc.ClientConn
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := room.NewRegistry()
	pub := gameserver.NewPublisher(nil)

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(config.AdminConfig{}, NewService(reg, pub, logger), logger)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(lis) }()
	<-srv.Ready()
	t.Cleanup(func() {
		srv.Stop()
		assert.NoError(t, <-served)
	})

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })

	return &testEnv{reg: reg, pub: pub, client: NewClient(cc), cc: cc}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (e *testEnv) join(t *testing.T, code, id string) room.Room {
	t.Helper()
	rm, err := e.reg.JoinOrCreate(code, room.Player{ID: id, Name: "name-" + id})
	require.NoError(t, err)
	return rm
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, err := healthpb.NewHealthClient(env.cc).Check(testContext(t), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestListRooms(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	rooms, err := env.client.ListRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)

	env.join(t, "7", "a")
	env.join(t, "12", "b")
	env.join(t, "12", "c")

	rooms, err = env.client.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "12", rooms[0].Code)
	assert.Len(t, rooms[0].Players, 2)
	assert.Equal(t, "7", rooms[1].Code)
}

func TestGetRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	env.join(t, "42", "a")
	_, err := env.reg.StartGame("42")
	require.NoError(t, err)
	want, err := env.reg.SetSelection("42", "a", 4)
	require.NoError(t, err)

	got, err := env.client.GetRoom(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, gameserver.NewRoomView(want), got)
}

func TestGetRoom_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	_, err := env.client.GetRoom(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = env.client.GetRoom(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestWatchRoom_SendsCurrentThenNewer(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)

	first := env.join(t, "42", "a")
	current := env.join(t, "42", "b")

	stream, err := env.client.WatchRoom(ctx, "42")
	require.NoError(t, err)

	v, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, current.Revision, v.Revision)
	assert.Len(t, v.Players, 2)

	assert.True(t, env.pub.Publish(first))
	started, err := env.reg.StartGame("42")
	require.NoError(t, err)
	assert.True(t, env.pub.Publish(started))

	v, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, started.Revision, v.Revision)
	assert.Equal(t, room.PhaseSelecting, v.Phase)
}

func TestWatchRoom_DeliversDeletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	env.join(t, "42", "a")

	stream, err := env.client.WatchRoom(ctx, "42")
	require.NoError(t, err)
	_, err = stream.Recv()
	require.NoError(t, err)

	gone, res := env.reg.RemovePlayer("42", "a")
	require.Equal(t, room.Deleted, res)
	require.True(t, env.pub.Publish(gone))

	v, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "42", v.Code)
	assert.Empty(t, v.Players)
}

func TestWatchRoom_InvalidCode(t *testing.T) {
	env := newTestEnv(t)
	stream, err := env.client.WatchRoom(testContext(t), "")
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestWatchRoom_CancelReleasesSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "42", "a")

	ctx, cancel := context.WithCancel(testContext(t))
	stream, err := env.client.WatchRoom(ctx, "42")
	require.NoError(t, err)
	_, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, 1, env.pub.Subscribers("42"))

	cancel()
	assert.Eventually(t, func() bool { return env.pub.Subscribers("42") == 0 }, 2*time.Second, 10*time.Millisecond)
}
