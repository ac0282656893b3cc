package killswitch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockremote/backend/internal/infra"
)

type fakeConn struct {
	id   string
	fail bool

	mu       sync.Mutex
	received []string
}

func (c *fakeConn) DeviceID() string { return c.id }

func (c *fakeConn) Deliver(message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send buffer full")
	}
	c.received = append(c.received, message)
	return nil
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.received...)
}

func testHub(t *testing.T) (*Hub, *infra.RedisAdapter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	adapter := infra.NewRedisAdapterFromClient(client)
	return NewHub(adapter), adapter
}

func TestTargetDevice(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"block:dev-1:manual", "dev-1"},
		{"block:dev-1:score:33", "dev-1"},
		{"block:dev-1", "dev-1"},
		{"IMMEDIATE_QUARANTINE:dev-2", "dev-2"},
		{"CRITICAL_LOCK:dev-3", "dev-3"},
		{"force_overlay:dev-4", "dev-4"},
		{"EMERGENCY_SHUTDOWN", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TargetDevice(tc.message), "message %q", tc.message)
	}
}

func TestBroadcastTargeted(t *testing.T) {
	hub, _ := testHub(t)
	a := &fakeConn{id: "dev-a"}
	b := &fakeConn{id: "dev-b"}
	require.NoError(t, hub.Register(a))
	require.NoError(t, hub.Register(b))
	defer hub.Unregister(a)
	defer hub.Unregister(b)

	hub.Broadcast(BlockMessage("dev-a", "manual"))

	assert.Equal(t, []string{"block:dev-a:manual"}, a.messages())
	assert.Empty(t, b.messages())
}

func TestBroadcastUntargetedReachesAll(t *testing.T) {
	hub, _ := testHub(t)
	a := &fakeConn{id: "dev-a"}
	b := &fakeConn{id: "dev-b"}
	require.NoError(t, hub.Register(a))
	require.NoError(t, hub.Register(b))
	defer hub.Unregister(a)
	defer hub.Unregister(b)

	hub.Broadcast("EMERGENCY_SHUTDOWN")

	assert.Equal(t, []string{"EMERGENCY_SHUTDOWN"}, a.messages())
	assert.Equal(t, []string{"EMERGENCY_SHUTDOWN"}, b.messages())
}

func TestBroadcastDropsFailedConn(t *testing.T) {
	hub, _ := testHub(t)
	good := &fakeConn{id: "dev-a"}
	bad := &fakeConn{id: "dev-b", fail: true}
	require.NoError(t, hub.Register(good))
	require.NoError(t, hub.Register(bad))
	defer hub.Unregister(good)

	hub.Broadcast("EMERGENCY_SHUTDOWN")

	assert.Equal(t, 1, hub.Size(), "failed socket must be unregistered")
	assert.Equal(t, []string{"EMERGENCY_SHUTDOWN"}, good.messages())
}

func TestRelayLifecycle(t *testing.T) {
	hub, adapter := testHub(t)
	ctx := context.Background()

	c := &fakeConn{id: "dev-a"}
	require.NoError(t, hub.Register(c))

	require.NoError(t, adapter.Publish(ctx, infra.KillSwitchChannel, QuarantineMessage("dev-a")))
	require.Eventually(t, func() bool {
		return len(c.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond, "published command must reach the socket through the relay")
	assert.Equal(t, "IMMEDIATE_QUARANTINE:dev-a", c.messages()[0])

	// Last socket out tears the relay down; later publishes go nowhere.
	hub.Unregister(c)
	assert.Zero(t, hub.Size())
	require.NoError(t, adapter.Publish(ctx, infra.KillSwitchChannel, QuarantineMessage("dev-a")))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, c.messages(), 1)
}
