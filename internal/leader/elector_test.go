package leader

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"dialcast/internal/kvstore"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *kvstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, kvstore.NewWithClient(rdb)
}

func TestSingleLeader(t *testing.T) {
	_, store := newTestStore(t)

	e1 := NewElector(store)
	e2 := NewElector(store)

	e1.tick()
	require.True(t, e1.IsLeader())

	// Second instance contests and loses
	e2.tick()
	require.False(t, e2.IsLeader())

	// Renewal keeps the holder in place
	e1.tick()
	require.True(t, e1.IsLeader())
	e2.tick()
	require.False(t, e2.IsLeader())
}

func TestLeadershipTransfersOnExpiry(t *testing.T) {
	mr, store := newTestStore(t)

	e1 := NewElector(store)
	e2 := NewElector(store)

	e1.tick()
	require.True(t, e1.IsLeader())

	// Holder goes silent: its lease runs out
	mr.FastForward(LeaseTTL)

	e2.tick()
	require.True(t, e2.IsLeader())

	// The stale holder fails its compare-and-renew
	e1.tick()
	require.False(t, e1.IsLeader())
}

func TestStopReleasesLeadership(t *testing.T) {
	mr, store := newTestStore(t)

	e1 := NewElector(store)
	e1.Start()
	require.Eventually(t, e1.IsLeader, 2*time.Second, 10*time.Millisecond)

	e1.Stop()
	require.False(t, mr.Exists(LeaderKey))

	// A fresh instance takes over immediately, no TTL wait
	e2 := NewElector(store)
	e2.tick()
	require.True(t, e2.IsLeader())
}
