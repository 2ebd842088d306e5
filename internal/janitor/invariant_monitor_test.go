package janitor

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialcast/internal/breaker"
	"dialcast/internal/kvstore"
	"dialcast/internal/lease"
	"dialcast/internal/reservation"
)

func newTestInvariantMonitor(t *testing.T) (*miniredis.Miniredis, *InvariantMonitor) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := kvstore.NewWithClient(rdb)
	leases := lease.NewRegistry(store)
	ledger := reservation.NewLedger(store)
	return mr, NewInvariantMonitor(leases, ledger, nil, breaker.New(store), nil)
}

func TestCheckCampaignWithinLimit(t *testing.T) {
	mr, m := newTestInvariantMonitor(t)
	ctx := context.Background()

	require.NoError(t, m.leases.SetLimit(ctx, "c1", 3))
	require.NoError(t, m.leases.Seed(ctx, "c1", "call-1", lease.ActiveBase))
	require.NoError(t, m.ledger.SetReservedCount(ctx, "c1", 2))

	m.CheckCampaign(ctx, "c1")

	// 1 inflight + 2 reserved fits the limit of 3; the breaker stays quiet
	assert.False(t, mr.Exists(kvstore.BreakerFailKey("c1")))
}

func TestCheckCampaignCommittedCapacityFeedsBreaker(t *testing.T) {
	mr, m := newTestInvariantMonitor(t)
	ctx := context.Background()

	// Inflight and reserved each fit the limit, but together they exceed it
	require.NoError(t, m.leases.SetLimit(ctx, "c1", 2))
	require.NoError(t, m.leases.Seed(ctx, "c1", "call-1", lease.ActiveBase))
	require.NoError(t, m.leases.Seed(ctx, "c1", "call-2", lease.ActiveBase))
	require.NoError(t, m.ledger.SetReservedCount(ctx, "c1", 1))

	m.CheckCampaign(ctx, "c1")

	count, err := mr.Get(kvstore.BreakerFailKey("c1"))
	require.NoError(t, err)
	assert.Equal(t, "1", count)
}

func TestCheckCampaignNegativeReservedFeedsBreaker(t *testing.T) {
	mr, m := newTestInvariantMonitor(t)
	ctx := context.Background()

	require.NoError(t, m.leases.SetLimit(ctx, "c1", 2))
	require.NoError(t, m.ledger.SetReservedCount(ctx, "c1", -1))

	m.CheckCampaign(ctx, "c1")

	count, err := mr.Get(kvstore.BreakerFailKey("c1"))
	require.NoError(t, err)
	assert.Equal(t, "1", count)
}
