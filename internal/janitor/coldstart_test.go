package janitor

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialcast/internal/kvstore"
	"dialcast/internal/lease"
)

func newTestColdStartGuard(t *testing.T) (*miniredis.Miniredis, *ColdStartGuard) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := kvstore.NewWithClient(rdb)
	return mr, NewColdStartGuard(store, lease.NewRegistry(store), nil)
}

func TestRecoverySettled(t *testing.T) {
	cases := []struct {
		name    string
		seeded  int
		limit   int
		settled bool
	}{
		{"full small campaign", 1, 1, true},
		{"two of many", 2, 10, true},
		{"one of many", 1, 10, false},
		{"nothing seeded", 0, 5, false},
		{"limit of two met", 2, 2, true},
		{"unset limit never settles", 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.settled, recoverySettled(tc.seeded, tc.limit))
		})
	}
}

func TestUpgradeObserved(t *testing.T) {
	_, g := newTestColdStartGuard(t)
	ctx := context.Background()

	require.NoError(t, g.leases.SetLimit(ctx, "c1", 5))

	// Reconstructed leases alone prove nothing
	require.NoError(t, g.leases.Seed(ctx, "c1", "call-1", recoveredLeaseTTL))
	require.NoError(t, g.leases.Seed(ctx, "c1", kvstore.PreDialMember("call-2"), recoveredLeaseTTL))
	assert.False(t, g.upgradeObserved(ctx, "c1"))

	// A real upgrade replaces the seeded value with a live token
	preToken, err := g.leases.AcquirePreDial(ctx, "c1", "call-3", 5)
	require.NoError(t, err)
	require.NotEmpty(t, preToken)
	activeToken, err := g.leases.UpgradeToActive(ctx, "c1", "call-3", preToken)
	require.NoError(t, err)
	require.NotEmpty(t, activeToken)

	assert.True(t, g.upgradeObserved(ctx, "c1"))
}
