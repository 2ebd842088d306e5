package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"dialcast/internal/kvstore"
)

func newTestRegistry(t *testing.T) (*miniredis.Miniredis, *Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, NewRegistry(kvstore.NewWithClient(rdb))
}

func TestAcquirePreDialRespectsLimit(t *testing.T) {
	_, reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetLimit(ctx, "c1", 2))

	tok1, err := reg.AcquirePreDial(ctx, "c1", "call-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, tok1)

	tok2, err := reg.AcquirePreDial(ctx, "c1", "call-2", 10)
	require.NoError(t, err)
	require.NotEmpty(t, tok2)

	// Third dial is refused while both slots are held
	tok3, err := reg.AcquirePreDial(ctx, "c1", "call-3", 10)
	require.NoError(t, err)
	require.Empty(t, tok3)

	n, err := reg.InflightCount(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestAcquirePreDialDefaultLimit(t *testing.T) {
	_, reg := newTestRegistry(t)
	ctx := context.Background()

	// No limit key set: the caller-supplied default applies
	tok, err := reg.AcquirePreDial(ctx, "c1", "call-1", 1)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	tok2, err := reg.AcquirePreDial(ctx, "c1", "call-2", 1)
	require.NoError(t, err)
	require.Empty(t, tok2)
}

func TestUpgradeToActive(t *testing.T) {
	_, reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetLimit(ctx, "c1", 5))

	preTok, err := reg.AcquirePreDial(ctx, "c1", "call-1", 5)
	require.NoError(t, err)

	activeTok, err := reg.UpgradeToActive(ctx, "c1", "call-1", preTok)
	require.NoError(t, err)
	require.NotEmpty(t, activeTok)
	require.NotEqual(t, preTok, activeTok)

	members, err := reg.Members(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"call-1"}, members)

	// Upgrading with the spent pre-dial token is refused
	again, err := reg.UpgradeToActive(ctx, "c1", "call-1", preTok)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestReleaseIsCompareAndDelete(t *testing.T) {
	_, reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetLimit(ctx, "c1", 5))
	preTok, err := reg.AcquirePreDial(ctx, "c1", "call-1", 5)
	require.NoError(t, err)
	activeTok, err := reg.UpgradeToActive(ctx, "c1", "call-1", preTok)
	require.NoError(t, err)

	// Wrong token is a no-op
	ok, err := reg.Release(ctx, "c1", "call-1", "bogus", false)
	require.NoError(t, err)
	require.False(t, ok)
	held, err := reg.HasLease(ctx, "c1", "call-1")
	require.NoError(t, err)
	require.True(t, held)

	ok, err = reg.Release(ctx, "c1", "call-1", activeTok, false)
	require.NoError(t, err)
	require.True(t, ok)

	// Repeated release (retried webhook) stays idempotent
	ok, err = reg.Release(ctx, "c1", "call-1", activeTok, false)
	require.NoError(t, err)
	require.False(t, ok)

	n, err := reg.InflightCount(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestForceRelease(t *testing.T) {
	_, reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetLimit(ctx, "c1", 5))

	// Active lease held
	preTok, err := reg.AcquirePreDial(ctx, "c1", "call-1", 5)
	require.NoError(t, err)
	_, err = reg.UpgradeToActive(ctx, "c1", "call-1", preTok)
	require.NoError(t, err)

	res, err := reg.ForceRelease(ctx, "c1", "call-1", false)
	require.NoError(t, err)
	require.Equal(t, 1, res)

	// Only the pre-dial variant held
	_, err = reg.AcquirePreDial(ctx, "c1", "call-2", 5)
	require.NoError(t, err)

	res, err = reg.ForceRelease(ctx, "c1", "call-2", false)
	require.NoError(t, err)
	require.Equal(t, 2, res)

	// Nothing held
	res, err = reg.ForceRelease(ctx, "c1", "call-3", false)
	require.NoError(t, err)
	require.Zero(t, res)

	n, err := reg.InflightCount(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRenewClampsPreDialTTL(t *testing.T) {
	mr, reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetLimit(ctx, "c1", 5))
	preTok, err := reg.AcquirePreDial(ctx, "c1", "call-1", 5)
	require.NoError(t, err)

	member := kvstore.PreDialMember("call-1")
	for i := 0; i < 6; i++ {
		res, err := reg.Renew(ctx, "c1", member, preTok, true)
		require.NoError(t, err)
		require.Equal(t, RenewOK, res)
	}

	ttl := mr.TTL(kvstore.LeaseKey("c1", member))
	require.LessOrEqual(t, ttl, PreDialMax)
	require.Greater(t, ttl, time.Duration(0))
}

func TestRenewTokenLost(t *testing.T) {
	_, reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetLimit(ctx, "c1", 5))
	_, err := reg.AcquirePreDial(ctx, "c1", "call-1", 5)
	require.NoError(t, err)

	res, err := reg.Renew(ctx, "c1", kvstore.PreDialMember("call-1"), "bogus", true)
	require.NoError(t, err)
	require.Equal(t, RenewTokenLost, res)
}

func TestRenewRefusedDuringColdStart(t *testing.T) {
	mr, reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetLimit(ctx, "c1", 5))
	preTok, err := reg.AcquirePreDial(ctx, "c1", "call-1", 5)
	require.NoError(t, err)

	mr.Set(kvstore.ColdStartKey("c1"), "blocking")

	res, err := reg.Renew(ctx, "c1", kvstore.PreDialMember("call-1"), preTok, true)
	require.NoError(t, err)
	require.Equal(t, RenewColdBlocked, res)
}

func TestSeedAndCleanupAll(t *testing.T) {
	_, reg := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.SetLimit(ctx, "c1", 5))
	require.NoError(t, reg.Seed(ctx, "c1", "call-9", 30*time.Second))

	tok, err := reg.TokenOf(ctx, "c1", "call-9")
	require.NoError(t, err)
	require.Equal(t, "recovered", tok)

	_, err = reg.AcquirePreDial(ctx, "c1", "call-1", 5)
	require.NoError(t, err)

	removed, err := reg.CleanupAll(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	n, err := reg.InflightCount(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, n)

	tok, err = reg.TokenOf(ctx, "c1", "call-9")
	require.NoError(t, err)
	require.Empty(t, tok)
}
