package breaker

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"dialcast/internal/kvstore"
)

func newTestBreaker(t *testing.T) (*miniredis.Miniredis, *Breaker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, New(kvstore.NewWithClient(rdb))
}

func TestBreakerTripsPastThreshold(t *testing.T) {
	_, b := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < DefaultThreshold; i++ {
		require.NoError(t, b.RecordFailure(ctx, "c1"))
		open, err := b.IsOpen(ctx, "c1")
		require.NoError(t, err)
		require.False(t, open, "circuit opened after %d failures", i+1)
	}

	// Failure number threshold+1 trips it
	require.NoError(t, b.RecordFailure(ctx, "c1"))
	open, err := b.IsOpen(ctx, "c1")
	require.NoError(t, err)
	require.True(t, open)
}

func TestBreakerClosesOnSuccess(t *testing.T) {
	_, b := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i <= DefaultThreshold; i++ {
		require.NoError(t, b.RecordFailure(ctx, "c1"))
	}
	open, err := b.IsOpen(ctx, "c1")
	require.NoError(t, err)
	require.True(t, open)

	// Successes walk the counter back; at zero the circuit closes
	for i := 0; i <= DefaultThreshold; i++ {
		require.NoError(t, b.RecordSuccess(ctx, "c1"))
	}
	open, err = b.IsOpen(ctx, "c1")
	require.NoError(t, err)
	require.False(t, open)
}

func TestBreakerExpires(t *testing.T) {
	mr, b := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i <= DefaultThreshold; i++ {
		require.NoError(t, b.RecordFailure(ctx, "c1"))
	}
	open, err := b.IsOpen(ctx, "c1")
	require.NoError(t, err)
	require.True(t, open)

	mr.FastForward(OpenTTL)

	open, err = b.IsOpen(ctx, "c1")
	require.NoError(t, err)
	require.False(t, open)
}

func TestAdjustBatch(t *testing.T) {
	_, b := newTestBreaker(t)
	ctx := context.Background()

	require.Equal(t, 50, b.AdjustBatch(ctx, "c1", 50))

	for i := 0; i <= DefaultThreshold; i++ {
		require.NoError(t, b.RecordFailure(ctx, "c1"))
	}

	require.Equal(t, 12, b.AdjustBatch(ctx, "c1", 50))
	require.Equal(t, 1, b.AdjustBatch(ctx, "c1", 2))
}
