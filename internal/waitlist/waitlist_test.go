package waitlist

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"dialcast/internal/apperrors"
	"dialcast/internal/kvstore"
)

func newTestWaitlist(t *testing.T) *Waitlist {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(kvstore.NewWithClient(rdb))
}

func TestEnqueueDuplicate(t *testing.T) {
	wl := newTestWaitlist(t)
	ctx := context.Background()

	require.NoError(t, wl.Enqueue(ctx, "c1", "job-1", PriorityNormal))

	err := wl.Enqueue(ctx, "c1", "job-1", PriorityNormal)
	require.Error(t, err)
	require.True(t, apperrors.IsKind(err, apperrors.Conflict))
	require.Equal(t, "DUPLICATE_ENQUEUE", apperrors.CodeOf(err))

	n, err := wl.Len(ctx, "c1", PriorityNormal)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestEnqueueInvalidPriority(t *testing.T) {
	wl := newTestWaitlist(t)

	err := wl.Enqueue(context.Background(), "c1", "job-1", "urgent")
	require.True(t, apperrors.IsKind(err, apperrors.Validation))
}

func TestEnqueueAfterMarkerCleared(t *testing.T) {
	wl := newTestWaitlist(t)
	ctx := context.Background()

	require.NoError(t, wl.Enqueue(ctx, "c1", "job-1", PriorityHigh))
	require.NoError(t, wl.ClearMarker(ctx, "c1", "job-1"))

	has, err := wl.HasMarker(ctx, "c1", "job-1")
	require.NoError(t, err)
	require.False(t, has)

	// A cleared marker re-admits the job id
	require.NoError(t, wl.Enqueue(ctx, "c1", "job-1", PriorityHigh))
}

func TestMarkContactSeen(t *testing.T) {
	wl := newTestWaitlist(t)
	ctx := context.Background()

	first, err := wl.MarkContactSeen(ctx, "c1", "contact-1")
	require.NoError(t, err)
	require.True(t, first)

	again, err := wl.MarkContactSeen(ctx, "c1", "contact-1")
	require.NoError(t, err)
	require.False(t, again)

	// Dedup is per campaign
	other, err := wl.MarkContactSeen(ctx, "c2", "contact-1")
	require.NoError(t, err)
	require.True(t, other)
}

func TestPushFrontAndRemove(t *testing.T) {
	wl := newTestWaitlist(t)
	ctx := context.Background()

	require.NoError(t, wl.Enqueue(ctx, "c1", "job-1", PriorityNormal))
	require.NoError(t, wl.Enqueue(ctx, "c1", "job-2", PriorityNormal))
	require.NoError(t, wl.PushFront(ctx, "c1", "job-0", PriorityNormal))

	head, err := wl.Peek(ctx, "c1", PriorityNormal, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"job-0", "job-1", "job-2"}, head)

	require.NoError(t, wl.Remove(ctx, "c1", PriorityNormal, "job-1"))
	head, err = wl.Peek(ctx, "c1", PriorityNormal, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"job-0", "job-2"}, head)
}
