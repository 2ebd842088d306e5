package promoter

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"dialcast/internal/breaker"
	"dialcast/internal/jobqueue"
	"dialcast/internal/kvstore"
	"dialcast/internal/reservation"
	"dialcast/internal/waitlist"
)

type promoterFixture struct {
	mr    *miniredis.Miniredis
	store *kvstore.Store
	wl    *waitlist.Waitlist
	ready *jobqueue.ReadyQueue
	p     *Promoter
}

func newFixture(t *testing.T) *promoterFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := kvstore.NewWithClient(rdb)
	wl := waitlist.New(store)
	ready := jobqueue.NewReadyQueue(store)
	p := New(store, reservation.NewLedger(store), wl, breaker.New(store), ready, nil, 50)

	return &promoterFixture{mr: mr, store: store, wl: wl, ready: ready, p: p}
}

func TestPromoteMovesJobsToReadyQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Client().Set(ctx, kvstore.LimitKey("c1"), 5, 0).Err())
	require.NoError(t, f.wl.Enqueue(ctx, "c1", "contact-1", waitlist.PriorityNormal))
	require.NoError(t, f.wl.Enqueue(ctx, "c1", "retry-9", waitlist.PriorityHigh))

	require.NoError(t, f.p.Promote(ctx, "c1"))

	n, err := f.ready.Len(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// High-priority queue drains first
	first, err := f.ready.TryPop(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "retry-9", first.JobID)
	require.Equal(t, waitlist.PriorityHigh, first.Priority)
	require.Empty(t, first.ContactID)

	second, err := f.ready.TryPop(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "contact-1", second.JobID)
	require.Equal(t, waitlist.PriorityNormal, second.Priority)
	require.Equal(t, "contact-1", second.ContactID)
	require.Equal(t, first.PromoteSeq, second.PromoteSeq)
}

func TestPromoteSkipsPausedCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Client().Set(ctx, kvstore.LimitKey("c1"), 5, 0).Err())
	require.NoError(t, f.wl.Enqueue(ctx, "c1", "contact-1", waitlist.PriorityNormal))
	require.NoError(t, f.store.Client().Set(ctx, kvstore.PausedKey("c1"), "1", 0).Err())

	require.NoError(t, f.p.Promote(ctx, "c1"))

	n, err := f.ready.Len(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, n)
	wlLen, err := f.wl.Len(ctx, "c1", waitlist.PriorityNormal)
	require.NoError(t, err)
	require.EqualValues(t, 1, wlLen)
}

func TestPromoteSkipsColdStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Client().Set(ctx, kvstore.LimitKey("c1"), 5, 0).Err())
	require.NoError(t, f.wl.Enqueue(ctx, "c1", "contact-1", waitlist.PriorityNormal))
	require.NoError(t, f.store.Client().Set(ctx, kvstore.ColdStartKey("c1"), "blocking", 0).Err())

	require.NoError(t, f.p.Promote(ctx, "c1"))

	n, err := f.ready.Len(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPromoteYieldsToMutexHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Client().Set(ctx, kvstore.LimitKey("c1"), 5, 0).Err())
	require.NoError(t, f.wl.Enqueue(ctx, "c1", "contact-1", waitlist.PriorityNormal))
	require.NoError(t, f.store.Client().Set(ctx, kvstore.PromoteMutexKey("c1"), "someone-else", MutexTTL).Err())

	require.NoError(t, f.p.Promote(ctx, "c1"))

	n, err := f.ready.Len(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, n)

	// The foreign mutex is left alone
	v, err := f.store.Client().Get(ctx, kvstore.PromoteMutexKey("c1")).Result()
	require.NoError(t, err)
	require.Equal(t, "someone-else", v)
}

func TestPromoteDropsStaleJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Client().Set(ctx, kvstore.LimitKey("c1"), 5, 0).Err())
	require.NoError(t, f.wl.Enqueue(ctx, "c1", "contact-1", waitlist.PriorityNormal))
	require.NoError(t, f.wl.ClearMarker(ctx, "c1", "contact-1"))

	require.NoError(t, f.p.Promote(ctx, "c1"))

	n, err := f.ready.Len(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCampaignFromChannel(t *testing.T) {
	require.Equal(t, "c1", campaignFromChannel("campaign:c1:slot-available"))
	require.Empty(t, campaignFromChannel("campaign:c1:other"))
	require.Empty(t, campaignFromChannel("campaign:slot-available"))
	require.Empty(t, campaignFromChannel("something:c1:slot-available"))
}

func TestContactFromJobID(t *testing.T) {
	require.Equal(t, "contact-42", contactFromJobID("contact-42"))
	require.Empty(t, contactFromJobID("retry-42"))
}
