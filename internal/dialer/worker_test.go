package dialer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialcast/internal/apperrors"
	"dialcast/internal/database"
	"dialcast/internal/jobqueue"
	"dialcast/internal/kvstore"
	"dialcast/internal/lease"
	"dialcast/internal/reservation"
	"dialcast/internal/waitlist"
)

func newTestWorker(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Worker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := kvstore.NewWithClient(rdb)
	w := NewWorker(&database.Campaign{ID: "c1"}, WorkerDeps{
		Store:    store,
		Leases:   lease.NewRegistry(store),
		Ledger:   reservation.NewLedger(store),
		Waitlist: waitlist.New(store),
		Ready:    jobqueue.NewReadyQueue(store),
	})
	return mr, rdb, w
}

func freshJob(seq int64) *jobqueue.ReadyJob {
	return &jobqueue.ReadyJob{
		JobID:      "contact-1",
		PromoteSeq: seq,
		PromotedAt: time.Now().UnixMilli(),
	}
}

func TestVerifyGateRejectsStaleSeq(t *testing.T) {
	mr, _, w := newTestWorker(t)
	ctx := context.Background()

	mr.Set(kvstore.PromoteGateKey("c1"), "7")

	ok := w.verifyGate(ctx, freshJob(3))
	assert.False(t, ok)

	// The gate itself is left alone; only the lagging job is turned back
	gate, err := mr.Get(kvstore.PromoteGateKey("c1"))
	require.NoError(t, err)
	assert.Equal(t, "7", gate)
}

func TestVerifyGateAcceptsCurrentSeq(t *testing.T) {
	mr, _, w := newTestWorker(t)
	ctx := context.Background()

	mr.Set(kvstore.PromoteGateKey("c1"), "7")

	assert.True(t, w.verifyGate(ctx, freshJob(7)))
}

func TestVerifyGateAdvancesLaggingGate(t *testing.T) {
	mr, _, w := newTestWorker(t)
	ctx := context.Background()

	mr.Set(kvstore.PromoteGateKey("c1"), "3")

	ok := w.verifyGate(ctx, freshJob(5))
	assert.True(t, ok)

	gate, err := mr.Get(kvstore.PromoteGateKey("c1"))
	require.NoError(t, err)
	assert.Equal(t, "5", gate)
}

func TestVerifyGateRepairsMissingGate(t *testing.T) {
	mr, _, w := newTestWorker(t)
	ctx := context.Background()

	ok := w.verifyGate(ctx, freshJob(4))
	assert.True(t, ok)

	gate, err := mr.Get(kvstore.PromoteGateKey("c1"))
	require.NoError(t, err)
	assert.Equal(t, "4", gate)
}

func TestVerifyGateRejectsExpiredPromotion(t *testing.T) {
	mr, _, w := newTestWorker(t)
	ctx := context.Background()

	mr.Set(kvstore.PromoteGateKey("c1"), "4")

	job := &jobqueue.ReadyJob{
		JobID:      "contact-1",
		PromoteSeq: 4,
		PromotedAt: time.Now().Add(-PromotionExpiry - time.Second).UnixMilli(),
	}
	assert.False(t, w.verifyGate(ctx, job))
}

func TestVerifyGateRejectsSentinelSeq(t *testing.T) {
	_, _, w := newTestWorker(t)
	ctx := context.Background()

	assert.False(t, w.verifyGate(ctx, freshJob(GateHardSyncSentinel)))
}

func TestVerifyGateHardSyncAfterRepeatedMisses(t *testing.T) {
	mr, _, w := newTestWorker(t)
	ctx := context.Background()

	w.gateMisses = HardSyncAfter - 1
	job := freshJob(4)

	ok := w.verifyGate(ctx, job)
	assert.False(t, ok)
	assert.Equal(t, int64(GateHardSyncSentinel), job.PromoteSeq)
	assert.Equal(t, 0, w.gateMisses)

	// No sentinel gate is written; the next promotion pass owns the key
	assert.False(t, mr.Exists(kvstore.PromoteGateKey("c1")))
}

func TestHandleJobNoSlotPublishesSlotAvailable(t *testing.T) {
	mr, rdb, w := newTestWorker(t)
	ctx := context.Background()

	// Gate in place, capacity pinned to zero so the acquire is refused
	mr.Set(kvstore.PromoteGateKey("c1"), "1")
	require.NoError(t, w.leases.SetLimit(ctx, "c1", 0))

	sub := rdb.Subscribe(ctx, kvstore.SlotAvailableChannel("c1"))
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	w.handleJob(ctx, freshJob(1))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "contact-1", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a slot-available event after the refused acquire")
	}

	// The job went back to the head of its waitlist
	head, err := w.wl.Peek(ctx, "c1", waitlist.PriorityNormal, 1)
	require.NoError(t, err)
	require.Len(t, head, 1)
	assert.Equal(t, "contact-1", head[0])
}

func TestPermanentInitiateFailure(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"vendor rejected", apperrors.New(apperrors.Fatal, "VENDOR_REJECTED", "invalid number"), true},
		{"validation", apperrors.New(apperrors.Validation, "MISSING_PHONE_NUMBER", "bad request"), true},
		{"vendor error", apperrors.New(apperrors.UpstreamUnavailable, "VENDOR_ERROR", "vendor 500"), false},
		{"vendor unreachable", apperrors.New(apperrors.UpstreamUnavailable, "VENDOR_UNREACHABLE", "dial tcp refused"), false},
		{"rate limited", apperrors.New(apperrors.Transient, "VENDOR_RATE_LIMITED", "vendor 429"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.permanent, permanentInitiateFailure(tc.err))
		})
	}
}
