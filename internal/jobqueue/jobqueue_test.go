package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"dialcast/internal/config"
	"dialcast/internal/kvstore"
)

func newTestRunner(t *testing.T) (*miniredis.Miniredis, *Runner) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cfg := config.QueueConfig{RetryAttempts: 3, RetryBackoffDelay: 10 * time.Millisecond}
	return mr, NewRunner(kvstore.NewWithClient(rdb), cfg, nil)
}

func TestScheduleIsIdempotent(t *testing.T) {
	_, r := newTestRunner(t)
	ctx := context.Background()

	job := Job{ID: "sched-1", Type: TypeScheduledCall}
	added, err := r.Schedule(ctx, job, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, added)

	// Same id again is a no-op
	added, err = r.Schedule(ctx, job, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.False(t, added)

	pending, err := r.Pending(ctx, "sched-1")
	require.NoError(t, err)
	require.True(t, pending)
}

func TestCancel(t *testing.T) {
	_, r := newTestRunner(t)
	ctx := context.Background()

	_, err := r.Schedule(ctx, Job{ID: "sched-1", Type: TypeScheduledCall}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	removed, err := r.Cancel(ctx, "sched-1")
	require.NoError(t, err)
	require.True(t, removed)

	pending, err := r.Pending(ctx, "sched-1")
	require.NoError(t, err)
	require.False(t, pending)

	removed, err = r.Cancel(ctx, "sched-1")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestReschedule(t *testing.T) {
	_, r := newTestRunner(t)
	ctx := context.Background()

	_, err := r.Schedule(ctx, Job{ID: "sched-1", Type: TypeScheduledCall}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	moved, err := r.Reschedule(ctx, "sched-1", time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.True(t, moved)

	// Unknown id cannot be moved
	moved, err = r.Reschedule(ctx, "missing", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.False(t, moved)
}

func TestTickDispatchesDueJobs(t *testing.T) {
	_, r := newTestRunner(t)
	ctx := context.Background()

	var got []string
	r.Register(TypeScheduledCall, func(ctx context.Context, job Job) error {
		got = append(got, job.ID)
		return nil
	})

	_, err := r.Schedule(ctx, Job{ID: "due-1", Type: TypeScheduledCall}, time.Now().Add(-time.Second))
	require.NoError(t, err)
	_, err = r.Schedule(ctx, Job{ID: "due-2", Type: TypeScheduledCall}, time.Now().Add(-time.Second))
	require.NoError(t, err)
	_, err = r.Schedule(ctx, Job{ID: "future", Type: TypeScheduledCall}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	r.tick()

	require.ElementsMatch(t, []string{"due-1", "due-2"}, got)

	// The future job is untouched
	pending, err := r.Pending(ctx, "future")
	require.NoError(t, err)
	require.True(t, pending)
	pending, err = r.Pending(ctx, "due-1")
	require.NoError(t, err)
	require.False(t, pending)
}

func TestFailedJobIsRescheduledWithBackoff(t *testing.T) {
	_, r := newTestRunner(t)
	ctx := context.Background()

	calls := 0
	r.Register(TypeRetryCall, func(ctx context.Context, job Job) error {
		calls++
		return errors.New("upstream down")
	})

	_, err := r.Schedule(ctx, Job{ID: "retry-1", Type: TypeRetryCall}, time.Now().Add(-time.Second))
	require.NoError(t, err)

	r.tick()
	require.Equal(t, 1, calls)

	// Re-queued with backoff, not dropped
	pending, err := r.Pending(ctx, "retry-1")
	require.NoError(t, err)
	require.True(t, pending)
}

func TestJobDroppedAfterMaxAttempts(t *testing.T) {
	_, r := newTestRunner(t)
	ctx := context.Background()

	r.Register(TypeRetryCall, func(ctx context.Context, job Job) error {
		return errors.New("still failing")
	})

	// Already on its last attempt
	r.dispatch(ctx, Job{ID: "retry-1", Type: TypeRetryCall, Attempts: 2})

	pending, err := r.Pending(ctx, "retry-1")
	require.NoError(t, err)
	require.False(t, pending)
}

func TestReadyQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := NewReadyQueue(kvstore.NewWithClient(rdb))
	ctx := context.Background()

	empty, err := q.TryPop(ctx, "c1")
	require.NoError(t, err)
	require.Nil(t, empty)

	in := ReadyJob{JobID: "job-1", ContactID: "job-1", Priority: "normal", PromoteSeq: 7, PromotedAt: 1234}
	require.NoError(t, q.Push(ctx, "c1", in))

	n, err := q.Len(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	out, err := q.TryPop(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Equal(t, in, *out)
}
