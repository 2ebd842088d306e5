package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dialcast/internal/kvstore"
)

// ReadyJob is one promoted waitlist entry awaiting a campaign worker. The
// promotion epoch travels with it so the worker can verify the gate before
// dialing.
type ReadyJob struct {
	JobID      string `json:"job_id"`
	ContactID  string `json:"contact_id"`
	Priority   string `json:"priority"`
	PromoteSeq int64  `json:"promote_seq"`
	PromotedAt int64  `json:"promoted_at"` // unix ms
}

// ReadyQueue is the per-campaign list between promoter and worker
type ReadyQueue struct {
	store *kvstore.Store
}

// NewReadyQueue creates a ready queue over the key-value store
func NewReadyQueue(store *kvstore.Store) *ReadyQueue {
	return &ReadyQueue{store: store}
}

// Push appends a promoted job for the campaign worker
func (q *ReadyQueue) Push(ctx context.Context, campaignID string, job ReadyJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding ready job %s: %w", job.JobID, err)
	}
	if err := q.store.Client().RPush(ctx, kvstore.ReadyKey(campaignID), data).Err(); err != nil {
		return fmt.Errorf("pushing ready job %s: %w", job.JobID, err)
	}
	return nil
}

// Pop blocks up to timeout for the next ready job; nil when none arrived
func (q *ReadyQueue) Pop(ctx context.Context, campaignID string, timeout time.Duration) (*ReadyJob, error) {
	reply, err := q.store.Client().BLPop(ctx, timeout, kvstore.ReadyKey(campaignID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("popping ready job: %w", err)
	}
	if len(reply) < 2 {
		return nil, nil
	}

	var job ReadyJob
	if err := json.Unmarshal([]byte(reply[1]), &job); err != nil {
		return nil, fmt.Errorf("decoding ready job: %w", err)
	}
	return &job, nil
}

// TryPop pops without blocking; nil when the queue is empty
func (q *ReadyQueue) TryPop(ctx context.Context, campaignID string) (*ReadyJob, error) {
	reply, err := q.store.Client().LPop(ctx, kvstore.ReadyKey(campaignID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("popping ready job: %w", err)
	}

	var job ReadyJob
	if err := json.Unmarshal([]byte(reply), &job); err != nil {
		return nil, fmt.Errorf("decoding ready job: %w", err)
	}
	return &job, nil
}

// Len returns the ready backlog size
func (q *ReadyQueue) Len(ctx context.Context, campaignID string) (int64, error) {
	return q.store.Client().LLen(ctx, kvstore.ReadyKey(campaignID)).Result()
}
