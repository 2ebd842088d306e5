package waitlist

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"dialcast/internal/apperrors"
	"dialcast/internal/kvstore"
	"dialcast/internal/metrics"
)

const (
	// MarkerTTL bounds the per-job idempotency marker; job state transitions
	// clear it earlier.
	MarkerTTL = 3600 * time.Second
	// SeenTTL bounds the contact-level dedup set.
	SeenTTL = 86400 * time.Second
)

// Priorities of the two FIFO queues per campaign.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
)

// Waitlist manages the two per-campaign FIFO queues of job ids, with an
// idempotency marker per job and a contact-level dedup set.
type Waitlist struct {
	store *kvstore.Store
}

// New creates a waitlist over the key-value store
func New(store *kvstore.Store) *Waitlist {
	return &Waitlist{store: store}
}

// Enqueue pushes jobID onto the priority queue, guarded by a marker CAS so
// the same job is never queued twice concurrently. Returns Conflict when the
// marker already exists.
func (w *Waitlist) Enqueue(ctx context.Context, campaignID, jobID, priority string) error {
	if priority != PriorityHigh && priority != PriorityNormal {
		return apperrors.New(apperrors.Validation, "INVALID_PRIORITY", fmt.Sprintf("unknown priority %q", priority))
	}

	ok, err := w.store.Client().SetNX(ctx, kvstore.WaitlistMarkerKey(campaignID, jobID), "1", MarkerTTL).Result()
	if err != nil {
		return fmt.Errorf("setting waitlist marker: %w", err)
	}
	if !ok {
		return apperrors.New(apperrors.Conflict, "DUPLICATE_ENQUEUE", fmt.Sprintf("job %s already queued", jobID))
	}

	if err := w.store.Client().RPush(ctx, kvstore.WaitlistKey(campaignID, priority), jobID).Err(); err != nil {
		return fmt.Errorf("pushing to waitlist: %w", err)
	}
	return nil
}

// MarkContactSeen records contactID in the dedup set. Returns false (and
// counts the duplicate) when the contact was already enqueued for this
// campaign within the dedup window.
func (w *Waitlist) MarkContactSeen(ctx context.Context, campaignID, contactID string) (bool, error) {
	key := kvstore.WaitlistSeenKey(campaignID)
	added, err := w.store.Client().SAdd(ctx, key, contactID).Result()
	if err != nil {
		return false, fmt.Errorf("adding to seen set: %w", err)
	}
	// Keep the set bounded even if no transition ever clears it
	w.store.Client().Expire(ctx, key, SeenTTL)
	if added == 0 {
		metrics.DuplicateEnqueues.Inc()
		log.Printf("[Waitlist] Duplicate enqueue swallowed: campaign=%s contact=%s", campaignID, contactID)
		return false, nil
	}
	return true, nil
}

// ClearMarker removes the idempotency marker; called on every job state
// transition (waiting, active, completed, failed, stalled).
func (w *Waitlist) ClearMarker(ctx context.Context, campaignID, jobID string) error {
	return w.store.Client().Del(ctx, kvstore.WaitlistMarkerKey(campaignID, jobID)).Err()
}

// HasMarker reports whether the job's idempotency marker is still present
func (w *Waitlist) HasMarker(ctx context.Context, campaignID, jobID string) (bool, error) {
	n, err := w.store.Client().Exists(ctx, kvstore.WaitlistMarkerKey(campaignID, jobID)).Result()
	return n == 1, err
}

// PushFront returns a job to the head of its queue (janitor orphan path)
func (w *Waitlist) PushFront(ctx context.Context, campaignID, jobID, priority string) error {
	return w.store.Client().LPush(ctx, kvstore.WaitlistKey(campaignID, priority), jobID).Err()
}

// Len returns the length of one priority queue
func (w *Waitlist) Len(ctx context.Context, campaignID, priority string) (int64, error) {
	return w.store.Client().LLen(ctx, kvstore.WaitlistKey(campaignID, priority)).Result()
}

// Peek returns up to n job ids from the head of the queue without popping
func (w *Waitlist) Peek(ctx context.Context, campaignID, priority string, n int64) ([]string, error) {
	return w.store.Client().LRange(ctx, kvstore.WaitlistKey(campaignID, priority), 0, n-1).Result()
}

// Remove deletes every occurrence of jobID from the queue (compactor path)
func (w *Waitlist) Remove(ctx context.Context, campaignID, priority, jobID string) error {
	err := w.store.Client().LRem(ctx, kvstore.WaitlistKey(campaignID, priority), 0, jobID).Err()
	if err != nil && err != redis.Nil {
		return err
	}
	return nil
}
