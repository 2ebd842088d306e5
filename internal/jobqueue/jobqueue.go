package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dialcast/internal/config"
	"dialcast/internal/kvstore"
	"dialcast/internal/metrics"
)

const (
	// DelayedKey is the sorted set of pending delayed jobs (score = fire time ms)
	DelayedKey = "dialcast:jobs:delayed"
	// PayloadKey is the hash of job payloads keyed by job id
	PayloadKey = "dialcast:jobs:payload"

	// PollInterval is how often the runner checks for due jobs
	PollInterval = 1 * time.Second
	// PopBatch bounds how many due jobs one tick moves
	PopBatch = 100
)

// Job types dispatched by the runner
const (
	TypeScheduledCall = "scheduled-call"
	TypeRetryCall     = "retry-call"
)

// Job is one delayed unit of work. The id doubles as the idempotency key:
// scheduling the same id twice is a no-op.
type Job struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
}

// Handler processes one due job
type Handler func(ctx context.Context, job Job) error

// popDueLua atomically moves due members out of the delayed set and returns
// their payloads. Jobs whose payload vanished are dropped by the caller.
const popDueLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for i, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local payload = redis.call('HGET', KEYS[2], id)
  redis.call('HDEL', KEYS[2], id)
  if payload then
    out[#out + 1] = payload
  end
end
return out
`

// Runner is the delayed-job engine: jobs are scheduled into a redis sorted
// set and moved to handlers when due. Only the leader instance runs the poll
// loop; Schedule and Cancel work from any instance.
type Runner struct {
	store  *kvstore.Store
	cfg    config.QueueConfig
	leader func() bool

	popScript *redis.Script

	handlers map[string]Handler
	hmu      sync.RWMutex

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewRunner creates a delayed-job runner. leader gates the poll loop; pass
// a func returning true to run unconditionally.
func NewRunner(store *kvstore.Store, cfg config.QueueConfig, leader func() bool) *Runner {
	return &Runner{
		store:     store,
		cfg:       cfg,
		leader:    leader,
		popScript: redis.NewScript(popDueLua),
		handlers:  make(map[string]Handler),
		stopChan:  make(chan struct{}),
	}
}

// Register binds a handler to a job type
func (r *Runner) Register(jobType string, h Handler) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.handlers[jobType] = h
}

// Schedule enqueues a job to fire at the given time. Returns false when a job
// with the same id is already pending.
func (r *Runner) Schedule(ctx context.Context, job Job, fireAt time.Time) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encoding job %s: %w", job.ID, err)
	}

	added, err := r.store.Client().ZAddNX(ctx, DelayedKey, redis.Z{
		Score:  float64(fireAt.UnixMilli()),
		Member: job.ID,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("scheduling job %s: %w", job.ID, err)
	}
	if added == 0 {
		return false, nil
	}

	if err := r.store.Client().HSet(ctx, PayloadKey, job.ID, data).Err(); err != nil {
		return false, fmt.Errorf("storing job payload %s: %w", job.ID, err)
	}
	return true, nil
}

// Cancel removes a pending job; returns false when it was not pending
func (r *Runner) Cancel(ctx context.Context, jobID string) (bool, error) {
	removed, err := r.store.Client().ZRem(ctx, DelayedKey, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("cancelling job %s: %w", jobID, err)
	}
	r.store.Client().HDel(ctx, PayloadKey, jobID)
	return removed > 0, nil
}

// Reschedule moves a pending job to a new fire time; returns false when the
// job is no longer pending (already fired or cancelled).
func (r *Runner) Reschedule(ctx context.Context, jobID string, fireAt time.Time) (bool, error) {
	moved, err := r.store.Client().ZAddArgs(ctx, DelayedKey, redis.ZAddArgs{
		XX: true,
		Ch: true,
		Members: []redis.Z{{
			Score:  float64(fireAt.UnixMilli()),
			Member: jobID,
		}},
	}).Result()
	if err != nil {
		return false, fmt.Errorf("rescheduling job %s: %w", jobID, err)
	}
	if moved > 0 {
		return true, nil
	}
	// Unchanged score still counts as pending
	pending, err := r.Pending(ctx, jobID)
	return pending, err
}

// Pending reports whether a job id is still waiting to fire
func (r *Runner) Pending(ctx context.Context, jobID string) (bool, error) {
	_, err := r.store.Client().ZScore(ctx, DelayedKey, jobID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Start begins the poll loop
func (r *Runner) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run()
	log.Println("[JobQueue] Runner started")
}

// Stop halts the poll loop
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	log.Println("[JobQueue] Runner stopped")
}

func (r *Runner) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if r.leader != nil && !r.leader() {
				continue
			}
			r.tick()
		}
	}
}

func (r *Runner) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reply, err := r.popScript.Run(ctx, r.store.Client(),
		[]string{DelayedKey, PayloadKey},
		time.Now().UnixMilli(), PopBatch).Slice()
	if err != nil && err != redis.Nil {
		log.Printf("[JobQueue] Error popping due jobs: %v", err)
		return
	}

	for _, raw := range reply {
		payload, ok := raw.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			log.Printf("[JobQueue] Dropping undecodable job: %v", err)
			metrics.DroppedEvents.Inc()
			continue
		}
		r.dispatch(ctx, job)
	}
}

func (r *Runner) dispatch(ctx context.Context, job Job) {
	r.hmu.RLock()
	handler, ok := r.handlers[job.Type]
	r.hmu.RUnlock()

	if !ok {
		log.Printf("[JobQueue] No handler for job type %q, dropping %s", job.Type, job.ID)
		metrics.DroppedEvents.Inc()
		return
	}

	if err := handler(ctx, job); err != nil {
		job.Attempts++
		if job.Attempts >= r.cfg.RetryAttempts {
			log.Printf("[JobQueue] Job %s failed after %d attempts, dropping: %v", job.ID, job.Attempts, err)
			metrics.DroppedEvents.Inc()
			return
		}

		// Exponential backoff on the configured base delay
		delay := r.cfg.RetryBackoffDelay * time.Duration(1<<uint(job.Attempts-1))
		log.Printf("[JobQueue] Job %s failed (attempt %d), retrying in %v: %v", job.ID, job.Attempts, delay, err)

		data, merr := json.Marshal(job)
		if merr != nil {
			metrics.DroppedEvents.Inc()
			return
		}
		pipe := r.store.Client().TxPipeline()
		pipe.ZAdd(ctx, DelayedKey, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: job.ID,
		})
		pipe.HSet(ctx, PayloadKey, job.ID, data)
		if _, perr := pipe.Exec(ctx); perr != nil {
			log.Printf("[JobQueue] Error re-scheduling job %s: %v", job.ID, perr)
		}
	}
}
