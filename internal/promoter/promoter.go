package promoter

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"dialcast/internal/breaker"
	"dialcast/internal/jobqueue"
	"dialcast/internal/kvstore"
	"dialcast/internal/metrics"
	"dialcast/internal/reservation"
	"dialcast/internal/waitlist"
)

const (
	// MutexTTL bounds one promotion pass; the holder renews while working.
	MutexTTL = 5 * time.Second
	// MutexRenew is how often the holder extends the mutex.
	MutexRenew = 2 * time.Second
	// PollBase and PollJitter shape the safety-net poll loop: pub/sub is the
	// fast path, the poller catches lost events.
	PollBase   = 5 * time.Second
	PollJitter = 3 * time.Second
)

// CampaignLister supplies the campaign ids the poll loop sweeps
type CampaignLister interface {
	ActiveCampaignIDs(ctx context.Context) ([]string, error)
}

// Promoter moves waitlisted jobs into reserved slots and hands them to the
// campaign workers through the ready queue. Promotions for one campaign are
// serialized cluster-wide by a renewed mutex; triggers are slot-available
// pub/sub events plus a jittered poller.
type Promoter struct {
	store  *kvstore.Store
	ledger *reservation.Ledger
	wl     *waitlist.Waitlist
	brk    *breaker.Breaker
	ready  *jobqueue.ReadyQueue
	lister CampaignLister

	defaultBatch int

	releaseScript *redis.Script
	renewScript   *redis.Script

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

const releaseMutexLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

const renewMutexLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
  return 1
end
return 0
`

// New creates a promoter
func New(store *kvstore.Store, ledger *reservation.Ledger, wl *waitlist.Waitlist, brk *breaker.Breaker, ready *jobqueue.ReadyQueue, lister CampaignLister, defaultBatch int) *Promoter {
	return &Promoter{
		store:         store,
		ledger:        ledger,
		wl:            wl,
		brk:           brk,
		ready:         ready,
		lister:        lister,
		defaultBatch:  defaultBatch,
		releaseScript: redis.NewScript(releaseMutexLua),
		renewScript:   redis.NewScript(renewMutexLua),
		stopChan:      make(chan struct{}),
	}
}

// Start begins the pub/sub listener and the poll loop
func (p *Promoter) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.wg.Add(2)
	p.mu.Unlock()

	go p.subscribeLoop()
	go p.pollLoop()
	log.Println("[Promoter] Started")
}

// Stop halts both loops
func (p *Promoter) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
	log.Println("[Promoter] Stopped")
}

func (p *Promoter) subscribeLoop() {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopChan
		cancel()
	}()

	sub := p.store.PSubscribe(ctx, kvstore.SlotAvailablePattern)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-p.stopChan:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			campaignID := campaignFromChannel(msg.Channel)
			if campaignID == "" {
				continue
			}
			if err := p.Promote(ctx, campaignID); err != nil {
				log.Printf("[Promoter] Error promoting campaign %s: %v", campaignID, err)
			}
		}
	}
}

func (p *Promoter) pollLoop() {
	defer p.wg.Done()

	for {
		delay := PollBase + time.Duration(rand.Int63n(int64(2*PollJitter))) - PollJitter
		select {
		case <-p.stopChan:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		ids, err := p.lister.ActiveCampaignIDs(ctx)
		if err != nil {
			log.Printf("[Promoter] Error listing active campaigns: %v", err)
			cancel()
			continue
		}
		for _, id := range ids {
			if err := p.Promote(ctx, id); err != nil {
				log.Printf("[Promoter] Error promoting campaign %s: %v", id, err)
			}
		}
		cancel()
	}
}

// campaignFromChannel extracts the campaign id out of
// "campaign:<id>:slot-available".
func campaignFromChannel(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[0] != "campaign" || parts[2] != "slot-available" {
		return ""
	}
	return parts[1]
}

// Promote runs one promotion pass for a campaign. Paused campaigns are
// skipped; an open circuit shrinks the batch instead of halting.
func (p *Promoter) Promote(ctx context.Context, campaignID string) error {
	paused, err := p.store.Client().Exists(ctx, kvstore.PausedKey(campaignID)).Result()
	if err != nil {
		return err
	}
	if paused == 1 {
		return nil
	}

	coldStart, err := p.store.Client().Get(ctx, kvstore.ColdStartKey(campaignID)).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if coldStart == "blocking" {
		return nil
	}

	token := uuid.NewString()
	acquired, err := p.store.Client().SetNX(ctx, kvstore.PromoteMutexKey(campaignID), token, MutexTTL).Result()
	if err != nil {
		return err
	}
	if !acquired {
		// Another promoter holds the campaign
		return nil
	}
	defer func() {
		rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer rcancel()
		if err := p.releaseScript.Run(rctx, p.store.Client(), []string{kvstore.PromoteMutexKey(campaignID)}, token).Err(); err != nil && err != redis.Nil {
			log.Printf("[Promoter] Error releasing mutex for campaign %s: %v", campaignID, err)
		}
	}()

	renewDone := make(chan struct{})
	defer close(renewDone)
	go p.renewMutex(campaignID, token, renewDone)

	batch := p.brk.AdjustBatch(ctx, campaignID, p.defaultBatch)
	now := time.Now()

	res, err := p.ledger.PopReservePromote(ctx, campaignID, batch, now)
	if err != nil {
		return err
	}

	for _, jobID := range res.PushBackIDs {
		// Marker gone: the job was cancelled or already transitioned while
		// queued. It is dropped, not reserved.
		log.Printf("[Promoter] Dropping stale waitlist job %s (campaign %s)", jobID, campaignID)
		metrics.DroppedEvents.Inc()
	}

	for _, jobID := range res.PromotedIDs {
		job := jobqueue.ReadyJob{
			JobID:      jobID,
			ContactID:  contactFromJobID(jobID),
			Priority:   waitlist.PriorityNormal,
			PromoteSeq: res.Seq,
			PromotedAt: now.UnixMilli(),
		}
		if strings.HasPrefix(jobID, "retry-") {
			job.Priority = waitlist.PriorityHigh
		}
		if err := p.ready.Push(ctx, campaignID, job); err != nil {
			log.Printf("[Promoter] Error pushing ready job %s: %v", jobID, err)
			// Reservation stays in the ledger; the orphan reaper returns it
			continue
		}
		metrics.PromotedJobs.Inc()
	}

	if res.Count > 0 {
		log.Printf("[Promoter] Promoted %d jobs for campaign %s (seq %d)", res.Count, campaignID, res.Seq)
	}
	return nil
}

func (p *Promoter) renewMutex(campaignID, token string, done chan struct{}) {
	ticker := time.NewTicker(MutexRenew)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			ok, err := p.renewScript.Run(ctx, p.store.Client(),
				[]string{kvstore.PromoteMutexKey(campaignID)},
				token, int(MutexTTL.Seconds())).Int()
			cancel()
			if err != nil {
				log.Printf("[Promoter] Error renewing mutex for campaign %s: %v", campaignID, err)
				return
			}
			if ok == 0 {
				return
			}
		}
	}
}

// contactFromJobID recovers the contact id carried by a waitlist job id.
// Campaign dial jobs use the contact id directly; retry jobs are resolved by
// the worker through the retry record.
func contactFromJobID(jobID string) string {
	if strings.HasPrefix(jobID, "retry-") {
		return ""
	}
	return jobID
}
