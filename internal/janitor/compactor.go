package janitor

import (
	"context"
	"log"
	"sync"
	"time"

	"dialcast/internal/database"
	"dialcast/internal/waitlist"
)

const (
	// CompactorInterval is how often the waitlists are compacted.
	CompactorInterval = 2 * time.Minute
	// CompactorSample bounds how many entries per queue one pass inspects.
	CompactorSample = 1000
)

// Compactor drops waitlist entries whose idempotency marker is gone. Those
// jobs were cancelled or transitioned while queued; popping them later would
// only waste a promotion slot.
type Compactor struct {
	wl     *waitlist.Waitlist
	repo   *database.Repository
	leader func() bool

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewCompactor creates the waitlist compactor
func NewCompactor(wl *waitlist.Waitlist, repo *database.Repository, leader func() bool) *Compactor {
	return &Compactor{
		wl:       wl,
		repo:     repo,
		leader:   leader,
		stopChan: make(chan struct{}),
	}
}

// Start begins the compaction loop
func (c *Compactor) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run()
	log.Println("[Compactor] Started")
}

// Stop halts the compaction loop
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()
	log.Println("[Compactor] Stopped")
}

func (c *Compactor) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(CompactorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.leader != nil && !c.leader() {
				continue
			}
			c.Sweep(context.Background())
		}
	}
}

// Sweep compacts both queues of every active campaign
func (c *Compactor) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	campaigns, err := c.repo.GetActiveCampaigns(ctx)
	if err != nil {
		log.Printf("[Compactor] Error listing active campaigns: %v", err)
		return
	}

	for i := range campaigns {
		c.CompactCampaign(ctx, campaigns[i].ID)
	}
}

// CompactCampaign removes marker-less entries from one campaign's queues
func (c *Compactor) CompactCampaign(ctx context.Context, campaignID string) {
	for _, priority := range []string{waitlist.PriorityHigh, waitlist.PriorityNormal} {
		jobs, err := c.wl.Peek(ctx, campaignID, priority, CompactorSample)
		if err != nil {
			log.Printf("[Compactor] Error sampling %s waitlist for %s: %v", priority, campaignID, err)
			continue
		}

		removed := 0
		for _, jobID := range jobs {
			has, err := c.wl.HasMarker(ctx, campaignID, jobID)
			if err != nil {
				log.Printf("[Compactor] Error checking marker for %s: %v", jobID, err)
				continue
			}
			if has {
				continue
			}
			if err := c.wl.Remove(ctx, campaignID, priority, jobID); err != nil {
				log.Printf("[Compactor] Error removing %s from %s waitlist: %v", jobID, priority, err)
				continue
			}
			removed++
		}
		if removed > 0 {
			log.Printf("[Compactor] Removed %d dead entries from %s/%s", removed, campaignID, priority)
		}
	}
}
