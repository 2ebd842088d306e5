package janitor

import (
	"context"
	"log"
	"sync"
	"time"

	"dialcast/internal/database"
	"dialcast/internal/metrics"
	"dialcast/internal/reservation"
	"dialcast/internal/waitlist"
)

// OrphanReaperInterval is how often unclaimed reservations are swept.
const OrphanReaperInterval = 60 * time.Second

// OrphanReaper returns reservations nobody claimed to their waitlists. A
// reservation older than OrphanAge means the worker crashed between
// promotion and claim; the job goes back to the head of the queue it came
// from and the counter is walked down.
type OrphanReaper struct {
	ledger *reservation.Ledger
	wl     *waitlist.Waitlist
	repo   *database.Repository
	leader func() bool

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewOrphanReaper creates the reservation orphan reaper
func NewOrphanReaper(ledger *reservation.Ledger, wl *waitlist.Waitlist, repo *database.Repository, leader func() bool) *OrphanReaper {
	return &OrphanReaper{
		ledger:   ledger,
		wl:       wl,
		repo:     repo,
		leader:   leader,
		stopChan: make(chan struct{}),
	}
}

// Start begins the sweep loop
func (r *OrphanReaper) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run()
	log.Println("[OrphanReaper] Started")
}

// Stop halts the sweep loop
func (r *OrphanReaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	log.Println("[OrphanReaper] Stopped")
}

func (r *OrphanReaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(OrphanReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if r.leader != nil && !r.leader() {
				continue
			}
			r.Sweep(context.Background())
		}
	}
}

// Sweep reclaims aged reservations for every active campaign
func (r *OrphanReaper) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	campaigns, err := r.repo.GetActiveCampaigns(ctx)
	if err != nil {
		log.Printf("[OrphanReaper] Error listing active campaigns: %v", err)
		return
	}

	for i := range campaigns {
		r.SweepCampaign(ctx, campaigns[i].ID)
	}
}

// SweepCampaign reclaims aged reservations for one campaign
func (r *OrphanReaper) SweepCampaign(ctx context.Context, campaignID string) {
	cutoff := time.Now().Add(-reservation.OrphanAge)
	orphans, err := r.ledger.Orphans(ctx, campaignID, cutoff)
	if err != nil {
		log.Printf("[OrphanReaper] Error listing orphans for %s: %v", campaignID, err)
		return
	}
	if len(orphans) == 0 {
		return
	}

	reclaimed := 0
	var toRemove []string
	for _, member := range orphans {
		origin, jobID, ok := reservation.SplitEntry(member)
		if !ok {
			toRemove = append(toRemove, member)
			continue
		}

		priority := waitlist.PriorityNormal
		if origin == reservation.OriginHigh {
			priority = waitlist.PriorityHigh
		}
		if err := r.wl.PushFront(ctx, campaignID, jobID, priority); err != nil {
			log.Printf("[OrphanReaper] Error returning job %s to waitlist: %v", jobID, err)
			continue
		}
		toRemove = append(toRemove, member)
		reclaimed++
		metrics.OrphanedReservations.Inc()
	}

	if len(toRemove) == 0 {
		return
	}
	if err := r.ledger.RemoveEntries(ctx, campaignID, toRemove); err != nil {
		log.Printf("[OrphanReaper] Error removing ledger entries for %s: %v", campaignID, err)
		return
	}
	if err := r.ledger.DecrReserved(ctx, campaignID, len(toRemove)); err != nil {
		log.Printf("[OrphanReaper] Error decrementing reserved counter for %s: %v", campaignID, err)
	}
	log.Printf("[OrphanReaper] Returned %d orphaned reservations for campaign %s", reclaimed, campaignID)
}
