package janitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"dialcast/internal/database"
	"dialcast/internal/kvstore"
	"dialcast/internal/lease"
	"dialcast/internal/metrics"
)

const (
	// LeaseJanitorInterval is how often the janitor sweeps the lease sets.
	LeaseJanitorInterval = 30 * time.Second
	// LeaseJanitorBudget caps one sweep's wall-clock time.
	LeaseJanitorBudget = 5 * time.Second
	// LeaseJanitorMaxCampaigns caps how many campaigns one sweep touches.
	LeaseJanitorMaxCampaigns = 100
)

// LeaseJanitor removes lease-set members whose per-member key expired. A
// member without a key is a dead call holding a phantom slot; dropping it
// frees the slot and wakes the promoter.
type LeaseJanitor struct {
	store  *kvstore.Store
	leases *lease.Registry
	repo   *database.Repository
	leader func() bool

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewLeaseJanitor creates the lease janitor
func NewLeaseJanitor(store *kvstore.Store, leases *lease.Registry, repo *database.Repository, leader func() bool) *LeaseJanitor {
	return &LeaseJanitor{
		store:    store,
		leases:   leases,
		repo:     repo,
		leader:   leader,
		stopChan: make(chan struct{}),
	}
}

// Start begins the sweep loop
func (j *LeaseJanitor) Start() {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.wg.Add(1)
	j.mu.Unlock()

	go j.run()
	log.Println("[LeaseJanitor] Started")
}

// Stop halts the sweep loop
func (j *LeaseJanitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	j.mu.Unlock()

	close(j.stopChan)
	j.wg.Wait()
	log.Println("[LeaseJanitor] Stopped")
}

func (j *LeaseJanitor) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(LeaseJanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopChan:
			return
		case <-ticker.C:
			if j.leader != nil && !j.leader() {
				continue
			}
			j.Sweep(context.Background())
		}
	}
}

// Sweep walks up to LeaseJanitorMaxCampaigns active campaigns within the
// time budget, pruning stale members. Campaigns in the cold-start blocking
// window are skipped so reconstructed leases are not swept mid-recovery.
func (j *LeaseJanitor) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, LeaseJanitorBudget)
	defer cancel()

	campaigns, err := j.repo.GetActiveCampaigns(ctx)
	if err != nil {
		log.Printf("[LeaseJanitor] Error listing active campaigns: %v", err)
		return
	}

	deadline := time.Now().Add(LeaseJanitorBudget)
	swept := 0
	for i := range campaigns {
		if swept >= LeaseJanitorMaxCampaigns || time.Now().After(deadline) {
			break
		}
		j.sweepCampaign(ctx, campaigns[i].ID)
		swept++
	}
}

func (j *LeaseJanitor) sweepCampaign(ctx context.Context, campaignID string) {
	coldStart, err := j.store.Client().Get(ctx, kvstore.ColdStartKey(campaignID)).Result()
	if err != nil && err != redis.Nil {
		log.Printf("[LeaseJanitor] Error reading cold-start state for %s: %v", campaignID, err)
		return
	}
	if coldStart == "blocking" {
		return
	}

	members, err := j.leases.Members(ctx, campaignID)
	if err != nil {
		log.Printf("[LeaseJanitor] Error listing lease members for %s: %v", campaignID, err)
		return
	}

	pruned := 0
	for _, member := range members {
		held, err := j.leases.HasLease(ctx, campaignID, member)
		if err != nil {
			log.Printf("[LeaseJanitor] Error checking lease %s/%s: %v", campaignID, member, err)
			continue
		}
		if held {
			continue
		}
		if err := j.leases.RemoveMember(ctx, campaignID, member); err != nil {
			log.Printf("[LeaseJanitor] Error removing stale member %s/%s: %v", campaignID, member, err)
			continue
		}
		metrics.StaleLeaseMembers.Inc()
		pruned++
		// A freed slot is worth a promotion attempt
		if err := j.store.Publish(ctx, kvstore.SlotAvailableChannel(campaignID), "1"); err != nil {
			log.Printf("[LeaseJanitor] Error publishing slot-available for %s: %v", campaignID, err)
		}
	}
	if pruned > 0 {
		log.Printf("[LeaseJanitor] Pruned %d stale members from campaign %s", pruned, campaignID)
	}
}
