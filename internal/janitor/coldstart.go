package janitor

import (
	"context"
	"log"
	"strings"
	"time"

	"dialcast/internal/database"
	"dialcast/internal/kvstore"
	"dialcast/internal/lease"
	"dialcast/internal/metrics"
)

const (
	// ColdStartBlocking is the window during which promotion and lease
	// renewal are refused while state is rebuilt.
	ColdStartBlocking = 90 * time.Second
	// ColdStartGrace follows the blocking window: reconstructed leases live
	// but expire naturally if the call is truly gone.
	ColdStartGrace = 60 * time.Second
	// ColdStartDoneTTL bounds the terminal marker.
	ColdStartDoneTTL = 86400 * time.Second

	// recoveredLeaseTTL is the conservative lifetime given to reconstructed
	// leases; a live call's webhook releases it sooner.
	recoveredLeaseTTL = ColdStartBlocking + ColdStartGrace

	// settleProbeInterval is how often a blocked campaign is probed for an
	// early unblock during the blocking window.
	settleProbeInterval = 2 * time.Second
)

// ColdStartGuard rebuilds lease state after the primary restarts. Key-value
// lease state may have been lost; the in-progress call logs are replayed as
// recovered leases so capacity is not double-booked, and dispatch stays
// blocked until the picture settles.
type ColdStartGuard struct {
	store  *kvstore.Store
	leases *lease.Registry
	repo   *database.Repository
}

// NewColdStartGuard creates the cold-start guard
func NewColdStartGuard(store *kvstore.Store, leases *lease.Registry, repo *database.Repository) *ColdStartGuard {
	return &ColdStartGuard{
		store:  store,
		leases: leases,
		repo:   repo,
	}
}

// Run executes the cold-start sequence for every active campaign and returns
// once all of them reached the done state. Campaigns unblock progressively: a
// campaign whose reconstructed set already covers min(limit, 2) slots moves
// straight to done, and a blocked campaign unblocks as soon as a lease
// upgrade confirms the picture is live. Call it once at primary startup, in
// its own goroutine.
func (g *ColdStartGuard) Run(ctx context.Context) {
	campaigns, err := g.repo.GetActiveCampaigns(ctx)
	if err != nil {
		log.Printf("[ColdStart] Error listing active campaigns: %v", err)
		return
	}
	if len(campaigns) == 0 {
		return
	}

	// Phase 1: block dispatch and replay in-progress calls as leases. A
	// reconstruction that already fills the usable capacity proves nothing
	// was lost, so the campaign skips the wait entirely.
	pending := make(map[string]bool)
	for i := range campaigns {
		c := &campaigns[i]
		if err := g.store.Client().Set(ctx, kvstore.ColdStartKey(c.ID), "blocking", ColdStartBlocking+ColdStartGrace).Err(); err != nil {
			log.Printf("[ColdStart] Error setting blocking state for %s: %v", c.ID, err)
			continue
		}
		seeded := g.reconstruct(ctx, c.ID)
		if recoverySettled(seeded, c.ConcurrentLimit) {
			g.markDone(ctx, c.ID)
			log.Printf("[ColdStart] Campaign %s settled on reconstruction (%d leases)", c.ID, seeded)
			continue
		}
		pending[c.ID] = true
	}
	if len(pending) > 0 {
		log.Printf("[ColdStart] Blocking window open for %d campaigns", len(pending))
	}

	// Probe blocked campaigns for an early unblock until the window closes
	deadline := time.After(ColdStartBlocking)
	ticker := time.NewTicker(settleProbeInterval)
	defer ticker.Stop()
blocking:
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			break blocking
		case <-ticker.C:
			for id := range pending {
				if g.upgradeObserved(ctx, id) {
					g.markDone(ctx, id)
					delete(pending, id)
					log.Printf("[ColdStart] Campaign %s settled on first upgrade", id)
				}
			}
		}
	}

	if len(pending) > 0 {
		// Phase 2: grace window for the rest, renewals allowed again,
		// reconstructed leases age out unless a webhook confirms them
		for id := range pending {
			if err := g.store.Client().Set(ctx, kvstore.ColdStartKey(id), "recovered", ColdStartGrace).Err(); err != nil {
				log.Printf("[ColdStart] Error setting recovered state for %s: %v", id, err)
			}
		}
		log.Println("[ColdStart] Grace window open, dispatch resumes")

		select {
		case <-ctx.Done():
			return
		case <-time.After(ColdStartGrace):
		}

		for id := range pending {
			g.markDone(ctx, id)
		}
	}

	metrics.ColdStartRecoveries.Inc()
	log.Println("[ColdStart] Recovery complete")
}

// recoverySettled reports whether the reconstructed set already accounts for
// the campaign's usable capacity, min(limit, 2). An unset limit never settles
// on reconstruction alone.
func recoverySettled(seeded, limit int) bool {
	target := limit
	if target > 2 {
		target = 2
	}
	if target < 1 {
		return false
	}
	return seeded >= target
}

// upgradeObserved reports whether any active lease carries a live token. The
// seeded value never survives an upgrade, so a non-recovered token on an
// active member means a webhook confirmed a real call.
func (g *ColdStartGuard) upgradeObserved(ctx context.Context, campaignID string) bool {
	members, err := g.leases.Members(ctx, campaignID)
	if err != nil {
		log.Printf("[ColdStart] Error listing leases for %s: %v", campaignID, err)
		return false
	}
	for _, m := range members {
		if strings.HasPrefix(m, "pre-") {
			continue
		}
		token, err := g.leases.TokenOf(ctx, campaignID, m)
		if err != nil || token == "" || token == "recovered" {
			continue
		}
		return true
	}
	return false
}

func (g *ColdStartGuard) markDone(ctx context.Context, campaignID string) {
	if err := g.store.Client().Set(ctx, kvstore.ColdStartKey(campaignID), "done", ColdStartDoneTTL).Err(); err != nil {
		log.Printf("[ColdStart] Error setting done state for %s: %v", campaignID, err)
	}
}

// reconstruct seeds a recovered lease per in-progress call log, returning the
// seeded count.
func (g *ColdStartGuard) reconstruct(ctx context.Context, campaignID string) int {
	logs, err := g.repo.InProgressCallLogs(ctx, campaignID)
	if err != nil {
		log.Printf("[ColdStart] Error listing in-progress calls for %s: %v", campaignID, err)
		return 0
	}

	seeded := 0
	for i := range logs {
		cl := &logs[i]
		if cl.CallID == "" {
			continue
		}
		member := cl.CallID
		if cl.Status == database.CallInitiated || cl.Status == database.CallRinging {
			member = kvstore.PreDialMember(cl.CallID)
		}
		if err := g.leases.Seed(ctx, campaignID, member, recoveredLeaseTTL); err != nil {
			log.Printf("[ColdStart] Error seeding lease %s/%s: %v", campaignID, member, err)
			continue
		}
		seeded++
	}
	if seeded > 0 {
		log.Printf("[ColdStart] Reconstructed %d leases for campaign %s", seeded, campaignID)
	}
	return seeded
}
