package janitor

import (
	"context"
	"log"
	"sync"
	"time"

	"dialcast/internal/database"
	"dialcast/internal/metrics"
	"dialcast/internal/reservation"
)

const (
	// ReconcilerInterval is how often the reserved counter is audited.
	ReconcilerInterval = 15 * time.Minute
	// ReconcilerDriftLimit is the drift above which the counter is rewritten.
	ReconcilerDriftLimit = 5
	// reconcilerSampleGap separates the two drift samples so a promotion
	// racing the audit does not look like drift.
	reconcilerSampleGap = 2 * time.Second
)

// Reconciler audits the cached reserved counter against the ledger. The
// ledger is the truth; sustained drift beyond the limit rewrites the counter
// and raises the drift gauge.
type Reconciler struct {
	ledger *reservation.Ledger
	repo   *database.Repository
	leader func() bool

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewReconciler creates the reserved-counter reconciler
func NewReconciler(ledger *reservation.Ledger, repo *database.Repository, leader func() bool) *Reconciler {
	return &Reconciler{
		ledger:   ledger,
		repo:     repo,
		leader:   leader,
		stopChan: make(chan struct{}),
	}
}

// Start begins the audit loop
func (r *Reconciler) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run()
	log.Println("[Reconciler] Started")
}

// Stop halts the audit loop
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	log.Println("[Reconciler] Stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(ReconcilerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if r.leader != nil && !r.leader() {
				continue
			}
			r.Audit(context.Background())
		}
	}
}

// Audit checks every active campaign
func (r *Reconciler) Audit(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	campaigns, err := r.repo.GetActiveCampaigns(ctx)
	if err != nil {
		log.Printf("[Reconciler] Error listing active campaigns: %v", err)
		return
	}

	for i := range campaigns {
		r.AuditCampaign(ctx, campaigns[i].ID)
	}
}

// AuditCampaign measures drift twice with a gap and takes the smaller of the
// two samples, so in-flight promotions between ledger write and counter
// bump do not trigger false rewrites.
func (r *Reconciler) AuditCampaign(ctx context.Context, campaignID string) {
	drift1, truth1, ok := r.sample(ctx, campaignID)
	if !ok {
		return
	}
	if drift1 <= ReconcilerDriftLimit {
		metrics.ReconcilerDrift.Set(float64(drift1))
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(reconcilerSampleGap):
	}

	drift2, truth2, ok := r.sample(ctx, campaignID)
	if !ok {
		return
	}

	drift := drift1
	truth := truth1
	if drift2 < drift1 {
		drift = drift2
		truth = truth2
	}
	metrics.ReconcilerDrift.Set(float64(drift))

	if drift <= ReconcilerDriftLimit {
		return
	}

	log.Printf("[Reconciler] ALERT: reserved counter drift %d for campaign %s, rewriting from ledger (%d entries)", drift, campaignID, truth)
	if err := r.ledger.SetReservedCount(ctx, campaignID, truth); err != nil {
		log.Printf("[Reconciler] Error rewriting reserved counter for %s: %v", campaignID, err)
	}
}

func (r *Reconciler) sample(ctx context.Context, campaignID string) (drift, truth int64, ok bool) {
	truth, err := r.ledger.Size(ctx, campaignID)
	if err != nil {
		log.Printf("[Reconciler] Error reading ledger size for %s: %v", campaignID, err)
		return 0, 0, false
	}
	cached, err := r.ledger.ReservedCount(ctx, campaignID)
	if err != nil {
		log.Printf("[Reconciler] Error reading reserved counter for %s: %v", campaignID, err)
		return 0, 0, false
	}
	drift = truth - cached
	if drift < 0 {
		drift = -drift
	}
	return drift, truth, true
}
