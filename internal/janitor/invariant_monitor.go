package janitor

import (
	"context"
	"log"
	"sync"
	"time"

	"dialcast/internal/breaker"
	"dialcast/internal/database"
	"dialcast/internal/lease"
	"dialcast/internal/metrics"
	"dialcast/internal/reservation"
)

// InvariantInterval is how often the capacity invariants are checked.
const InvariantInterval = 30 * time.Second

// InvariantMonitor watches the capacity invariants without correcting them:
// committed capacity (inflight plus reserved) never above limit, reserved
// counter never negative, ledger never wildly above limit. Violations are
// counted, logged for the repair sweepers and operators, and fed to the
// circuit breaker so dispatch slows down while state is inconsistent.
type InvariantMonitor struct {
	leases *lease.Registry
	ledger *reservation.Ledger
	repo   *database.Repository
	brk    *breaker.Breaker
	leader func() bool

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewInvariantMonitor creates the invariant monitor
func NewInvariantMonitor(leases *lease.Registry, ledger *reservation.Ledger, repo *database.Repository, brk *breaker.Breaker, leader func() bool) *InvariantMonitor {
	return &InvariantMonitor{
		leases:   leases,
		ledger:   ledger,
		repo:     repo,
		brk:      brk,
		leader:   leader,
		stopChan: make(chan struct{}),
	}
}

// Start begins the check loop
func (m *InvariantMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run()
	log.Println("[InvariantMonitor] Started")
}

// Stop halts the check loop
func (m *InvariantMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	log.Println("[InvariantMonitor] Stopped")
}

func (m *InvariantMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(InvariantInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			if m.leader != nil && !m.leader() {
				continue
			}
			m.Check(context.Background())
		}
	}
}

// Check audits every active campaign
func (m *InvariantMonitor) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	campaigns, err := m.repo.GetActiveCampaigns(ctx)
	if err != nil {
		log.Printf("[InvariantMonitor] Error listing active campaigns: %v", err)
		return
	}

	for i := range campaigns {
		m.CheckCampaign(ctx, campaigns[i].ID)
	}
}

// CheckCampaign audits one campaign's counters against its limit
func (m *InvariantMonitor) CheckCampaign(ctx context.Context, campaignID string) {
	limit, err := m.leases.Limit(ctx, campaignID)
	if err != nil {
		log.Printf("[InvariantMonitor] Error reading limit for %s: %v", campaignID, err)
		return
	}
	if limit < 1 {
		return
	}

	inflight, err := m.leases.InflightCount(ctx, campaignID)
	if err != nil {
		log.Printf("[InvariantMonitor] Error reading inflight for %s: %v", campaignID, err)
		return
	}
	if inflight > int64(limit) {
		m.violation(ctx, campaignID, "inflight %d exceeds limit %d", inflight, limit)
	}

	reserved, err := m.ledger.ReservedCount(ctx, campaignID)
	if err != nil {
		log.Printf("[InvariantMonitor] Error reading reserved counter for %s: %v", campaignID, err)
		return
	}
	if reserved < 0 {
		m.violation(ctx, campaignID, "reserved counter negative (%d)", reserved)
	}
	if inflight+reserved > int64(limit) {
		m.violation(ctx, campaignID, "committed capacity %d (inflight %d + reserved %d) exceeds limit %d",
			inflight+reserved, inflight, reserved, limit)
	}

	ledgerSize, err := m.ledger.Size(ctx, campaignID)
	if err != nil {
		log.Printf("[InvariantMonitor] Error reading ledger size for %s: %v", campaignID, err)
		return
	}
	if ledgerSize > int64(limit) {
		m.violation(ctx, campaignID, "ledger size %d exceeds limit %d", ledgerSize, limit)
	}
}

// violation counts, logs and feeds the breaker so dispatch slows down until
// the repair sweepers catch up.
func (m *InvariantMonitor) violation(ctx context.Context, campaignID, format string, args ...interface{}) {
	metrics.InvariantViolations.Inc()
	log.Printf("[InvariantMonitor] VIOLATION: campaign %s "+format, append([]interface{}{campaignID}, args...)...)
	if m.brk != nil {
		if err := m.brk.RecordFailure(ctx, campaignID); err != nil {
			log.Printf("[InvariantMonitor] Error recording breaker failure for %s: %v", campaignID, err)
		}
	}
}
