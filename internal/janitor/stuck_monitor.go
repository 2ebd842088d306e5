package janitor

import (
	"context"
	"log"
	"sync"
	"time"

	"dialcast/internal/database"
	"dialcast/internal/dialer"
	"dialcast/internal/lease"
	"dialcast/internal/metrics"
	"dialcast/internal/telephony"
)

const (
	// StuckMonitorInterval is how often ringing calls are audited.
	StuckMonitorInterval = 2 * time.Minute
	// StuckThreshold is how long a call may ring before it counts as stuck.
	StuckThreshold = 3 * time.Minute
	// stuckBatch bounds one pass.
	stuckBatch = 100
)

// StuckMonitor reconciles calls stuck in ringing: the answer or termination
// webhook was lost, so the vendor is asked directly. A terminal or unknown
// vendor state closes the call as no-answer and force-releases its lease.
type StuckMonitor struct {
	repo    *database.Repository
	leases  *lease.Registry
	client  telephony.Client
	tracker *dialer.ActiveCallTracker
	leader  func() bool

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewStuckMonitor creates the stuck-call monitor
func NewStuckMonitor(repo *database.Repository, leases *lease.Registry, client telephony.Client, tracker *dialer.ActiveCallTracker, leader func() bool) *StuckMonitor {
	return &StuckMonitor{
		repo:     repo,
		leases:   leases,
		client:   client,
		tracker:  tracker,
		leader:   leader,
		stopChan: make(chan struct{}),
	}
}

// Start begins the audit loop
func (m *StuckMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run()
	log.Println("[StuckMonitor] Started")
}

// Stop halts the audit loop
func (m *StuckMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	log.Println("[StuckMonitor] Stopped")
}

func (m *StuckMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(StuckMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			if m.leader != nil && !m.leader() {
				continue
			}
			m.Sweep(context.Background())
		}
	}
}

// Sweep audits ringing calls older than StuckThreshold
func (m *StuckMonitor) Sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-StuckThreshold)
	stuck, err := m.repo.StuckRingingCallLogs(ctx, cutoff, stuckBatch)
	if err != nil {
		log.Printf("[StuckMonitor] Error listing stuck calls: %v", err)
		return
	}

	for i := range stuck {
		m.reconcile(ctx, &stuck[i])
	}
}

func (m *StuckMonitor) reconcile(ctx context.Context, cl *database.CallLog) {
	// Ask the vendor before declaring the call dead; the webhook may simply
	// be late
	if cl.VendorCallID != "" {
		status, err := m.client.FetchStatus(ctx, cl.VendorCallID)
		if err == nil {
			switch status.Status {
			case telephony.WebhookRinging, telephony.WebhookInProgress, "queued":
				// Still genuinely live, leave it alone
				return
			}
		} else {
			log.Printf("[StuckMonitor] Vendor status fetch failed for %s, closing as no-answer: %v", cl.ID, err)
		}
	}

	reason := "stuck_ringing"
	if err := m.repo.CloseCallLogNow(ctx, cl.ID, database.CallNoAnswer, &reason); err != nil {
		log.Printf("[StuckMonitor] Error closing call log %s: %v", cl.ID, err)
		return
	}

	if cl.ContactID != nil {
		if err := m.repo.UpdateContactStatus(ctx, *cl.ContactID, database.ContactFailed, &reason); err != nil {
			log.Printf("[StuckMonitor] Error updating contact %s: %v", *cl.ContactID, err)
		}
	}

	if cl.CampaignID != nil && cl.CallID != "" {
		if _, err := m.leases.ForceRelease(ctx, *cl.CampaignID, cl.CallID, true); err != nil {
			log.Printf("[StuckMonitor] Error force-releasing lease for %s: %v", cl.ID, err)
		}
	}
	m.tracker.Remove(cl.ID)

	metrics.StuckCallsReconciled.Inc()
	log.Printf("[StuckMonitor] Reconciled stuck call %s as no-answer", cl.ID)
}
