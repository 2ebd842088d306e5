package dialer

import (
	"context"
	"log"
	"sync"
	"time"

	"dialcast/internal/database"
	"dialcast/internal/lease"
	"dialcast/internal/waitlist"
)

const (
	// ManagerInterval is how often the manager reconciles workers and feeds
	// the waitlists.
	ManagerInterval = 10 * time.Second
	// feedFactor bounds the waitlist backlog per campaign as a multiple of
	// its concurrent limit.
	feedFactor = 4
)

// Manager owns one worker per active campaign on the primary instance. Every
// tick it reconciles the worker set against the campaign table, syncs limits
// into the key-value store, feeds pending contacts into the waitlists and
// completes drained campaigns.
type Manager struct {
	repo   *database.Repository
	leases *lease.Registry
	wl     *waitlist.Waitlist
	deps   WorkerDeps
	leader func() bool

	workers map[string]*Worker
	wmu     sync.Mutex

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewManager creates the campaign worker manager
func NewManager(repo *database.Repository, leases *lease.Registry, wl *waitlist.Waitlist, deps WorkerDeps, leader func() bool) *Manager {
	return &Manager{
		repo:     repo,
		leases:   leases,
		wl:       wl,
		deps:     deps,
		leader:   leader,
		workers:  make(map[string]*Worker),
		stopChan: make(chan struct{}),
	}
}

// ActiveCampaignIDs lists the ids of active campaigns (promoter poll input)
func (m *Manager) ActiveCampaignIDs(ctx context.Context) ([]string, error) {
	campaigns, err := m.repo.GetActiveCampaigns(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(campaigns))
	for _, c := range campaigns {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Start begins the reconcile loop
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run()
	log.Println("[Manager] Started")
}

// Stop halts the loop and every worker
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()

	m.wmu.Lock()
	for id, w := range m.workers {
		w.Stop()
		delete(m.workers, id)
	}
	m.wmu.Unlock()
	log.Println("[Manager] Stopped")
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(ManagerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if m.leader != nil && !m.leader() {
		// Lost leadership: wind down local workers, in-flight calls keep
		// their leases and finish via webhooks
		m.stopAllWorkers()
		return
	}

	campaigns, err := m.repo.GetActiveCampaigns(ctx)
	if err != nil {
		log.Printf("[Manager] Error listing active campaigns: %v", err)
		return
	}

	active := make(map[string]bool, len(campaigns))
	for i := range campaigns {
		c := &campaigns[i]
		active[c.ID] = true

		if err := m.leases.SetLimit(ctx, c.ID, c.ConcurrentLimit); err != nil {
			log.Printf("[Manager] Error syncing limit for campaign %s: %v", c.ID, err)
		}

		m.ensureWorker(c)
		m.feed(ctx, c)
		m.maybeComplete(ctx, c)
	}

	// Stop workers of campaigns that left the active state
	m.wmu.Lock()
	for id, w := range m.workers {
		if !active[id] {
			w.Stop()
			delete(m.workers, id)
		}
	}
	m.wmu.Unlock()
}

func (m *Manager) ensureWorker(c *database.Campaign) {
	m.wmu.Lock()
	defer m.wmu.Unlock()

	if existing, ok := m.workers[c.ID]; ok {
		same := existing.campaign.ConcurrentLimit == c.ConcurrentLimit &&
			existing.campaign.FromPhone == c.FromPhone &&
			existing.campaign.AgentID == c.AgentID
		if same {
			return
		}
		// Campaign settings changed: restart the worker on a fresh snapshot
		existing.Stop()
		delete(m.workers, c.ID)
	}
	w := NewWorker(c, m.deps)
	m.workers[c.ID] = w
	w.Start()
}

// feed tops up the waitlist with pending contacts while its backlog sits
// below feedFactor times the concurrent limit.
func (m *Manager) feed(ctx context.Context, c *database.Campaign) {
	high, err := m.wl.Len(ctx, c.ID, waitlist.PriorityHigh)
	if err != nil {
		log.Printf("[Manager] Error reading waitlist for campaign %s: %v", c.ID, err)
		return
	}
	normal, err := m.wl.Len(ctx, c.ID, waitlist.PriorityNormal)
	if err != nil {
		log.Printf("[Manager] Error reading waitlist for campaign %s: %v", c.ID, err)
		return
	}

	target := int64(c.ConcurrentLimit * feedFactor)
	backlog := high + normal
	if backlog >= target {
		return
	}

	contacts, err := m.repo.ListPendingContacts(ctx, c.ID, int(target-backlog))
	if err != nil {
		log.Printf("[Manager] Error listing pending contacts for campaign %s: %v", c.ID, err)
		return
	}

	queued := 0
	for _, contact := range contacts {
		fresh, err := m.wl.MarkContactSeen(ctx, c.ID, contact.ID)
		if err != nil {
			log.Printf("[Manager] Error deduping contact %s: %v", contact.ID, err)
			continue
		}
		if !fresh {
			continue
		}
		if err := m.wl.Enqueue(ctx, c.ID, contact.ID, waitlist.PriorityNormal); err != nil {
			// Duplicate marker means a concurrent feeder won the race
			continue
		}
		queued++
	}
	if queued > 0 {
		log.Printf("[Manager] Queued %d contacts for campaign %s", queued, c.ID)
	}
}

// maybeComplete moves a campaign to completed once everything is drained
func (m *Manager) maybeComplete(ctx context.Context, c *database.Campaign) {
	counts, err := m.repo.CountContactsByStatus(ctx, c.ID)
	if err != nil {
		log.Printf("[Manager] Error counting contacts for campaign %s: %v", c.ID, err)
		return
	}
	if counts[database.ContactPending] > 0 || counts[database.ContactCalling] > 0 {
		return
	}

	high, _ := m.wl.Len(ctx, c.ID, waitlist.PriorityHigh)
	normal, _ := m.wl.Len(ctx, c.ID, waitlist.PriorityNormal)
	if high+normal > 0 {
		return
	}

	inflight, err := m.leases.InflightCount(ctx, c.ID)
	if err != nil || inflight > 0 {
		return
	}

	if err := m.repo.UpdateCampaignStatus(ctx, c.ID, database.CampaignCompleted); err != nil {
		log.Printf("[Manager] Error completing campaign %s: %v", c.ID, err)
		return
	}
	log.Printf("[Manager] Campaign %s completed", c.ID)
}

func (m *Manager) stopAllWorkers() {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	for id, w := range m.workers {
		w.Stop()
		delete(m.workers, id)
	}
}
