package dialer

import (
	"log"
	"sync"
	"time"
)

// ActiveCall is the in-memory record of an in-flight call on this instance
type ActiveCall struct {
	CallLogID    string
	CampaignID   string // empty for direct calls
	ContactID    string
	VendorCallID string
	LeaseToken   string
	CallID       string // lease member id
	FromPhone    string
	ToPhone      string
	PreDial      bool
	PoolHeld     bool // direct call holding a channel-pool slot
	StartTime    time.Time
}

// ActiveCallTracker correlates webhooks and sweeps with in-flight calls.
// Primary key is the call-log id; the vendor call id is kept as an alias
// because webhooks may arrive with only the vendor sid.
type ActiveCallTracker struct {
	calls   map[string]*ActiveCall // callLogID -> call
	aliases map[string]string      // vendorCallID -> callLogID
	mu      sync.RWMutex
}

// NewActiveCallTracker creates a new tracker
func NewActiveCallTracker() *ActiveCallTracker {
	return &ActiveCallTracker{
		calls:   make(map[string]*ActiveCall),
		aliases: make(map[string]string),
	}
}

// Add registers a new active call
func (t *ActiveCallTracker) Add(call *ActiveCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[call.CallLogID] = call
	if call.VendorCallID != "" {
		t.aliases[call.VendorCallID] = call.CallLogID
	}
}

// Get retrieves an active call by call-log id
func (t *ActiveCallTracker) Get(callLogID string) *ActiveCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.calls[callLogID]
}

// GetByVendorID retrieves a call by the vendor sid
func (t *ActiveCallTracker) GetByVendorID(vendorCallID string) *ActiveCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id, ok := t.aliases[vendorCallID]; ok {
		return t.calls[id]
	}
	return nil
}

// LinkVendorID attaches the vendor sid once the initiate response arrives
func (t *ActiveCallTracker) LinkVendorID(callLogID, vendorCallID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if call, ok := t.calls[callLogID]; ok {
		call.VendorCallID = vendorCallID
		t.aliases[vendorCallID] = callLogID
	}
}

// MarkActive flips the record to the active phase after answer
func (t *ActiveCallTracker) MarkActive(callLogID, leaseToken string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if call, ok := t.calls[callLogID]; ok {
		call.PreDial = false
		call.LeaseToken = leaseToken
	}
}

// Remove deletes a call and its alias; returns the removed record
func (t *ActiveCallTracker) Remove(callLogID string) *ActiveCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[callLogID]
	if !ok {
		return nil
	}
	delete(t.calls, callLogID)
	if call.VendorCallID != "" {
		delete(t.aliases, call.VendorCallID)
	}
	log.Printf("[ActiveCallTracker] Removed call %s (duration: %v)", callLogID, time.Since(call.StartTime))
	return call
}

// Count returns the number of active calls
func (t *ActiveCallTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.calls)
}

// CountByCampaign returns call counts grouped by campaign
func (t *ActiveCallTracker) CountByCampaign() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[string]int)
	for _, call := range t.calls {
		if call.CampaignID != "" {
			counts[call.CampaignID]++
		}
	}
	return counts
}

// GetStale returns calls older than maxAge (sweep input)
func (t *ActiveCallTracker) GetStale(maxAge time.Duration) []*ActiveCall {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stale []*ActiveCall
	threshold := time.Now().Add(-maxAge)
	for _, call := range t.calls {
		if call.StartTime.Before(threshold) {
			stale = append(stale, call)
		}
	}
	return stale
}

// List returns all active calls
func (t *ActiveCallTracker) List() []*ActiveCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	calls := make([]*ActiveCall, 0, len(t.calls))
	for _, call := range t.calls {
		calls = append(calls, call)
	}
	return calls
}
