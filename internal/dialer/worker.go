package dialer

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"dialcast/internal/apperrors"
	"dialcast/internal/breaker"
	"dialcast/internal/database"
	"dialcast/internal/jobqueue"
	"dialcast/internal/kvstore"
	"dialcast/internal/lease"
	"dialcast/internal/metrics"
	"dialcast/internal/reservation"
	"dialcast/internal/telephony"
	"dialcast/internal/waitlist"
)

const (
	// PromotionExpiry bounds how long a promoted job may sit in the ready
	// queue before its reservation is returned.
	PromotionExpiry = 15 * time.Second
	// HardSyncAfter is how many consecutive missing-gate observations trigger
	// a hard re-sync of the promotion gate.
	HardSyncAfter = 5
	// GateHardSyncSentinel marks a job that must go through a fresh
	// promotion pass before it may dial.
	GateHardSyncSentinel = -1

	popTimeout = 2 * time.Second
)

// FailureHandler reacts to a terminal call failure (retry scheduling)
type FailureHandler interface {
	HandleCallFailure(ctx context.Context, callLog *database.CallLog, reason string)
}

// Worker dispatches promoted jobs for one campaign: verify the promotion
// gate, take a pre-dial lease, claim the reservation and hand the call to the
// vendor. The answer/termination half of the lifecycle is webhook-driven.
type Worker struct {
	campaign *database.Campaign

	store   *kvstore.Store
	leases  *lease.Registry
	ledger  *reservation.Ledger
	wl      *waitlist.Waitlist
	ready   *jobqueue.ReadyQueue
	repo    *database.Repository
	client  telephony.Client
	brk     *breaker.Breaker
	tracker *ActiveCallTracker
	limiter *rate.Limiter

	onFailure FailureHandler

	gateMisses int

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// WorkerDeps bundles the shared collaborators of every campaign worker
type WorkerDeps struct {
	Store     *kvstore.Store
	Leases    *lease.Registry
	Ledger    *reservation.Ledger
	Waitlist  *waitlist.Waitlist
	Ready     *jobqueue.ReadyQueue
	Repo      *database.Repository
	Client    telephony.Client
	Breaker   *breaker.Breaker
	Tracker   *ActiveCallTracker
	Limiter   *rate.Limiter
	OnFailure FailureHandler
}

// NewWorker creates a worker bound to one campaign
func NewWorker(campaign *database.Campaign, deps WorkerDeps) *Worker {
	return &Worker{
		campaign:  campaign,
		store:     deps.Store,
		leases:    deps.Leases,
		ledger:    deps.Ledger,
		wl:        deps.Waitlist,
		ready:     deps.Ready,
		repo:      deps.Repo,
		client:    deps.Client,
		brk:       deps.Breaker,
		tracker:   deps.Tracker,
		limiter:   deps.Limiter,
		onFailure: deps.OnFailure,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the dispatch loop
func (w *Worker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.wg.Add(1)
	w.mu.Unlock()

	go w.run()
	log.Printf("[Worker] Started for campaign %s", w.campaign.ID)
}

// Stop halts the dispatch loop; in-flight calls keep their leases
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()
	log.Printf("[Worker] Stopped for campaign %s", w.campaign.ID)
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		job, err := w.ready.Pop(ctx, w.campaign.ID, popTimeout)
		if err != nil {
			log.Printf("[Worker] Error popping ready job for campaign %s: %v", w.campaign.ID, err)
			cancel()
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			cancel()
			continue
		}

		w.handleJob(ctx, job)
		cancel()
	}
}

func (w *Worker) handleJob(ctx context.Context, job *jobqueue.ReadyJob) {
	campaignID := w.campaign.ID

	// Cold-start guard: promoted jobs wait out the blocking window
	coldStart, err := w.store.Client().Get(ctx, kvstore.ColdStartKey(campaignID)).Result()
	if err != nil && err != redis.Nil {
		log.Printf("[Worker] Error reading cold-start state: %v", err)
	}
	if coldStart == "blocking" {
		w.requeue(ctx, job)
		time.Sleep(time.Second)
		return
	}

	if !w.verifyGate(ctx, job) {
		// Dead promotion epoch: reservation returned, job back at the head
		w.requeue(ctx, job)
		return
	}

	callID := uuid.NewString()
	token, err := w.leases.AcquirePreDial(ctx, campaignID, callID, w.campaign.ConcurrentLimit)
	if err != nil {
		log.Printf("[Worker] Error acquiring pre-dial lease: %v", err)
		w.requeue(ctx, job)
		return
	}
	if token == "" {
		metrics.NoSlotDelays.Inc()
		w.requeue(ctx, job)
		// The returned reservation freed capacity; wake the promoter so it
		// can re-plan instead of waiting out the poller interval
		if perr := w.store.Publish(ctx, kvstore.SlotAvailableChannel(campaignID), job.JobID); perr != nil {
			log.Printf("[Worker] Error publishing slot-available for %s: %v", campaignID, perr)
		}
		time.Sleep(500 * time.Millisecond)
		return
	}

	// Slot capacity moves from reserved to in-flight
	if _, err := w.ledger.Claim(ctx, campaignID, job.JobID); err != nil {
		log.Printf("[Worker] Error claiming reservation for %s: %v", job.JobID, err)
	}

	contact, callLog, ok := w.resolveTarget(ctx, job)
	if !ok {
		w.releasePreDial(ctx, callID, token)
		w.wl.ClearMarker(ctx, campaignID, job.JobID)
		return
	}

	if err := w.limiter.Wait(ctx); err != nil {
		w.releasePreDial(ctx, callID, token)
		w.requeueUnclaimed(ctx, job)
		return
	}

	callLog.CallID = callID
	callLog.LeaseToken = token
	if err := w.repo.CreateCallLog(ctx, callLog); err != nil {
		log.Printf("[Worker] Error creating call log: %v", err)
		w.releasePreDial(ctx, callID, token)
		w.wl.ClearMarker(ctx, campaignID, job.JobID)
		return
	}
	if contact != nil {
		w.repo.AttachContactCallLog(ctx, contact.ID, callLog.ID)
	}

	resp, err := w.client.Initiate(ctx, telephony.InitiateRequest{
		From:      w.campaign.FromPhone,
		To:        callLog.ToPhone,
		AgentID:   w.campaign.AgentID,
		CallLogID: callLog.ID,
	})
	if err != nil {
		log.Printf("[Worker] Initiate failed for call log %s: %v", callLog.ID, err)
		w.releasePreDial(ctx, callID, token)
		w.wl.ClearMarker(ctx, campaignID, job.JobID)
		callLog.Status = database.CallFailed

		if permanentInitiateFailure(err) {
			// The vendor rejected the request itself (bad number, blocked
			// destination); retrying cannot help and the vendor is healthy,
			// so the breaker stays out of it
			reason := "invalid_number"
			w.repo.CloseCallLogNow(ctx, callLog.ID, database.CallFailed, &reason)
			if contact != nil {
				w.repo.UpdateContactStatus(ctx, contact.ID, database.ContactFailed, &reason)
			}
			return
		}

		if berr := w.brk.RecordFailure(ctx, campaignID); berr != nil {
			log.Printf("[Worker] Error recording breaker failure: %v", berr)
		}
		reason := "initiate_failed"
		w.repo.CloseCallLogNow(ctx, callLog.ID, database.CallFailed, &reason)
		if w.onFailure != nil {
			w.onFailure.HandleCallFailure(ctx, callLog, "network_error")
		}
		return
	}

	if err := w.repo.UpdateCallLogDial(ctx, callLog.ID, resp.VendorCallID, token, callID); err != nil {
		log.Printf("[Worker] Error recording dial for call log %s: %v", callLog.ID, err)
	}

	contactID := ""
	if contact != nil {
		contactID = contact.ID
	}
	w.tracker.Add(&ActiveCall{
		CallLogID:    callLog.ID,
		CampaignID:   campaignID,
		ContactID:    contactID,
		VendorCallID: resp.VendorCallID,
		LeaseToken:   token,
		CallID:       callID,
		FromPhone:    w.campaign.FromPhone,
		ToPhone:      callLog.ToPhone,
		PreDial:      true,
		StartTime:    time.Now(),
	})

	w.wl.ClearMarker(ctx, campaignID, job.JobID)
	// Vendor accepted the dial; walk the failure counter back down
	if err := w.brk.RecordSuccess(ctx, campaignID); err != nil {
		log.Printf("[Worker] Error recording breaker success: %v", err)
	}
	metrics.DispatchedCalls.Inc()

	w.wg.Add(1)
	go w.renewLoop(callLog.ID)

	log.Printf("[Worker] Dispatched call %s for campaign %s (vendor %s)", callLog.ID, campaignID, resp.VendorCallID)
}

// verifyGate checks the promotion epoch carried by the job against the gate
// key, repairing a missing or lagging gate. Returns false when the job must
// not dial: expired promotion, stale epoch, the hard-sync sentinel, or a gate
// that keeps vanishing. The caller returns the reservation and pushes the job
// back to its waitlist; the next promotion pass assigns a fresh epoch.
func (w *Worker) verifyGate(ctx context.Context, job *jobqueue.ReadyJob) bool {
	campaignID := w.campaign.ID

	if job.PromoteSeq == GateHardSyncSentinel {
		return false
	}

	if time.Since(time.UnixMilli(job.PromotedAt)) > PromotionExpiry {
		log.Printf("[Worker] Promotion of job %s expired, returning reservation", job.JobID)
		return false
	}

	raw, err := w.store.Client().Get(ctx, kvstore.PromoteGateKey(campaignID)).Result()
	if err == redis.Nil {
		w.gateMisses++
		metrics.GateRepairs.Inc()
		if w.gateMisses >= HardSyncAfter {
			// Gate keeps vanishing: stop trusting this job's epoch and force
			// it through a fresh promotion pass
			metrics.GateHardSyncs.Inc()
			w.gateMisses = 0
			job.PromoteSeq = GateHardSyncSentinel
			log.Printf("[Worker] Hard-syncing job %s for campaign %s", job.JobID, campaignID)
			return false
		}
		w.store.Client().SetNX(ctx, kvstore.PromoteGateKey(campaignID), job.PromoteSeq, reservation.GateTTL)
		return true
	}
	if err != nil {
		log.Printf("[Worker] Error reading promotion gate: %v", err)
		return true
	}

	w.gateMisses = 0
	gate, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil {
		return true
	}
	if job.PromoteSeq < gate {
		// A newer promotion pass superseded this job's epoch
		log.Printf("[Worker] Stale promotion of job %s (seq %d behind gate %d), returning reservation",
			job.JobID, job.PromoteSeq, gate)
		return false
	}
	if job.PromoteSeq > gate {
		// The gate lags behind this job's epoch; bring it forward
		metrics.GateRepairs.Inc()
		w.store.Client().Set(ctx, kvstore.PromoteGateKey(campaignID), job.PromoteSeq, reservation.GateTTL)
	}
	return true
}

// permanentInitiateFailure reports whether an initiate error can never
// succeed on retry: the vendor rejected the request itself rather than
// failing to serve it. Rate limits, 5xx and network errors stay retryable.
func permanentInitiateFailure(err error) bool {
	return !apperrors.Retryable(err)
}

// requeue returns a job to the head of its waitlist, releasing the
// reservation it still holds.
func (w *Worker) requeue(ctx context.Context, job *jobqueue.ReadyJob) {
	if _, err := w.ledger.Claim(ctx, w.campaign.ID, job.JobID); err != nil {
		log.Printf("[Worker] Error releasing reservation for %s: %v", job.JobID, err)
	}
	w.requeueUnclaimed(ctx, job)
}

// requeueUnclaimed returns a job whose reservation was already released
func (w *Worker) requeueUnclaimed(ctx context.Context, job *jobqueue.ReadyJob) {
	priority := job.Priority
	if priority != waitlist.PriorityHigh {
		priority = waitlist.PriorityNormal
	}
	if err := w.wl.PushFront(ctx, w.campaign.ID, job.JobID, priority); err != nil {
		log.Printf("[Worker] Error requeueing job %s: %v", job.JobID, err)
	}
}

// resolveTarget maps a ready job onto a contact and a fresh call log. A false
// return means the job is gone (cancelled contact, vanished records) and its
// slot should be released.
func (w *Worker) resolveTarget(ctx context.Context, job *jobqueue.ReadyJob) (*database.Contact, *database.CallLog, bool) {
	campaignID := w.campaign.ID

	if strings.HasPrefix(job.JobID, "retry-") {
		attemptID := strings.TrimPrefix(job.JobID, "retry-")
		attempt, err := w.repo.GetRetryAttempt(ctx, attemptID)
		if err != nil {
			log.Printf("[Worker] Retry attempt %s gone, dropping job: %v", attemptID, err)
			return nil, nil, false
		}
		if ok, _ := w.repo.TransitionRetryAttempt(ctx, attemptID, database.SchedulePending, database.ScheduleProcessing); !ok {
			// Already processed or cancelled
			return nil, nil, false
		}
		origin, err := w.repo.GetCallLog(ctx, attempt.OriginalCallLogID)
		if err != nil {
			log.Printf("[Worker] Original call log %s gone for retry %s: %v", attempt.OriginalCallLogID, attemptID, err)
			return nil, nil, false
		}

		var contact *database.Contact
		if origin.ContactID != nil {
			contact, _ = w.repo.GetContact(ctx, *origin.ContactID)
		}
		callLog := &database.CallLog{
			Direction:  database.DirectionOutbound,
			FromPhone:  w.campaign.FromPhone,
			ToPhone:    origin.ToPhone,
			CampaignID: &campaignID,
			ContactID:  origin.ContactID,
			IsRetry:    true,
		}
		return contact, callLog, true
	}

	contact, err := w.repo.GetContact(ctx, job.JobID)
	if err != nil {
		log.Printf("[Worker] Contact %s gone, dropping job: %v", job.JobID, err)
		return nil, nil, false
	}
	ok, err := w.repo.MarkContactCalling(ctx, contact.ID)
	if err != nil {
		log.Printf("[Worker] Error marking contact %s calling: %v", contact.ID, err)
		return nil, nil, false
	}
	if !ok {
		// Cancelled or already picked up elsewhere
		return nil, nil, false
	}

	callLog := &database.CallLog{
		Direction:  database.DirectionOutbound,
		FromPhone:  w.campaign.FromPhone,
		ToPhone:    contact.PhoneNumber,
		CampaignID: &campaignID,
		ContactID:  &contact.ID,
	}
	return contact, callLog, true
}

func (w *Worker) releasePreDial(ctx context.Context, callID, token string) {
	if _, err := w.leases.Release(ctx, w.campaign.ID, kvstore.PreDialMember(callID), token, true); err != nil {
		log.Printf("[Worker] Error releasing pre-dial lease %s: %v", callID, err)
	}
}

// renewLoop extends the lease of one in-flight call every quantum until the
// call leaves the tracker or the lease is lost.
func (w *Worker) renewLoop(callLogID string) {
	defer w.wg.Done()

	ticker := time.NewTicker(lease.RenewQuantum / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
		}

		call := w.tracker.Get(callLogID)
		if call == nil {
			return
		}

		member := call.CallID
		if call.PreDial {
			member = kvstore.PreDialMember(call.CallID)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		res, err := w.leases.Renew(ctx, w.campaign.ID, member, call.LeaseToken, call.PreDial)
		cancel()
		if err != nil {
			log.Printf("[Worker] Error renewing lease for call %s: %v", callLogID, err)
			continue
		}
		switch res {
		case lease.RenewTokenLost:
			// Lease expired or was force-released; the janitor and webhook
			// paths own the cleanup from here
			log.Printf("[Worker] Lease lost for call %s, stopping renewal", callLogID)
			return
		case lease.RenewColdBlocked:
			// Cold-start window refuses renewals; try again next tick
			continue
		}
	}
}
