package outgoing

import (
	"context"
	"log"
	"time"

	"dialcast/internal/apperrors"
	"dialcast/internal/breaker"
	"dialcast/internal/database"
	"dialcast/internal/dialer"
	"dialcast/internal/metrics"
	"dialcast/internal/telephony"
)

// DirectScope keys the circuit breaker for campaign-less calls
const DirectScope = "direct"

// Request is one direct outbound call
type Request struct {
	To      string
	From    string
	AgentID string
	// SkipSlotAcquisition bypasses the channel pool for privileged callers
	// (internal transfers). The call is still tracked and logged.
	SkipSlotAcquisition bool
}

// Service places campaign-less outbound calls bounded by the channel pool
type Service struct {
	repo    *database.Repository
	pool    *dialer.ChannelPool
	tracker *dialer.ActiveCallTracker
	client  telephony.Client
	breaker *breaker.Breaker
}

// NewService creates the direct-call service
func NewService(repo *database.Repository, pool *dialer.ChannelPool, tracker *dialer.ActiveCallTracker, client telephony.Client, brk *breaker.Breaker) *Service {
	return &Service{
		repo:    repo,
		pool:    pool,
		tracker: tracker,
		client:  client,
		breaker: brk,
	}
}

// InitiateCall places one direct call. CapacityExceeded when the pool is
// exhausted, UpstreamUnavailable when the vendor circuit is open.
func (s *Service) InitiateCall(ctx context.Context, req Request) (*database.CallLog, error) {
	if req.To == "" {
		return nil, apperrors.New(apperrors.Validation, "MISSING_DESTINATION", "destination number is required")
	}

	open, err := s.breaker.IsOpen(ctx, DirectScope)
	if err != nil {
		log.Printf("[Outgoing] Error checking circuit: %v", err)
	}
	if open {
		return nil, apperrors.New(apperrors.UpstreamUnavailable, "CIRCUIT_OPEN", "vendor circuit is open, refusing new calls")
	}

	poolHeld := false
	if !req.SkipSlotAcquisition {
		if !s.pool.Acquire(req.From) {
			return nil, apperrors.New(apperrors.CapacityExceeded, "CONCURRENT_LIMIT_REACHED", "no outbound slots available")
		}
		poolHeld = true
	}

	callLog := &database.CallLog{
		Direction: database.DirectionOutbound,
		FromPhone: req.From,
		ToPhone:   req.To,
		Status:    database.CallInitiated,
	}
	if err := s.repo.CreateCallLog(ctx, callLog); err != nil {
		if poolHeld {
			s.pool.Release(req.From)
		}
		return nil, err
	}

	resp, err := s.client.Initiate(ctx, telephony.InitiateRequest{
		From:      req.From,
		To:        req.To,
		AgentID:   req.AgentID,
		CallLogID: callLog.ID,
	})
	if err != nil {
		if poolHeld {
			s.pool.Release(req.From)
		}
		reason := apperrors.CodeOf(err)
		if derr := s.repo.CloseCallLogNow(ctx, callLog.ID, database.CallFailed, &reason); derr != nil {
			log.Printf("[Outgoing] Error closing failed call log %s: %v", callLog.ID, derr)
		}
		if berr := s.breaker.RecordFailure(ctx, DirectScope); berr != nil {
			log.Printf("[Outgoing] Error recording breaker failure: %v", berr)
		}
		return nil, err
	}

	if err := s.repo.UpdateCallLogDial(ctx, callLog.ID, resp.VendorCallID, "", ""); err != nil {
		log.Printf("[Outgoing] Error recording vendor id for %s: %v", callLog.ID, err)
	}
	callLog.VendorCallID = resp.VendorCallID
	callLog.Status = database.CallRinging

	s.tracker.Add(&dialer.ActiveCall{
		CallLogID:    callLog.ID,
		VendorCallID: resp.VendorCallID,
		FromPhone:    req.From,
		ToPhone:      req.To,
		PoolHeld:     poolHeld,
		StartTime:    time.Now(),
	})

	metrics.DispatchedCalls.Inc()
	log.Printf("[Outgoing] Initiated direct call %s -> %s (vendor %s)", callLog.ID, req.To, resp.VendorCallID)
	return callLog, nil
}

// HandleTermination releases the pool slot when a direct call ends; the
// webhook handler calls this for every terminal event it correlates.
func (s *Service) HandleTermination(ctx context.Context, callLogID string, succeeded bool) {
	call := s.tracker.Remove(callLogID)
	if call == nil {
		return
	}
	if call.PoolHeld {
		s.pool.Release(call.FromPhone)
	}
	if succeeded {
		if err := s.breaker.RecordSuccess(ctx, DirectScope); err != nil {
			log.Printf("[Outgoing] Error recording breaker success: %v", err)
		}
	}
}

// CancelCall hangs up an in-flight direct call
func (s *Service) CancelCall(ctx context.Context, callLogID string) error {
	call := s.tracker.Get(callLogID)
	if call == nil {
		return database.ErrNotFound
	}
	if call.VendorCallID == "" {
		return apperrors.New(apperrors.Conflict, "NOT_DIALED", "call has no vendor id yet")
	}
	return s.client.Cancel(ctx, call.VendorCallID)
}
