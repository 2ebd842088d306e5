package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"time"

	"dialcast/internal/database"
	"dialcast/internal/jobqueue"
	"dialcast/internal/outgoing"
	"dialcast/internal/waitlist"
)

// Policy describes how one failure class is retried
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// policies maps failure reasons to their retry behavior. Reasons not in the
// table (invalid_number, blocked, compliance_block and anything unknown) are
// never retried.
var policies = map[string]Policy{
	"no_answer":     {MaxAttempts: 3, BaseDelay: 5 * time.Minute, Multiplier: 2},
	"busy":          {MaxAttempts: 3, BaseDelay: 10 * time.Minute, Multiplier: 2},
	"voicemail":     {MaxAttempts: 2, BaseDelay: 30 * time.Minute, Multiplier: 2},
	"network_error": {MaxAttempts: 5, BaseDelay: 2 * time.Minute, Multiplier: 2},
	"call_rejected": {MaxAttempts: 1, BaseDelay: time.Hour, Multiplier: 1},
}

// Off-peak clamp: retries land inside this weekday window so backoff never
// pushes a dial into the evening.
const (
	offPeakStartHour = 10
	offPeakEndHour   = 16
)

// jitterFraction spreads retries of a burst failure apart
const jitterFraction = 0.10

// firePayload travels inside the delayed retry job
type firePayload struct {
	AttemptID  string `json:"attempt_id"`
	CampaignID string `json:"campaign_id"`
	FromPhone  string `json:"from_phone"`
	ToPhone    string `json:"to_phone"`
}

// Manager classifies terminal call failures and books bounded retries.
// Campaign-call retries re-enter the high-priority waitlist; direct-call
// retries re-dial through the outgoing service.
type Manager struct {
	repo     *database.Repository
	jobs     *jobqueue.Runner
	wl       *waitlist.Waitlist
	outgoing *outgoing.Service
	loc      *time.Location
}

// NewManager creates the retry manager and registers its fire handler
func NewManager(repo *database.Repository, jobs *jobqueue.Runner, wl *waitlist.Waitlist, out *outgoing.Service, loc *time.Location) *Manager {
	m := &Manager{
		repo:     repo,
		jobs:     jobs,
		wl:       wl,
		outgoing: out,
		loc:      loc,
	}
	jobs.Register(jobqueue.TypeRetryCall, m.fire)
	return m
}

// PolicyFor returns the retry policy of a failure reason, or false when the
// reason is terminal.
func PolicyFor(reason string) (Policy, bool) {
	p, ok := policies[reason]
	return p, ok
}

// HandleCallFailure books a retry for a failed call when its failure class
// allows one. Failed retries are never retried again; the original call log
// anchors the attempt chain and its unique constraint keeps concurrent
// webhook deliveries from double-booking.
func (m *Manager) HandleCallFailure(ctx context.Context, callLog *database.CallLog, reason string) {
	if callLog.IsRetry {
		return
	}

	policy, ok := PolicyFor(reason)
	if !ok {
		return
	}

	attempts, err := m.repo.CountRetryAttempts(ctx, callLog.ID)
	if err != nil {
		log.Printf("[Retry] Error counting attempts for %s: %v", callLog.ID, err)
		return
	}
	if attempts >= policy.MaxAttempts {
		log.Printf("[Retry] Call %s exhausted %d %s retries", callLog.ID, attempts, reason)
		return
	}

	attemptNumber := attempts + 1
	fireAt := m.NextAttemptTime(policy, attemptNumber, time.Now())

	attempt := &database.RetryAttempt{
		OriginalCallLogID: callLog.ID,
		AttemptNumber:     attemptNumber,
		ScheduledFor:      fireAt.UTC(),
		Status:            database.SchedulePending,
		FailureReason:     reason,
	}
	if err := m.repo.CreateRetryAttempt(ctx, attempt); err != nil {
		if err == database.ErrConflict {
			// A concurrent delivery already booked this attempt
			return
		}
		log.Printf("[Retry] Error creating retry attempt for %s: %v", callLog.ID, err)
		return
	}

	campaignID := ""
	if callLog.CampaignID != nil {
		campaignID = *callLog.CampaignID
	}
	payload, _ := json.Marshal(firePayload{
		AttemptID:  attempt.ID,
		CampaignID: campaignID,
		FromPhone:  callLog.FromPhone,
		ToPhone:    callLog.ToPhone,
	})
	if _, err := m.jobs.Schedule(ctx, jobqueue.Job{
		ID:      "retry-" + attempt.ID,
		Type:    jobqueue.TypeRetryCall,
		Payload: payload,
	}, fireAt); err != nil {
		log.Printf("[Retry] Error scheduling retry job for %s: %v", attempt.ID, err)
		return
	}

	// Keep the contact out of the pending feed until the retry fires
	if callLog.ContactID != nil {
		if err := m.repo.SetContactRetry(ctx, *callLog.ContactID, attemptNumber, fireAt.UTC()); err != nil {
			log.Printf("[Retry] Error recording retry state for contact %s: %v", *callLog.ContactID, err)
		}
	}

	log.Printf("[Retry] Booked %s retry %d/%d for call %s at %s",
		reason, attemptNumber, policy.MaxAttempts, callLog.ID, fireAt.Format(time.RFC3339))
}

// NextAttemptTime computes base * multiplier^(n-1), applies +/-10% jitter
// and clamps the result into the off-peak window.
func (m *Manager) NextAttemptTime(policy Policy, attemptNumber int, now time.Time) time.Time {
	delay := float64(policy.BaseDelay)
	for i := 1; i < attemptNumber; i++ {
		delay *= policy.Multiplier
	}
	jitter := 1 + (rand.Float64()*2-1)*jitterFraction
	delay *= jitter

	return ClampOffPeak(now.Add(time.Duration(delay)), m.loc)
}

// ClampOffPeak moves t forward into the next 10:00-16:00 weekday window
func ClampOffPeak(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)

	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}

		open := time.Date(day.Year(), day.Month(), day.Day(), offPeakStartHour, 0, 0, 0, loc)
		closing := time.Date(day.Year(), day.Month(), day.Day(), offPeakEndHour, 0, 0, 0, loc)

		if i == 0 {
			if local.Before(open) {
				return open
			}
			if local.Before(closing) {
				return local
			}
			continue
		}
		return open
	}
	return t
}

// fire re-dispatches a due retry
func (m *Manager) fire(ctx context.Context, job jobqueue.Job) error {
	var payload firePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding retry payload: %w", err)
	}

	attempt, err := m.repo.GetRetryAttempt(ctx, payload.AttemptID)
	if err != nil {
		log.Printf("[Retry] Attempt %s gone, dropping: %v", payload.AttemptID, err)
		return nil
	}
	if attempt.Status != database.SchedulePending {
		return nil
	}

	if payload.CampaignID != "" {
		// Campaign retry: back through the concurrency machinery at high
		// priority. The worker transitions the attempt when it dials.
		jobID := "retry-" + attempt.ID
		if err := m.wl.Enqueue(ctx, payload.CampaignID, jobID, waitlist.PriorityHigh); err != nil {
			// Duplicate marker means it is already queued
			log.Printf("[Retry] Enqueue of %s: %v", jobID, err)
		}
		return nil
	}

	// Direct retry: dial straight through the outgoing service
	if ok, _ := m.repo.TransitionRetryAttempt(ctx, attempt.ID, database.SchedulePending, database.ScheduleProcessing); !ok {
		return nil
	}
	_, callErr := m.outgoing.InitiateCall(ctx, outgoing.Request{
		To:   payload.ToPhone,
		From: payload.FromPhone,
	})
	if callErr != nil {
		m.repo.TransitionRetryAttempt(ctx, attempt.ID, database.ScheduleProcessing, database.ScheduleFailed)
		log.Printf("[Retry] Direct retry %s failed: %v", attempt.ID, callErr)
		return nil
	}
	m.repo.TransitionRetryAttempt(ctx, attempt.ID, database.ScheduleProcessing, database.ScheduleCompleted)
	return nil
}
