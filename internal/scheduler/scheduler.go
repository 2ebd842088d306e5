package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"dialcast/internal/apperrors"
	"dialcast/internal/config"
	"dialcast/internal/database"
	"dialcast/internal/jobqueue"
	"dialcast/internal/outgoing"
)

// ScheduleRequest is the intake of one future-dated call
type ScheduleRequest struct {
	PhoneNumber   string                  `json:"phone_number"`
	AgentID       string                  `json:"agent_id"`
	UserID        string                  `json:"user_id"`
	ScheduledFor  time.Time               `json:"scheduled_for"`
	Timezone      string                  `json:"timezone"`
	FromPhone     string                  `json:"from_phone"`
	BusinessHours *database.BusinessHours `json:"business_hours,omitempty"`
	Recurring     *database.Recurrence    `json:"recurring,omitempty"`
}

// firePayload travels inside the delayed job
type firePayload struct {
	ScheduledCallID string `json:"scheduled_call_id"`
	FromPhone       string `json:"from_phone"`
}

// Service owns scheduled calls: intake validation, business-hours
// adjustment, delayed-job binding, recurrence and the fire path.
type Service struct {
	repo     *database.Repository
	jobs     *jobqueue.Runner
	outgoing *outgoing.Service
	cfg      config.SchedulerConfig
}

// NewService creates the scheduling service and registers its fire handler
func NewService(repo *database.Repository, jobs *jobqueue.Runner, out *outgoing.Service, cfg config.SchedulerConfig) *Service {
	s := &Service{
		repo:     repo,
		jobs:     jobs,
		outgoing: out,
		cfg:      cfg,
	}
	jobs.Register(jobqueue.TypeScheduledCall, s.fire)
	return s
}

// ScheduleCall validates and stores a scheduled call, binding a delayed job
// to its (business-hours adjusted) fire time.
func (s *Service) ScheduleCall(ctx context.Context, req ScheduleRequest) (*database.ScheduledCall, error) {
	if req.PhoneNumber == "" {
		return nil, apperrors.New(apperrors.Validation, "MISSING_PHONE_NUMBER", "phone number is required")
	}

	tz := req.Timezone
	if tz == "" {
		tz = s.cfg.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, apperrors.New(apperrors.Validation, "INVALID_TIMEZONE", fmt.Sprintf("unknown timezone %q", tz))
	}

	if !req.ScheduledFor.After(time.Now()) {
		return nil, apperrors.New(apperrors.Validation, "INVALID_SCHEDULED_TIME", "scheduled time must be in the future")
	}

	if req.Recurring != nil {
		if err := validateRecurrence(req.Recurring); err != nil {
			return nil, err
		}
	}

	fireAt := AdjustToBusinessHours(req.ScheduledFor.In(loc), s.effectiveBusinessHours(req.BusinessHours), loc)

	sc := &database.ScheduledCall{
		PhoneNumber:   req.PhoneNumber,
		AgentID:       req.AgentID,
		UserID:        req.UserID,
		ScheduledFor:  fireAt.UTC(),
		Timezone:      tz,
		Status:        database.SchedulePending,
		BusinessHours: req.BusinessHours,
		Recurring:     req.Recurring,
	}
	if err := s.repo.CreateScheduledCall(ctx, sc); err != nil {
		return nil, err
	}

	jobID := "sched-" + sc.ID
	payload, _ := json.Marshal(firePayload{ScheduledCallID: sc.ID, FromPhone: req.FromPhone})
	if _, err := s.jobs.Schedule(ctx, jobqueue.Job{
		ID:      jobID,
		Type:    jobqueue.TypeScheduledCall,
		Payload: payload,
	}, fireAt); err != nil {
		return nil, err
	}
	if err := s.repo.SetScheduledCallJob(ctx, sc.ID, jobID); err != nil {
		log.Printf("[Scheduler] Error binding job id to %s: %v", sc.ID, err)
	}
	sc.JobID = jobID

	log.Printf("[Scheduler] Scheduled call %s for %s (%s)", sc.ID, fireAt.Format(time.RFC3339), tz)
	return sc, nil
}

// effectiveBusinessHours falls back to the configured weekday window when the
// caller supplied no policy, so a bare schedule request still lands inside
// business hours.
func (s *Service) effectiveBusinessHours(bh *database.BusinessHours) *database.BusinessHours {
	if bh != nil {
		return bh
	}
	return &database.BusinessHours{
		Start:      s.cfg.BusinessHoursStart,
		End:        s.cfg.BusinessHoursEnd,
		DaysOfWeek: []int{1, 2, 3, 4, 5},
	}
}

// CancelCall cancels a pending scheduled call and its delayed job. A repeat
// cancel is a no-op success.
func (s *Service) CancelCall(ctx context.Context, id string) error {
	sc, err := s.repo.GetScheduledCall(ctx, id)
	if err != nil {
		return err
	}
	if sc.Status == database.ScheduleCancelled {
		return nil
	}

	moved, err := s.repo.TransitionScheduledCall(ctx, id, database.SchedulePending, database.ScheduleCancelled)
	if err != nil {
		return err
	}
	if !moved {
		return apperrors.New(apperrors.Conflict, "NOT_PENDING", fmt.Sprintf("scheduled call is %s", sc.Status))
	}

	if sc.JobID != "" {
		if _, err := s.jobs.Cancel(ctx, sc.JobID); err != nil {
			log.Printf("[Scheduler] Error cancelling job %s: %v", sc.JobID, err)
		}
	}
	log.Printf("[Scheduler] Cancelled scheduled call %s", id)
	return nil
}

// RescheduleCall moves a pending scheduled call to a new time
func (s *Service) RescheduleCall(ctx context.Context, id string, newTime time.Time) (*database.ScheduledCall, error) {
	if !newTime.After(time.Now()) {
		return nil, apperrors.New(apperrors.Validation, "INVALID_SCHEDULED_TIME", "scheduled time must be in the future")
	}

	sc, err := s.repo.GetScheduledCall(ctx, id)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		loc = time.UTC
	}
	fireAt := AdjustToBusinessHours(newTime.In(loc), s.effectiveBusinessHours(sc.BusinessHours), loc)

	moved, err := s.repo.RescheduleScheduledCall(ctx, id, fireAt.UTC())
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, apperrors.New(apperrors.Conflict, "NOT_PENDING", fmt.Sprintf("scheduled call is %s", sc.Status))
	}

	if sc.JobID != "" {
		if _, err := s.jobs.Reschedule(ctx, sc.JobID, fireAt); err != nil {
			log.Printf("[Scheduler] Error rescheduling job %s: %v", sc.JobID, err)
		}
	}

	sc.ScheduledFor = fireAt.UTC()
	log.Printf("[Scheduler] Rescheduled call %s to %s", id, fireAt.Format(time.RFC3339))
	return sc, nil
}

// RebuildJobs re-binds delayed jobs for pending scheduled calls (startup
// path, the delayed set may have been lost with the key-value store)
func (s *Service) RebuildJobs(ctx context.Context, limit int) error {
	pending, err := s.repo.PendingScheduledCalls(ctx, limit)
	if err != nil {
		return err
	}

	rebuilt := 0
	for i := range pending {
		sc := &pending[i]
		jobID := sc.JobID
		if jobID == "" {
			jobID = "sched-" + sc.ID
		}
		fireAt := sc.ScheduledFor
		if fireAt.Before(time.Now()) {
			fireAt = time.Now().Add(5 * time.Second)
		}
		payload, _ := json.Marshal(firePayload{ScheduledCallID: sc.ID})
		added, err := s.jobs.Schedule(ctx, jobqueue.Job{
			ID:      jobID,
			Type:    jobqueue.TypeScheduledCall,
			Payload: payload,
		}, fireAt)
		if err != nil {
			log.Printf("[Scheduler] Error rebuilding job for %s: %v", sc.ID, err)
			continue
		}
		if added {
			rebuilt++
		}
	}
	if rebuilt > 0 {
		log.Printf("[Scheduler] Rebuilt %d delayed jobs", rebuilt)
	}
	return nil
}

// fire executes one scheduled call when its delayed job comes due
func (s *Service) fire(ctx context.Context, job jobqueue.Job) error {
	var payload firePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding fire payload: %w", err)
	}

	moved, err := s.repo.TransitionScheduledCall(ctx, payload.ScheduledCallID, database.SchedulePending, database.ScheduleProcessing)
	if err != nil {
		return err
	}
	if !moved {
		// Cancelled or already fired elsewhere
		return nil
	}

	sc, err := s.repo.GetScheduledCall(ctx, payload.ScheduledCallID)
	if err != nil {
		return err
	}

	_, callErr := s.outgoing.InitiateCall(ctx, outgoing.Request{
		To:      sc.PhoneNumber,
		From:    payload.FromPhone,
		AgentID: sc.AgentID,
	})
	if callErr != nil {
		if apperrors.Retryable(callErr) {
			// Roll back so the job retry finds the record pending
			s.repo.TransitionScheduledCall(ctx, sc.ID, database.ScheduleProcessing, database.SchedulePending)
			return callErr
		}
		s.repo.TransitionScheduledCall(ctx, sc.ID, database.ScheduleProcessing, database.ScheduleFailed)
		log.Printf("[Scheduler] Scheduled call %s failed: %v", sc.ID, callErr)
	} else {
		s.repo.TransitionScheduledCall(ctx, sc.ID, database.ScheduleProcessing, database.ScheduleCompleted)
	}

	if sc.Recurring != nil {
		if err := s.createSuccessor(ctx, sc, payload.FromPhone); err != nil {
			log.Printf("[Scheduler] Error creating recurrence successor for %s: %v", sc.ID, err)
		}
	}
	return nil
}

// createSuccessor books the next occurrence of a recurring scheduled call
func (s *Service) createSuccessor(ctx context.Context, sc *database.ScheduledCall, fromPhone string) error {
	rec := *sc.Recurring
	rec.CurrentOccurrence++

	if rec.MaxOccurrences != nil && rec.CurrentOccurrence >= *rec.MaxOccurrences {
		log.Printf("[Scheduler] Recurrence of %s exhausted after %d occurrences", sc.ID, rec.CurrentOccurrence)
		return nil
	}

	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		loc = time.UTC
	}
	next, err := NextOccurrence(sc.ScheduledFor.In(loc), &rec)
	if err != nil {
		return err
	}
	if rec.EndDate != nil && next.After(*rec.EndDate) {
		log.Printf("[Scheduler] Recurrence of %s ended (past %s)", sc.ID, rec.EndDate.Format(time.RFC3339))
		return nil
	}

	_, err = s.ScheduleCall(ctx, ScheduleRequest{
		PhoneNumber:   sc.PhoneNumber,
		AgentID:       sc.AgentID,
		UserID:        sc.UserID,
		ScheduledFor:  next,
		Timezone:      sc.Timezone,
		FromPhone:     fromPhone,
		BusinessHours: sc.BusinessHours,
		Recurring:     &rec,
	})
	return err
}

// NextOccurrence computes the next fire time of a recurrence from the
// previous one. Calendar arithmetic handles month-length and DST shifts.
func NextOccurrence(from time.Time, rec *database.Recurrence) (time.Time, error) {
	interval := rec.Interval
	if interval < 1 {
		interval = 1
	}
	switch rec.Frequency {
	case database.FreqDaily:
		return from.AddDate(0, 0, interval), nil
	case database.FreqWeekly:
		return from.AddDate(0, 0, 7*interval), nil
	case database.FreqMonthly:
		return from.AddDate(0, interval, 0), nil
	default:
		return time.Time{}, apperrors.New(apperrors.Validation, "INVALID_FREQUENCY", fmt.Sprintf("unknown frequency %q", rec.Frequency))
	}
}

func validateRecurrence(rec *database.Recurrence) error {
	switch rec.Frequency {
	case database.FreqDaily, database.FreqWeekly, database.FreqMonthly:
	default:
		return apperrors.New(apperrors.Validation, "INVALID_FREQUENCY", fmt.Sprintf("unknown frequency %q", rec.Frequency))
	}
	if rec.Interval < 0 {
		return apperrors.New(apperrors.Validation, "INVALID_INTERVAL", "interval must be positive")
	}
	if rec.MaxOccurrences != nil && *rec.MaxOccurrences < 1 {
		return apperrors.New(apperrors.Validation, "INVALID_MAX_OCCURRENCES", "max occurrences must be at least 1")
	}
	return nil
}
