package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dialcast/internal/apperrors"
)

// Sentinel errors of the document store surface
var (
	ErrNotFound = apperrors.New(apperrors.NotFound, "NOT_FOUND", "entity not found")
	ErrConflict = apperrors.New(apperrors.Conflict, "CONFLICT", "unique constraint violation")
)

// Repository exposes the document collections the dispatcher core needs
type Repository struct {
	conn    *Connection
	batcher *LogBatcher
}

// NewRepository creates a repository and starts its call-log batcher
func NewRepository(conn *Connection) *Repository {
	repo := &Repository{
		conn:    conn,
		batcher: NewLogBatcher(conn.DB),
	}
	repo.batcher.Start()
	return repo
}

// Close flushes and stops repository resources
func (r *Repository) Close() {
	if r.batcher != nil {
		r.batcher.Stop()
	}
}

// GetDB returns the underlying sql.DB
func (r *Repository) GetDB() *sql.DB {
	return r.conn.DB
}

// --- CAMPAIGNS ---

const campaignColumns = `id, name, concurrent_limit, status, agent_id, user_id, from_phone,
	total_contacts, active_calls, queued_calls, completed_calls, failed_calls, voicemail_calls,
	created_at, updated_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID, &c.Name, &c.ConcurrentLimit, &c.Status, &c.AgentID, &c.UserID, &c.FromPhone,
		&c.TotalContacts, &c.ActiveCalls, &c.QueuedCalls, &c.CompletedCalls, &c.FailedCalls,
		&c.VoicemailCalls, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCampaign inserts a campaign, assigning an id when missing
func (r *Repository) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ConcurrentLimit < 1 {
		c.ConcurrentLimit = 1
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}

	query := `
		INSERT INTO dialcast_campaigns (id, name, concurrent_limit, status, agent_id, user_id, from_phone, total_contacts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.conn.DB.ExecContext(ctx, query,
		c.ID, c.Name, c.ConcurrentLimit, c.Status, c.AgentID, c.UserID, c.FromPhone, c.TotalContacts)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("creating campaign: %w", err)
	}
	return nil
}

// GetCampaign fetches one campaign by id
func (r *Repository) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM dialcast_campaigns WHERE id = ?`
	c, err := scanCampaign(r.conn.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching campaign: %w", err)
	}
	return c, nil
}

// UpdateCampaignStatus moves a campaign between lifecycle states
func (r *Repository) UpdateCampaignStatus(ctx context.Context, id, status string) error {
	res, err := r.conn.DB.ExecContext(ctx,
		`UPDATE dialcast_campaigns SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCampaignLimit changes the configured concurrent limit
func (r *Repository) UpdateCampaignLimit(ctx context.Context, id string, limit int) error {
	if limit < 1 {
		return apperrors.New(apperrors.Validation, "INVALID_LIMIT", "concurrent limit must be >= 1")
	}
	res, err := r.conn.DB.ExecContext(ctx,
		`UPDATE dialcast_campaigns SET concurrent_limit = ? WHERE id = ?`, limit, id)
	if err != nil {
		return fmt.Errorf("updating campaign limit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetActiveCampaigns lists campaigns in the active state
func (r *Repository) GetActiveCampaigns(ctx context.Context) ([]Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM dialcast_campaigns WHERE status = ? ORDER BY created_at`
	rows, err := r.conn.DB.QueryContext(ctx, query, CampaignActive)
	if err != nil {
		return nil, fmt.Errorf("listing active campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning campaign: %w", err)
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// CounterDelta adjusts the best-effort campaign counters
type CounterDelta struct {
	Total     int
	Active    int
	Queued    int
	Completed int
	Failed    int
	Voicemail int
}

// ApplyCampaignDelta increments the campaign counters atomically. The active
// counter is display-only; the lease registry is authoritative.
func (r *Repository) ApplyCampaignDelta(ctx context.Context, id string, d CounterDelta) error {
	query := `
		UPDATE dialcast_campaigns SET
			total_contacts  = GREATEST(0, total_contacts + ?),
			active_calls    = GREATEST(0, active_calls + ?),
			queued_calls    = GREATEST(0, queued_calls + ?),
			completed_calls = GREATEST(0, completed_calls + ?),
			failed_calls    = GREATEST(0, failed_calls + ?),
			voicemail_calls = GREATEST(0, voicemail_calls + ?)
		WHERE id = ?
	`
	_, err := r.conn.DB.ExecContext(ctx, query,
		d.Total, d.Active, d.Queued, d.Completed, d.Failed, d.Voicemail, id)
	if err != nil {
		return fmt.Errorf("applying campaign delta: %w", err)
	}
	return nil
}

// --- CONTACTS ---

const contactColumns = `id, campaign_id, phone_number, status, retry_count, next_retry_at, failure_reason, call_log_id, created_at`

func scanContact(row interface{ Scan(...interface{}) error }) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.CampaignID, &c.PhoneNumber, &c.Status, &c.RetryCount,
		&c.NextRetryAt, &c.FailureReason, &c.CallLogID, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateContactsBulk inserts contacts in chunks; returns the inserted count
func (r *Repository) CreateContactsBulk(ctx context.Context, campaignID string, phones []string) (int, error) {
	if len(phones) == 0 {
		return 0, nil
	}

	const chunk = 500
	inserted := 0
	for start := 0; start < len(phones); start += chunk {
		end := start + chunk
		if end > len(phones) {
			end = len(phones)
		}
		batch := phones[start:end]

		placeholders := make([]string, 0, len(batch))
		args := make([]interface{}, 0, len(batch)*3)
		for _, phone := range batch {
			placeholders = append(placeholders, "(?, ?, ?, 'pending')")
			args = append(args, uuid.NewString(), campaignID, phone)
		}

		query := `INSERT INTO dialcast_contacts (id, campaign_id, phone_number, status) VALUES ` +
			strings.Join(placeholders, ", ")
		res, err := r.conn.DB.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("bulk inserting contacts: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	return inserted, nil
}

// ListPendingContacts returns pending contacts whose retry time (if any) has
// passed, oldest first (waitlist feeder input)
func (r *Repository) ListPendingContacts(ctx context.Context, campaignID string, limit int) ([]Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM dialcast_contacts
		WHERE campaign_id = ? AND status = 'pending'
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at LIMIT ?`
	rows, err := r.conn.DB.QueryContext(ctx, query, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending contacts: %w", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning contact: %w", err)
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// GetContact fetches one contact by id
func (r *Repository) GetContact(ctx context.Context, id string) (*Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM dialcast_contacts WHERE id = ?`
	c, err := scanContact(r.conn.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching contact: %w", err)
	}
	return c, nil
}

// UpdateContactStatus sets the contact state and optional failure reason
func (r *Repository) UpdateContactStatus(ctx context.Context, id, status string, failureReason *string) error {
	_, err := r.conn.DB.ExecContext(ctx,
		`UPDATE dialcast_contacts SET status = ?, failure_reason = ? WHERE id = ?`,
		status, failureReason, id)
	if err != nil {
		return fmt.Errorf("updating contact status: %w", err)
	}
	return nil
}

// MarkContactCalling transitions pending -> calling; returns false when the
// contact was cancelled or already picked up (worker pre-check).
func (r *Repository) MarkContactCalling(ctx context.Context, id string) (bool, error) {
	res, err := r.conn.DB.ExecContext(ctx,
		`UPDATE dialcast_contacts SET status = 'calling' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("marking contact calling: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelContact transitions pending -> cancelled (idempotent)
func (r *Repository) CancelContact(ctx context.Context, id string) (bool, error) {
	res, err := r.conn.DB.ExecContext(ctx,
		`UPDATE dialcast_contacts SET status = 'cancelled' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("cancelling contact: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AttachContactCallLog links the contact to its call log
func (r *Repository) AttachContactCallLog(ctx context.Context, id, callLogID string) error {
	_, err := r.conn.DB.ExecContext(ctx,
		`UPDATE dialcast_contacts SET call_log_id = ? WHERE id = ?`, callLogID, id)
	return err
}

// SetContactRetry records the retry count and next attempt time
func (r *Repository) SetContactRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error {
	_, err := r.conn.DB.ExecContext(ctx,
		`UPDATE dialcast_contacts SET status = 'pending', retry_count = ?, next_retry_at = ? WHERE id = ?`,
		retryCount, nextRetryAt, id)
	return err
}

// CountContactsByStatus returns contact counts per state for one campaign
func (r *Repository) CountContactsByStatus(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := r.conn.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM dialcast_contacts WHERE campaign_id = ? GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("counting contacts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- CALL LOGS ---

const callLogColumns = `id, direction, from_phone, to_phone, status, duration_sec, started_at, ended_at,
	failure_reason, lease_token, call_id, vendor_call_id, campaign_id, contact_id, voicemail_detected, is_retry, created_at`

func scanCallLog(row interface{ Scan(...interface{}) error }) (*CallLog, error) {
	var cl CallLog
	err := row.Scan(&cl.ID, &cl.Direction, &cl.FromPhone, &cl.ToPhone, &cl.Status, &cl.DurationSec,
		&cl.StartedAt, &cl.EndedAt, &cl.FailureReason, &cl.LeaseToken, &cl.CallID, &cl.VendorCallID,
		&cl.CampaignID, &cl.ContactID, &cl.VoicemailDetected, &cl.IsRetry, &cl.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &cl, nil
}

// CreateCallLog inserts a call log, assigning an id when missing
func (r *Repository) CreateCallLog(ctx context.Context, cl *CallLog) error {
	if cl.ID == "" {
		cl.ID = uuid.NewString()
	}
	if cl.Direction == "" {
		cl.Direction = DirectionOutbound
	}
	if cl.Status == "" {
		cl.Status = CallInitiated
	}

	query := `
		INSERT INTO dialcast_call_logs
			(id, direction, from_phone, to_phone, status, lease_token, call_id, vendor_call_id, campaign_id, contact_id, is_retry, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.conn.DB.ExecContext(ctx, query,
		cl.ID, cl.Direction, cl.FromPhone, cl.ToPhone, cl.Status,
		cl.LeaseToken, cl.CallID, cl.VendorCallID, cl.CampaignID, cl.ContactID, cl.IsRetry, cl.StartedAt)
	if err != nil {
		return fmt.Errorf("creating call log: %w", err)
	}
	return nil
}

// GetCallLog fetches one call log by id
func (r *Repository) GetCallLog(ctx context.Context, id string) (*CallLog, error) {
	query := `SELECT ` + callLogColumns + ` FROM dialcast_call_logs WHERE id = ?`
	cl, err := scanCallLog(r.conn.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching call log: %w", err)
	}
	return cl, nil
}

// GetCallLogByVendorID resolves a call log from the vendor sid (webhook
// fallback when the custom field is missing)
func (r *Repository) GetCallLogByVendorID(ctx context.Context, vendorCallID string) (*CallLog, error) {
	query := `SELECT ` + callLogColumns + ` FROM dialcast_call_logs WHERE vendor_call_id = ? ORDER BY created_at DESC LIMIT 1`
	cl, err := scanCallLog(r.conn.DB.QueryRowContext(ctx, query, vendorCallID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching call log by vendor id: %w", err)
	}
	return cl, nil
}

// UpdateCallLogDial records the vendor call id and lease metadata after a
// successful initiate, moving the log to ringing.
func (r *Repository) UpdateCallLogDial(ctx context.Context, id, vendorCallID, leaseToken, callID string) error {
	_, err := r.conn.DB.ExecContext(ctx, `
		UPDATE dialcast_call_logs
		SET status = 'ringing', vendor_call_id = ?, lease_token = ?, call_id = ?, started_at = COALESCE(started_at, NOW())
		WHERE id = ?`,
		vendorCallID, leaseToken, callID, id)
	if err != nil {
		return fmt.Errorf("updating call log dial: %w", err)
	}
	return nil
}

// UpdateCallLogLease rewrites the lease token after the upgrade to active
func (r *Repository) UpdateCallLogLease(ctx context.Context, id, leaseToken, status string) error {
	_, err := r.conn.DB.ExecContext(ctx,
		`UPDATE dialcast_call_logs SET lease_token = ?, status = ? WHERE id = ?`,
		leaseToken, status, id)
	return err
}

// CloseCallLog queues a terminal status write through the batcher
func (r *Repository) CloseCallLog(id, status string, durationSec int, failureReason *string, voicemail bool) {
	r.batcher.Queue(LogUpdate{
		ID:            id,
		Status:        status,
		DurationSec:   durationSec,
		FailureReason: failureReason,
		Voicemail:     voicemail,
	})
}

// CloseCallLogNow writes a terminal status synchronously (janitor path)
func (r *Repository) CloseCallLogNow(ctx context.Context, id, status string, failureReason *string) error {
	_, err := r.conn.DB.ExecContext(ctx, `
		UPDATE dialcast_call_logs
		SET status = ?, failure_reason = ?, ended_at = COALESCE(ended_at, NOW())
		WHERE id = ?`,
		status, failureReason, id)
	return err
}

// InProgressCallLogs lists the non-terminal call logs of one campaign
// (cold-start reconstruction source)
func (r *Repository) InProgressCallLogs(ctx context.Context, campaignID string) ([]CallLog, error) {
	query := `SELECT ` + callLogColumns + ` FROM dialcast_call_logs
		WHERE campaign_id = ? AND status IN ('initiated', 'ringing', 'in-progress')`
	rows, err := r.conn.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("listing in-progress call logs: %w", err)
	}
	defer rows.Close()

	var logs []CallLog
	for rows.Next() {
		cl, err := scanCallLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call log: %w", err)
		}
		logs = append(logs, *cl)
	}
	return logs, rows.Err()
}

// StuckRingingCallLogs lists ringing logs older than the cutoff with no end
func (r *Repository) StuckRingingCallLogs(ctx context.Context, cutoff time.Time, limit int) ([]CallLog, error) {
	query := `SELECT ` + callLogColumns + ` FROM dialcast_call_logs
		WHERE status = 'ringing' AND ended_at IS NULL AND created_at < ?
		ORDER BY created_at LIMIT ?`
	rows, err := r.conn.DB.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stuck call logs: %w", err)
	}
	defer rows.Close()

	var logs []CallLog
	for rows.Next() {
		cl, err := scanCallLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call log: %w", err)
		}
		logs = append(logs, *cl)
	}
	return logs, rows.Err()
}

// --- SCHEDULED CALLS ---

const scheduledColumns = `id, phone_number, agent_id, user_id, scheduled_for, timezone, status,
	business_hours, recurring, job_id, is_retry, created_at, updated_at`

func scanScheduledCall(row interface{ Scan(...interface{}) error }) (*ScheduledCall, error) {
	var sc ScheduledCall
	var bh, rec sql.NullString
	err := row.Scan(&sc.ID, &sc.PhoneNumber, &sc.AgentID, &sc.UserID, &sc.ScheduledFor, &sc.Timezone,
		&sc.Status, &bh, &rec, &sc.JobID, &sc.IsRetry, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if bh.Valid && bh.String != "" {
		var hours BusinessHours
		if err := json.Unmarshal([]byte(bh.String), &hours); err == nil {
			sc.BusinessHours = &hours
		}
	}
	if rec.Valid && rec.String != "" {
		var rc Recurrence
		if err := json.Unmarshal([]byte(rec.String), &rc); err == nil {
			sc.Recurring = &rc
		}
	}
	return &sc, nil
}

// CreateScheduledCall inserts a scheduled call, assigning an id when missing
func (r *Repository) CreateScheduledCall(ctx context.Context, sc *ScheduledCall) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Status == "" {
		sc.Status = SchedulePending
	}

	var bh, rec interface{}
	if sc.BusinessHours != nil {
		data, err := json.Marshal(sc.BusinessHours)
		if err != nil {
			return fmt.Errorf("encoding business hours: %w", err)
		}
		bh = string(data)
	}
	if sc.Recurring != nil {
		data, err := json.Marshal(sc.Recurring)
		if err != nil {
			return fmt.Errorf("encoding recurrence: %w", err)
		}
		rec = string(data)
	}

	query := `
		INSERT INTO dialcast_scheduled_calls
			(id, phone_number, agent_id, user_id, scheduled_for, timezone, status, business_hours, recurring, job_id, is_retry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.conn.DB.ExecContext(ctx, query,
		sc.ID, sc.PhoneNumber, sc.AgentID, sc.UserID, sc.ScheduledFor, sc.Timezone, sc.Status,
		bh, rec, sc.JobID, sc.IsRetry)
	if err != nil {
		return fmt.Errorf("creating scheduled call: %w", err)
	}
	return nil
}

// GetScheduledCall fetches one scheduled call by id
func (r *Repository) GetScheduledCall(ctx context.Context, id string) (*ScheduledCall, error) {
	query := `SELECT ` + scheduledColumns + ` FROM dialcast_scheduled_calls WHERE id = ?`
	sc, err := scanScheduledCall(r.conn.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching scheduled call: %w", err)
	}
	return sc, nil
}

// TransitionScheduledCall moves the record from one state to another; returns
// false when the current state did not match (idempotent cancel/fire guard).
func (r *Repository) TransitionScheduledCall(ctx context.Context, id, from, to string) (bool, error) {
	res, err := r.conn.DB.ExecContext(ctx,
		`UPDATE dialcast_scheduled_calls SET status = ? WHERE id = ? AND status = ?`,
		to, id, from)
	if err != nil {
		return false, fmt.Errorf("transitioning scheduled call: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RescheduleScheduledCall moves a pending call to a new fire time
func (r *Repository) RescheduleScheduledCall(ctx context.Context, id string, newTime time.Time) (bool, error) {
	res, err := r.conn.DB.ExecContext(ctx,
		`UPDATE dialcast_scheduled_calls SET scheduled_for = ? WHERE id = ? AND status = 'pending'`,
		newTime, id)
	if err != nil {
		return false, fmt.Errorf("rescheduling: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetScheduledCallJob records the delayed-job id bound to this record
func (r *Repository) SetScheduledCallJob(ctx context.Context, id, jobID string) error {
	_, err := r.conn.DB.ExecContext(ctx,
		`UPDATE dialcast_scheduled_calls SET job_id = ? WHERE id = ?`, jobID, id)
	return err
}

// PendingScheduledCalls lists pending records (delayed-job reconstruction)
func (r *Repository) PendingScheduledCalls(ctx context.Context, limit int) ([]ScheduledCall, error) {
	query := `SELECT ` + scheduledColumns + ` FROM dialcast_scheduled_calls
		WHERE status = 'pending' ORDER BY scheduled_for LIMIT ?`
	rows, err := r.conn.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending scheduled calls: %w", err)
	}
	defer rows.Close()

	var calls []ScheduledCall
	for rows.Next() {
		sc, err := scanScheduledCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning scheduled call: %w", err)
		}
		calls = append(calls, *sc)
	}
	return calls, rows.Err()
}

// --- RETRY ATTEMPTS ---

// CreateRetryAttempt inserts a retry attempt; ErrConflict on the unique
// (originalCallLogId, attemptNumber) constraint.
func (r *Repository) CreateRetryAttempt(ctx context.Context, ra *RetryAttempt) error {
	if ra.ID == "" {
		ra.ID = uuid.NewString()
	}
	if ra.Status == "" {
		ra.Status = SchedulePending
	}

	query := `
		INSERT INTO dialcast_retry_attempts (id, original_call_log_id, attempt_number, scheduled_for, status, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.conn.DB.ExecContext(ctx, query,
		ra.ID, ra.OriginalCallLogID, ra.AttemptNumber, ra.ScheduledFor, ra.Status, ra.FailureReason)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("creating retry attempt: %w", err)
	}
	return nil
}

// GetRetryAttempt fetches one retry attempt by id
func (r *Repository) GetRetryAttempt(ctx context.Context, id string) (*RetryAttempt, error) {
	var ra RetryAttempt
	err := r.conn.DB.QueryRowContext(ctx, `
		SELECT id, original_call_log_id, attempt_number, scheduled_for, status, failure_reason, created_at
		FROM dialcast_retry_attempts WHERE id = ?`, id).
		Scan(&ra.ID, &ra.OriginalCallLogID, &ra.AttemptNumber, &ra.ScheduledFor, &ra.Status, &ra.FailureReason, &ra.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching retry attempt: %w", err)
	}
	return &ra, nil
}

// CountRetryAttempts returns how many attempts exist for a call log
func (r *Repository) CountRetryAttempts(ctx context.Context, originalCallLogID string) (int, error) {
	var n int
	err := r.conn.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dialcast_retry_attempts WHERE original_call_log_id = ?`, originalCallLogID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting retry attempts: %w", err)
	}
	return n, nil
}

// TransitionRetryAttempt applies a guarded state transition
func (r *Repository) TransitionRetryAttempt(ctx context.Context, id, from, to string) (bool, error) {
	res, err := r.conn.DB.ExecContext(ctx,
		`UPDATE dialcast_retry_attempts SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("transitioning retry attempt: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- USERS ---

// GetUserByEmail fetches an operator account
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := r.conn.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, name, role, created_at
		FROM dialcast_users WHERE email = ?`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts an operator account
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	res, err := r.conn.DB.ExecContext(ctx,
		`INSERT INTO dialcast_users (email, password_hash, name, role) VALUES (?, ?, ?, ?)`,
		u.Email, u.PasswordHash, u.Name, u.Role)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("creating user: %w", err)
	}
	id, _ := res.LastInsertId()
	u.ID = int(id)
	return nil
}

// UpdateUserPassword rewrites the password hash (seed-admin resetPassword)
func (r *Repository) UpdateUserPassword(ctx context.Context, email, passwordHash string) error {
	res, err := r.conn.DB.ExecContext(ctx,
		`UPDATE dialcast_users SET password_hash = ? WHERE email = ?`, passwordHash, email)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func isDuplicate(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Duplicate entry")
}
