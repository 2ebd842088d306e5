package database

import "time"

// Campaign statuses
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

// Contact statuses
const (
	ContactPending   = "pending"
	ContactCalling   = "calling"
	ContactCompleted = "completed"
	ContactVoicemail = "voicemail"
	ContactFailed    = "failed"
	ContactSkipped   = "skipped"
	ContactCancelled = "cancelled"
)

// CallLog statuses
const (
	CallInitiated  = "initiated"
	CallRinging    = "ringing"
	CallInProgress = "in-progress"
	CallCompleted  = "completed"
	CallFailed     = "failed"
	CallNoAnswer   = "no-answer"
	CallBusy       = "busy"
	CallCanceled   = "canceled"
)

// Call directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// ScheduledCall / RetryAttempt statuses
const (
	SchedulePending    = "pending"
	ScheduleProcessing = "processing"
	ScheduleCompleted  = "completed"
	ScheduleFailed     = "failed"
	ScheduleCancelled  = "cancelled"
)

// Recurrence frequencies
const (
	FreqDaily   = "daily"
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
)

// Campaign is a configured outbound-call campaign
type Campaign struct {
	ID              string    `db:"id" json:"id"`
	Name            string    `db:"name" json:"name"`
	ConcurrentLimit int       `db:"concurrent_limit" json:"concurrent_limit"`
	Status          string    `db:"status" json:"status"`
	AgentID         string    `db:"agent_id" json:"agent_id"`
	UserID          string    `db:"user_id" json:"user_id"`
	FromPhone       string    `db:"from_phone" json:"from_phone"`
	TotalContacts   int       `db:"total_contacts" json:"total_contacts"`
	ActiveCalls     int       `db:"active_calls" json:"active_calls"`
	QueuedCalls     int       `db:"queued_calls" json:"queued_calls"`
	CompletedCalls  int       `db:"completed_calls" json:"completed_calls"`
	FailedCalls     int       `db:"failed_calls" json:"failed_calls"`
	VoicemailCalls  int       `db:"voicemail_calls" json:"voicemail_calls"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Contact is one phone number inside a campaign
type Contact struct {
	ID            string     `db:"id" json:"id"`
	CampaignID    string     `db:"campaign_id" json:"campaign_id"`
	PhoneNumber   string     `db:"phone_number" json:"phone_number"`
	Status        string     `db:"status" json:"status"`
	RetryCount    int        `db:"retry_count" json:"retry_count"`
	NextRetryAt   *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	FailureReason *string    `db:"failure_reason" json:"failure_reason,omitempty"`
	CallLogID     *string    `db:"call_log_id" json:"call_log_id,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// CallLog records one call attempt end to end
type CallLog struct {
	ID                string     `db:"id" json:"id"`
	Direction         string     `db:"direction" json:"direction"`
	FromPhone         string     `db:"from_phone" json:"from_phone"`
	ToPhone           string     `db:"to_phone" json:"to_phone"`
	Status            string     `db:"status" json:"status"`
	DurationSec       int        `db:"duration_sec" json:"duration_sec"`
	StartedAt         *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt           *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	FailureReason     *string    `db:"failure_reason" json:"failure_reason,omitempty"`
	LeaseToken        string     `db:"lease_token" json:"lease_token,omitempty"`
	CallID            string     `db:"call_id" json:"call_id,omitempty"` // lease member id
	VendorCallID      string     `db:"vendor_call_id" json:"vendor_call_id,omitempty"`
	CampaignID        *string    `db:"campaign_id" json:"campaign_id,omitempty"`
	ContactID         *string    `db:"contact_id" json:"contact_id,omitempty"`
	VoicemailDetected bool       `db:"voicemail_detected" json:"voicemail_detected"`
	IsRetry           bool       `db:"is_retry" json:"is_retry"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// BusinessHours constrains when a scheduled call may fire
type BusinessHours struct {
	Start      string `json:"start"` // "HH:MM"
	End        string `json:"end"`
	Timezone   string `json:"timezone"`
	DaysOfWeek []int  `json:"days_of_week"` // 0=Sunday .. 6=Saturday
}

// Recurrence describes a repeating scheduled call
type Recurrence struct {
	Frequency         string     `json:"frequency"` // daily, weekly, monthly
	Interval          int        `json:"interval"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	MaxOccurrences    *int       `json:"max_occurrences,omitempty"`
	CurrentOccurrence int        `json:"current_occurrence"`
}

// ScheduledCall is a future-dated one-shot or recurring call
type ScheduledCall struct {
	ID            string         `db:"id" json:"id"`
	PhoneNumber   string         `db:"phone_number" json:"phone_number"`
	AgentID       string         `db:"agent_id" json:"agent_id"`
	UserID        string         `db:"user_id" json:"user_id"`
	ScheduledFor  time.Time      `db:"scheduled_for" json:"scheduled_for"`
	Timezone      string         `db:"timezone" json:"timezone"`
	Status        string         `db:"status" json:"status"`
	BusinessHours *BusinessHours `db:"business_hours" json:"business_hours,omitempty"`
	Recurring     *Recurrence    `db:"recurring" json:"recurring,omitempty"`
	JobID         string         `db:"job_id" json:"job_id,omitempty"`
	IsRetry       bool           `db:"is_retry" json:"is_retry"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// RetryAttempt is a scheduled re-dial after a classified failure
type RetryAttempt struct {
	ID                string    `db:"id" json:"id"`
	OriginalCallLogID string    `db:"original_call_log_id" json:"original_call_log_id"`
	AttemptNumber     int       `db:"attempt_number" json:"attempt_number"`
	ScheduledFor      time.Time `db:"scheduled_for" json:"scheduled_for"`
	Status            string    `db:"status" json:"status"`
	FailureReason     string    `db:"failure_reason" json:"failure_reason"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// User is an operator account
type User struct {
	ID           int       `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Name         string    `db:"name" json:"name"`
	Role         string    `db:"role" json:"role"` // admin, super_admin
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
