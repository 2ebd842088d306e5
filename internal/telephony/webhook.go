package telephony

import (
	"net/http"
	"strconv"
	"strings"
)

// StatusWebhook is the vendor callback fired on every call state change. The
// CustomField round-trips the call-log id attached at initiate time.
type StatusWebhook struct {
	VendorCallID string
	Status       string
	DurationSec  int
	AnsweredBy   string
	CustomField  string
	To           string
}

// Vendor webhook statuses mapped onto call-log states
const (
	WebhookRinging    = "ringing"
	WebhookInProgress = "in-progress"
	WebhookCompleted  = "completed"
	WebhookFailed     = "failed"
	WebhookBusy       = "busy"
	WebhookNoAnswer   = "no-answer"
	WebhookCanceled   = "canceled"
)

// ParseStatusWebhook reads the form-encoded vendor callback
func ParseStatusWebhook(r *http.Request) (*StatusWebhook, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}

	duration := 0
	if v := r.FormValue("DialCallDuration"); v != "" {
		duration, _ = strconv.Atoi(v)
	} else if v := r.FormValue("Duration"); v != "" {
		duration, _ = strconv.Atoi(v)
	}

	status := r.FormValue("CallStatus")
	if status == "" {
		status = r.FormValue("Status")
	}

	return &StatusWebhook{
		VendorCallID: r.FormValue("CallSid"),
		Status:       strings.ToLower(status),
		DurationSec:  duration,
		AnsweredBy:   strings.ToLower(r.FormValue("AnsweredBy")),
		CustomField:  r.FormValue("CustomField"),
		To:           r.FormValue("To"),
	}, nil
}

// Terminal reports whether the webhook status ends the call
func (w *StatusWebhook) Terminal() bool {
	switch w.Status {
	case WebhookCompleted, WebhookFailed, WebhookBusy, WebhookNoAnswer, WebhookCanceled:
		return true
	}
	return false
}

// VoicemailDetected reports machine pickup
func (w *StatusWebhook) VoicemailDetected() bool {
	return w.AnsweredBy == "machine" || w.AnsweredBy == "voicemail"
}
