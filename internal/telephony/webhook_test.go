package telephony

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookRequest(form url.Values) *StatusWebhook {
	req := httptest.NewRequest("POST", "/webhooks/telephony/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	wh, _ := ParseStatusWebhook(req)
	return wh
}

func TestParseStatusWebhook(t *testing.T) {
	wh := webhookRequest(url.Values{
		"CallSid":          {"CA123"},
		"CallStatus":       {"Completed"},
		"DialCallDuration": {"42"},
		"AnsweredBy":       {"Machine"},
		"CustomField":      {"log-7"},
		"To":               {"+15551234567"},
	})

	require.NotNil(t, wh)
	assert.Equal(t, "CA123", wh.VendorCallID)
	assert.Equal(t, WebhookCompleted, wh.Status)
	assert.Equal(t, 42, wh.DurationSec)
	assert.Equal(t, "machine", wh.AnsweredBy)
	assert.Equal(t, "log-7", wh.CustomField)
	assert.Equal(t, "+15551234567", wh.To)
}

func TestParseStatusWebhookFallbackFields(t *testing.T) {
	// Some vendor events carry Status/Duration instead
	wh := webhookRequest(url.Values{
		"CallSid":  {"CA456"},
		"Status":   {"no-answer"},
		"Duration": {"0"},
	})

	assert.Equal(t, WebhookNoAnswer, wh.Status)
	assert.Equal(t, 0, wh.DurationSec)
}

func TestTerminal(t *testing.T) {
	terminal := []string{WebhookCompleted, WebhookFailed, WebhookBusy, WebhookNoAnswer, WebhookCanceled}
	for _, s := range terminal {
		assert.True(t, (&StatusWebhook{Status: s}).Terminal(), s)
	}
	for _, s := range []string{WebhookRinging, WebhookInProgress, "queued", ""} {
		assert.False(t, (&StatusWebhook{Status: s}).Terminal(), s)
	}
}

func TestVoicemailDetected(t *testing.T) {
	assert.True(t, (&StatusWebhook{AnsweredBy: "machine"}).VoicemailDetected())
	assert.True(t, (&StatusWebhook{AnsweredBy: "voicemail"}).VoicemailDetected())
	assert.False(t, (&StatusWebhook{AnsweredBy: "human"}).VoicemailDetected())
	assert.False(t, (&StatusWebhook{}).VoicemailDetected())
}
