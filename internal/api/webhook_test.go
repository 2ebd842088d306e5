package api

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dialcast/internal/database"
	"dialcast/internal/telephony"
)

func TestClassifyTerminal(t *testing.T) {
	tests := []struct {
		name       string
		wh         *telephony.StatusWebhook
		wantStatus string
		wantReason string
	}{
		{
			name:       "completed by a person",
			wh:         &telephony.StatusWebhook{Status: telephony.WebhookCompleted, AnsweredBy: "human"},
			wantStatus: database.CallCompleted,
			wantReason: "",
		},
		{
			name:       "completed by a machine retries as voicemail",
			wh:         &telephony.StatusWebhook{Status: telephony.WebhookCompleted, AnsweredBy: "machine"},
			wantStatus: database.CallCompleted,
			wantReason: "voicemail",
		},
		{
			name:       "no answer",
			wh:         &telephony.StatusWebhook{Status: telephony.WebhookNoAnswer},
			wantStatus: database.CallNoAnswer,
			wantReason: "no_answer",
		},
		{
			name:       "busy",
			wh:         &telephony.StatusWebhook{Status: telephony.WebhookBusy},
			wantStatus: database.CallBusy,
			wantReason: "busy",
		},
		{
			name:       "canceled",
			wh:         &telephony.StatusWebhook{Status: telephony.WebhookCanceled},
			wantStatus: database.CallCanceled,
			wantReason: "call_rejected",
		},
		{
			name:       "failed",
			wh:         &telephony.StatusWebhook{Status: telephony.WebhookFailed},
			wantStatus: database.CallFailed,
			wantReason: "network_error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, reason := classifyTerminal(tc.wh)
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantReason, reason)
		})
	}
}

func TestTerminalCallStatus(t *testing.T) {
	for _, s := range []string{
		database.CallCompleted, database.CallFailed, database.CallNoAnswer,
		database.CallBusy, database.CallCanceled,
	} {
		assert.True(t, terminalCallStatus(s), s)
	}
	for _, s := range []string{
		database.CallInitiated, database.CallRinging, database.CallInProgress, "",
	} {
		assert.False(t, terminalCallStatus(s), s)
	}
}
