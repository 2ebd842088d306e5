package api

import (
	"context"
	"log"
	"net/http"

	"dialcast/internal/database"
	"dialcast/internal/metrics"
	"dialcast/internal/telephony"
	"dialcast/internal/websocket"
)

// handleTelephonyStatus is the vendor status callback. The vendor retries
// delivery, so every branch answers 200 and the handler is idempotent: a log
// already in a terminal state only bumps the duplicate counter.
func (s *Server) handleTelephonyStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	wh, err := telephony.ParseStatusWebhook(r)
	if err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	callLog := s.resolveCallLog(ctx, wh)
	if callLog == nil {
		log.Printf("[Webhook] No call log for vendor call %s (status %s)", wh.VendorCallID, wh.Status)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}

	if terminalCallStatus(callLog.Status) {
		metrics.WebhookDuplicates.Inc()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}

	switch {
	case wh.Terminal():
		s.finishCall(ctx, callLog, wh)
	case wh.Status == telephony.WebhookInProgress:
		s.markAnswered(ctx, callLog)
	}
	// ringing carries nothing new, the log is already in that state

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// resolveCallLog correlates the webhook with a call log: the custom field
// round-trips our id, the tracker and the vendor-id column are fallbacks.
func (s *Server) resolveCallLog(ctx context.Context, wh *telephony.StatusWebhook) *database.CallLog {
	if wh.CustomField != "" {
		if cl, err := s.repo.GetCallLog(ctx, wh.CustomField); err == nil {
			return cl
		}
	}
	if wh.VendorCallID == "" {
		return nil
	}
	if call := s.tracker.GetByVendorID(wh.VendorCallID); call != nil {
		if cl, err := s.repo.GetCallLog(ctx, call.CallLogID); err == nil {
			return cl
		}
	}
	cl, err := s.repo.GetCallLogByVendorID(ctx, wh.VendorCallID)
	if err != nil {
		return nil
	}
	return cl
}

// markAnswered upgrades the pre-dial lease to an active one and moves the log
// to in-progress. A failed upgrade means the pre-dial lease already expired;
// the call proceeds without a lease and the janitors settle the set.
func (s *Server) markAnswered(ctx context.Context, cl *database.CallLog) {
	if cl.Status == database.CallInProgress {
		return
	}

	leaseToken := cl.LeaseToken
	if cl.CampaignID != nil && cl.CallID != "" {
		activeToken, err := s.leases.UpgradeToActive(ctx, *cl.CampaignID, cl.CallID, cl.LeaseToken)
		if err != nil {
			log.Printf("[Webhook] Error upgrading lease for call %s: %v", cl.ID, err)
		}
		if activeToken != "" {
			leaseToken = activeToken
			s.tracker.MarkActive(cl.ID, activeToken)
		} else {
			log.Printf("[Webhook] Pre-dial lease of call %s gone before answer", cl.ID)
		}
	}

	if err := s.repo.UpdateCallLogLease(ctx, cl.ID, leaseToken, database.CallInProgress); err != nil {
		log.Printf("[Webhook] Error marking call %s answered: %v", cl.ID, err)
		return
	}
	cl.Status = database.CallInProgress
	cl.LeaseToken = leaseToken

	if cl.CampaignID != nil {
		if err := s.repo.ApplyCampaignDelta(ctx, *cl.CampaignID, database.CounterDelta{Active: 1}); err != nil {
			log.Printf("[Webhook] Error bumping active counter: %v", err)
		}
	}

	s.hub.Broadcast(websocket.EventCallAnswered, map[string]interface{}{
		"call_log_id": cl.ID,
		"campaign_id": cl.CampaignID,
	})
}

// finishCall settles a terminal webhook: closes the log through the batcher,
// frees the campaign slot (or the direct pool slot) and books a retry when the
// failure class allows one.
func (s *Server) finishCall(ctx context.Context, cl *database.CallLog, wh *telephony.StatusWebhook) {
	status, reason := classifyTerminal(wh)
	voicemail := wh.VoicemailDetected()

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	s.repo.CloseCallLog(cl.ID, status, wh.DurationSec, reasonPtr, voicemail)

	if cl.CampaignID != nil {
		campaignID := *cl.CampaignID
		if cl.CallID != "" {
			if _, err := s.leases.ForceRelease(ctx, campaignID, cl.CallID, true); err != nil {
				log.Printf("[Webhook] Error releasing lease for call %s: %v", cl.ID, err)
			}
		}
		s.tracker.Remove(cl.ID)

		delta := database.CounterDelta{}
		if cl.Status == database.CallInProgress {
			delta.Active = -1
		}
		switch {
		case voicemail:
			delta.Voicemail = 1
		case status == database.CallCompleted:
			delta.Completed = 1
		default:
			delta.Failed = 1
		}
		if err := s.repo.ApplyCampaignDelta(ctx, campaignID, delta); err != nil {
			log.Printf("[Webhook] Error updating counters for campaign %s: %v", campaignID, err)
		}
	} else {
		s.outgoing.HandleTermination(ctx, cl.ID, status == database.CallCompleted && !voicemail)
	}

	if reason != "" {
		s.retries.HandleCallFailure(ctx, cl, reason)
	}

	log.Printf("[Webhook] Call %s ended: %s (duration %ds)", cl.ID, status, wh.DurationSec)
	s.hub.Broadcast(websocket.EventCallEnded, map[string]interface{}{
		"call_log_id": cl.ID,
		"campaign_id": cl.CampaignID,
		"status":      status,
		"duration":    wh.DurationSec,
	})
}

// classifyTerminal maps the vendor status onto the call-log state and the
// retry failure class ("" means not retried).
func classifyTerminal(wh *telephony.StatusWebhook) (string, string) {
	switch wh.Status {
	case telephony.WebhookCompleted:
		if wh.VoicemailDetected() {
			return database.CallCompleted, "voicemail"
		}
		return database.CallCompleted, ""
	case telephony.WebhookNoAnswer:
		return database.CallNoAnswer, "no_answer"
	case telephony.WebhookBusy:
		return database.CallBusy, "busy"
	case telephony.WebhookCanceled:
		return database.CallCanceled, "call_rejected"
	default:
		return database.CallFailed, "network_error"
	}
}

func terminalCallStatus(status string) bool {
	switch status {
	case database.CallCompleted, database.CallFailed, database.CallNoAnswer,
		database.CallBusy, database.CallCanceled:
		return true
	}
	return false
}
