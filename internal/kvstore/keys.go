package kvstore

import "fmt"

// All campaign state lives under campaign:{<id>}:. The braces are a cluster
// hash tag: every key of one campaign maps to the same slot, so the multi-key
// scripts in lease/reservation stay atomic on redis cluster.

// KeyPrefix returns the hash-tagged prefix for one campaign
func KeyPrefix(campaignID string) string {
	return fmt.Sprintf("campaign:{%s}:", campaignID)
}

// LimitKey holds the configured concurrent limit
func LimitKey(campaignID string) string {
	return KeyPrefix(campaignID) + "limit"
}

// LeasesKey is the membership set of active and pre-dial lease members
func LeasesKey(campaignID string) string {
	return KeyPrefix(campaignID) + "leases"
}

// LeaseKey holds the token of one lease member; its TTL bounds the lease
func LeaseKey(campaignID, member string) string {
	return KeyPrefix(campaignID) + "lease:" + member
}

// ReservedKey is the cached count of slots reserved by the promoter
func ReservedKey(campaignID string) string {
	return KeyPrefix(campaignID) + "reserved"
}

// LedgerKey is the sorted set of outstanding reservations (source of truth)
func LedgerKey(campaignID string) string {
	return KeyPrefix(campaignID) + "reserved:ledger"
}

// WaitlistKey is the FIFO list of queued job ids for one priority
func WaitlistKey(campaignID, priority string) string {
	return KeyPrefix(campaignID) + "waitlist:" + priority
}

// WaitlistMarkerKey is the per-job idempotency marker
func WaitlistMarkerKey(campaignID, jobID string) string {
	return KeyPrefix(campaignID) + "waitlist:marker:" + jobID
}

// WaitlistSeenKey is the contact-level dedup set
func WaitlistSeenKey(campaignID string) string {
	return KeyPrefix(campaignID) + "waitlist:seen"
}

// FairnessKey is the cursor used to bias pops between the two waitlists
func FairnessKey(campaignID string) string {
	return KeyPrefix(campaignID) + "waitlist:fairness"
}

// PromoteGateKey holds the current promotion epoch
func PromoteGateKey(campaignID string) string {
	return KeyPrefix(campaignID) + "promote-gate"
}

// PromoteGateSeqKey is the INCR source behind the gate
func PromoteGateSeqKey(campaignID string) string {
	return KeyPrefix(campaignID) + "promote-gate:seq"
}

// PromoteMutexKey serializes promoters across the cluster
func PromoteMutexKey(campaignID string) string {
	return KeyPrefix(campaignID) + "promote-mutex"
}

// PausedKey existence marks the campaign paused
func PausedKey(campaignID string) string {
	return KeyPrefix(campaignID) + "paused"
}

// ColdStartKey holds the cold-start guard state ("blocking" or "done")
func ColdStartKey(campaignID string) string {
	return KeyPrefix(campaignID) + "cold-start"
}

// BreakerFailKey is the failure counter of the circuit breaker
func BreakerFailKey(campaignID string) string {
	return KeyPrefix(campaignID) + "cb:fail"
}

// CircuitKey existence marks the breaker open
func CircuitKey(campaignID string) string {
	return KeyPrefix(campaignID) + "circuit"
}

// ReadyKey is the list of promoted jobs awaiting a campaign worker
func ReadyKey(campaignID string) string {
	return KeyPrefix(campaignID) + "ready"
}

// SlotAvailableChannel is the pub/sub channel for freed slots
func SlotAvailableChannel(campaignID string) string {
	return fmt.Sprintf("campaign:%s:slot-available", campaignID)
}

// SlotAvailablePattern matches slot-available events for every campaign
const SlotAvailablePattern = "campaign:*:slot-available"

// PreDialMember returns the membership entry for a pre-dial lease
func PreDialMember(callID string) string {
	return "pre-" + callID
}
