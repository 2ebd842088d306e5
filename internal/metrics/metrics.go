package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters and gauges exposed on /metrics. Names follow the dispatcher's
// event vocabulary (duplicate_enqueue, gate_hard_sync, no_slot_delays).
var (
	DuplicateEnqueues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_duplicate_enqueue_total",
		Help: "Contact enqueues swallowed by the waitlist dedup set",
	})

	GateRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_gate_repairs_total",
		Help: "Jobs dispatched without a promotion gate and sent back for repair",
	})

	GateHardSyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_gate_hard_sync_total",
		Help: "Jobs hard-synced to the waitlist after repeated gate repairs",
	})

	NoSlotDelays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_no_slot_delays_total",
		Help: "Dial attempts delayed because no pre-dial slot was available",
	})

	PromotedJobs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_promoted_jobs_total",
		Help: "Jobs moved from waitlist to ready by the promoter",
	})

	StaleLeaseMembers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_stale_lease_members_total",
		Help: "Lease set members removed because their lease key expired",
	})

	OrphanedReservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_orphaned_reservations_total",
		Help: "Ledger entries pushed back to their waitlist by the janitor",
	})

	ReconcilerDrift = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dialcast_reserved_counter_drift",
		Help: "Last observed reserved counter minus ledger size",
	})

	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_invariant_violations_total",
		Help: "Observed |leases| + reserved > limit samples",
	})

	StuckCallsReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_stuck_calls_reconciled_total",
		Help: "Ringing call logs closed by the stuck-call monitor",
	})

	ColdStartRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_cold_start_recoveries_total",
		Help: "Campaign lease sets reconstructed after a key-value store restart",
	})

	DispatchedCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_dispatched_calls_total",
		Help: "Calls handed to the telephony collaborator by campaign workers",
	})

	WebhookDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_webhook_duplicates_total",
		Help: "Terminal webhooks whose lease was already released",
	})

	DroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_dropped_events_total",
		Help: "Hub or promoter notifications dropped by backpressure",
	})

	BreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dialcast_breaker_trips_total",
		Help: "Circuit breaker open transitions",
	})
)
