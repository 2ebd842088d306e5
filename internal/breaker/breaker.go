package breaker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"dialcast/internal/kvstore"
	"dialcast/internal/metrics"
)

const (
	// DefaultThreshold is the failure count that trips the breaker.
	DefaultThreshold = 5
	// Window is the sliding failure-count window.
	Window = 60 * time.Second
	// OpenTTL is how long the breaker stays open once tripped.
	OpenTTL = 60 * time.Second
)

// Breaker is the per-campaign circuit breaker over key-value counters, so
// every worker in the cluster sees the same state.
type Breaker struct {
	store     *kvstore.Store
	threshold int

	failScript    *redis.Script
	successScript *redis.Script
}

// New creates a circuit breaker with the default threshold
func New(store *kvstore.Store) *Breaker {
	return &Breaker{
		store:         store,
		threshold:     DefaultThreshold,
		failScript:    redis.NewScript(recordFailureLua),
		successScript: redis.NewScript(recordSuccessLua),
	}
}

// recordFailureLua bumps the windowed failure counter and trips the circuit
// past the threshold. Returns 1 when this call tripped it.
const recordFailureLua = `
local count = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
if count > tonumber(ARGV[1]) and redis.call('EXISTS', KEYS[2]) == 0 then
  redis.call('SET', KEYS[2], 'open', 'EX', tonumber(ARGV[3]))
  return 1
end
return 0
`

// recordSuccessLua walks the counter back down; at zero both keys go away.
const recordSuccessLua = `
local count = redis.call('DECR', KEYS[1])
if count <= 0 then
  redis.call('DEL', KEYS[1])
  redis.call('DEL', KEYS[2])
end
return count
`

// RecordFailure counts an upstream failure; trips the circuit past threshold
func (b *Breaker) RecordFailure(ctx context.Context, campaignID string) error {
	tripped, err := b.failScript.Run(ctx, b.store.Client(),
		[]string{
			kvstore.BreakerFailKey(campaignID),
			kvstore.CircuitKey(campaignID),
		},
		b.threshold, int(Window.Seconds()), int(OpenTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("breaker record failure: %w", err)
	}
	if tripped == 1 {
		metrics.BreakerTrips.Inc()
		log.Printf("[Breaker] Circuit OPEN for campaign %s (failures > %d in %s)", campaignID, b.threshold, Window)
	}
	return nil
}

// RecordSuccess decrements the failure count; at zero the circuit closes
func (b *Breaker) RecordSuccess(ctx context.Context, campaignID string) error {
	if err := b.successScript.Run(ctx, b.store.Client(),
		[]string{
			kvstore.BreakerFailKey(campaignID),
			kvstore.CircuitKey(campaignID),
		},
	).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("breaker record success: %w", err)
	}
	return nil
}

// IsOpen reports whether the circuit is currently open
func (b *Breaker) IsOpen(ctx context.Context, campaignID string) (bool, error) {
	n, err := b.store.Client().Exists(ctx, kvstore.CircuitKey(campaignID)).Result()
	if err != nil {
		return false, fmt.Errorf("breaker state: %w", err)
	}
	return n == 1, nil
}

// AdjustBatch shrinks the promotion batch to a quarter while the circuit is
// open, never below 1.
func (b *Breaker) AdjustBatch(ctx context.Context, campaignID string, defaultBatch int) int {
	open, err := b.IsOpen(ctx, campaignID)
	if err != nil {
		log.Printf("[Breaker] Error reading circuit for campaign %s: %v", campaignID, err)
		return defaultBatch
	}
	if !open {
		return defaultBatch
	}
	adjusted := defaultBatch / 4
	if adjusted < 1 {
		adjusted = 1
	}
	return adjusted
}
