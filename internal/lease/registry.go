package lease

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"dialcast/internal/kvstore"
)

const (
	// PreDialBase is the initial pre-dial lease TTL; a random jitter of up
	// to PreDialJitter is added so bursts do not expire in lockstep.
	PreDialBase   = 15 * time.Second
	PreDialJitter = 5 * time.Second
	// PreDialMax is the wall-clock ceiling a pre-dial lease can be renewed to.
	PreDialMax = 45 * time.Second

	// ActiveBase/ActiveJitter bound the TTL of an answered call's lease.
	ActiveBase   = 180 * time.Second
	ActiveJitter = 60 * time.Second

	// RenewQuantum is how much a renewal extends the lease.
	RenewQuantum = 10 * time.Second
)

// Renewal outcomes.
const (
	RenewOK          = 1
	RenewTokenLost   = 0
	RenewColdBlocked = -1
)

// Registry owns the per-campaign lease membership set and the per-member
// lease keys. Every mutation goes through a single Lua script so the
// capacity check cannot race across processes.
type Registry struct {
	store *kvstore.Store

	acquireScript *redis.Script
	upgradeScript *redis.Script
	releaseScript *redis.Script
	forceScript   *redis.Script
	renewScript   *redis.Script
}

// NewRegistry creates a lease registry over the key-value store
func NewRegistry(store *kvstore.Store) *Registry {
	return &Registry{
		store:         store,
		acquireScript: redis.NewScript(acquirePreDialLua),
		upgradeScript: redis.NewScript(upgradeToActiveLua),
		releaseScript: redis.NewScript(releaseLua),
		forceScript:   redis.NewScript(forceReleaseLua),
		renewScript:   redis.NewScript(renewLua),
	}
}

// acquirePreDialLua admits a pre-dial member only while |leases| < limit.
const acquirePreDialLua = `
local limit = tonumber(redis.call('GET', KEYS[1]) or ARGV[4])
if limit == nil or limit < 1 then
  return 0
end
local inflight = redis.call('SCARD', KEYS[2])
if inflight >= limit then
  return 0
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[2], 'EX', ARGV[3])
return 1
`

// upgradeToActiveLua swaps the pre-dial member for the active member iff the
// caller still holds the pre-dial token.
const upgradeToActiveLua = `
local cur = redis.call('GET', KEYS[1])
if cur ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
redis.call('SET', KEYS[3], ARGV[4], 'EX', ARGV[5])
return 1
`

// releaseLua is compare-and-delete. A missing key means already released;
// the stray set member is still removed so the janitor has less to do.
const releaseLua = `
local cur = redis.call('GET', KEYS[1])
if not cur then
  redis.call('SREM', KEYS[2], ARGV[2])
  return 0
end
if cur ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return 1
`

// forceReleaseLua removes both lease variants without a token check
// (webhook path). Returns 1 if the active lease went, 2 if only the
// pre-dial variant went, 0 if neither existed.
const forceReleaseLua = `
local released = 0
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 then
  redis.call('DEL', KEYS[1])
  redis.call('SREM', KEYS[3], ARGV[1])
  released = 1
end
if redis.call('EXISTS', KEYS[2]) == 1 or redis.call('SISMEMBER', KEYS[3], ARGV[2]) == 1 then
  redis.call('DEL', KEYS[2])
  redis.call('SREM', KEYS[3], ARGV[2])
  if released == 0 then
    released = 2
  end
end
return released
`

// renewLua extends a lease TTL by the quantum, refusing while cold-start is
// blocking and clamping to the max TTL when one is given.
const renewLua = `
if redis.call('GET', KEYS[2]) == 'blocking' then
  return -1
end
local cur = redis.call('GET', KEYS[1])
if cur ~= ARGV[1] then
  return 0
end
local ttl = redis.call('TTL', KEYS[1])
if ttl < 0 then
  ttl = 0
end
local newttl = ttl + tonumber(ARGV[2])
local maxttl = tonumber(ARGV[3])
if maxttl > 0 and newttl > maxttl then
  newttl = maxttl
end
redis.call('EXPIRE', KEYS[1], newttl)
return 1
`

// AcquirePreDial attempts to take a slot for callID. Returns the pre-dial
// token on success, empty string when the campaign is at capacity.
func (r *Registry) AcquirePreDial(ctx context.Context, campaignID, callID string, limit int) (string, error) {
	member := kvstore.PreDialMember(callID)
	token := uuid.NewString()
	ttl := PreDialBase + time.Duration(rand.Int63n(int64(PreDialJitter)))

	res, err := r.acquireScript.Run(ctx, r.store.Client(),
		[]string{
			kvstore.LimitKey(campaignID),
			kvstore.LeasesKey(campaignID),
			kvstore.LeaseKey(campaignID, member),
		},
		member, token, int(ttl.Seconds()), limit,
	).Int()
	if err != nil {
		return "", fmt.Errorf("acquire pre-dial lease: %w", err)
	}
	if res != 1 {
		return "", nil
	}
	return token, nil
}

// UpgradeToActive converts a pre-dial lease into an active one. Returns the
// new active token, or empty string if the pre-dial token no longer matches.
func (r *Registry) UpgradeToActive(ctx context.Context, campaignID, callID, preToken string) (string, error) {
	preMember := kvstore.PreDialMember(callID)
	activeToken := uuid.NewString()
	ttl := ActiveBase + time.Duration(rand.Int63n(int64(ActiveJitter)))

	res, err := r.upgradeScript.Run(ctx, r.store.Client(),
		[]string{
			kvstore.LeaseKey(campaignID, preMember),
			kvstore.LeasesKey(campaignID),
			kvstore.LeaseKey(campaignID, callID),
		},
		preToken, preMember, callID, activeToken, int(ttl.Seconds()),
	).Int()
	if err != nil {
		return "", fmt.Errorf("upgrade lease: %w", err)
	}
	if res != 1 {
		return "", nil
	}
	return activeToken, nil
}

// Release deletes the lease iff token matches, then optionally publishes
// slot-available. Token mismatch and missing key are both no-ops so retried
// webhooks stay idempotent.
func (r *Registry) Release(ctx context.Context, campaignID, member, token string, publish bool) (bool, error) {
	res, err := r.releaseScript.Run(ctx, r.store.Client(),
		[]string{
			kvstore.LeaseKey(campaignID, member),
			kvstore.LeasesKey(campaignID),
		},
		token, member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	if res == 1 && publish {
		r.notifySlotAvailable(ctx, campaignID)
	}
	return res == 1, nil
}

// ForceRelease removes both lease variants of callID without a token check.
// Returns 1 (active released), 2 (pre-dial released) or 0 (nothing held).
func (r *Registry) ForceRelease(ctx context.Context, campaignID, callID string, publish bool) (int, error) {
	preMember := kvstore.PreDialMember(callID)
	res, err := r.forceScript.Run(ctx, r.store.Client(),
		[]string{
			kvstore.LeaseKey(campaignID, callID),
			kvstore.LeaseKey(campaignID, preMember),
			kvstore.LeasesKey(campaignID),
		},
		callID, preMember,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("force release lease: %w", err)
	}
	if res != 0 && publish {
		r.notifySlotAvailable(ctx, campaignID)
	}
	return res, nil
}

// Renew extends the lease of member by RenewQuantum. Pre-dial members are
// clamped so the remaining TTL never exceeds PreDialMax; renewal is refused
// while the campaign is in cold-start to avoid resurrecting recovered leases.
func (r *Registry) Renew(ctx context.Context, campaignID, member, token string, preDial bool) (int, error) {
	maxTTL := 0
	if preDial {
		maxTTL = int(PreDialMax.Seconds())
	}
	res, err := r.renewScript.Run(ctx, r.store.Client(),
		[]string{
			kvstore.LeaseKey(campaignID, member),
			kvstore.ColdStartKey(campaignID),
		},
		token, int(RenewQuantum.Seconds()), maxTTL,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("renew lease: %w", err)
	}
	return res, nil
}

// Members lists the current lease set members
func (r *Registry) Members(ctx context.Context, campaignID string) ([]string, error) {
	return r.store.Client().SMembers(ctx, kvstore.LeasesKey(campaignID)).Result()
}

// InflightCount returns |leases|
func (r *Registry) InflightCount(ctx context.Context, campaignID string) (int64, error) {
	return r.store.Client().SCard(ctx, kvstore.LeasesKey(campaignID)).Result()
}

// HasLease reports whether the per-member lease key still exists
func (r *Registry) HasLease(ctx context.Context, campaignID, member string) (bool, error) {
	n, err := r.store.Client().Exists(ctx, kvstore.LeaseKey(campaignID, member)).Result()
	return n == 1, err
}

// RemoveMember drops a stray set member whose lease key is gone (janitor path)
func (r *Registry) RemoveMember(ctx context.Context, campaignID, member string) error {
	return r.store.Client().SRem(ctx, kvstore.LeasesKey(campaignID), member).Err()
}

// SetLimit writes the configured concurrent limit into the key-value store
func (r *Registry) SetLimit(ctx context.Context, campaignID string, limit int) error {
	return r.store.Client().Set(ctx, kvstore.LimitKey(campaignID), limit, 0).Err()
}

// Limit reads the configured concurrent limit (0 when unset)
func (r *Registry) Limit(ctx context.Context, campaignID string) (int, error) {
	v, err := r.store.Client().Get(ctx, kvstore.LimitKey(campaignID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Seed inserts a recovered lease during cold-start reconstruction. The value
// "recovered" marks it for post-grace reconciliation.
func (r *Registry) Seed(ctx context.Context, campaignID, member string, ttl time.Duration) error {
	pipe := r.store.Client().TxPipeline()
	pipe.SAdd(ctx, kvstore.LeasesKey(campaignID), member)
	pipe.Set(ctx, kvstore.LeaseKey(campaignID, member), "recovered", ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// TokenOf reads the current token of a lease member ("" when gone)
func (r *Registry) TokenOf(ctx context.Context, campaignID, member string) (string, error) {
	v, err := r.store.Client().Get(ctx, kvstore.LeaseKey(campaignID, member)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// CleanupAll walks the lease set and deletes every member and key. Operator
// escape hatch; returns the member count before the sweep.
func (r *Registry) CleanupAll(ctx context.Context, campaignID string) (int, error) {
	members, err := r.Members(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	for _, m := range members {
		if err := r.store.Client().Del(ctx, kvstore.LeaseKey(campaignID, m)).Err(); err != nil {
			return len(members), err
		}
		if err := r.RemoveMember(ctx, campaignID, m); err != nil {
			return len(members), err
		}
	}
	return len(members), nil
}

func (r *Registry) notifySlotAvailable(ctx context.Context, campaignID string) {
	if err := r.store.Publish(ctx, kvstore.SlotAvailableChannel(campaignID), "1"); err != nil {
		log.Printf("[LeaseRegistry] Error publishing slot-available for campaign %s: %v", campaignID, err)
	}
}
