package reservation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dialcast/internal/kvstore"
)

const (
	// ReservedTTL bounds the cached counter; the ledger itself is aged out
	// entry by entry by the janitor.
	ReservedTTL = 70 * time.Second
	// GateTTL bounds the promotion gate key.
	GateTTL = 20 * time.Second
	// OrphanAge is how long a reservation may sit unclaimed before the
	// janitor pushes it back to its waitlist.
	OrphanAge = 60 * time.Second
)

// Origin markers recorded in ledger entries so orphans return to the
// waitlist they came from.
const (
	OriginHigh   = "H"
	OriginNormal = "N"
)

// PromoteResult is the outcome of one popReservePromote call.
type PromoteResult struct {
	Count       int
	Seq         int64
	PromotedIDs []string
	// PushBackIDs were popped but demoted because their idempotency marker
	// was gone (cancelled or already transitioned); no slot was reserved.
	PushBackIDs []string
}

// Ledger is the source of truth for about-to-dispatch slots: a sorted set of
// origin:jobId entries scored by reservation time, shadowed by an integer
// counter the scripts keep in sync.
type Ledger struct {
	store *kvstore.Store

	promoteScript *redis.Script
	claimScript   *redis.Script
	decrScript    *redis.Script
}

// NewLedger creates the reservation ledger over the key-value store
func NewLedger(store *kvstore.Store) *Ledger {
	return &Ledger{
		store:         store,
		promoteScript: redis.NewScript(popReservePromoteLua),
		claimScript:   redis.NewScript(claimLua),
		decrScript:    redis.NewScript(decrReservedLua),
	}
}

// popReservePromoteLua pops up to maxBatch jobs from the two waitlists under
// limit - inflight - reserved, records a ledger entry per promoted job,
// bumps the reserved counter and advances the promotion gate. The fairness
// cursor is read modulo 3 (two high pops for every normal pop when both
// queues are non-empty) and rolls over so it never grows without bound.
//
// KEYS: limit, leases, reserved, ledger, waitlist:high, waitlist:normal,
//       fairness, promote-gate, promote-gate:seq
// ARGV: maxBatch, nowMs, reservedTTL, gateTTL, markerPrefix
// Reply: {count, seq, promotedCount, promoted..., pushBack...}
const popReservePromoteLua = `
local limit = tonumber(redis.call('GET', KEYS[1]) or '0')
local inflight = redis.call('SCARD', KEYS[2])
local reserved = tonumber(redis.call('GET', KEYS[3]) or '0')
local available = limit - inflight - reserved
if available < 0 then
  available = 0
end
local maxbatch = tonumber(ARGV[1])
local take = available
if take > maxbatch then
  take = maxbatch
end
local now = tonumber(ARGV[2])
local cursor = tonumber(redis.call('GET', KEYS[7]) or '0')
local promoted = {}
local pushback = {}
local taken = 0
while taken < take do
  local highLen = redis.call('LLEN', KEYS[5])
  local normLen = redis.call('LLEN', KEYS[6])
  if highLen == 0 and normLen == 0 then
    break
  end
  local origin
  if highLen > 0 and normLen > 0 then
    if cursor % 3 == 2 then
      origin = 'N'
    else
      origin = 'H'
    end
    cursor = cursor + 1
    if cursor >= 1000000000 then
      cursor = 0
    end
  elseif highLen > 0 then
    origin = 'H'
  else
    origin = 'N'
  end
  local jobId
  if origin == 'H' then
    jobId = redis.call('LPOP', KEYS[5])
  else
    jobId = redis.call('LPOP', KEYS[6])
  end
  if jobId then
    if redis.call('EXISTS', ARGV[5] .. jobId) == 1 then
      redis.call('ZADD', KEYS[4], now, origin .. ':' .. jobId)
      taken = taken + 1
      table.insert(promoted, jobId)
    else
      table.insert(pushback, jobId)
    end
  end
end
redis.call('SET', KEYS[7], cursor)
if taken > 0 then
  redis.call('INCRBY', KEYS[3], taken)
  redis.call('EXPIRE', KEYS[3], tonumber(ARGV[3]))
end
local seq = redis.call('INCR', KEYS[9])
redis.call('SET', KEYS[8], seq, 'EX', tonumber(ARGV[4]))
local reply = {taken, seq, #promoted}
for _, id in ipairs(promoted) do
  table.insert(reply, id)
end
for _, id in ipairs(pushback) do
  table.insert(reply, id)
end
return reply
`

// claimLua frees the reservation for one job: removes its ledger entry
// (whichever origin it carries) and decrements the counter, floored at zero.
const claimLua = `
local removed = redis.call('ZREM', KEYS[1], 'H:' .. ARGV[1]) + redis.call('ZREM', KEYS[1], 'N:' .. ARGV[1])
if removed > 0 then
  local v = redis.call('DECRBY', KEYS[2], removed)
  if v < 0 then
    redis.call('SET', KEYS[2], 0, 'EX', tonumber(ARGV[2]))
  end
end
return removed
`

// decrReservedLua clamps the counter decrement at zero (janitor path).
const decrReservedLua = `
local v = redis.call('DECRBY', KEYS[1], tonumber(ARGV[1]))
if v < 0 then
  redis.call('SET', KEYS[1], 0, 'EX', tonumber(ARGV[2]))
  v = 0
end
return v
`

// PopReservePromote runs the atomic waitlist-pop + reserve + gate-advance
// for one campaign.
func (l *Ledger) PopReservePromote(ctx context.Context, campaignID string, maxBatch int, now time.Time) (*PromoteResult, error) {
	raw, err := l.promoteScript.Run(ctx, l.store.Client(),
		[]string{
			kvstore.LimitKey(campaignID),
			kvstore.LeasesKey(campaignID),
			kvstore.ReservedKey(campaignID),
			kvstore.LedgerKey(campaignID),
			kvstore.WaitlistKey(campaignID, "high"),
			kvstore.WaitlistKey(campaignID, "normal"),
			kvstore.FairnessKey(campaignID),
			kvstore.PromoteGateKey(campaignID),
			kvstore.PromoteGateSeqKey(campaignID),
		},
		maxBatch,
		now.UnixMilli(),
		int(ReservedTTL.Seconds()),
		int(GateTTL.Seconds()),
		kvstore.WaitlistMarkerKey(campaignID, ""),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("popReservePromote: %w", err)
	}
	if len(raw) < 3 {
		return nil, fmt.Errorf("popReservePromote: short reply (%d elements)", len(raw))
	}

	count, err := toInt64(raw[0])
	if err != nil {
		return nil, err
	}
	seq, err := toInt64(raw[1])
	if err != nil {
		return nil, err
	}
	promotedCount, err := toInt64(raw[2])
	if err != nil {
		return nil, err
	}

	res := &PromoteResult{Count: int(count), Seq: seq}
	for i, v := range raw[3:] {
		id, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("popReservePromote: non-string job id at %d", i)
		}
		if int64(i) < promotedCount {
			res.PromotedIDs = append(res.PromotedIDs, id)
		} else {
			res.PushBackIDs = append(res.PushBackIDs, id)
		}
	}
	return res, nil
}

// Claim releases the reservation held for jobID (worker acquired its lease,
// or the job record is gone). Returns true when an entry was removed.
func (l *Ledger) Claim(ctx context.Context, campaignID, jobID string) (bool, error) {
	removed, err := l.claimScript.Run(ctx, l.store.Client(),
		[]string{
			kvstore.LedgerKey(campaignID),
			kvstore.ReservedKey(campaignID),
		},
		jobID, int(ReservedTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("claim reservation: %w", err)
	}
	return removed > 0, nil
}

// DecrReserved clamps the counter down by n, flooring at zero
func (l *Ledger) DecrReserved(ctx context.Context, campaignID string, n int) error {
	return l.decrScript.Run(ctx, l.store.Client(),
		[]string{kvstore.ReservedKey(campaignID)},
		n, int(ReservedTTL.Seconds()),
	).Err()
}

// Orphans returns ledger entries reserved before the cutoff, as raw
// origin:jobId members.
func (l *Ledger) Orphans(ctx context.Context, campaignID string, cutoff time.Time) ([]string, error) {
	return l.store.Client().ZRangeByScore(ctx, kvstore.LedgerKey(campaignID), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
}

// RemoveEntries drops specific origin:jobId members from the ledger
func (l *Ledger) RemoveEntries(ctx context.Context, campaignID string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return l.store.Client().ZRem(ctx, kvstore.LedgerKey(campaignID), args...).Err()
}

// Size returns |ledger|
func (l *Ledger) Size(ctx context.Context, campaignID string) (int64, error) {
	return l.store.Client().ZCard(ctx, kvstore.LedgerKey(campaignID)).Result()
}

// ReservedCount reads the cached counter (0 when expired or unset)
func (l *Ledger) ReservedCount(ctx context.Context, campaignID string) (int64, error) {
	v, err := l.store.Client().Get(ctx, kvstore.ReservedKey(campaignID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// SetReservedCount overwrites the counter (reconciler path)
func (l *Ledger) SetReservedCount(ctx context.Context, campaignID string, n int64) error {
	return l.store.Client().Set(ctx, kvstore.ReservedKey(campaignID), n, ReservedTTL).Err()
}

// SplitEntry decomposes an origin:jobId ledger member
func SplitEntry(member string) (origin, jobID string, ok bool) {
	if len(member) < 3 || member[1] != ':' {
		return "", "", false
	}
	origin = member[:1]
	if origin != OriginHigh && origin != OriginNormal {
		return "", "", false
	}
	return origin, member[2:], true
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected script reply element %T", v)
	}
}
