package admission

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	apperrors "github.com/acme/campaign-call-manager/pkg/errors"
)

// Controller gates call creation behind a global concurrency ceiling and a
// per-target duplicate window, both tracked in Redis. Every check-and-reserve
// runs as a single Lua script, so concurrent admits at the ceiling boundary
// serialize and exactly the remaining capacity is granted.
//
// A slot lives until Release or until its TTL expires; the TTL frees capacity
// held by workers that died without releasing.
type Controller struct {
	client          *redis.Client
	limit           int
	duplicateWindow time.Duration
	slotTTL         time.Duration
	prefix          string
}

// Config carries the admission parameters.
type Config struct {
	MaxConcurrent   int
	DuplicateWindow time.Duration
	SlotTTL         time.Duration
	KeyPrefix       string
}

// NewController builds a controller, applying defaults for unset fields.
func NewController(client *redis.Client, cfg Config) *Controller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 5 * time.Minute
	}
	if cfg.SlotTTL <= 0 {
		cfg.SlotTTL = time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "admission"
	}
	return &Controller{
		client:          client,
		limit:           cfg.MaxConcurrent,
		duplicateWindow: cfg.DuplicateWindow,
		slotTTL:         cfg.SlotTTL,
		prefix:          cfg.KeyPrefix,
	}
}

var admitScript = redis.NewScript(`
local slots = KEYS[1]
local slotKey = KEYS[2]
local targetKey = KEYS[3]
local callID = ARGV[1]
local target = ARGV[2]
local limit = tonumber(ARGV[3])
local nowMs = tonumber(ARGV[4])
local slotTTLMs = tonumber(ARGV[5])
local dupWindowMs = tonumber(ARGV[6])

redis.call('ZREMRANGEBYSCORE', slots, '-inf', nowMs)
if redis.call('EXISTS', targetKey) == 1 then
  return -1
end
if redis.call('ZCARD', slots) >= limit then
  return 0
end
redis.call('ZADD', slots, nowMs + slotTTLMs, callID)
redis.call('SET', slotKey, target, 'PX', slotTTLMs)
redis.call('SET', targetKey, callID, 'PX', dupWindowMs)
return 1
`)

var checkScript = redis.NewScript(`
local slots = KEYS[1]
local targetKey = KEYS[2]
local limit = tonumber(ARGV[1])
local nowMs = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', slots, '-inf', nowMs)
if redis.call('EXISTS', targetKey) == 1 then
  return -1
end
if redis.call('ZCARD', slots) >= limit then
  return 0
end
return 1
`)

var releaseScript = redis.NewScript(`
local slots = KEYS[1]
local slotKey = KEYS[2]
local callID = ARGV[1]
local targetPrefix = ARGV[2]

local target = redis.call('GET', slotKey)
redis.call('ZREM', slots, callID)
redis.call('DEL', slotKey)
if target then
  local targetKey = targetPrefix .. target
  if redis.call('GET', targetKey) == callID then
    redis.call('DEL', targetKey)
  end
end
return 1
`)

var activeScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return redis.call('ZCARD', KEYS[1])
`)

// Admit reserves a slot for the call, or reports why it cannot: a live
// duplicate for the target, or the concurrency ceiling.
func (c *Controller) Admit(ctx context.Context, callID, target string) error {
	now := time.Now()
	res, err := admitScript.Run(ctx, c.client,
		[]string{c.slotsKey(), c.slotKey(callID), c.targetKey(target)},
		callID, target, c.limit, now.UnixMilli(),
		c.slotTTL.Milliseconds(), c.duplicateWindow.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("admission: admit: %w", err)
	}
	return denialFromScore(res, target)
}

// CanAdmit checks admissibility without reserving anything. nil means a
// matching Admit would currently succeed.
func (c *Controller) CanAdmit(ctx context.Context, target string) error {
	res, err := checkScript.Run(ctx, c.client,
		[]string{c.slotsKey(), c.targetKey(target)},
		c.limit, time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("admission: check: %w", err)
	}
	return denialFromScore(res, target)
}

// Release destroys the call's slot and its duplicate lock. Releasing a slot
// that is unknown or already gone is a no-op, so callers may release freely
// on every terminal path.
func (c *Controller) Release(ctx context.Context, callID string) error {
	_, err := releaseScript.Run(ctx, c.client,
		[]string{c.slotsKey(), c.slotKey(callID)},
		callID, c.prefix+":target:",
	).Int()
	if err != nil {
		return fmt.Errorf("admission: release: %w", err)
	}
	return nil
}

// Active returns the number of live slots.
func (c *Controller) Active(ctx context.Context) (int, error) {
	n, err := activeScript.Run(ctx, c.client, []string{c.slotsKey()}, time.Now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("admission: active: %w", err)
	}
	return n, nil
}

// Limit returns the configured concurrency ceiling.
func (c *Controller) Limit() int {
	return c.limit
}

func denialFromScore(res int, target string) error {
	switch res {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("admission: target %s: %w", target, apperrors.ErrDuplicateCall)
	default:
		return fmt.Errorf("admission: %w", apperrors.ErrCapacityExhausted)
	}
}

func (c *Controller) slotsKey() string {
	return c.prefix + ":slots"
}

func (c *Controller) slotKey(callID string) string {
	return c.prefix + ":slot:" + callID
}

func (c *Controller) targetKey(target string) string {
	return c.prefix + ":target:" + target
}
