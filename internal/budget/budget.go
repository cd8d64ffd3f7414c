// Package budget implements hierarchical org/project/agent spend limits
// with atomic reserve/debit semantics, the same Redis-Lua CAS idiom the
// gateway already uses for rate limiting.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-gateway/pkg/gatewayerr"
	"github.com/redis/go-redis/v9"
)

// Level identifies one tier of the budget hierarchy.
type Level string

const (
	LevelOrg     Level = "org"
	LevelProject Level = "project"
	LevelAgent   Level = "agent"
)

var allLevels = []Level{LevelOrg, LevelProject, LevelAgent}

// Scope identifies the three hierarchy keys a request is charged against.
type Scope struct {
	Org     string
	Project string
	Agent   string
}

func (s Scope) key(level Level) string {
	switch level {
	case LevelOrg:
		return fmt.Sprintf("budget:org:%s", s.Org)
	case LevelProject:
		return fmt.Sprintf("budget:project:%s:%s", s.Org, s.Project)
	default:
		return fmt.Sprintf("budget:agent:%s:%s:%s", s.Org, s.Project, s.Agent)
	}
}

// reserveScript atomically checks that balance ≥ amount and, if so, debits
// it — used both for the speculative reservation and the threshold-event
// bookkeeping (a bitmask of which 80/90/100% events already fired this
// window, reset when the window rolls over).
var reserveScript = redis.NewScript(`
	local key        = KEYS[1]
	local amount     = tonumber(ARGV[1])
	local limit      = tonumber(ARGV[2])
	local window_sec = tonumber(ARGV[3])
	local now        = tonumber(ARGV[4])

	local data = redis.call('HMGET', key, 'remaining', 'window_start', 'fired_mask')
	local remaining = tonumber(data[1])
	local window_start = tonumber(data[2])
	local fired = tonumber(data[3]) or 0

	if remaining == nil or (now - (window_start or 0)) >= window_sec then
		remaining = limit
		window_start = now
		fired = 0
	end

	if remaining < amount then
		redis.call('HMSET', key, 'remaining', remaining, 'window_start', window_start, 'fired_mask', fired)
		redis.call('EXPIRE', key, window_sec)
		return {0, remaining, fired}
	end

	remaining = remaining - amount
	redis.call('HMSET', key, 'remaining', remaining, 'window_start', window_start, 'fired_mask', fired)
	redis.call('EXPIRE', key, window_sec)
	return {1, remaining, fired}
`)

// creditScript credits amount back to remaining (bounded at limit), used to
// release a reservation that was never consumed, and to credit back the
// unused part of a reservation when the actual cost is lower.
var creditScript = redis.NewScript(`
	local key   = KEYS[1]
	local amount = tonumber(ARGV[1])
	local limit  = tonumber(ARGV[2])

	local remaining = tonumber(redis.call('HGET', key, 'remaining'))
	if remaining == nil then
		return 0
	end
	remaining = math.min(limit, remaining + amount)
	redis.call('HSET', key, 'remaining', remaining)
	return 1
`)

// markFiredScript sets bit `idx` in fired_mask if not already set, returning
// 1 if this call is the one that set it (i.e. the event should fire now).
var markFiredScript = redis.NewScript(`
	local key = KEYS[1]
	local bit = tonumber(ARGV[1])

	local fired = tonumber(redis.call('HGET', key, 'fired_mask')) or 0
	local mask = 1
	for i = 1, bit do mask = mask * 2 end

	if math.floor(fired / mask) % 2 == 1 then
		return 0
	end
	redis.call('HSET', key, 'fired_mask', fired + mask)
	return 1
`)

// Limits supplies the limit in cents and window for each level.
type Limits struct {
	OrgLimitCents     int64
	ProjectLimitCents int64
	AgentLimitCents   int64
	Window            time.Duration
}

func (l Limits) limitFor(level Level) int64 {
	switch level {
	case LevelOrg:
		return l.OrgLimitCents
	case LevelProject:
		return l.ProjectLimitCents
	default:
		return l.AgentLimitCents
	}
}

// ThresholdEvent is emitted exactly once per window when a level crosses
// 80/90/100% of its limit.
type ThresholdEvent struct {
	Scope     Scope
	Level     Level
	Percent   int
	Timestamp time.Time
}

// EventSink receives threshold events. internal/events.Emitter implements
// this, but budget takes the narrow interface to avoid depending on it.
type EventSink interface {
	EmitThreshold(ctx context.Context, ev ThresholdEvent)
}

// Reservation is returned by CheckAndReserve; the caller debits or releases
// it exactly once.
type Reservation struct {
	Scope          Scope
	ReservedCents  int64
}

// Enforcer checks and debits budgets across the org/project/agent hierarchy.
type Enforcer struct {
	rdb    *redis.Client
	limits Limits
	sink   EventSink
}

// NewEnforcer creates a budget Enforcer.
func NewEnforcer(rdb *redis.Client, limits Limits, sink EventSink) *Enforcer {
	return &Enforcer{rdb: rdb, limits: limits, sink: sink}
}

// CheckAndReserve reserves estimatedCostCents against every level of scope.
// It is allowed only if every level has at least that much remaining; on
// partial success the already-reserved levels are released before returning.
func (e *Enforcer) CheckAndReserve(ctx context.Context, scope Scope, estimatedCostCents int64) (*Reservation, error) {
	window := e.limits.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := time.Now().Unix()

	reservedLevels := make([]Level, 0, len(allLevels))
	for _, level := range allLevels {
		key := scope.key(level)
		limit := e.limits.limitFor(level)
		res, err := reserveScript.Run(ctx, e.rdb,
			[]string{key}, estimatedCostCents, limit, int64(window.Seconds()), now,
		).Slice()
		if err != nil {
			// Redis unavailable: release what we've reserved so far and
			// degrade by allowing the request (cache/rate-limit precedent).
			e.releaseAll(ctx, scope, reservedLevels, estimatedCostCents)
			return &Reservation{Scope: scope, ReservedCents: 0}, nil
		}

		allowed, _ := res[0].(int64)
		if allowed != 1 {
			e.releaseAll(ctx, scope, reservedLevels, estimatedCostCents)
			return nil, &gatewayerr.Error{
				Kind:    gatewayerr.BudgetExhausted,
				Message: fmt.Sprintf("budget exhausted at level %s", level),
			}
		}
		reservedLevels = append(reservedLevels, level)

		remaining, _ := toInt64(res[1])
		e.checkThresholds(ctx, scope, level, limit, remaining, key)
	}

	return &Reservation{Scope: scope, ReservedCents: estimatedCostCents}, nil
}

// Debit settles a reservation against the actual cost: the delta between
// reserved and actual is credited back (if actual < reserved) or, if actual
// exceeds the reservation, the excess is additionally debited at each level
// whose remaining balance covers it; a level with less remaining than the
// excess is left unchanged.
func (e *Enforcer) Debit(ctx context.Context, r *Reservation, actualCostCents int64) {
	delta := r.ReservedCents - actualCostCents
	for _, level := range allLevels {
		key := r.Scope.key(level)
		limit := e.limits.limitFor(level)
		if delta > 0 {
			creditScript.Run(ctx, e.rdb, []string{key}, delta, limit)
		} else if delta < 0 {
			reserveScript.Run(ctx, e.rdb, []string{key}, -delta, limit, int64(e.limits.Window.Seconds()), time.Now().Unix())
		}
	}
}

// Release credits the full reservation back, used when a request fails
// before incurring any actual cost.
func (e *Enforcer) Release(ctx context.Context, r *Reservation) {
	e.releaseAll(ctx, r.Scope, allLevels, r.ReservedCents)
}

func (e *Enforcer) releaseAll(ctx context.Context, scope Scope, levels []Level, amount int64) {
	for _, level := range levels {
		key := scope.key(level)
		limit := e.limits.limitFor(level)
		creditScript.Run(ctx, e.rdb, []string{key}, amount, limit)
	}
}

func (e *Enforcer) checkThresholds(ctx context.Context, scope Scope, level Level, limit, remaining int64, key string) {
	if e.sink == nil || limit <= 0 {
		return
	}
	usedPct := int(100 - (remaining*100)/limit)
	for bit, pct := range map[int]int{0: 80, 1: 90, 2: 100} {
		if usedPct < pct {
			continue
		}
		fired, err := markFiredScript.Run(ctx, e.rdb, []string{key}, bit).Int()
		if err == nil && fired == 1 {
			e.sink.EmitThreshold(ctx, ThresholdEvent{Scope: scope, Level: level, Percent: pct, Timestamp: time.Now()})
		}
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
