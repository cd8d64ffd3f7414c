package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// freezeScript records an authorization failure and reports whether the
// principal/source has now crossed its failure threshold within the last
// minute. It reuses the sliding-window counting idiom of slidingWindowScript
// but additionally sets a separate "frozen until" key once the threshold is
// crossed, so that once tripped the block persists for the freeze duration
// (ARGV[4], in milliseconds) regardless of whether failures continue.
var freezeScript = redis.NewScript(`
	local counter_key = KEYS[1]
	local freeze_key  = KEYS[2]
	local now         = tonumber(ARGV[1])
	local window      = tonumber(ARGV[2])
	local threshold   = tonumber(ARGV[3])
	local freeze_ms   = tonumber(ARGV[4])

	local frozen_until = redis.call('GET', freeze_key)
	if frozen_until and tonumber(frozen_until) > now then
		return 1
	end

	redis.call('ZREMRANGEBYSCORE', counter_key, 0, now - window)
	local member = tostring(now) .. tostring(math.random(1, 1000000))
	redis.call('ZADD', counter_key, now, member)
	redis.call('PEXPIRE', counter_key, math.ceil(window / 1000000))
	local count = redis.call('ZCARD', counter_key)

	if count >= threshold then
		redis.call('SET', freeze_key, now + freeze_ms * 1000000, 'PX', freeze_ms)
		return 1
	end
	return 0
`)

const (
	principalFailureThreshold = 10
	principalFreezeDuration   = 5 * time.Minute
	sourceFailureThreshold    = 100
	sourceFreezeDuration      = 15 * time.Minute
)

// AuthFailureLimiter enforces the gateway's two independent auth-failure
// limits, evaluated before any model dispatch: 10 failures/minute/principal
// freezes that principal for 5 minutes; 100 failures/minute/source blocks
// that source for 15 minutes.
type AuthFailureLimiter struct {
	rdb *redis.Client
}

// NewAuthFailureLimiter creates an AuthFailureLimiter.
func NewAuthFailureLimiter(rdb *redis.Client) *AuthFailureLimiter {
	return &AuthFailureLimiter{rdb: rdb}
}

// RecordFailure registers one authorization failure for principal (e.g. an
// API key ID) and source (e.g. a client IP), returning whether the request
// should now be frozen on either axis.
func (a *AuthFailureLimiter) RecordFailure(ctx context.Context, principal, source string) (frozen bool, err error) {
	principalFrozen, err := a.check(ctx,
		fmt.Sprintf("authfail:principal:%s", principal),
		fmt.Sprintf("authfreeze:principal:%s", principal),
		principalFailureThreshold, principalFreezeDuration)
	if err != nil {
		return false, nil // degrade gracefully on Redis error
	}

	sourceFrozen, err := a.check(ctx,
		fmt.Sprintf("authfail:source:%s", source),
		fmt.Sprintf("authfreeze:source:%s", source),
		sourceFailureThreshold, sourceFreezeDuration)
	if err != nil {
		return principalFrozen, nil
	}

	return principalFrozen || sourceFrozen, nil
}

// IsFrozen checks whether principal or source is currently frozen, without
// recording a new failure.
func (a *AuthFailureLimiter) IsFrozen(ctx context.Context, principal, source string) bool {
	for _, key := range []string{
		fmt.Sprintf("authfreeze:principal:%s", principal),
		fmt.Sprintf("authfreeze:source:%s", source),
	} {
		if n, err := a.rdb.Exists(ctx, key).Result(); err == nil && n > 0 {
			return true
		}
	}
	return false
}

func (a *AuthFailureLimiter) check(ctx context.Context, counterKey, freezeKey string, threshold int, freeze time.Duration) (bool, error) {
	now := time.Now().UnixNano()
	result, err := freezeScript.Run(ctx, a.rdb,
		[]string{counterKey, freezeKey},
		now, time.Minute.Nanoseconds(), threshold, freeze.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}
