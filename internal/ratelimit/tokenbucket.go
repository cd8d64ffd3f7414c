package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-gateway/pkg/gatewayerr"
	"github.com/redis/go-redis/v9"
)

// tokenBucketScript atomically refills and debits a token bucket.
// KEYS[1]         = bucket key
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = capacity (requests per window)
// ARGV[3] = window in nanoseconds
// ARGV[4] = estimated tokens to debit alongside the request token
// ARGV[5] = token capacity (tokens per window)
// Returns {allowed (0/1), deficit_requests, deficit_tokens, req_refill_rate,
// tok_refill_rate}.
var tokenBucketScript = redis.NewScript(`
	local key           = KEYS[1]
	local now           = tonumber(ARGV[1])
	local req_capacity   = tonumber(ARGV[2])
	local window        = tonumber(ARGV[3])
	local est_tokens     = tonumber(ARGV[4])
	local tok_capacity   = tonumber(ARGV[5])

	local data = redis.call('HMGET', key, 'req_balance', 'tok_balance', 'last_refill')
	local req_balance = tonumber(data[1])
	local tok_balance = tonumber(data[2])
	local last_refill = tonumber(data[3])

	if req_balance == nil then
		req_balance = req_capacity
		tok_balance = tok_capacity
		last_refill = now
	end

	local elapsed = math.max(0, now - last_refill)
	local req_refill_rate = req_capacity / window
	local tok_refill_rate = tok_capacity / window

	req_balance = math.min(req_capacity, req_balance + elapsed * req_refill_rate)
	tok_balance = math.min(tok_capacity, tok_balance + elapsed * tok_refill_rate)

	if req_balance < 1 or tok_balance < est_tokens then
		redis.call('HMSET', key, 'req_balance', req_balance, 'tok_balance', tok_balance, 'last_refill', now)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		local req_deficit = math.max(0, 1 - req_balance)
		local tok_deficit = math.max(0, est_tokens - tok_balance)
		return {0, req_deficit, tok_deficit, req_refill_rate, tok_refill_rate}
	end

	req_balance = req_balance - 1
	tok_balance = tok_balance - est_tokens
	redis.call('HMSET', key, 'req_balance', req_balance, 'tok_balance', tok_balance, 'last_refill', now)
	redis.call('PEXPIRE', key, math.ceil(window / 1000000))
	return {1, 0, 0, req_refill_rate, tok_refill_rate}
`)

// Tier describes the per-principal capacity used by the token bucket.
type Tier struct {
	RPM            int
	TokensPerMin   int
}

// TokenBucket enforces per (principal, model_id) request and token budgets,
// atomically, across gateway replicas via the Lua script above.
type TokenBucket struct {
	rdb *redis.Client
}

// NewTokenBucket creates a Redis-backed TokenBucket.
func NewTokenBucket(rdb *redis.Client) *TokenBucket {
	return &TokenBucket{rdb: rdb}
}

// Acquire attempts to debit one request token and estimatedTokens input
// tokens from the bucket for (principal, modelID), scaled by factor (the
// adaptive degradation multiplier — 1.0 under normal operation).
func (b *TokenBucket) Acquire(ctx context.Context, principal, modelID string, estimatedTokens int, tier Tier, factor float64) error {
	key := fmt.Sprintf("ratelimit:%s:%s", principal, modelID)
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	effectiveRPM := float64(tier.RPM) * factor
	effectiveTPM := float64(tier.TokensPerMin) * factor

	res, err := tokenBucketScript.Run(ctx, b.rdb,
		[]string{key},
		now, effectiveRPM, window, estimatedTokens, effectiveTPM,
	).Slice()
	if err != nil {
		// Redis unavailable — allow the request (graceful degradation,
		// matching the sliding-window limiter's existing behavior).
		return nil
	}

	allowed, _ := res[0].(int64)
	if allowed == 1 {
		return nil
	}

	reqDeficit, _ := toFloat(res[1])
	tokDeficit, _ := toFloat(res[2])
	reqRate, _ := toFloat(res[3])
	tokRate, _ := toFloat(res[4])

	retryAfter := deficitRetryAfter(reqDeficit, reqRate, tokDeficit, tokRate)
	return &gatewayerr.Error{
		Kind:       gatewayerr.RateLimited,
		Message:    fmt.Sprintf("rate limit exceeded for principal=%s model=%s", principal, modelID),
		RetryAfter: retryAfter,
	}
}

func deficitRetryAfter(reqDeficit, reqRate, tokDeficit, tokRate float64) time.Duration {
	var waitNanos float64
	if reqRate > 0 {
		waitNanos = reqDeficit / reqRate
	}
	if tokRate > 0 {
		if w := tokDeficit / tokRate; w > waitNanos {
			waitNanos = w
		}
	}
	return time.Duration(waitNanos)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
