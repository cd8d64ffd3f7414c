// Package circuit implements a circuit breaker keyed by (provider, region)
// pair, generalizing the gateway's original per-provider breaker to the
// region-aware routing the gateway now performs. The state machine itself —
// closed/open/half-open, rolling error window, half-open timeout — is the
// same one the gateway has always used; only the key and the half-open
// concurrency allowance change.
package circuit

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/pkg/gatewayerr"
)

// State is the operational state of one (provider, region) breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config holds breaker tuning parameters. Zero values fall back to the
// package defaults below.
type Config struct {
	ErrorThreshold       int
	TimeWindow           time.Duration
	HalfOpenTimeout      time.Duration
	HalfOpenTestRequests int
	// MonitoredKinds restricts which gatewayerr.Kind values count toward the
	// error threshold. A nil/empty set monitors every kind except
	// InvalidRequest and Unauthorized (client errors never trip a breaker).
	MonitoredKinds map[gatewayerr.Kind]struct{}
}

const (
	defaultErrorThreshold       = 5
	defaultTimeWindow           = 60 * time.Second
	defaultHalfOpenTimeout      = 30 * time.Second
	defaultHalfOpenTestRequests = 1
)

func (c Config) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultErrorThreshold
}

func (c Config) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultTimeWindow
}

func (c Config) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultHalfOpenTimeout
}

func (c Config) halfOpenTestRequests() int {
	if c.HalfOpenTestRequests > 0 {
		return c.HalfOpenTestRequests
	}
	return defaultHalfOpenTestRequests
}

// monitors reports whether kind should count toward the error threshold.
func (c Config) monitors(kind gatewayerr.Kind) bool {
	if len(c.MonitoredKinds) == 0 {
		return kind != gatewayerr.InvalidRequest && kind != gatewayerr.Unauthorized
	}
	_, ok := c.MonitoredKinds[kind]
	return ok
}

// Key identifies one breaker instance.
type Key struct {
	Provider string
	Region   string
}

type breaker struct {
	mu sync.Mutex

	state       State
	errorCount  int
	windowStart time.Time
	openedAt    time.Time
	probesInFlight int
}

// Breaker manages independent circuit breakers for every (provider, region)
// pair seen so far, created lazily on first use.
type Breaker struct {
	mu       sync.RWMutex
	breakers map[Key]*breaker
	cfg      Config
}

// New creates a Breaker with the given configuration.
func New(cfg Config) *Breaker {
	return &Breaker{breakers: make(map[Key]*breaker), cfg: cfg}
}

// Allow reports whether a request to key should be attempted.
func (b *Breaker) Allow(key Key) bool {
	pb := b.getOrCreate(key)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case Closed:
		return true
	case Open:
		if time.Since(pb.openedAt) >= b.cfg.halfOpenTimeout() {
			pb.state = HalfOpen
			pb.probesInFlight = 1
			return true
		}
		return false
	case HalfOpen:
		if pb.probesInFlight >= b.cfg.halfOpenTestRequests() {
			return false
		}
		pb.probesInFlight++
		return true
	}
	return true
}

// RecordSuccess marks a success for key, closing the breaker if it was
// half-open or open.
func (b *Breaker) RecordSuccess(key Key) {
	pb := b.getOrCreate(key)
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.state = Closed
	pb.errorCount = 0
	pb.probesInFlight = 0
	pb.windowStart = time.Now()
}

// RecordFailure records a failure of the given kind for key. Only kinds the
// configuration monitors count toward the threshold; the rest are ignored so
// that, e.g., a client's malformed request never trips the breaker.
func (b *Breaker) RecordFailure(key Key, kind gatewayerr.Kind) {
	if !b.cfg.monitors(kind) {
		return
	}

	pb := b.getOrCreate(key)
	pb.mu.Lock()
	defer pb.mu.Unlock()

	now := time.Now()
	if now.Sub(pb.windowStart) > b.cfg.timeWindow() {
		pb.errorCount = 0
		pb.windowStart = now
	}
	pb.errorCount++
	if pb.probesInFlight > 0 {
		pb.probesInFlight--
	}

	if pb.errorCount >= b.cfg.errorThreshold() {
		pb.state = Open
		pb.openedAt = now
	}
}

// State returns the current state of key's breaker.
func (b *Breaker) State(key Key) State {
	pb := b.getOrCreate(key)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.state
}

// Snapshot returns the state of every breaker created so far, keyed by
// (provider, region). Useful for the /health/providers endpoint.
func (b *Breaker) Snapshot() map[Key]State {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[Key]State, len(b.breakers))
	for k, pb := range b.breakers {
		pb.mu.Lock()
		out[k] = pb.state
		pb.mu.Unlock()
	}
	return out
}

func (b *Breaker) getOrCreate(key Key) *breaker {
	b.mu.RLock()
	pb, ok := b.breakers[key]
	b.mu.RUnlock()
	if ok {
		return pb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if pb, ok := b.breakers[key]; ok {
		return pb
	}
	pb = &breaker{state: Closed, windowStart: time.Now()}
	b.breakers[key] = pb
	return pb
}
