package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/pkg/gatewayerr"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second
)

// Prober issues a minimal completion request against one (provider, region)
// and reports whether it succeeded. Implementations must not consume a
// caller's rate limit or budget — probe traffic is gateway-internal.
type Prober func(ctx context.Context, key Key) error

// ActiveProber runs Prober against every breaker that is not closed (open or
// half-open) on a fixed interval so
// that a provider recovering on its own, without user traffic to trigger a
// half-open probe, is still detected and closed in a timely manner.
type ActiveProber struct {
	breaker *Breaker
	probe   Prober
	baseCtx context.Context

	done chan struct{}
	wg   sync.WaitGroup
}

// NewActiveProber starts the background probe loop immediately.
func NewActiveProber(ctx context.Context, b *Breaker, probe Prober) *ActiveProber {
	ap := &ActiveProber{
		breaker: b,
		probe:   probe,
		baseCtx: ctx,
		done:    make(chan struct{}),
	}
	ap.wg.Add(1)
	go ap.run()
	return ap
}

// Close stops the background loop.
func (ap *ActiveProber) Close() {
	close(ap.done)
	ap.wg.Wait()
}

func (ap *ActiveProber) run() {
	defer ap.wg.Done()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ap.sweep()
		case <-ap.done:
			return
		}
	}
}

func (ap *ActiveProber) sweep() {
	ctx, cancel := context.WithTimeout(ap.baseCtx, probeTimeout)
	defer cancel()

	for key, state := range ap.breaker.Snapshot() {
		if state == Closed {
			continue
		}
		key := key
		go func() {
			if err := ap.probe(ctx, key); err != nil {
				ap.breaker.RecordFailure(key, gatewayerr.KindOf(err))
				return
			}
			ap.breaker.RecordSuccess(key)
		}()
	}
}
