package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one dequeued item. It returns nothing — queue workers
// don't return results synchronously to callers; Item.Payload
// is expected to carry its own result channel when a caller needs one.
type Handler func(ctx context.Context, item *Item)

const pollInterval = 2 * time.Millisecond

// Pool drains a Queue with a fixed-size worker pool, the dispatcher-pool
// idiom the pipeline uses for admission-controlled work.
type Pool struct {
	q       *Queue
	handler Handler
	log     *slog.Logger

	wg   sync.WaitGroup
	done chan struct{}
}

// NewPool starts size worker goroutines draining q via handler.
func NewPool(q *Queue, size int, handler Handler, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	p := &Pool{q: q, handler: handler, log: log, done: make(chan struct{})}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Close stops all workers once their current item (if any) finishes.
func (p *Pool) Close() {
	close(p.done)
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			item, dropped, ok := p.q.Dequeue(time.Now())
			if !ok {
				continue
			}
			if dropped {
				p.log.Warn("queue: item dropped past deadline", "priority", item.Priority)
				continue
			}
			p.handler(context.Background(), item)
		}
	}
}
