// Package events implements the gateway's append-only audit/event emitter.
//
// Events are written to an internal buffered channel and flushed in batches
// by a background goroutine to ClickHouse, so emission never blocks the
// request pipeline's hot path. If the channel fills up (> 10 000 events),
// new events are dropped and counted in Dropped — the emitter never applies
// backpressure to callers, per the gateway's "audit sink" contract: the
// pipeline treats it as fire-and-forget.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-gateway/internal/budget"
)

const (
	channelBuffer = 10_000
	batchSize     = 200
	flushInterval = 2 * time.Second
)

// Kind distinguishes the audit-event families the gateway emits. The schema
// stays a single wide table; Kind selects which columns are meaningful.
type Kind string

const (
	KindRequestCompleted Kind = "request_completed"
	KindBudgetThreshold  Kind = "budget_threshold"
	KindBudgetOverride   Kind = "budget_override"
	KindCircuitTripped   Kind = "circuit_tripped"
	KindSafetyBlocked    Kind = "safety_blocked"
	KindFailover         Kind = "failover"
)

// Event is one row of the append-only audit log. Not every field is
// populated for every Kind; unused fields are written as zero values.
type Event struct {
	ID        uuid.UUID
	Kind      Kind
	Principal string
	Provider  string
	Region    string
	Model     string

	InputTokens  uint32
	OutputTokens uint32
	CostCents    float64
	LatencyMs    uint32
	Cached       bool

	Scope   string // org|project|agent, for budget events
	ScopeID string
	Percent uint8 // threshold percentage, for budget_threshold

	Reason  string
	Details string

	CreatedAt time.Time
}

// Conn is the subset of the ClickHouse driver connection the emitter needs,
// narrowed so tests can substitute a fake without a live database.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string) (Batch, error)
}

// Batch is the subset of *clickhouse.Batch the emitter uses.
type Batch interface {
	Append(args ...any) error
	Send() error
}

// Emitter batches Events and flushes them to ClickHouse on an interval or
// when a batch fills, mirroring the non-blocking channel+ticker shape the
// gateway already uses for its request logger.
type Emitter struct {
	conn Conn
	log  *slog.Logger

	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger overrides the fallback-path logger used when a flush fails.
func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.log = l }
}

// New opens a ClickHouse connection at dsn and starts the background flush
// loop. table must already exist; the emitter does not create it or manage
// its schema.
func New(ctx context.Context, dsn string, table string, opts ...Option) (*Emitter, error) {
	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("events: parse dsn: %w", err)
	}
	rawConn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("events: open connection: %w", err)
	}
	if err := rawConn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("events: ping: %w", err)
	}

	e := &Emitter{
		conn: connAdapter{rawConn, table},
		log:  slog.New(slog.DiscardHandler),
		ch:   make(chan Event, channelBuffer),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.wg.Add(1)
	go e.run()
	return e, nil
}

// NewWithConn wires an Emitter directly to conn, bypassing DSN parsing —
// used by tests with a fake Conn.
func NewWithConn(conn Conn, opts ...Option) *Emitter {
	e := &Emitter{
		conn: conn,
		log:  slog.New(slog.DiscardHandler),
		ch:   make(chan Event, channelBuffer),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Emit enqueues an event for batched delivery. Never blocks.
func (e *Emitter) Emit(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	select {
	case e.ch <- ev:
	default:
		atomic.AddInt64(&e.dropped, 1)
	}
}

// EmitThreshold satisfies budget.EventSink.
func (e *Emitter) EmitThreshold(_ context.Context, ev budget.ThresholdEvent) {
	e.Emit(Event{
		Kind:      KindBudgetThreshold,
		Scope:     string(ev.Level),
		ScopeID:   scopeIDFor(ev.Scope, ev.Level),
		Percent:   uint8(ev.Percent),
		CreatedAt: ev.Timestamp,
	})
}

// EmitOverride satisfies budget.AuditSink.
func (e *Emitter) EmitOverride(_ context.Context, o budget.Override) {
	e.Emit(Event{
		Kind:      KindBudgetOverride,
		Principal: o.Principal,
		Scope:     string(o.Level),
		ScopeID:   scopeIDFor(o.Scope, o.Level),
		CostCents: float64(o.AmountCents) / 100,
		Reason:    o.Reason,
		Details:   "approver=" + o.Approver,
	})
}

func scopeIDFor(s budget.Scope, level budget.Level) string {
	switch level {
	case budget.LevelOrg:
		return s.Org
	case budget.LevelProject:
		return s.Org + ":" + s.Project
	default:
		return s.Org + ":" + s.Project + ":" + s.Agent
	}
}

// Dropped returns the count of events discarded because the internal
// channel was full.
func (e *Emitter) Dropped() int64 {
	return atomic.LoadInt64(&e.dropped)
}

// Close flushes any buffered events and stops the background goroutine.
func (e *Emitter) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	e.wg.Wait()
	return nil
}

func (e *Emitter) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := e.send(batch); err != nil {
			e.log.Warn("events: flush failed, batch dropped", "count", len(batch), "error", err)
			atomic.AddInt64(&e.dropped, int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-e.ch:
			batch = append(batch, ev)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-e.done:
			for {
				select {
				case ev := <-e.ch:
					batch = append(batch, ev)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (e *Emitter) send(batch []Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := e.conn.PrepareBatch(ctx, "INSERT INTO gateway_events")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, ev := range batch {
		if err := b.Append(
			ev.ID, string(ev.Kind), ev.Principal, ev.Provider, ev.Region, ev.Model,
			ev.InputTokens, ev.OutputTokens, ev.CostCents, ev.LatencyMs, ev.Cached,
			ev.Scope, ev.ScopeID, ev.Percent, ev.Reason, ev.Details, ev.CreatedAt,
		); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	return b.Send()
}

type connAdapter struct {
	clickhouse.Conn
	table string
}

func (c connAdapter) PrepareBatch(ctx context.Context, _ string) (Batch, error) {
	return c.Conn.PrepareBatch(ctx, "INSERT INTO "+c.table)
}
