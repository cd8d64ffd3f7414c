package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/budget"
)

type fakeBatch struct {
	mu   *sync.Mutex
	rows *[][]any
	fail bool
}

func (b fakeBatch) Append(args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	*b.rows = append(*b.rows, args)
	return nil
}

func (b fakeBatch) Send() error {
	if b.fail {
		return errors.New("send failed")
	}
	return nil
}

type fakeConn struct {
	mu   sync.Mutex
	rows [][]any
	fail bool
}

func (c *fakeConn) Exec(ctx context.Context, query string, args ...any) error { return nil }

func (c *fakeConn) PrepareBatch(ctx context.Context, query string) (Batch, error) {
	return fakeBatch{mu: &c.mu, rows: &c.rows, fail: c.fail}, nil
}

func (c *fakeConn) rowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rows)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEmitterFlushesOnClose(t *testing.T) {
	conn := &fakeConn{}
	e := NewWithConn(conn)

	e.Emit(Event{Kind: KindRequestCompleted, Provider: "anthropic", Model: "claude"})
	e.Emit(Event{Kind: KindRequestCompleted, Provider: "openai", Model: "gpt-4o"})

	if err := e.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if got := conn.rowCount(); got != 2 {
		t.Fatalf("expected 2 rows flushed on close, got %d", got)
	}
}

func TestEmitterFlushesOnBatchSizeWithoutClose(t *testing.T) {
	conn := &fakeConn{}
	e := NewWithConn(conn)
	defer e.Close()

	for i := 0; i < batchSize; i++ {
		e.Emit(Event{Kind: KindRequestCompleted})
	}

	waitFor(t, time.Second, func() bool { return conn.rowCount() >= batchSize })
}

func TestEmitterDropsWhenChannelFull(t *testing.T) {
	conn := &fakeConn{}
	e := &Emitter{
		conn: conn,
		log:  slog.New(slog.DiscardHandler),
		ch:   make(chan Event, 2),
		done: make(chan struct{}),
	}
	// No background run() goroutine started: channel fills immediately.
	e.Emit(Event{})
	e.Emit(Event{})
	e.Emit(Event{})
	e.Emit(Event{})

	if got := e.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped events, got %d", got)
	}
}

func TestEmitterCountsDroppedOnSendFailure(t *testing.T) {
	conn := &fakeConn{fail: true}
	e := NewWithConn(conn)

	e.Emit(Event{Kind: KindCircuitTripped})
	if err := e.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	if got := e.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped event after send failure, got %d", got)
	}
}

func TestEmitThresholdAndOverrideSatisfyBudgetSinks(t *testing.T) {
	conn := &fakeConn{}
	e := NewWithConn(conn)

	e.EmitThreshold(context.Background(), budget.ThresholdEvent{
		Scope: budget.Scope{Org: "org-1"}, Level: budget.LevelOrg, Percent: 80,
	})
	e.EmitOverride(context.Background(), budget.Override{
		Principal: "user-1", Level: budget.LevelProject,
		Scope: budget.Scope{Org: "org-1", Project: "proj-1"},
		AmountCents: 500, Reason: "manual top-up", Approver: "admin-1",
	})

	if err := e.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if got := conn.rowCount(); got != 2 {
		t.Fatalf("expected 2 rows, got %d", got)
	}
}
