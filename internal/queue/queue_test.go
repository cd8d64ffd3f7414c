package queue

import (
	"testing"
	"time"
)

func TestDequeueDrainsByPriorityThenDeadline(t *testing.T) {
	q := New(Thresholds{SoftLimit: 100, HardLimit: 200})
	now := time.Now()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}

	must(q.Enqueue(&Item{Priority: Priority3, Deadline: now.Add(time.Second), Payload: "p3-early"}))
	must(q.Enqueue(&Item{Priority: Priority1, Deadline: now.Add(5 * time.Second), Payload: "p1-late"}))
	must(q.Enqueue(&Item{Priority: Priority1, Deadline: now.Add(time.Second), Payload: "p1-early"}))

	item, dropped, ok := q.Dequeue(now)
	if !ok || dropped {
		t.Fatalf("expected a valid dequeue, dropped=%v ok=%v", dropped, ok)
	}
	if item.Payload != "p1-early" {
		t.Fatalf("expected p1-early to drain first, got %v", item.Payload)
	}

	item, _, _ = q.Dequeue(now)
	if item.Payload != "p1-late" {
		t.Fatalf("expected p1-late next, got %v", item.Payload)
	}

	item, _, _ = q.Dequeue(now)
	if item.Payload != "p3-early" {
		t.Fatalf("expected p3-early last (lowest priority), got %v", item.Payload)
	}
}

func TestDequeueDropsExpiredItems(t *testing.T) {
	q := New(Thresholds{SoftLimit: 100, HardLimit: 200})
	past := time.Now().Add(-time.Hour)

	if err := q.Enqueue(&Item{Priority: Priority1, Deadline: past}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, dropped, ok := q.Dequeue(time.Now())
	if !ok || !dropped {
		t.Fatalf("expected item to be dropped as expired, dropped=%v ok=%v", dropped, ok)
	}
}

func TestEnqueueRejectsPriority3AtSoftThreshold(t *testing.T) {
	q := New(Thresholds{SoftLimit: 1, HardLimit: 10})
	now := time.Now()

	if err := q.Enqueue(&Item{Priority: Priority1, Deadline: now.Add(time.Second)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Enqueue(&Item{Priority: Priority3, Deadline: now.Add(time.Second)}); err == nil {
		t.Fatal("expected priority 3 to be rejected at soft threshold")
	}
}

func TestEnqueueRejectsPriority2AtHardThreshold(t *testing.T) {
	q := New(Thresholds{SoftLimit: 1, HardLimit: 1})
	now := time.Now()

	if err := q.Enqueue(&Item{Priority: Priority1, Deadline: now.Add(time.Second)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Enqueue(&Item{Priority: Priority2, Deadline: now.Add(time.Second)}); err == nil {
		t.Fatal("expected priority 2 to be rejected at hard threshold")
	}
}

func TestEnqueuePriority1NeverBlockedByThresholds(t *testing.T) {
	q := New(Thresholds{SoftLimit: 0, HardLimit: 0})
	if err := q.Enqueue(&Item{Priority: Priority1, Deadline: time.Now().Add(time.Second)}); err != nil {
		t.Fatalf("expected priority 1 to always be admitted, got error: %v", err)
	}
}

func TestDequeueOnEmptyQueue(t *testing.T) {
	q := New(Thresholds{SoftLimit: 10, HardLimit: 20})
	_, _, ok := q.Dequeue(time.Now())
	if ok {
		t.Fatal("expected ok=false on empty queue")
	}
}
