package queue

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestEnqueueNextOrdering(t *testing.T) {
	q := New(Options{})
	lowID, err := q.Enqueue(Item{AgentPath: "agents/a", Priority: PriorityLow})
	if err != nil {
		t.Fatal(err)
	}
	normalID, err := q.Enqueue(Item{AgentPath: "agents/b", Priority: PriorityNormal})
	if err != nil {
		t.Fatal(err)
	}
	highID, err := q.Enqueue(Item{AgentPath: "agents/c", Priority: PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}

	order := []string{highID, normalID, lowID}
	for _, want := range order {
		next := q.Next()
		if next == nil || next.ID != want {
			t.Fatalf("next = %+v, want id %s", next, want)
		}
		if err := q.MarkRunning(next.ID); err != nil {
			t.Fatal(err)
		}
		if err := q.MarkCompleted(next.ID, "ok"); err != nil {
			t.Fatal(err)
		}
	}
	if q.Next() != nil {
		t.Fatalf("queue should be drained")
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(Options{})
	first, _ := q.Enqueue(Item{AgentPath: "agents/a"})
	second, _ := q.Enqueue(Item{AgentPath: "agents/b"})
	if next := q.Next(); next.ID != first {
		t.Fatalf("expected FIFO, got %s want %s", next.ID, first)
	}
	_ = q.MarkRunning(first)
	if next := q.Next(); next.ID != second {
		t.Fatalf("expected second item next")
	}
}

func TestCapacity(t *testing.T) {
	q := New(Options{Capacity: 2})
	if _, err := q.Enqueue(Item{}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(Item{}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(Item{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	q := New(Options{})
	id, _ := q.Enqueue(Item{})
	if err := q.MarkCompleted(id, "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->completed should be rejected, got %v", err)
	}
	if err := q.MarkRunning(id); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkRunning(id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("running->running should be rejected, got %v", err)
	}
	if err := q.MarkFailed(id, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkCompleted(id, "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal transition should be rejected, got %v", err)
	}
}

func TestScheduledForSkipped(t *testing.T) {
	q := New(Options{})
	future := time.Now().UTC().Add(time.Hour)
	if _, err := q.Enqueue(Item{ScheduledFor: &future}); err != nil {
		t.Fatal(err)
	}
	if q.Next() != nil {
		t.Fatalf("future-scheduled item should not be claimable")
	}
	if q.HasPending() {
		t.Fatalf("future-scheduled item should not count as pending work")
	}
}

func TestTerminalPruning(t *testing.T) {
	q := New(Options{TerminalCap: 2})
	ids := []string{}
	for i := 0; i < 4; i++ {
		id, err := q.Enqueue(Item{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
		_ = q.MarkRunning(id)
		_ = q.MarkCompleted(id, "done")
	}
	snap := q.Snapshot()
	if len(snap.Completed) != 2 {
		t.Fatalf("completed = %d, want 2", len(snap.Completed))
	}
	if snap.Completed[0].ID != ids[3] {
		t.Fatalf("newest terminal should come first")
	}
	if _, ok := q.Get(ids[0]); ok {
		t.Fatalf("oldest terminal should be pruned")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q := New(Options{PersistPath: path})
	pendingID, _ := q.Enqueue(Item{AgentPath: "agents/a"})
	runningID, _ := q.Enqueue(Item{AgentPath: "agents/b"})
	_ = q.MarkRunning(runningID)

	reloaded := New(Options{PersistPath: path})
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if _, ok := reloaded.Get(pendingID); !ok {
		t.Fatalf("pending item should survive restart")
	}
	if _, ok := reloaded.Get(runningID); ok {
		t.Fatalf("running item should be discarded on load")
	}
}
