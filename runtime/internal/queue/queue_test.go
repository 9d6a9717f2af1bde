package queue

import (
	"context"
	"testing"

	"github.com/agentforge/orchestrator/wire/model"
)

func TestEnqueueRejectedAtCapacity(t *testing.T) {
	q := New(1)
	if !q.Enqueue(context.Background(), model.Run{RunId: "run-A"}) {
		t.Fatal("expected first enqueue to succeed")
	}
	if q.CanAccept() {
		t.Fatal("expected CanAccept to be false at capacity")
	}
	if q.Enqueue(context.Background(), model.Run{RunId: "run-B"}) {
		t.Fatal("expected second enqueue to be rejected at capacity")
	}
	if q.ActiveCount() != 1 {
		t.Fatalf("active count = %d, want 1", q.ActiveCount())
	}

	q.MarkCompleted("run-A")
	if !q.CanAccept() {
		t.Fatal("expected CanAccept to be true after completion")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	q := New(2)
	q.Enqueue(context.Background(), model.Run{RunId: "Run-X"})

	if !q.Cancel("run-x") {
		t.Fatal("expected case-insensitive cancel to succeed")
	}
	if !q.Cancel("run-x") {
		t.Fatal("expected repeated cancel on a still-tracked run to return true")
	}

	q.MarkCompleted("run-x")
	if q.Cancel("run-x") {
		t.Fatal("expected cancel on an untracked run to return false")
	}
}

func TestJobContextCancelledBySignal(t *testing.T) {
	q := New(1)
	q.Enqueue(context.Background(), model.Run{RunId: "run-1"})
	job := <-q.ReadAll()

	q.Cancel("run-1")
	select {
	case <-job.Ctx.Done():
	default:
		t.Fatal("expected job context to be cancelled")
	}
}
