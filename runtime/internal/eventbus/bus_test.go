package eventbus

import (
	"testing"
	"time"

	"github.com/agentforge/orchestrator/wire/model"
)

func TestPublishDeliversInOrderPerRun(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe(Filter{RunID: "run-1"})
	defer unsub()

	for i := int64(1); i <= 3; i++ {
		b.Publish(model.JobEvent{RunId: "run-1", ExecutionToken: "tok", Sequence: i})
	}

	for i := int64(1); i <= 3; i++ {
		select {
		case e := <-ch:
			if e.Sequence != i {
				t.Fatalf("got sequence %d, want %d", e.Sequence, i)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestFilterExcludesOtherRuns(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Subscribe(Filter{RunID: "run-1"})
	defer unsub()

	b.Publish(model.JobEvent{RunId: "run-2", Sequence: 1})

	select {
	case e := <-ch:
		t.Fatalf("unexpected event delivered: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDisconnectedOnOverflow(t *testing.T) {
	b := New(nil)
	ch, _ := b.Subscribe(Filter{})

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(model.JobEvent{RunId: "run-1", Sequence: int64(i + 1)})
	}

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected subscriber to be disconnected, got count %d", b.SubscriberCount())
	}

	var sawTruncated bool
	for e := range ch {
		if e.Category == model.CategoryStreamTruncated {
			sawTruncated = true
		}
	}
	if !sawTruncated {
		t.Fatal("expected a stream.truncated event before channel close")
	}
}

func TestSequencerIsGapFreeAndStartsAtOne(t *testing.T) {
	s := NewSequencer()
	for i := int64(1); i <= 5; i++ {
		if got := s.Next("run-1", "tok"); got != i {
			t.Fatalf("got %d, want %d", got, i)
		}
	}
	// a different (run,token) pair starts independently at 1.
	if got := s.Next("run-2", "tok"); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}
