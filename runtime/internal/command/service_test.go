package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentforge/orchestrator/wire/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.JobEvent
}

func (r *recordingSink) Publish(event model.JobEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) categories() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Category
	}
	return out
}

type fakeSeq struct {
	mu      sync.Mutex
	counter map[string]int64
}

func newFakeSeq() *fakeSeq { return &fakeSeq{counter: make(map[string]int64)} }

func (f *fakeSeq) Next(runID, token string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runID + "\x00" + token
	f.counter[key]++
	return f.counter[key]
}

func waitForTerminal(t *testing.T, svc *Service, commandID string) model.CommandState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, ok := svc.GetCommandStatus(commandID)
		if !ok {
			t.Fatalf("command %s not found", commandID)
		}
		if state.Status.IsTerminal() {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("command %s never reached a terminal state", commandID)
	return model.CommandState{}
}

func TestStartCommandSucceeds(t *testing.T) {
	sink := &recordingSink{}
	svc := New(Limits{DefaultTimeoutSeconds: 5, MaxTimeoutSeconds: 30, MaxOutputBytes: 1 << 20}, sink, newFakeSeq(), nil)

	commandID, err := svc.StartCommand(context.Background(), "run-1", "task-1", "tok-1", "echo", []string{"hello"}, "", nil, 0, 0)
	if err != nil {
		t.Fatalf("StartCommand: %v", err)
	}

	state := waitForTerminal(t, svc, commandID)
	if state.Status != model.CommandCompleted {
		t.Fatalf("got status %s, want Completed", state.Status)
	}
	if state.ExitCode == nil || *state.ExitCode != 0 {
		t.Fatalf("got exit code %v, want 0", state.ExitCode)
	}

	cats := sink.categories()
	if len(cats) < 2 || cats[0] != model.CategoryCommandStarted || cats[len(cats)-1] != model.CategoryCommandDone {
		t.Fatalf("unexpected event sequence: %v", cats)
	}
}

func TestStartCommandRejectsMissingFields(t *testing.T) {
	svc := New(Limits{DefaultTimeoutSeconds: 5, MaxTimeoutSeconds: 30, MaxOutputBytes: 4096}, &recordingSink{}, newFakeSeq(), nil)
	if _, err := svc.StartCommand(context.Background(), "", "task-1", "tok-1", "echo", nil, "", nil, 0, 0); err == nil {
		t.Fatal("expected error for missing run_id")
	}
}

func TestCommandTimeout(t *testing.T) {
	sink := &recordingSink{}
	svc := New(Limits{DefaultTimeoutSeconds: 1, MaxTimeoutSeconds: 1, MaxOutputBytes: 4096}, sink, newFakeSeq(), nil)

	commandID, err := svc.StartCommand(context.Background(), "run-2", "task-2", "tok-2", "sleep", []string{"30"}, "", nil, 1, 0)
	if err != nil {
		t.Fatalf("StartCommand: %v", err)
	}

	state := waitForTerminal(t, svc, commandID)
	if state.Status != model.CommandTimedOut {
		t.Fatalf("got status %s, want TimedOut", state.Status)
	}
}

func TestCancelCommandIsIdempotent(t *testing.T) {
	svc := New(Limits{DefaultTimeoutSeconds: 10, MaxTimeoutSeconds: 30, MaxOutputBytes: 4096}, &recordingSink{}, newFakeSeq(), nil)

	commandID, err := svc.StartCommand(context.Background(), "run-3", "task-3", "tok-3", "sleep", []string{"30"}, "", nil, 0, 0)
	if err != nil {
		t.Fatalf("StartCommand: %v", err)
	}

	if err := svc.CancelCommand(commandID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := svc.CancelCommand(commandID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	state := waitForTerminal(t, svc, commandID)
	if state.Status != model.CommandCanceled {
		t.Fatalf("got status %s, want Canceled", state.Status)
	}
}

func TestOutputBudgetTruncatesButKeepsCounting(t *testing.T) {
	b := &outputBudget{remaining: 10}
	if !b.consume(5) {
		t.Fatal("expected first consume to succeed")
	}
	if !b.consume(5) {
		t.Fatal("expected second consume to exactly exhaust the budget")
	}
	if b.consume(1) {
		t.Fatal("expected third consume to fail once budget is exhausted")
	}
	if !b.truncated() {
		t.Fatal("expected truncated() to report true")
	}
}
