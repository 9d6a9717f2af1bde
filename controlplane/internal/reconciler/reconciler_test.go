package reconciler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/controlplane/internal/dispatcher"
	"github.com/agentforge/orchestrator/controlplane/internal/lifecycle"
	"github.com/agentforge/orchestrator/controlplane/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.New(store.Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return s
}

func TestRetryQueueHeadsNoopWhenEmpty(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	lifecycleMgr := lifecycle.New(time.Minute, zap.NewNop())
	d := dispatcher.New(dispatcher.Config{}, st, lifecycleMgr, zap.NewNop())

	r := New(Config{
		QueueRetryInterval:     time.Minute,
		LifecycleSweepInterval: time.Minute,
		StaleThreshold:         time.Minute,
	}, st, d, lifecycleMgr, zap.NewNop())

	// Must not panic or block with no queued runs and no registered runtimes.
	r.retryQueueHeads(ctx)
}

func TestSweepLifecycleNoopWithNoRuntimes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	lifecycleMgr := lifecycle.New(time.Minute, zap.NewNop())
	d := dispatcher.New(dispatcher.Config{}, st, lifecycleMgr, zap.NewNop())

	r := New(Config{
		QueueRetryInterval:     time.Minute,
		LifecycleSweepInterval: time.Minute,
		StaleThreshold:         time.Minute,
	}, st, d, lifecycleMgr, zap.NewNop())

	r.sweepLifecycle(ctx)

	if lifecycleMgr.Count() != 0 {
		t.Fatalf("Count: expected 0 registered runtimes, got %d", lifecycleMgr.Count())
	}
}
