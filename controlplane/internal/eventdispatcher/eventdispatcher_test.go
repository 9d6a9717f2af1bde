package eventdispatcher

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/wire/model"
)

func TestSubscribeAllReceivesEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New(4, zap.NewNop())
	go d.Run(ctx)

	ch := d.Subscribe("conn-1", SubscribeAll())
	d.Publish(model.JobEvent{RunId: "run-a", Category: "session.status"})

	select {
	case event := <-ch:
		if event.RunId != "run-a" {
			t.Fatalf("got RunId %q, want run-a", event.RunId)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeRunIdsFiltersOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New(4, zap.NewNop())
	go d.Run(ctx)

	ch := d.Subscribe("conn-1", SubscribeRunIds([]string{"run-a"}))
	d.Publish(model.JobEvent{RunId: "run-b"})
	d.Publish(model.JobEvent{RunId: "run-a"})

	select {
	case event := <-ch:
		if event.RunId != "run-a" {
			t.Fatalf("got RunId %q, want run-a", event.RunId)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}
}

func TestOverflowDisconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New(1, zap.NewNop())
	go d.Run(ctx)

	ch := d.Subscribe("conn-1", SubscribeAll())

	for i := 0; i < 10; i++ {
		d.Publish(model.JobEvent{RunId: "run-a"})
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // channel closed: connection was disconnected on overflow
			}
		case <-timeout:
			t.Fatal("expected overflowing connection to be disconnected")
		}
	}
}

func TestConnectionCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New(4, zap.NewNop())
	go d.Run(ctx)

	d.Subscribe("conn-1", SubscribeAll())
	d.Subscribe("conn-2", SubscribeAll())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d.ConnectionCount() == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ConnectionCount never reached 2, got %d", d.ConnectionCount())
}
