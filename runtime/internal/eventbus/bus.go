// Package eventbus is the worker's in-process multi-producer broadcaster
// of JobEvent records (C3). Producers assign sequence numbers themselves,
// before Publish; the bus never reorders or renumbers, and per
// (RunId,ExecutionToken) it delivers events in publish order. A slow
// subscriber lags on its own buffer and is disconnected once that buffer
// overflows, receiving one synthetic stream.truncated event first.
package eventbus

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/wire/model"
)

// subscriberBuffer is the per-subscriber channel capacity before a
// subscriber is considered slow and disconnected.
const subscriberBuffer = 256

// Filter selects which events a subscriber receives. An empty RunID or
// ExecutionToken means "match everything for this field".
type Filter struct {
	RunID          string // "" = match any run
	ExecutionToken string // "" = match any execution token
}

func (f Filter) matches(e model.JobEvent) bool {
	if f.RunID != "" && !strings.EqualFold(f.RunID, e.RunId) {
		return false
	}
	if f.ExecutionToken != "" && f.ExecutionToken != e.ExecutionToken {
		return false
	}
	return true
}

type subscriber struct {
	ch     chan model.JobEvent
	filter Filter
}

// Bus is a single worker-process event broadcaster.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int64]*subscriber
	nextID      int64
	logger      *zap.Logger
}

// New constructs an empty Bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{subscribers: make(map[int64]*subscriber), logger: logger}
}

// Subscribe registers a new consumer and returns a receive-only channel of
// matching events plus an unsubscribe function. The channel is closed once
// Unsubscribe is called or the bus disconnects the subscriber on overflow.
func (b *Bus) Subscribe(filter Filter) (<-chan model.JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan model.JobEvent, subscriberBuffer), filter: filter}
	b.subscribers[id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			close(s.ch)
			delete(b.subscribers, id)
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers event to every matching subscriber without blocking the
// producer. A subscriber whose buffer is full has its oldest buffered event
// dropped to make room for a synthetic stream.truncated event, and is then
// disconnected.
func (b *Bus) Publish(event model.JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.disconnectLocked(id, sub, event)
		}
	}
}

func (b *Bus) disconnectLocked(id int64, sub *subscriber, cause model.JobEvent) {
	truncated := model.JobEvent{
		RunId:          cause.RunId,
		TaskId:         cause.TaskId,
		ExecutionToken: cause.ExecutionToken,
		EventType:      "stream.truncated",
		Category:       model.CategoryStreamTruncated,
		Sequence:       cause.Sequence,
		Timestamp:      cause.Timestamp,
		Summary:        "subscriber buffer exceeded watermark; disconnected",
	}
	select {
	case sub.ch <- truncated:
	default:
		// buffer full: drop the oldest buffered event to make room
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- truncated:
		default:
		}
	}
	if b.logger != nil {
		b.logger.Warn("eventbus: disconnecting slow subscriber",
			zap.Int64("subscriber_id", id),
			zap.String("run_id", cause.RunId),
		)
	}
	close(sub.ch)
	delete(b.subscribers, id)
}

// SubscriberCount reports the current number of live subscribers; used by
// tests and health diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
