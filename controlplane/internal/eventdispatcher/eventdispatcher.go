// Package eventdispatcher fans JobEvents out to subscribed callers
// (spec.md §4.11). Adapted from the teacher's websocket.Hub: the same
// single-writer event-loop shape (register/unregister serialized through
// channels, and Publish also hands its event to the loop over a channel)
// repurposed from topic/user broadcast to a connectionId → filter(all |
// runIds) match against one JobEvent stream instead of many named topics.
package eventdispatcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/controlplane/internal/metrics"
	"github.com/agentforge/orchestrator/wire/model"
)

// Filter decides whether a connection wants a given event.
type Filter struct {
	all    bool
	runIds map[string]struct{}
}

// SubscribeAll returns a Filter matching every event.
func SubscribeAll() Filter { return Filter{all: true} }

// SubscribeRunIds returns a Filter matching only events for the given runs.
func SubscribeRunIds(runIds []string) Filter {
	set := make(map[string]struct{}, len(runIds))
	for _, id := range runIds {
		set[id] = struct{}{}
	}
	return Filter{runIds: set}
}

func (f Filter) matches(event model.JobEvent) bool {
	if f.all {
		return true
	}
	_, ok := f.runIds[event.RunId]
	return ok
}

// connection is one subscriber's bounded mailbox.
type connection struct {
	id     string
	filter Filter
	send   chan model.JobEvent
}

// Dispatcher fans events out to every matching connection. The zero value
// is not usable — create instances with New.
type Dispatcher struct {
	bufferSize int
	logger     *zap.Logger

	register   chan *connection
	unregister chan string
	publish    chan model.JobEvent
	count      chan chan int

	connections map[string]*connection
	stopped     chan struct{}
}

// New creates an idle Dispatcher. Call Run in a goroutine to start it.
func New(bufferSize int, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		bufferSize:  bufferSize,
		logger:      logger.Named("eventdispatcher"),
		register:    make(chan *connection),
		unregister:  make(chan string, 16),
		publish:     make(chan model.JobEvent, 256),
		count:       make(chan chan int),
		connections: make(map[string]*connection),
		stopped:     make(chan struct{}),
	}
}

// Run starts the dispatcher's event loop. Must be called exactly once, in
// its own goroutine; it exits when ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.stopped)
	for {
		select {
		case conn := <-d.register:
			d.connections[conn.id] = conn
			metrics.EventStreamConnections.Set(float64(len(d.connections)))

		case id := <-d.unregister:
			if conn, ok := d.connections[id]; ok {
				delete(d.connections, id)
				close(conn.send)
				metrics.EventStreamConnections.Set(float64(len(d.connections)))
			}

		case event := <-d.publish:
			for id, conn := range d.connections {
				if !conn.filter.matches(event) {
					continue
				}
				select {
				case conn.send <- event:
				default:
					// Overflow: the connection is too slow to keep up.
					// Disconnect it; the client is expected to reconnect
					// (spec.md §4.11 backpressure policy).
					d.logger.Warn("event dispatcher: connection overflow, disconnecting",
						zap.String("connection_id", id))
					delete(d.connections, id)
					close(conn.send)
					metrics.EventStreamConnections.Set(float64(len(d.connections)))
				}
			}

		case reply := <-d.count:
			reply <- len(d.connections)

		case <-ctx.Done():
			for id, conn := range d.connections {
				delete(d.connections, id)
				close(conn.send)
			}
			metrics.EventStreamConnections.Set(0)
			return
		}
	}
}

// Subscribe registers connectionId with filter and returns the channel its
// matching events are delivered on. The channel is closed when the
// connection is unsubscribed, overflows, or the dispatcher shuts down.
func (d *Dispatcher) Subscribe(connectionId string, filter Filter) <-chan model.JobEvent {
	conn := &connection{id: connectionId, filter: filter, send: make(chan model.JobEvent, d.bufferSize)}
	d.register <- conn
	return conn.send
}

// Unsubscribe removes connectionId from the dispatcher.
func (d *Dispatcher) Unsubscribe(connectionId string) {
	d.unregister <- connectionId
}

// Publish fans event out to every subscribed connection whose filter
// matches. Safe to call from any goroutine.
func (d *Dispatcher) Publish(event model.JobEvent) {
	select {
	case d.publish <- event:
	case <-d.stopped:
	}
}

// ConnectionCount returns the current number of subscribed connections.
// Intended for metrics and health endpoints.
func (d *Dispatcher) ConnectionCount() int {
	reply := make(chan int)
	select {
	case d.count <- reply:
	case <-d.stopped:
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-d.stopped:
		return 0
	}
}
