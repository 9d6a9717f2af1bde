// Package metrics exposes the control plane's Prometheus instrumentation
// (spec.md §6 / SPEC_FULL.md DOMAIN STACK): queue depth, active runtime
// count, and dispatch latency. Registered against the default registry and
// served at GET /metrics via promhttp.Handler, the same minimal wiring
// shape observed across the retrieved pack's Prometheus-instrumented
// services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueuedRuns is the number of distinct task ids that have a non-terminal
	// run, sampled by the reconciliation loop.
	QueuedRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "dispatch",
		Name:      "queued_runs",
		Help:      "Current number of runs waiting for admission.",
	})

	// ActiveRuntimes is the current number of registered runtimes in the
	// Ready or Draining lifecycle state.
	ActiveRuntimes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "lifecycle",
		Name:      "active_runtimes",
		Help:      "Current number of runtimes registered and not Faulted/Terminated.",
	})

	// DispatchLatencySeconds observes the time from Dispatch being called
	// to a run being accepted or rejected.
	DispatchLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "dispatch",
		Name:      "latency_seconds",
		Help:      "Latency of the dispatcher's admission-and-assign path.",
		Buckets:   prometheus.DefBuckets,
	})

	// DispatchOutcomesTotal counts dispatch attempts by outcome: accepted
	// (the run was handled, including PendingApproval and terminal failures
	// at dispatch time such as an invalid clone URL), deferred (admission
	// deferred, run left queued), or error (the attempt returned an error).
	DispatchOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "dispatch",
		Name:      "outcomes_total",
		Help:      "Count of dispatch attempts by outcome.",
	}, []string{"outcome"})

	// EventStreamConnections is the current number of subscribed event
	// stream websocket connections.
	EventStreamConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "eventdispatcher",
		Name:      "connections",
		Help:      "Current number of subscribed event stream connections.",
	})
)
