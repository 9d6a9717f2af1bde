// Package harness drives the external LLM agent process ("harness") that
// performs the actual code edits for a Run, translating its protocol
// events into the uniform model.JobEvent wire schema (C5). Two sibling
// adapters exist — codex (stdio JSON-RPC) and opencode (HTTP+SSE) — behind
// the shared Runtime contract.
package harness

import (
	"context"
	"time"

	"github.com/agentforge/orchestrator/wire/model"
)

// EventSink is how an adapter publishes translated events; implemented by
// the worker's event bus plus sequencer.
type EventSink interface {
	// Publish assigns the next sequence number for (runID,executionToken)
	// and delivers the event.
	Publish(event model.JobEvent)
}

// Error kinds surfaced by adapters, per spec §7.
const (
	ErrHarnessStartup  = "HarnessStartup"
	ErrHarnessTransport = "HarnessTransport"
	ErrHarnessProtocol  = "HarnessProtocol"
	ErrHarnessTimeout   = "HarnessTimeout"
)

// Runtime is the contract both adapters satisfy.
type Runtime interface {
	// Run drives one execution of the harness to completion (or
	// cancellation/timeout) and returns the summary envelope.
	Run(ctx context.Context, run model.Run, env map[string]string, workspacePath string, sink EventSink) model.HarnessResultEnvelope
}

// clampStderr bounds the stderr attached to an envelope to the last N
// bytes, matching the teacher's bounded-ring-buffer convention for
// subprocess diagnostics.
const maxEnvelopeStderr = 4096

func clampStderr(s string) string {
	if len(s) <= maxEnvelopeStderr {
		return s
	}
	return s[len(s)-maxEnvelopeStderr:]
}

// nowMillis is the single clock read point used by every adapter so tests
// can reason about event ordering without depending on wall-clock drift.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
