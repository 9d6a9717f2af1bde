// Package model holds the wire-level request/reply/event records shared by
// the control plane and task-runtime workers. Every record is a plain
// struct with stable field ordering: new fields are only ever appended at
// the end so that a worker or control plane built against an older version
// of this package can still decode a record produced by a newer one.
package model

import "time"

// HarnessType identifies which external agent process drives a Run.
type HarnessType string

const (
	HarnessCodex    HarnessType = "codex"
	HarnessOpenCode HarnessType = "opencode"
)

// ExecutionMode selects the read/write posture of a run.
type ExecutionMode string

const (
	ModeDefault ExecutionMode = "default"
	ModePlan    ExecutionMode = "plan"
	ModeReview  ExecutionMode = "review"
)

// RunState is the control-plane's finite state for a Run. Transitions are
// monotonically forward; the only permitted regression is Running->Queued
// on transport failure before the worker accepts the dispatch.
type RunState string

const (
	RunQueued          RunState = "Queued"
	RunPendingApproval RunState = "PendingApproval"
	RunRunning         RunState = "Running"
	RunSucceeded       RunState = "Succeeded"
	RunFailed          RunState = "Failed"
	RunCancelled       RunState = "Cancelled"
)

// IsTerminal reports whether s is one of the three terminal states.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// SandboxProfile bounds the container a run executes in.
type SandboxProfile struct {
	CPULimit        float64
	MemoryBytes     int64
	NetworkDisabled bool
	ReadOnlyRoot    bool
}

// ArtifactPolicy bounds the artifacts a run may produce. MaxCount (when > 0)
// stops artifact streaming once that many files were sent; MaxTotalSize is
// carried on the wire but not enforced by the worker.
type ArtifactPolicy struct {
	MaxCount     int
	MaxTotalSize int64
}

// InputPart is one piece of a (possibly multimodal) instruction payload.
type InputPart struct {
	Kind string // "text" | "image"
	Text string
	URI  string // for image attachments
}

// Run is the immutable dispatch request that flows control-plane -> worker.
// Construction happens once in the dispatcher (C9); nothing downstream of
// DispatchJob mutates it.
type Run struct {
	RunId        string
	RepositoryId string
	TaskId       string
	HarnessType  HarnessType
	Mode         ExecutionMode
	Instruction  string

	CloneUrl         string
	Branch           string // "" = absent
	WorkingDirectory string // "" = absent

	EnvironmentVars map[string]string
	Secrets         map[string]string

	TimeoutSeconds int
	RetryCount     int
	Attempt        int // starts at 1

	SandboxProfile   SandboxProfile
	ArtifactPolicy   ArtifactPolicy
	ArtifactPatterns []string

	InputParts       []InputPart
	ImageAttachments []string

	SessionProfileId      string
	InstructionStackHash  string
	McpConfigSnapshotJson string

	DispatchedAt time.Time
}

// ExecutionToken binds a JobEvent stream to one particular execution
// attempt of a Run, disambiguating retries of the same RunId.
type ExecutionToken = string

// JobEvent is the append-only wire event emitted by the worker and fanned
// out by the hub. Sequence is strictly increasing per (RunId,ExecutionToken)
// starting at 1; events sharing a sequence number must be byte-identical on
// retransmit.
type JobEvent struct {
	RunId          string
	TaskId         string
	ExecutionToken ExecutionToken
	EventType      string
	Category       string
	SchemaVersion  string
	Sequence       int64
	Timestamp      int64 // ms since epoch

	Summary string
	Error   string

	PayloadJson   string
	BinaryPayload []byte

	ArtifactId  string
	ChunkIndex  int
	IsLastChunk bool
	ContentType string

	CommandId string
}

// Reserved JobEvent categories (spec §3 / §4.x). Consumers must tolerate
// unknown categories.
const (
	CategoryReasoningDelta  = "reasoning.delta"
	CategoryAssistantDelta  = "assistant.delta"
	CategoryCommandDelta    = "command.delta"
	CategoryDiffUpdate      = "diff.update"
	CategoryCommandStarted  = "command.started"
	CategoryCommandDone     = "command.completed"
	CategoryArtifactManifest = "artifact.manifest"
	CategoryArtifactChunk    = "artifact.chunk"
	CategoryArtifactCommit   = "artifact.commit"
	CategorySessionStatus    = "session.status"
	CategoryStreamTruncated  = "stream.truncated"
)

// HarnessResultEnvelope is the summary record returned to the control plane
// at run completion.
type HarnessResultEnvelope struct {
	Runtime     string // "codex-stdio" | "opencode-sse"
	RuntimeMode string // "stdio" | "sse"
	Status      string
	Error       string
	Metadata    map[string]string
	Stderr      string // truncated
}
