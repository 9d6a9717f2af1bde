package harness

import "github.com/agentforge/orchestrator/wire/model"

// RuntimeMode is the transport an adapter uses, independent of which
// harness is selected.
type RuntimeMode string

const (
	ModeStdio RuntimeMode = "stdio"
	ModeSSE   RuntimeMode = "sse"
)

// ResolveRuntimeMode is the single static function deciding which adapter
// drives a run (spec §4.5.3). codex is always stdio, opencode is always
// sse; any other harness type defers to HARNESS_RUNTIME_MODE verbatim,
// defaulting to the requested execution mode string if that env var is
// absent. There is no command-runtime fallback and no cross-harness
// routing, and the legacy CODEX_TRANSPORT variable is never consulted
// (spec §9 pins this precedence).
func ResolveRuntimeMode(harnessType model.HarnessType, requestedMode model.ExecutionMode, env map[string]string) RuntimeMode {
	switch harnessType {
	case model.HarnessCodex:
		return ModeStdio
	case model.HarnessOpenCode:
		return ModeSSE
	default:
		if v, ok := env["HARNESS_RUNTIME_MODE"]; ok && v != "" {
			return RuntimeMode(v)
		}
		return RuntimeMode(requestedMode)
	}
}

// ResolveApprovalPolicy implements the codex approval-policy resolution
// from spec §4.5.1/§6: CODEX_APPROVAL_POLICY wins if present; else "never"
// for plan/review modes, "on-failure" for default.
func ResolveApprovalPolicy(env map[string]string, mode model.ExecutionMode) string {
	if v, ok := env["CODEX_APPROVAL_POLICY"]; ok && v != "" {
		return v
	}
	switch mode {
	case model.ModePlan, model.ModeReview:
		return "never"
	default:
		return "on-failure"
	}
}

// ResolveModel implements the codex model resolution from spec §4.5.1:
// CODEX_MODEL > HARNESS_MODEL > absent ("").
func ResolveModel(env map[string]string) string {
	if v, ok := env["CODEX_MODEL"]; ok && v != "" {
		return v
	}
	if v, ok := env["HARNESS_MODEL"]; ok && v != "" {
		return v
	}
	return ""
}

// ReadOnlyDirective is prefixed onto the instruction in plan/review mode
// (spec §4.5.1).
const ReadOnlyDirective = "Execution mode: %s. Do not modify files.\n\n"
