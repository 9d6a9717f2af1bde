package harness

import (
	"testing"

	"github.com/agentforge/orchestrator/wire/model"
)

func TestResolveRuntimeMode(t *testing.T) {
	cases := []struct {
		name    string
		harness model.HarnessType
		req     model.ExecutionMode
		env     map[string]string
		want    RuntimeMode
	}{
		{"codex always stdio", model.HarnessCodex, model.ModePlan, map[string]string{"HARNESS_RUNTIME_MODE": "sse"}, ModeStdio},
		{"opencode always sse", model.HarnessOpenCode, model.ModeDefault, nil, ModeSSE},
		{"other uses env verbatim", "custom", model.ModeDefault, map[string]string{"HARNESS_RUNTIME_MODE": "weird"}, "weird"},
		{"other defaults to requested mode", "custom", model.ModeReview, nil, RuntimeMode(model.ModeReview)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ResolveRuntimeMode(c.harness, c.req, c.env); got != c.want {
				t.Fatalf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestResolveApprovalPolicy(t *testing.T) {
	if got := ResolveApprovalPolicy(map[string]string{}, model.ModeDefault); got != "on-failure" {
		t.Fatalf("default mode: got %q, want on-failure", got)
	}
	if got := ResolveApprovalPolicy(map[string]string{}, model.ModeReview); got != "never" {
		t.Fatalf("review mode: got %q, want never", got)
	}
	if got := ResolveApprovalPolicy(map[string]string{}, model.ModePlan); got != "never" {
		t.Fatalf("plan mode: got %q, want never", got)
	}
	if got := ResolveApprovalPolicy(map[string]string{"CODEX_APPROVAL_POLICY": "always"}, model.ModeReview); got != "always" {
		t.Fatalf("env override: got %q, want always", got)
	}
}

func TestResolveModel(t *testing.T) {
	if got := ResolveModel(nil); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
	if got := ResolveModel(map[string]string{"HARNESS_MODEL": "gpt"}); got != "gpt" {
		t.Fatalf("got %q, want gpt", got)
	}
	if got := ResolveModel(map[string]string{"CODEX_MODEL": "codex-1", "HARNESS_MODEL": "gpt"}); got != "codex-1" {
		t.Fatalf("got %q, want codex-1 (CODEX_MODEL wins)", got)
	}
}
