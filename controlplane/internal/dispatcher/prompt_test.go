package dispatcher

import (
	"strings"
	"testing"

	"github.com/agentforge/orchestrator/wire/model"
)

func TestComposePromptOrdersLayers(t *testing.T) {
	repo := model.Repository{
		DefaultBranch: "main",
		Instructions: []model.Instruction{
			{Name: "style.md", Body: "use tabs", Priority: 1, Order: 0},
			{Name: "security.md", Body: "no secrets in logs", Priority: 0, Order: 0},
		},
	}
	task := model.Task{
		Prompt: "Fix the failing test",
		Instructions: []model.Instruction{
			{Name: "PromptPrefix.md", Body: "You are operating autonomously.", Priority: 0, Order: 0},
			{Name: "PromptSuffix.md", Body: "Stop once the PR is open.", Priority: 0, Order: 0},
			{Name: "context.md", Body: "This repo is a monorepo.", Priority: 0, Order: 0},
		},
	}

	got := ComposePrompt(repo, task)

	wantOrder := []string{
		"default branch",
		"You are operating autonomously.",
		"no secrets in logs", // repository: priority 0 before priority 1
		"use tabs",
		"This repo is a monorepo.", // task instructions, wrappers excluded
		"Fix the failing test",
		"Stop once the PR is open.",
		"status and diff",
	}

	lastIdx := -1
	for _, want := range wantOrder {
		idx := strings.Index(got, want)
		if idx == -1 {
			t.Fatalf("ComposePrompt: expected to find %q in:\n%s", want, got)
		}
		if idx <= lastIdx {
			t.Fatalf("ComposePrompt: expected %q to appear after previous layer, got:\n%s", want, got)
		}
		lastIdx = idx
	}

	if strings.Contains(got, "PromptPrefix.md") || strings.Contains(got, "autonomously.\n\nautonomously") {
		t.Fatalf("ComposePrompt: wrapper instruction leaked into body twice:\n%s", got)
	}
}

func TestNormalizeInstructionName(t *testing.T) {
	cases := map[string]string{
		"PromptPrefix.md":       "promptprefix",
		".codex/PromptSuffix":   "promptsuffix",
		"TaskPromptPrefix.yaml": "taskpromptprefix",
		"context.md":            "context",
	}
	for in, want := range cases {
		if got := normalizeInstructionName(in); got != want {
			t.Errorf("normalizeInstructionName(%q) = %q, want %q", in, got, want)
		}
	}
}
