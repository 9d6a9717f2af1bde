package dispatcher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agentforge/orchestrator/wire/model"
)

// promptWrapperNames are the normalized instruction names treated as
// prefix/suffix wrappers rather than ordinary body instructions (spec.md
// §4.9 step 6). An instruction file is "normalized" by lowercasing and
// stripping any directory/extension, e.g. ".codex/PromptPrefix.md"
// normalizes to "promptprefix".
const (
	wrapperPromptPrefix     = "promptprefix"
	wrapperTaskPromptPrefix = "taskpromptprefix"
	wrapperPromptSuffix     = "promptsuffix"
	wrapperTaskPromptSuffix = "taskpromptsuffix"
)

func normalizeInstructionName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if idx := strings.LastIndexAny(name, "/\\"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.LastIndex(name, "."); idx > 0 {
		name = name[:idx]
	}
	return name
}

func isWrapperName(normalized string) bool {
	switch normalized {
	case wrapperPromptPrefix, wrapperTaskPromptPrefix, wrapperPromptSuffix, wrapperTaskPromptSuffix:
		return true
	default:
		return false
	}
}

func sortInstructions(instructions []model.Instruction) []model.Instruction {
	sorted := make([]model.Instruction, len(instructions))
	copy(sorted, instructions)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Order < sorted[j].Order
	})
	return sorted
}

func findWrapper(instructions []model.Instruction, prefixNames ...string) string {
	for _, ins := range instructions {
		normalized := normalizeInstructionName(ins.Name)
		for _, want := range prefixNames {
			if normalized == want {
				return ins.Body
			}
		}
	}
	return ""
}

// defaultGlobalPrefix embeds defaultBranch and prescribes the initial
// fetch/checkout/pull sequence every run begins with (spec.md §4.9 step 6).
func defaultGlobalPrefix(defaultBranch string) string {
	return fmt.Sprintf(
		"Work against the repository's default branch %q. Before making any "+
			"changes: fetch all remotes, checkout %q, and pull the latest "+
			"changes.",
		defaultBranch, defaultBranch,
	)
}

// defaultGlobalSuffix prescribes the final status/diff/commit/push sequence
// every run ends with (spec.md §4.9 step 6).
func defaultGlobalSuffix(defaultBranch string) string {
	return fmt.Sprintf(
		"Before finishing: run status and diff to review every change, commit "+
			"with a clear message, and push to %q.",
		defaultBranch,
	)
}

// ComposePrompt builds the layered prompt for a run: globalPrefix,
// taskPrefix, repository instructions (priority then order), task
// instructions excluding prompt-wrapper entries (priority then order), the
// task's own Prompt, taskSuffix, globalSuffix (spec.md §4.9 step 6).
func ComposePrompt(repository model.Repository, task model.Task) string {
	var parts []string

	parts = append(parts, defaultGlobalPrefix(repository.DefaultBranch))

	if taskPrefix := findWrapper(task.Instructions, wrapperPromptPrefix, wrapperTaskPromptPrefix); taskPrefix != "" {
		parts = append(parts, taskPrefix)
	}

	for _, ins := range sortInstructions(repository.Instructions) {
		if ins.Body != "" {
			parts = append(parts, ins.Body)
		}
	}

	for _, ins := range sortInstructions(task.Instructions) {
		if isWrapperName(normalizeInstructionName(ins.Name)) {
			continue
		}
		if ins.Body != "" {
			parts = append(parts, ins.Body)
		}
	}

	if task.Prompt != "" {
		parts = append(parts, task.Prompt)
	}

	if taskSuffix := findWrapper(task.Instructions, wrapperPromptSuffix, wrapperTaskPromptSuffix); taskSuffix != "" {
		parts = append(parts, taskSuffix)
	}

	parts = append(parts, defaultGlobalSuffix(repository.DefaultBranch))

	return strings.Join(parts, "\n\n")
}
