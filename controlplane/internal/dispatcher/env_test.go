package dispatcher

import (
	"testing"

	"github.com/agentforge/orchestrator/wire/model"
)

func TestNormalizeCloneURL(t *testing.T) {
	valid := []string{
		"https://github.com/acme/widgets.git",
		"ssh://git@github.com/acme/widgets.git",
		"git+ssh://git@github.com/acme/widgets.git",
		"git@github.com:acme/widgets.git",
	}
	for _, raw := range valid {
		if _, err := NormalizeCloneURL(raw); err != nil {
			t.Errorf("NormalizeCloneURL(%q): unexpected error: %v", raw, err)
		}
	}

	invalid := []string{
		"",
		"not a url at all",
		"ftp://github.com/acme/widgets.git",
		"https:///widgets.git", // empty host
	}
	for _, raw := range invalid {
		if _, err := NormalizeCloneURL(raw); err == nil {
			t.Errorf("NormalizeCloneURL(%q): expected error, got none", raw)
		}
	}
}

func TestBuildEnvMapsProviderSecrets(t *testing.T) {
	repo := model.Repository{CloneUrl: "https://github.com/acme/widgets.git", DefaultBranch: "main"}
	task := model.Task{HarnessModel: "gpt-5-codex"}
	run := model.Run{
		CloneUrl:    "https://github.com/acme/widgets.git",
		HarnessType: model.HarnessCodex,
		Mode:        model.ModePlan,
	}
	secrets := []model.Secret{
		{Provider: model.SecretGitHub, Value: "ghp_abc"},
		{Provider: model.SecretCodex, Value: "sk-codex"},
		{Provider: model.SecretProvider("custom-thing"), Value: "xyz"},
	}

	env := BuildEnv(repo, task, run, secrets)

	want := map[string]string{
		"GH_TOKEN":              "ghp_abc",
		"GITHUB_TOKEN":          "ghp_abc",
		"CODEX_API_KEY":         "sk-codex",
		"OPENAI_API_KEY":        "sk-codex",
		"SECRET_CUSTOM_THING":   "xyz",
		"HARNESS_MODEL":         "gpt-5-codex",
		"CODEX_MODEL":           "gpt-5-codex",
		"TASK_MODE":             "plan",
		"RUN_MODE":              "plan",
		"CODEX_APPROVAL_POLICY": "never",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%q] = %q, want %q", k, env[k], v)
		}
	}
}

func TestBuildEnvMapsTemperatureAndMaxTokens(t *testing.T) {
	repo := model.Repository{CloneUrl: "https://github.com/acme/widgets.git", DefaultBranch: "main"}
	temp := 0.2
	maxTokens := 4096
	task := model.Task{Temperature: &temp, MaxTokens: &maxTokens}
	run := model.Run{CloneUrl: "https://github.com/acme/widgets.git", HarnessType: model.HarnessOpenCode}

	env := BuildEnv(repo, task, run, nil)

	want := map[string]string{
		"HARNESS_TEMPERATURE":  "0.2",
		"CODEX_TEMPERATURE":    "0.2",
		"OPENCODE_TEMPERATURE": "0.2",
		"HARNESS_MAX_TOKENS":   "4096",
		"CODEX_MAX_TOKENS":     "4096",
		"OPENCODE_MAX_TOKENS":  "4096",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%q] = %q, want %q", k, env[k], v)
		}
	}

	if _, ok := BuildEnv(repo, model.Task{}, run, nil)["HARNESS_TEMPERATURE"]; ok {
		t.Error("HARNESS_TEMPERATURE should be absent when Task.Temperature is nil")
	}
}
