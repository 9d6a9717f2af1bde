package dispatcher

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/agentforge/orchestrator/wire/model"
)

var cloneSchemes = map[string]bool{
	"https": true, "http": true, "ssh": true, "git": true, "git+ssh": true,
}

// scpStyleRE matches SCP-style clone URLs: user@host:path, where host
// contains no slash (distinguishing it from a bare path with a colon).
var scpStyleRE = regexp.MustCompile(`^[^@/]+@[^/:]+:.+$`)

// NormalizeCloneURL validates and normalizes a repository clone URL per
// spec.md §4.9 step 4: accept well-formed URIs with an approved scheme and
// non-empty host, or SCP-style user@host:path. Anything else is rejected.
func NormalizeCloneURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("clone url is empty")
	}

	if scpStyleRE.MatchString(raw) {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("clone url is not well-formed: %w", err)
	}
	if !cloneSchemes[strings.ToLower(u.Scheme)] {
		return "", fmt.Errorf("clone url scheme %q is not one of https/http/ssh/git/git+ssh", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("clone url has no host")
	}
	return raw, nil
}

// BuildEnv seeds the run's environment with the fields mandated by spec.md
// §4.9 step 7: provider secret materialization, per-harness settings, and
// mode-derived variables. Grounded on the teacher's buildEnv (per-type
// credential-to-env mapping decrypted from EncryptedString fields).
func BuildEnv(repository model.Repository, task model.Task, run model.Run, secrets []model.Secret) map[string]string {
	env := map[string]string{
		"GIT_URL":        run.CloneUrl,
		"DEFAULT_BRANCH": repository.DefaultBranch,
		"AUTO_CREATE_PR": "false",
		"HARNESS_NAME":   string(run.HarnessType),
		"HARNESS_MODE":   string(run.Mode),
		"GH_REPO":        repository.CloneUrl,
	}

	haveCodexCreds := false
	for _, secret := range secrets {
		switch secret.Provider {
		case model.SecretGitHub:
			env["GH_TOKEN"] = secret.Value
			env["GITHUB_TOKEN"] = secret.Value
		case model.SecretCodex:
			env["CODEX_API_KEY"] = secret.Value
			env["OPENAI_API_KEY"] = secret.Value
			haveCodexCreds = true
		case model.SecretOpenCode:
			env["OPENCODE_API_KEY"] = secret.Value
		default:
			env[fmt.Sprintf("SECRET_%s", envNameFromProvider(string(secret.Provider)))] = secret.Value
		}
	}

	if run.HarnessType == model.HarnessCodex && !haveCodexCreds {
		// Host env fallback: the worker process's own CODEX_API_KEY/
		// OPENAI_API_KEY is used if no provider secret was configured. The
		// control plane does not read its own process env for this — the
		// fallback happens on the worker side, where the harness actually
		// spawns, so no placeholder entry is added here.
	}

	if task.HarnessModel != "" {
		env["HARNESS_MODEL"] = task.HarnessModel
		env["CODEX_MODEL"] = task.HarnessModel
		env["OPENCODE_MODEL"] = task.HarnessModel
	}
	if task.Temperature != nil {
		v := fmt.Sprintf("%g", *task.Temperature)
		env["HARNESS_TEMPERATURE"] = v
		env["CODEX_TEMPERATURE"] = v
		env["OPENCODE_TEMPERATURE"] = v
	}
	if task.MaxTokens != nil {
		v := fmt.Sprintf("%d", *task.MaxTokens)
		env["HARNESS_MAX_TOKENS"] = v
		env["CODEX_MAX_TOKENS"] = v
		env["OPENCODE_MAX_TOKENS"] = v
	}

	mode := run.Mode
	if task.ModeOverride != "" {
		mode = model.ExecutionMode(task.ModeOverride)
	}
	env["TASK_MODE"] = string(mode)
	env["RUN_MODE"] = string(mode)
	if mode == model.ModePlan || mode == model.ModeReview {
		env["CODEX_APPROVAL_POLICY"] = "never"
	}

	return env
}

// envNameFromProvider upper-cases and underscore-separates an arbitrary
// provider name for the SECRET_<NAME> fallback env var (spec.md §4.9
// step 7).
func envNameFromProvider(provider string) string {
	var b strings.Builder
	for _, r := range provider {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
