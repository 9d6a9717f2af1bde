package model

// ApprovalProfile gates a Task's runs behind manual approval before
// admission (spec §4.9 step 2).
type ApprovalProfile struct {
	RequireApproval bool
}

// Task is a named reusable recipe that, when triggered, produces a Run.
type Task struct {
	TaskId           string
	RepositoryId     string
	Name             string
	Prompt           string
	HarnessType      HarnessType
	DefaultMode      ExecutionMode
	ConcurrencyLimit int // requested parallel slots; <=0 defers to runtime default
	ApprovalProfile  ApprovalProfile
	Schedule         string // optional cron expression; "" = not scheduled

	// ModeOverride / HarnessModel / Temperature / MaxTokens let a task pin
	// harness knobs without touching the instruction text itself (spec
	// §4.9 step 7). Temperature / MaxTokens are nil when the task leaves
	// the harness default in place.
	ModeOverride string
	HarnessModel string
	Temperature  *float64
	MaxTokens    *int

	// Instructions are the task-level instruction set referenced in
	// spec §4.9 step 6, excluding prompt-wrapper entries (those whose
	// normalized Name matches "promptprefix"/"taskpromptprefix").
	Instructions []Instruction
}

// Instruction is one named, ordered, prioritized text fragment layered
// into a composed prompt (repository-level or task-level).
type Instruction struct {
	Name     string
	Body     string
	Priority int
	Order    int
}

// Repository is the clonable source a Task operates against.
type Repository struct {
	RepositoryId  string
	CloneUrl      string
	DefaultBranch string
	Instructions  []Instruction
}

// SecretProvider names the upstream credential family a Secret belongs to.
type SecretProvider string

const (
	SecretGitHub   SecretProvider = "github"
	SecretCodex    SecretProvider = "codex"
	SecretOpenCode SecretProvider = "opencode"
)

// Secret is a single provider credential, encrypted at rest by the store.
// RepositoryId is empty for a global (cross-repository) secret.
type Secret struct {
	SecretId     string
	Provider     SecretProvider
	RepositoryId string
	Value        string // plaintext once decrypted by the store layer
}
