package store

import "time"

// RunRecord is the control-plane-only persisted view of a Run (spec.md §3's
// RunState plus enough of the original dispatch request to redispatch or
// audit it later). The wire-level model.Run itself is reconstructed from
// RunJSON at dispatch time; nothing downstream of the dispatcher mutates it.
type RunRecord struct {
	RunId             string `gorm:"primaryKey"`
	RepositoryId      string `gorm:"index"`
	TaskId            string `gorm:"index;index:idx_run_task_state"`
	State             string `gorm:"index;index:idx_run_task_state"`
	Attempt           int
	AssignedRuntimeId string
	Summary           string
	FailureClass      string
	RunJSON           string `gorm:"type:text"` // json-serialized model.Run

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TaskRecord is the persisted recipe a caller triggers to produce runs
// (spec.md §3 "new Task").
type TaskRecord struct {
	TaskId           string `gorm:"primaryKey"`
	RepositoryId     string `gorm:"index"`
	Name             string
	Prompt           string `gorm:"type:text"`
	HarnessType      string
	DefaultMode      string
	ConcurrencyLimit int
	RequireApproval  bool
	Schedule         string `gorm:"default:''"` // cron expression; "" = not scheduled
	ModeOverride     string
	HarnessModel     string
	Temperature      *float64
	MaxTokens        *int
	InstructionsJSON string `gorm:"type:text"` // json-serialized []model.Instruction

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RepositoryRecord is the persisted clonable source a task operates
// against (spec.md §3 "new Repository").
type RepositoryRecord struct {
	RepositoryId     string `gorm:"primaryKey"`
	CloneUrl         string
	DefaultBranch    string
	InstructionsJSON string `gorm:"type:text"` // json-serialized []model.Instruction

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SecretRecord is a single provider credential, encrypted at rest via
// EncryptedString (spec.md §3 "new Secret"). RepositoryId is empty for a
// global (cross-repository) secret.
type SecretRecord struct {
	SecretId     string `gorm:"primaryKey"`
	Provider     string `gorm:"index"`
	RepositoryId string `gorm:"index;default:''"`
	Value        EncryptedString `gorm:"type:text;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
