// Package store is the control plane's thin persistence layer: Run/Task/
// Repository/Secret accessors only, per spec.md §1's framing of the
// document store as an external collaborator. Backed by GORM over sqlite
// (pure Go, via modernc.org/sqlite) or postgres, schema managed by embedded
// golang-migrate SQL migrations — identical stack and wiring style to the
// teacher's db package.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required. Registers itself as
	// "sqlite" in database/sql.
	_ "modernc.org/sqlite"

	"github.com/agentforge/orchestrator/wire/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the configuration required to open a database connection.
// Driver defaults to "sqlite" if left empty.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// Store is the dispatcher/lifecycle-facing persistence surface. Passing it
// as a capability (rather than the dispatcher reaching for a global) keeps
// the "no reverse edges" design note in spec.md §9 intact.
type Store interface {
	CreateRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, runID string) (RunSnapshot, bool, error)
	UpdateRunState(ctx context.Context, runID string, state model.RunState, summary, failureClass string) error
	AssignRuntime(ctx context.Context, runID, runtimeID string) error
	QueueHead(ctx context.Context, taskID string) (string, bool, error)
	ListQueuedTaskIds(ctx context.Context) ([]string, error)
	CountQueuedGlobal(ctx context.Context) (int, error)
	CountActiveGlobal(ctx context.Context) (int, error)
	CountActiveForRepository(ctx context.Context, repositoryID string) (int, error)

	GetTask(ctx context.Context, taskID string) (model.Task, bool, error)
	ListScheduledTasks(ctx context.Context) ([]model.Task, error)
	UpsertTask(ctx context.Context, task model.Task) error

	GetRepository(ctx context.Context, repositoryID string) (model.Repository, bool, error)
	UpsertRepository(ctx context.Context, repo model.Repository) error

	ListSecrets(ctx context.Context, repositoryID string) ([]model.Secret, error)
	UpsertSecret(ctx context.Context, secret model.Secret) error
}

// RunSnapshot bundles the control-plane-only RunState fields with the
// reconstructed wire-level Run, per spec.md §3's split between the
// immutable dispatch request and its control-plane state.
type RunSnapshot struct {
	Run               model.Run
	State             model.RunState
	Summary           string
	FailureClass      string
	AssignedRuntimeId string
	CreatedAt         time.Time
}

type gormStore struct {
	db *gorm.DB
}

// New opens a database connection, applies pending migrations, and returns
// a ready-to-use Store. Schema is owned entirely by the embedded SQL
// migrations; GORM is used as a query builder only, never AutoMigrate.
func New(cfg Config) (Store, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	return &gormStore{db: db}, nil
}

// open wires the *gorm.DB the same way as the teacher's db.New: manual
// database/sql.Open for sqlite (so the modernc driver is used instead of
// go-sqlite3), gorm.Open(postgres.Open(...)) directly for postgres, then
// embedded SQL migrations applied via golang-migrate before any query runs.
func open(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: logger is required")
	}

	gormCfg := &gorm.Config{Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel)}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		drvName  string
	)

	switch cfg.Driver {
	case "sqlite", "":
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: failed to open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1) // sqlite supports only one writer at a time

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("store: failed to initialize gorm with sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("store: failed to open postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("store: failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		drvName = "postgres"

	default:
		return nil, fmt.Errorf("store: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("store: migrations failed: %w", err)
	}

	return database, nil
}

// Ping verifies the database connection is alive.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("store: failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate

	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}

	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("store: database migrations applied")
	return nil
}

// ─── Run accessors ─────────────────────────────────────────────────────────

func (s *gormStore) CreateRun(ctx context.Context, run model.Run) error {
	runJSON, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("store: marshal run: %w", err)
	}
	rec := RunRecord{
		RunId:        run.RunId,
		RepositoryId: run.RepositoryId,
		TaskId:       run.TaskId,
		State:        string(model.RunQueued),
		Attempt:      run.Attempt,
		RunJSON:      string(runJSON),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	return nil
}

func (s *gormStore) GetRun(ctx context.Context, runID string) (RunSnapshot, bool, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).First(&rec, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RunSnapshot{}, false, nil
	}
	if err != nil {
		return RunSnapshot{}, false, fmt.Errorf("store: get run: %w", err)
	}
	snap, err := snapshotFromRecord(rec)
	if err != nil {
		return RunSnapshot{}, false, err
	}
	return snap, true, nil
}

func snapshotFromRecord(rec RunRecord) (RunSnapshot, error) {
	var run model.Run
	if err := json.Unmarshal([]byte(rec.RunJSON), &run); err != nil {
		return RunSnapshot{}, fmt.Errorf("store: unmarshal run: %w", err)
	}
	return RunSnapshot{
		Run:               run,
		State:             model.RunState(rec.State),
		Summary:           rec.Summary,
		FailureClass:      rec.FailureClass,
		AssignedRuntimeId: rec.AssignedRuntimeId,
		CreatedAt:         rec.CreatedAt,
	}, nil
}

func (s *gormStore) UpdateRunState(ctx context.Context, runID string, state model.RunState, summary, failureClass string) error {
	result := s.db.WithContext(ctx).Model(&RunRecord{}).Where("run_id = ?", runID).Updates(map[string]any{
		"state":         string(state),
		"summary":       summary,
		"failure_class": failureClass,
	})
	if result.Error != nil {
		return fmt.Errorf("store: update run state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) AssignRuntime(ctx context.Context, runID, runtimeID string) error {
	result := s.db.WithContext(ctx).Model(&RunRecord{}).Where("run_id = ?", runID).Update("assigned_runtime_id", runtimeID)
	if result.Error != nil {
		return fmt.Errorf("store: assign runtime: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// nonTerminalStates are the run states spec.md §4.9 step 1 considers part
// of the queue head check.
var nonTerminalStates = []string{string(model.RunQueued), string(model.RunRunning), string(model.RunPendingApproval)}

// QueueHead returns the head of the task's non-terminal run queue: the
// oldest (createdAt asc, run_id asc) Queued|Running|PendingApproval run, so
// that a strict FIFO head actually advances as earlier runs complete.
func (s *gormStore) QueueHead(ctx context.Context, taskID string) (string, bool, error) {
	var rec RunRecord
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND state IN ?", taskID, nonTerminalStates).
		Order("created_at ASC, run_id ASC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: queue head: %w", err)
	}
	return rec.RunId, true, nil
}

// ListQueuedTaskIds returns the distinct TaskIds with at least one
// non-terminal run, for the reconciliation loop to re-drive QueueHead on
// each tick (picking up runs deferred for capacity on a prior pass).
func (s *gormStore) ListQueuedTaskIds(ctx context.Context) ([]string, error) {
	var taskIds []string
	err := s.db.WithContext(ctx).Model(&RunRecord{}).
		Where("state IN ?", nonTerminalStates).
		Distinct("task_id").
		Pluck("task_id", &taskIds).Error
	if err != nil {
		return nil, fmt.Errorf("store: list queued task ids: %w", err)
	}
	return taskIds, nil
}

func (s *gormStore) CountQueuedGlobal(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&RunRecord{}).Where("state = ?", string(model.RunQueued)).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: count queued: %w", err)
	}
	return int(n), nil
}

func (s *gormStore) CountActiveGlobal(ctx context.Context) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&RunRecord{}).Where("state = ?", string(model.RunRunning)).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: count active: %w", err)
	}
	return int(n), nil
}

func (s *gormStore) CountActiveForRepository(ctx context.Context, repositoryID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&RunRecord{}).
		Where("repository_id = ? AND state = ?", repositoryID, string(model.RunRunning)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: count active for repository: %w", err)
	}
	return int(n), nil
}

// ─── Task accessors ─────────────────────────────────────────────────────────

func (s *gormStore) GetTask(ctx context.Context, taskID string) (model.Task, bool, error) {
	var rec TaskRecord
	err := s.db.WithContext(ctx).First(&rec, "task_id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Task{}, false, nil
	}
	if err != nil {
		return model.Task{}, false, fmt.Errorf("store: get task: %w", err)
	}
	task, err := taskFromRecord(rec)
	if err != nil {
		return model.Task{}, false, err
	}
	return task, true, nil
}

func (s *gormStore) ListScheduledTasks(ctx context.Context) ([]model.Task, error) {
	var recs []TaskRecord
	if err := s.db.WithContext(ctx).Where("schedule <> ''").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: list scheduled tasks: %w", err)
	}
	tasks := make([]model.Task, 0, len(recs))
	for _, rec := range recs {
		t, err := taskFromRecord(rec)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func taskFromRecord(rec TaskRecord) (model.Task, error) {
	var instructions []model.Instruction
	if rec.InstructionsJSON != "" {
		if err := json.Unmarshal([]byte(rec.InstructionsJSON), &instructions); err != nil {
			return model.Task{}, fmt.Errorf("store: unmarshal task instructions: %w", err)
		}
	}
	return model.Task{
		TaskId:           rec.TaskId,
		RepositoryId:     rec.RepositoryId,
		Name:             rec.Name,
		Prompt:           rec.Prompt,
		HarnessType:      model.HarnessType(rec.HarnessType),
		DefaultMode:      model.ExecutionMode(rec.DefaultMode),
		ConcurrencyLimit: rec.ConcurrencyLimit,
		ApprovalProfile:  model.ApprovalProfile{RequireApproval: rec.RequireApproval},
		Schedule:         rec.Schedule,
		ModeOverride:     rec.ModeOverride,
		HarnessModel:     rec.HarnessModel,
		Temperature:      rec.Temperature,
		MaxTokens:        rec.MaxTokens,
		Instructions:     instructions,
	}, nil
}

func (s *gormStore) UpsertTask(ctx context.Context, task model.Task) error {
	instructionsJSON, err := json.Marshal(task.Instructions)
	if err != nil {
		return fmt.Errorf("store: marshal task instructions: %w", err)
	}
	rec := TaskRecord{
		TaskId:           task.TaskId,
		RepositoryId:     task.RepositoryId,
		Name:             task.Name,
		Prompt:           task.Prompt,
		HarnessType:      string(task.HarnessType),
		DefaultMode:      string(task.DefaultMode),
		ConcurrencyLimit: task.ConcurrencyLimit,
		RequireApproval:  task.ApprovalProfile.RequireApproval,
		Schedule:         task.Schedule,
		ModeOverride:     task.ModeOverride,
		HarnessModel:     task.HarnessModel,
		Temperature:      task.Temperature,
		MaxTokens:        task.MaxTokens,
		InstructionsJSON: string(instructionsJSON),
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("store: upsert task: %w", err)
	}
	return nil
}

// ─── Repository accessors ──────────────────────────────────────────────────

func (s *gormStore) GetRepository(ctx context.Context, repositoryID string) (model.Repository, bool, error) {
	var rec RepositoryRecord
	err := s.db.WithContext(ctx).First(&rec, "repository_id = ?", repositoryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Repository{}, false, nil
	}
	if err != nil {
		return model.Repository{}, false, fmt.Errorf("store: get repository: %w", err)
	}

	var instructions []model.Instruction
	if rec.InstructionsJSON != "" {
		if err := json.Unmarshal([]byte(rec.InstructionsJSON), &instructions); err != nil {
			return model.Repository{}, false, fmt.Errorf("store: unmarshal repository instructions: %w", err)
		}
	}
	return model.Repository{
		RepositoryId:  rec.RepositoryId,
		CloneUrl:      rec.CloneUrl,
		DefaultBranch: rec.DefaultBranch,
		Instructions:  instructions,
	}, true, nil
}

func (s *gormStore) UpsertRepository(ctx context.Context, repo model.Repository) error {
	instructionsJSON, err := json.Marshal(repo.Instructions)
	if err != nil {
		return fmt.Errorf("store: marshal repository instructions: %w", err)
	}
	rec := RepositoryRecord{
		RepositoryId:     repo.RepositoryId,
		CloneUrl:         repo.CloneUrl,
		DefaultBranch:    repo.DefaultBranch,
		InstructionsJSON: string(instructionsJSON),
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("store: upsert repository: %w", err)
	}
	return nil
}

// ─── Secret accessors ───────────────────────────────────────────────────────

// ListSecrets returns every secret scoped to repositoryID plus every global
// secret (RepositoryId == ""), per spec.md §4.9 step 7's provider-keyed
// materialization input.
func (s *gormStore) ListSecrets(ctx context.Context, repositoryID string) ([]model.Secret, error) {
	var recs []SecretRecord
	err := s.db.WithContext(ctx).
		Where("repository_id = ? OR repository_id = ''", repositoryID).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list secrets: %w", err)
	}
	secrets := make([]model.Secret, 0, len(recs))
	for _, rec := range recs {
		secrets = append(secrets, model.Secret{
			SecretId:     rec.SecretId,
			Provider:     model.SecretProvider(rec.Provider),
			RepositoryId: rec.RepositoryId,
			Value:        string(rec.Value),
		})
	}
	return secrets, nil
}

func (s *gormStore) UpsertSecret(ctx context.Context, secret model.Secret) error {
	rec := SecretRecord{
		SecretId:     secret.SecretId,
		Provider:     string(secret.Provider),
		RepositoryId: secret.RepositoryId,
		Value:        EncryptedString(secret.Value),
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("store: upsert secret: %w", err)
	}
	return nil
}
