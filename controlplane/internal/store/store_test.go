package store

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/wire/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := New(Config{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := model.Run{
		RunId:        "run-1",
		RepositoryId: "repo-1",
		TaskId:       "task-1",
		HarnessType:  model.HarnessCodex,
		Mode:         model.ModeDefault,
		Attempt:      1,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	snap, ok, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !ok {
		t.Fatalf("GetRun: expected run to exist")
	}
	if snap.State != model.RunQueued {
		t.Fatalf("GetRun: expected state %q, got %q", model.RunQueued, snap.State)
	}
	if snap.Run.RepositoryId != "repo-1" {
		t.Fatalf("GetRun: expected repository id %q, got %q", "repo-1", snap.Run.RepositoryId)
	}

	if _, ok, err := s.GetRun(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetRun(missing): got ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestUpdateRunStateUnknownRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.UpdateRunState(ctx, "does-not-exist", model.RunSucceeded, "ok", "")
	if err != ErrNotFound {
		t.Fatalf("UpdateRunState: expected ErrNotFound, got %v", err)
	}
}

func TestQueueHeadOrdersOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"run-a", "run-b", "run-c"} {
		run := model.Run{RunId: id, TaskId: "task-1", Attempt: 1}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun(%s): %v", id, err)
		}
	}

	// run-a was inserted first and remains the head while non-terminal.
	head, ok, err := s.QueueHead(ctx, "task-1")
	if err != nil {
		t.Fatalf("QueueHead: %v", err)
	}
	if !ok || head != "run-a" {
		t.Fatalf("QueueHead: expected run-a, got %q (ok=%v)", head, ok)
	}

	if err := s.UpdateRunState(ctx, "run-a", model.RunSucceeded, "done", ""); err != nil {
		t.Fatalf("UpdateRunState(run-a): %v", err)
	}

	head, ok, err = s.QueueHead(ctx, "task-1")
	if err != nil {
		t.Fatalf("QueueHead: %v", err)
	}
	if !ok || head != "run-b" {
		t.Fatalf("QueueHead after run-a terminal: expected run-b, got %q (ok=%v)", head, ok)
	}
}

func TestListQueuedTaskIds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	runs := []model.Run{
		{RunId: "run-a", TaskId: "task-1", Attempt: 1},
		{RunId: "run-b", TaskId: "task-2", Attempt: 1},
		{RunId: "run-c", TaskId: "task-2", Attempt: 1},
	}
	for _, run := range runs {
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun(%s): %v", run.RunId, err)
		}
	}

	taskIds, err := s.ListQueuedTaskIds(ctx)
	if err != nil {
		t.Fatalf("ListQueuedTaskIds: %v", err)
	}
	if len(taskIds) != 2 {
		t.Fatalf("ListQueuedTaskIds: expected 2 distinct task ids, got %v", taskIds)
	}

	if err := s.UpdateRunState(ctx, "run-b", model.RunSucceeded, "done", ""); err != nil {
		t.Fatalf("UpdateRunState(run-b): %v", err)
	}
	if err := s.UpdateRunState(ctx, "run-c", model.RunSucceeded, "done", ""); err != nil {
		t.Fatalf("UpdateRunState(run-c): %v", err)
	}

	taskIds, err = s.ListQueuedTaskIds(ctx)
	if err != nil {
		t.Fatalf("ListQueuedTaskIds: %v", err)
	}
	if len(taskIds) != 1 || taskIds[0] != "task-1" {
		t.Fatalf("ListQueuedTaskIds after task-2 drained: expected [task-1], got %v", taskIds)
	}
}

func TestCountActiveForRepository(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.CreateRun(ctx, model.Run{RunId: "run-1", RepositoryId: "repo-1", TaskId: "task-1", Attempt: 1}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.UpdateRunState(ctx, "run-1", model.RunRunning, "", ""); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}

	n, err := s.CountActiveForRepository(ctx, "repo-1")
	if err != nil {
		t.Fatalf("CountActiveForRepository: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountActiveForRepository: expected 1, got %d", n)
	}

	n, err = s.CountActiveForRepository(ctx, "repo-other")
	if err != nil {
		t.Fatalf("CountActiveForRepository: %v", err)
	}
	if n != 0 {
		t.Fatalf("CountActiveForRepository(repo-other): expected 0, got %d", n)
	}
}

func TestUpsertTaskAndListScheduled(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	temp := 0.4
	maxTokens := 8192
	scheduled := model.Task{
		TaskId:       "task-1",
		RepositoryId: "repo-1",
		Name:         "nightly cleanup",
		HarnessType:  model.HarnessCodex,
		DefaultMode:  model.ModeDefault,
		Schedule:     "0 2 * * *",
		Temperature:  &temp,
		MaxTokens:    &maxTokens,
		Instructions: []model.Instruction{{Name: "style", Body: "use tabs", Priority: 1, Order: 0}},
	}
	unscheduled := model.Task{TaskId: "task-2", RepositoryId: "repo-1", Name: "manual only"}

	if err := s.UpsertTask(ctx, scheduled); err != nil {
		t.Fatalf("UpsertTask(scheduled): %v", err)
	}
	if err := s.UpsertTask(ctx, unscheduled); err != nil {
		t.Fatalf("UpsertTask(unscheduled): %v", err)
	}

	got, ok, err := s.GetTask(ctx, "task-1")
	if err != nil || !ok {
		t.Fatalf("GetTask: ok=%v err=%v", ok, err)
	}
	if len(got.Instructions) != 1 || got.Instructions[0].Name != "style" {
		t.Fatalf("GetTask: instructions not round-tripped, got %+v", got.Instructions)
	}
	if got.Temperature == nil || *got.Temperature != 0.4 {
		t.Fatalf("GetTask: temperature not round-tripped, got %+v", got.Temperature)
	}
	if got.MaxTokens == nil || *got.MaxTokens != 8192 {
		t.Fatalf("GetTask: max tokens not round-tripped, got %+v", got.MaxTokens)
	}

	tasks, err := s.ListScheduledTasks(ctx)
	if err != nil {
		t.Fatalf("ListScheduledTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].TaskId != "task-1" {
		t.Fatalf("ListScheduledTasks: expected only task-1, got %+v", tasks)
	}
}

func TestListSecretsScopesGlobalAndRepository(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := InitEncryption([]byte("01234567890123456789012345678901")); err != nil {
		t.Fatalf("InitEncryption: %v", err)
	}

	global := model.Secret{SecretId: "sec-global", Provider: model.SecretGitHub, Value: "ghp_global"}
	scoped := model.Secret{SecretId: "sec-repo1", Provider: model.SecretGitHub, RepositoryId: "repo-1", Value: "ghp_repo1"}
	other := model.Secret{SecretId: "sec-repo2", Provider: model.SecretGitHub, RepositoryId: "repo-2", Value: "ghp_repo2"}

	for _, sec := range []model.Secret{global, scoped, other} {
		if err := s.UpsertSecret(ctx, sec); err != nil {
			t.Fatalf("UpsertSecret(%s): %v", sec.SecretId, err)
		}
	}

	secrets, err := s.ListSecrets(ctx, "repo-1")
	if err != nil {
		t.Fatalf("ListSecrets: %v", err)
	}
	if len(secrets) != 2 {
		t.Fatalf("ListSecrets(repo-1): expected 2 secrets (global + repo-1), got %d", len(secrets))
	}
}
