// Package tasksched fires scheduled tasks (spec.md §4.9a) on their cron
// expression. Grounded on the teacher's scheduler.Scheduler: gocron wiring
// with WithSingletonMode(LimitModeReschedule) so an overrunning tick is
// skipped rather than overlapped, repointed from backup-policy jobs to
// Task.Schedule firing a fresh run through the dispatcher's queue-head
// check and admission pipeline.
package tasksched

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/controlplane/internal/store"
	"github.com/agentforge/orchestrator/wire/model"
)

// Dispatch is the function the scheduler calls on every firing; it is
// satisfied by (*dispatcher.Dispatcher).Dispatch, kept as a narrow
// interface here so tasksched does not import dispatcher directly.
type Dispatch func(ctx context.Context, repository model.Repository, task model.Task, run model.Run) (bool, error)

// Scheduler wraps gocron and fires Task.Schedule entries. The zero value is
// not usable — create instances with New.
type Scheduler struct {
	cron     gocron.Scheduler
	st       store.Store
	dispatch Dispatch
	logger   *zap.Logger
}

// New creates and configures a Scheduler. Call Start to begin firing.
func New(st store.Store, dispatch Dispatch, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("tasksched: failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{cron: cron, st: st, dispatch: dispatch, logger: logger.Named("tasksched")}, nil
}

// Start loads every task with a non-empty Schedule and registers it as a
// gocron job, then starts the underlying scheduler. Call once at startup,
// after the store is ready.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.st.ListScheduledTasks(ctx)
	if err != nil {
		return fmt.Errorf("tasksched: failed to load scheduled tasks: %w", err)
	}
	for i := range tasks {
		if err := s.addJob(tasks[i]); err != nil {
			s.logger.Error("failed to schedule task",
				zap.String("task_id", tasks[i].TaskId), zap.Error(err))
		}
	}
	s.logger.Info("task scheduler started", zap.Int("tasks_scheduled", len(tasks)))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying scheduler, waiting for any
// in-flight firing to complete.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("tasksched: shutdown error: %w", err)
	}
	s.logger.Info("task scheduler stopped")
	return nil
}

// AddTask registers a newly created or rescheduled task. Safe to call
// while the scheduler is running.
func (s *Scheduler) AddTask(task model.Task) error {
	if err := s.addJob(task); err != nil {
		return fmt.Errorf("tasksched: failed to add task %s: %w", task.TaskId, err)
	}
	s.logger.Info("task added to scheduler", zap.String("task_id", task.TaskId), zap.String("schedule", task.Schedule))
	return nil
}

// RemoveTask removes a task from the scheduler. Safe to call while the
// scheduler is running.
func (s *Scheduler) RemoveTask(taskId string) {
	s.cron.RemoveByTags(taskId)
	s.logger.Info("task removed from scheduler", zap.String("task_id", taskId))
}

// UpdateTask reschedules a task whose cron expression or schedule
// enablement has changed.
func (s *Scheduler) UpdateTask(task model.Task) error {
	s.cron.RemoveByTags(task.TaskId)
	if task.Schedule == "" {
		s.logger.Info("task has no schedule, not re-registered", zap.String("task_id", task.TaskId))
		return nil
	}
	return s.AddTask(task)
}

func (s *Scheduler) addJob(task model.Task) error {
	if task.Schedule == "" {
		return nil
	}
	_, err := s.cron.NewJob(
		gocron.CronJob(task.Schedule, false),
		gocron.NewTask(func(taskId string) { s.fire(taskId) }, task.TaskId),
		gocron.WithTags(task.TaskId),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for task %s (schedule %q): %w", task.TaskId, task.Schedule, err)
	}
	return nil
}

// fire is the core execution unit called by gocron on each tick. It
// re-fetches the task and repository at tick time (not from a closure
// snapshot, which could be stale), mints a fresh run, and hands it to the
// dispatcher's queue-head/admission pipeline — the same path a
// caller-triggered run takes.
func (s *Scheduler) fire(taskId string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	task, ok, err := s.st.GetTask(ctx, taskId)
	if err != nil {
		s.logger.Error("failed to load task at tick time", zap.String("task_id", taskId), zap.Error(err))
		return
	}
	if !ok {
		s.logger.Warn("scheduled task no longer exists, skipping", zap.String("task_id", taskId))
		return
	}

	repository, ok, err := s.st.GetRepository(ctx, task.RepositoryId)
	if err != nil {
		s.logger.Error("failed to load repository at tick time",
			zap.String("task_id", taskId), zap.String("repository_id", task.RepositoryId), zap.Error(err))
		return
	}
	if !ok {
		s.logger.Warn("scheduled task's repository no longer exists, skipping", zap.String("task_id", taskId))
		return
	}

	run := model.Run{
		RunId:        uuid.NewString(),
		RepositoryId: task.RepositoryId,
		TaskId:       task.TaskId,
		HarnessType:  task.HarnessType,
		Mode:         task.DefaultMode,
		Attempt:      1,
		DispatchedAt: time.Now(),
	}

	if err := s.st.CreateRun(ctx, run); err != nil {
		s.logger.Error("failed to create run for scheduled task", zap.String("task_id", taskId), zap.Error(err))
		return
	}

	accepted, err := s.dispatch(ctx, repository, task, run)
	if err != nil {
		s.logger.Error("dispatch failed for scheduled run",
			zap.String("task_id", taskId), zap.String("run_id", run.RunId), zap.Error(err))
		return
	}
	if !accepted {
		s.logger.Info("scheduled run left queued, will be picked up by the next queue-head pass",
			zap.String("task_id", taskId), zap.String("run_id", run.RunId))
		return
	}
	s.logger.Info("scheduled run fired", zap.String("task_id", taskId), zap.String("run_id", run.RunId))
}
