// Package dispatcher implements the control plane's admission, runtime
// selection, and dispatch logic for runs (spec.md §4.9). Grounded directly
// on the teacher's scheduler.dispatch/buildEnv/buildRepoURL (decrypted
// secret-to-env materialization, per-destination-type payload construction)
// — the strongest single grounding source in the corpus for this component
// — repointed from restic backup destinations to harness runs.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/controlplane/internal/lifecycle"
	"github.com/agentforge/orchestrator/controlplane/internal/metrics"
	"github.com/agentforge/orchestrator/controlplane/internal/store"
	"github.com/agentforge/orchestrator/wire/model"
	"github.com/agentforge/orchestrator/wire/redact"
	"github.com/agentforge/orchestrator/wire/rpc"
)

// Config bounds admission control and default scheduling policy, per
// spec.md §4.9 step 3 and step 5.
type Config struct {
	MaxQueueDepth           int
	MaxGlobalConcurrentRuns int
	PerRepoConcurrencyLimit int
	DefaultTaskParallelRuns int
}

// Dispatcher owns the admission and dispatch decision for a run. It never
// mutates model.Run after construction — only the RunRecord's RunState
// bookkeeping fields in the store.
type Dispatcher struct {
	cfg       Config
	st        store.Store
	lifecycle *lifecycle.Manager
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(cfg Config, st store.Store, lifecycleMgr *lifecycle.Manager, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, st: st, lifecycle: lifecycleMgr, logger: logger.Named("dispatcher")}
}

// Dispatch drives one run through the eight-step admission/dispatch
// pipeline described in spec.md §4.9. It returns accepted=true only once
// the run has reached a definitive outcome for this call (PendingApproval,
// Running, or a terminal Failed); accepted=false means the run remains
// Queued and should be retried on the next queue-head pass (deferred for
// capacity, or because it is not yet the head of its task's queue).
func (d *Dispatcher) Dispatch(ctx context.Context, repository model.Repository, task model.Task, run model.Run) (accepted bool, err error) {
	if run.RunId == "" {
		return false, fmt.Errorf("dispatcher: %w: empty RunId", errInvalidArgument)
	}

	start := time.Now()
	defer func() {
		metrics.DispatchLatencySeconds.Observe(time.Since(start).Seconds())
		metrics.DispatchOutcomesTotal.WithLabelValues(dispatchOutcome(accepted, err)).Inc()
	}()

	// redactor masks secret values and clone-URL userinfo out of every
	// summary this call stores or logs (spec.md §7). It starts empty (still
	// catching basic-auth userinfo) and is reseeded with the run's actual
	// secret values once they are materialized in step 7.
	redactor := redact.New()

	// Step 1: queue head check.
	head, ok, err := d.st.QueueHead(ctx, task.TaskId)
	if err != nil {
		return false, fmt.Errorf("dispatcher: queue head check: %w", err)
	}
	if !ok || head != run.RunId {
		return false, nil
	}

	// Step 2: approval gate.
	if task.ApprovalProfile.RequireApproval {
		if err := d.st.UpdateRunState(ctx, run.RunId, model.RunPendingApproval, "awaiting approval", ""); err != nil {
			return false, fmt.Errorf("dispatcher: transition to PendingApproval: %w", err)
		}
		d.logger.Info("run pending approval", zap.String("run_id", run.RunId), zap.String("task_id", task.TaskId))
		return true, nil
	}

	// Step 3: admission.
	queued, err := d.st.CountQueuedGlobal(ctx)
	if err != nil {
		return false, fmt.Errorf("dispatcher: count queued: %w", err)
	}
	if d.cfg.MaxQueueDepth > 0 && queued > d.cfg.MaxQueueDepth {
		return d.fail(ctx, run.RunId, "AdmissionControl", redactor.String("queue depth exceeded"))
	}

	globalActive, err := d.st.CountActiveGlobal(ctx)
	if err != nil {
		return false, fmt.Errorf("dispatcher: count active global: %w", err)
	}
	if d.cfg.MaxGlobalConcurrentRuns > 0 && globalActive >= d.cfg.MaxGlobalConcurrentRuns {
		return false, nil // defer
	}

	repoActive, err := d.st.CountActiveForRepository(ctx, run.RepositoryId)
	if err != nil {
		return false, fmt.Errorf("dispatcher: count active for repository: %w", err)
	}
	if d.cfg.PerRepoConcurrencyLimit > 0 && repoActive >= d.cfg.PerRepoConcurrencyLimit {
		return false, nil // defer
	}

	// Step 4: clone-URL normalization.
	cloneURL, err := NormalizeCloneURL(repository.CloneUrl)
	if err != nil {
		return d.fail(ctx, run.RunId, "InvalidRepositoryUrl", redactor.String(err.Error()))
	}
	run.CloneUrl = cloneURL
	if run.Branch == "" {
		run.Branch = repository.DefaultBranch
	}

	// Step 5: runtime selection.
	slots := task.ConcurrencyLimit
	if slots <= 0 {
		slots = d.cfg.DefaultTaskParallelRuns
	}
	lease, ok := d.lifecycle.AcquireLease(run.RepositoryId, run.TaskId, slots)
	if !ok {
		return false, nil // defer
	}

	// Step 6: prompt composition.
	run.Instruction = ComposePrompt(repository, task)

	// Step 7: env & secret materialization.
	secrets, err := d.st.ListSecrets(ctx, run.RepositoryId)
	if err != nil {
		d.lifecycle.ReleaseSlots(lease.RuntimeId, slots)
		return false, fmt.Errorf("dispatcher: list secrets: %w", err)
	}
	run.EnvironmentVars = BuildEnv(repository, task, run, secrets)
	redactor = redact.FromMap(run.EnvironmentVars)

	// Step 8: dispatch RPC.
	req := &rpc.DispatchJobRequest{
		RunId:        run.RunId,
		RepositoryId: run.RepositoryId,
		TaskId:       run.TaskId,
		HarnessType:  string(run.HarnessType),
		CloneUrl:     run.CloneUrl,
		Instruction:  run.Instruction,
		Run:          run,
	}
	reply, err := lease.Client.DispatchJob(ctx, req)
	if err != nil {
		d.lifecycle.ReleaseSlots(lease.RuntimeId, slots)
		return d.fail(ctx, run.RunId, "", redactor.String(fmt.Sprintf("Dispatch failed: %v", err)))
	}
	if !reply.Success {
		d.lifecycle.ReleaseSlots(lease.RuntimeId, slots)
		return d.fail(ctx, run.RunId, "", redactor.String(fmt.Sprintf("Dispatch failed: %s", reply.ErrorMessage)))
	}

	if err := d.st.AssignRuntime(ctx, run.RunId, lease.RuntimeId); err != nil {
		d.logger.Warn("failed to record assigned runtime", zap.String("run_id", run.RunId), zap.Error(err))
	}
	if err := d.st.UpdateRunState(ctx, run.RunId, model.RunRunning, "", ""); err != nil {
		return false, fmt.Errorf("dispatcher: transition to Running: %w", err)
	}
	d.logger.Info("run dispatched",
		zap.String("run_id", run.RunId),
		zap.String("runtime_id", lease.RuntimeId),
		zap.Int64("dispatched_at_ms", reply.DispatchedAt),
	)
	return true, nil
}

func (d *Dispatcher) fail(ctx context.Context, runId, failureClass, summary string) (bool, error) {
	if err := d.st.UpdateRunState(ctx, runId, model.RunFailed, summary, failureClass); err != nil {
		return false, fmt.Errorf("dispatcher: transition to Failed: %w", err)
	}
	d.logger.Warn("run failed at dispatch", zap.String("run_id", runId), zap.String("summary", summary))
	return true, nil
}

// Cancel implements the cancel path: load the run; if unassigned or the
// worker is unavailable, log-and-skip (the reconciliation loop cleans up).
// Otherwise call StopJob on the worker's RPC.
func (d *Dispatcher) Cancel(ctx context.Context, runId string) error {
	snap, ok, err := d.st.GetRun(ctx, runId)
	if err != nil {
		return fmt.Errorf("dispatcher: get run: %w", err)
	}
	if !ok {
		return nil
	}
	if snap.State.IsTerminal() {
		return nil
	}
	if snap.AssignedRuntimeId == "" {
		d.logger.Info("cancel: run unassigned, relying on reconciliation", zap.String("run_id", runId))
		return d.st.UpdateRunState(ctx, runId, model.RunCancelled, "cancelled before dispatch", "")
	}

	client, ok := d.lifecycle.ClientFor(snap.AssignedRuntimeId)
	if !ok {
		d.logger.Info("cancel: worker unavailable, relying on reconciliation",
			zap.String("run_id", runId), zap.String("runtime_id", snap.AssignedRuntimeId))
		return d.st.UpdateRunState(ctx, runId, model.RunCancelled, "cancelled; worker unreachable", "")
	}

	reply, err := client.StopJob(ctx, &rpc.StopJobRequest{RunId: runId})
	if err != nil {
		d.logger.Warn("cancel: StopJob RPC failed", zap.String("run_id", runId), zap.Error(err))
		return nil
	}
	if !reply.Success {
		d.logger.Warn("cancel: StopJob reported failure", zap.String("run_id", runId), zap.String("reason", reply.ErrorMessage))
	}
	return d.st.UpdateRunState(ctx, runId, model.RunCancelled, "cancelled", "")
}

func dispatchOutcome(accepted bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case accepted:
		return "accepted"
	default:
		return "deferred"
	}
}

var errInvalidArgument = errors.New("InvalidArgument")
