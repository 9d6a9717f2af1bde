// Package reconciler drives the two periodic background passes the
// dispatcher and lifecycle manager depend on but cannot trigger themselves:
// retrying queue heads deferred for capacity, and sweeping/reconciling
// runtime liveness (spec.md §4.9 step 3's "retried on the next queue-head
// pass" and §4.10's staleness/orphan-container cleanup). Grounded on the
// teacher's own ticker-driven background loops (websocket.Client's
// ping/pong ticker, scheduler's gocron tick) generalized to plain
// time.Ticker loops since there is no cron expression involved here — just
// fixed-interval housekeeping.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/controlplane/internal/dispatcher"
	"github.com/agentforge/orchestrator/controlplane/internal/lifecycle"
	"github.com/agentforge/orchestrator/controlplane/internal/metrics"
	"github.com/agentforge/orchestrator/controlplane/internal/store"
)

// Config controls the reconciler's tick intervals and runtime staleness
// threshold.
type Config struct {
	// QueueRetryInterval is how often deferred queue heads are re-driven
	// through the dispatcher.
	QueueRetryInterval time.Duration

	// LifecycleSweepInterval is how often SweepStale and Reconcile run
	// against the lifecycle manager.
	LifecycleSweepInterval time.Duration

	// StaleThreshold is passed to lifecycle.Manager.SweepStale.
	StaleThreshold time.Duration
}

// Reconciler runs the two background passes in their own goroutines.
type Reconciler struct {
	cfg        Config
	st         store.Store
	dispatcher *dispatcher.Dispatcher
	lifecycle  *lifecycle.Manager
	logger     *zap.Logger
}

// New creates a Reconciler. Call Run in a goroutine to start both passes.
func New(cfg Config, st store.Store, d *dispatcher.Dispatcher, lifecycleMgr *lifecycle.Manager, logger *zap.Logger) *Reconciler {
	return &Reconciler{cfg: cfg, st: st, dispatcher: d, lifecycle: lifecycleMgr, logger: logger.Named("reconciler")}
}

// Run blocks, ticking both passes until ctx is cancelled. Intended to be
// started with `go reconciler.Run(ctx)`.
func (r *Reconciler) Run(ctx context.Context) {
	queueTicker := time.NewTicker(r.cfg.QueueRetryInterval)
	defer queueTicker.Stop()

	sweepTicker := time.NewTicker(r.cfg.LifecycleSweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-queueTicker.C:
			r.retryQueueHeads(ctx)
		case <-sweepTicker.C:
			r.sweepLifecycle(ctx)
		}
	}
}

// retryQueueHeads re-drives Dispatch for every task with a pending
// non-terminal run. This is how a run deferred earlier for exhausted
// global/per-repository concurrency or a fully-leased runtime pool
// eventually gets dispatched once capacity frees up — Dispatch itself never
// self-schedules a retry.
func (r *Reconciler) retryQueueHeads(ctx context.Context) {
	taskIds, err := r.st.ListQueuedTaskIds(ctx)
	if err != nil {
		r.logger.Error("failed to list queued task ids", zap.Error(err))
		return
	}

	metrics.QueuedRuns.Set(float64(len(taskIds)))

	for _, taskId := range taskIds {
		runId, ok, err := r.st.QueueHead(ctx, taskId)
		if err != nil {
			r.logger.Error("failed to load queue head", zap.String("task_id", taskId), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		snap, ok, err := r.st.GetRun(ctx, runId)
		if err != nil {
			r.logger.Error("failed to load queued run", zap.String("run_id", runId), zap.Error(err))
			continue
		}
		if !ok || snap.State != "Queued" {
			continue // already past admission (e.g. PendingApproval, Running)
		}

		task, ok, err := r.st.GetTask(ctx, snap.Run.TaskId)
		if err != nil || !ok {
			r.logger.Warn("skipping retry: task no longer resolvable", zap.String("run_id", runId), zap.Error(err))
			continue
		}
		repository, ok, err := r.st.GetRepository(ctx, snap.Run.RepositoryId)
		if err != nil || !ok {
			r.logger.Warn("skipping retry: repository no longer resolvable", zap.String("run_id", runId), zap.Error(err))
			continue
		}

		if _, err := r.dispatcher.Dispatch(ctx, repository, task, snap.Run); err != nil {
			r.logger.Error("retry dispatch failed", zap.String("run_id", runId), zap.Error(err))
		}
	}
}

// sweepLifecycle marks unresponsive runtimes Faulted and force-stops any
// worker-reported container whose run is no longer active in the store.
func (r *Reconciler) sweepLifecycle(ctx context.Context) {
	faulted := r.lifecycle.SweepStale(time.Now())
	for _, runtimeId := range faulted {
		r.logger.Warn("runtime marked faulted on stale heartbeat", zap.String("runtime_id", runtimeId))
	}
	metrics.ActiveRuntimes.Set(float64(r.lifecycle.Count()))

	activeRunIds, err := r.activeRunIdSet(ctx)
	if err != nil {
		r.logger.Error("failed to build active run id set", zap.Error(err))
		return
	}

	stopped := r.lifecycle.Reconcile(ctx, activeRunIds)
	if stopped > 0 {
		r.logger.Info("reconciled orphan containers", zap.Int("stopped", stopped))
	}
}

func (r *Reconciler) activeRunIdSet(ctx context.Context) (map[string]bool, error) {
	taskIds, err := r.st.ListQueuedTaskIds(ctx)
	if err != nil {
		return nil, err
	}

	active := make(map[string]bool)
	for _, taskId := range taskIds {
		runId, ok, err := r.st.QueueHead(ctx, taskId)
		if err != nil {
			return nil, err
		}
		if ok {
			active[runId] = true
		}
	}
	return active, nil
}
