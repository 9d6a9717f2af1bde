// Package lifecycle maintains the control plane's in-memory registry of
// task-runtime workers: lease acquisition, heartbeat processing, draining,
// and reconciliation against each worker's own view of its containers
// (spec.md §4.10). Grounded on the teacher's agentmanager.Manager — an
// RWMutex-guarded in-memory registry dispatching over live connections —
// extended with slot reservation and heartbeat staleness since a task
// runtime (unlike a backup agent) has a server-selected lease, not a
// client-initiated stream.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/agentforge/orchestrator/wire/model"
	"github.com/agentforge/orchestrator/wire/rpc"
)

// Lease is the outcome of a successful AcquireLease call: the selected
// runtime plus a ready-to-use RPC client dialed against its grpc endpoint.
type Lease struct {
	RuntimeId string
	Client    rpc.WorkerServiceClient
}

// entry is the manager's internal bookkeeping record for one runtime,
// wrapping model.TaskRuntimeInstance with the live client connection.
type entry struct {
	instance model.TaskRuntimeInstance
	conn     *grpc.ClientConn
	client   rpc.WorkerServiceClient
	draining bool
}

// Manager is the control plane's registry of task-runtime workers. The
// zero value is not usable — create instances with New.
type Manager struct {
	mu             sync.RWMutex
	runtimes       map[string]*entry
	staleThreshold time.Duration
	dial           func(endpoint string) (*grpc.ClientConn, error)
	logger         *zap.Logger
}

// New creates a Manager. staleThreshold is runtimeHeartbeatStaleSeconds
// from spec.md §4.10.
func New(staleThreshold time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		runtimes:       make(map[string]*entry),
		staleThreshold: staleThreshold,
		dial:           dialInsecure,
		logger:         logger.Named("lifecycle"),
	}
}

func dialInsecure(endpoint string) (*grpc.ClientConn, error) {
	return grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
	)
}

// Register adds or replaces a runtime in the registry, dialing its grpc
// endpoint. Called once per worker at startup/reconnect, and again whenever
// a worker's GrpcEndpoint changes.
func (m *Manager) Register(instance model.TaskRuntimeInstance) error {
	conn, err := m.dial(instance.GrpcEndpoint)
	if err != nil {
		return fmt.Errorf("lifecycle: dial %s: %w", instance.GrpcEndpoint, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, exists := m.runtimes[instance.RuntimeId]; exists && old.conn != nil {
		old.conn.Close()
		m.logger.Warn("replacing existing runtime connection", zap.String("runtime_id", instance.RuntimeId))
	}

	instance.LifecycleState = model.RuntimeReady
	m.runtimes[instance.RuntimeId] = &entry{
		instance: instance,
		conn:     conn,
		client:   rpc.NewWorkerServiceClient(conn),
	}
	m.logger.Info("runtime registered",
		zap.String("runtime_id", instance.RuntimeId),
		zap.String("grpc_endpoint", instance.GrpcEndpoint),
		zap.Int("max_slots", instance.MaxSlots),
	)
	return nil
}

// Deregister removes a runtime from the registry and closes its connection.
func (m *Manager) Deregister(runtimeId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.runtimes[runtimeId]
	if !exists {
		return
	}
	if e.conn != nil {
		e.conn.Close()
	}
	delete(m.runtimes, runtimeId)
	m.logger.Info("runtime deregistered", zap.String("runtime_id", runtimeId))
}

// AcquireLease selects an eligible runtime with free slots, tie-broken by
// (leastLoaded, earliestDispatchTime), and reserves requestedSlots within
// the same critical section as the selection so two concurrent dispatches
// can never oversubscribe the same runtime. repositoryId/taskId are
// locality hints reserved for future affinity-aware selection; the current
// policy ignores them and selects globally.
func (m *Manager) AcquireLease(_, _ string, requestedSlots int) (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	candidates := make([]*entry, 0, len(m.runtimes))
	for _, e := range m.runtimes {
		if e.draining {
			continue
		}
		if !e.instance.Eligible(m.staleThreshold, now) {
			continue
		}
		if e.instance.MaxSlots-e.instance.ActiveSlots < requestedSlots {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return Lease{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		loadI := float64(candidates[i].instance.ActiveSlots) / float64(candidates[i].instance.MaxSlots)
		loadJ := float64(candidates[j].instance.ActiveSlots) / float64(candidates[j].instance.MaxSlots)
		if loadI != loadJ {
			return loadI < loadJ
		}
		return candidates[i].instance.LastDispatchAt.Before(candidates[j].instance.LastDispatchAt)
	})

	selected := candidates[0]
	selected.instance.ActiveSlots += requestedSlots
	selected.instance.LastDispatchAt = now

	return Lease{RuntimeId: selected.instance.RuntimeId, Client: selected.client}, true
}

// ReleaseSlots returns slots to a runtime once a run completes, fails, or
// is cancelled.
func (m *Manager) ReleaseSlots(runtimeId string, slots int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.runtimes[runtimeId]
	if !exists {
		return
	}
	e.instance.ActiveSlots -= slots
	if e.instance.ActiveSlots < 0 {
		e.instance.ActiveSlots = 0
	}
	if e.draining && e.instance.ActiveSlots == 0 {
		e.instance.LifecycleState = model.RuntimeTerminated
		m.logger.Info("runtime drained to termination", zap.String("runtime_id", runtimeId))
	}
}

// Heartbeat records the latest (activeSlots, maxSlots, timestamp) posted by
// a runtime, reviving it from Faulted back to Ready if it was stale.
func (m *Manager) Heartbeat(runtimeId string, activeSlots, maxSlots int, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.runtimes[runtimeId]
	if !exists {
		return
	}
	e.instance.ActiveSlots = activeSlots
	e.instance.MaxSlots = maxSlots
	e.instance.LastHeartbeatAt = at
	if e.instance.LifecycleState == model.RuntimeFaulted && !e.draining {
		e.instance.LifecycleState = model.RuntimeReady
		m.logger.Info("runtime recovered from faulted", zap.String("runtime_id", runtimeId))
	}
}

// SweepStale transitions every runtime whose last heartbeat exceeds
// staleThreshold to Faulted. Returns the RuntimeIds that flipped this call,
// so the caller can mark their in-flight runs eligible for redispatch once
// RunHardTimeoutSeconds also elapses (spec.md §4.10).
func (m *Manager) SweepStale(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var faulted []string
	for id, e := range m.runtimes {
		if e.instance.LifecycleState == model.RuntimeFaulted || e.instance.LifecycleState == model.RuntimeTerminated {
			continue
		}
		if now.Sub(e.instance.LastHeartbeatAt) > m.staleThreshold {
			e.instance.LifecycleState = model.RuntimeFaulted
			faulted = append(faulted, id)
			m.logger.Warn("runtime heartbeat stale, marking faulted",
				zap.String("runtime_id", id),
				zap.Duration("since_heartbeat", now.Sub(e.instance.LastHeartbeatAt)),
			)
		}
	}
	return faulted
}

// Drain forbids new leases on runtimeId. If it already has zero active
// slots, it transitions straight to Terminated; otherwise it terminates the
// next time ReleaseSlots brings ActiveSlots to zero.
func (m *Manager) Drain(runtimeId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.runtimes[runtimeId]
	if !exists {
		return
	}
	e.draining = true
	e.instance.LifecycleState = model.RuntimeDraining
	if e.instance.ActiveSlots == 0 {
		e.instance.LifecycleState = model.RuntimeTerminated
	}
	m.logger.Info("runtime drain requested", zap.String("runtime_id", runtimeId))
}

// Count returns the number of registered runtimes not in a Faulted or
// Terminated state, for the reconciler's metrics sampling.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.runtimes {
		if e.instance.LifecycleState != model.RuntimeFaulted && e.instance.LifecycleState != model.RuntimeTerminated {
			n++
		}
	}
	return n
}

// Get returns a snapshot of the named runtime's instance record.
func (m *Manager) Get(runtimeId string) (model.TaskRuntimeInstance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, exists := m.runtimes[runtimeId]
	if !exists {
		return model.TaskRuntimeInstance{}, false
	}
	return e.instance, true
}

// ClientFor returns the cached RPC client for runtimeId, used by the
// dispatcher's cancel path and by reconciliation.
func (m *Manager) ClientFor(runtimeId string) (rpc.WorkerServiceClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, exists := m.runtimes[runtimeId]
	if !exists {
		return nil, false
	}
	return e.client, true
}

// Reconcile asks every registered, non-faulted runtime for its current
// container list and force-stops any container whose orchestrator.run-id
// label is not present in activeRunIds. Returns the total number of
// containers stopped across all runtimes.
func (m *Manager) Reconcile(ctx context.Context, activeRunIds map[string]bool) int {
	m.mu.RLock()
	targets := make([]*entry, 0, len(m.runtimes))
	for _, e := range m.runtimes {
		if e.instance.LifecycleState == model.RuntimeFaulted {
			continue
		}
		targets = append(targets, e)
	}
	m.mu.RUnlock()

	reconciled := 0
	for _, e := range targets {
		reply, err := e.client.ListRuntimeContainers(ctx, &rpc.ListRuntimeContainersRequest{})
		if err != nil {
			m.logger.Warn("reconciliation: list containers failed",
				zap.String("runtime_id", e.instance.RuntimeId), zap.Error(err))
			continue
		}
		for _, c := range reply.Containers {
			if activeRunIds[c.RunId] {
				continue
			}
			if _, err := e.client.StopJob(ctx, &rpc.StopJobRequest{RunId: c.RunId}); err != nil {
				m.logger.Warn("reconciliation: force-stop failed",
					zap.String("runtime_id", e.instance.RuntimeId),
					zap.String("run_id", c.RunId), zap.Error(err))
				continue
			}
			reconciled++
			m.logger.Info("reconciliation: stopped stray container",
				zap.String("runtime_id", e.instance.RuntimeId),
				zap.String("container_id", c.ContainerId),
				zap.String("run_id", c.RunId))
		}
	}
	return reconciled
}
