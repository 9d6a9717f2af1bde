// Package rpcserver implements the worker-side RPC surface (C8): the
// control plane dials in as a client (the reverse of the teacher's
// agent-dials-server topology) and drives DispatchJob, StopJob,
// CheckHealth, the command/file-op RPCs, and the SubscribeEvents
// streaming hub. Grounded on server/internal/grpc/server.go's Server
// struct shape (constructor injection, zap field logging, one method per
// RPC) with the listener direction inverted.
package rpcserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/runtime/internal/artifact"
	"github.com/agentforge/orchestrator/runtime/internal/command"
	"github.com/agentforge/orchestrator/runtime/internal/docker"
	"github.com/agentforge/orchestrator/runtime/internal/eventbus"
	"github.com/agentforge/orchestrator/runtime/internal/harness"
	"github.com/agentforge/orchestrator/runtime/internal/metrics"
	"github.com/agentforge/orchestrator/runtime/internal/queue"
	"github.com/agentforge/orchestrator/runtime/internal/workspace"
	"github.com/agentforge/orchestrator/wire/model"
	"github.com/agentforge/orchestrator/wire/rpc"
)

// Config bounds request-driven behavior that would otherwise let a caller
// exhaust worker resources.
type Config struct {
	ReadRuntimeFileHardCap int64
	FileOpTimeout          time.Duration
	ContainerStopTimeout   time.Duration
}

// Server implements rpc.WorkerServiceServer.
type Server struct {
	cfg Config

	queue    *queue.Queue
	runtimes map[model.HarnessType]harness.Runtime
	fallback harness.Runtime // used when HarnessType has no specific registration

	commands *command.Service
	artifact *artifact.Streamer
	bus      *eventbus.Bus
	seq      *eventbus.Sequencer
	guard    *workspace.Guard
	dockerCl *docker.Client

	logger *zap.Logger
}

func New(
	cfg Config,
	q *queue.Queue,
	runtimes map[model.HarnessType]harness.Runtime,
	fallback harness.Runtime,
	commands *command.Service,
	streamer *artifact.Streamer,
	bus *eventbus.Bus,
	seq *eventbus.Sequencer,
	guard *workspace.Guard,
	dockerCl *docker.Client,
	logger *zap.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		queue:    q,
		runtimes: runtimes,
		fallback: fallback,
		commands: commands,
		artifact: streamer,
		bus:      bus,
		seq:      seq,
		guard:    guard,
		dockerCl: dockerCl,
		logger:   logger,
	}
}

// Supervise consumes admitted jobs from the queue and drives each one
// through its harness adapter, then streams any matching artifacts, until
// ctx is cancelled. Intended to run in its own goroutine from main.
func (s *Server) Supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.queue.ReadAll():
			if !ok {
				return
			}
			go s.superviseOne(job)
		}
	}
}

// executionToken disambiguates retries of the same RunId (spec §3's
// ExecutionToken, scoped per attempt).
func executionToken(run model.Run) string {
	return fmt.Sprintf("%s-attempt-%d", run.RunId, run.Attempt)
}

func (s *Server) superviseOne(job queue.Job) {
	run := job.Run
	token := executionToken(run)
	defer s.queue.MarkCompleted(run.RunId)
	defer s.seq.Reset(run.RunId, token)

	adapter, ok := s.runtimes[run.HarnessType]
	if !ok {
		adapter = s.fallback
	}
	if adapter == nil {
		s.logger.Error("rpcserver: no harness adapter registered", zap.String("harness_type", string(run.HarnessType)))
		return
	}

	ws := model.WorkspacePath{RepositoryId: run.RepositoryId, TaskId: run.TaskId}
	workspacePath, err := s.guard.WorkspaceRoot(ws)
	if err != nil {
		s.logger.Error("rpcserver: failed to resolve workspace root", zap.Error(err))
		return
	}
	if err := os.MkdirAll(workspacePath, 0o755); err != nil {
		s.logger.Error("rpcserver: failed to create workspace root", zap.Error(err))
		return
	}

	sink := runSink{bus: s.bus, seq: s.seq, executionToken: token}
	result := adapter.Run(job.Ctx, run, mergeEnv(run.EnvironmentVars, run.Secrets), workspacePath, sink)

	s.logger.Info("rpcserver: run finished",
		zap.String("run_id", run.RunId),
		zap.String("status", result.Status),
	)

	s.streamArtifacts(run, token, workspacePath)
}

func (s *Server) streamArtifacts(run model.Run, token, workspacePath string) {
	if len(run.ArtifactPatterns) == 0 {
		return
	}
	count := 0
	for _, pattern := range run.ArtifactPatterns {
		matches, err := filepath.Glob(filepath.Join(workspacePath, pattern))
		if err != nil {
			continue
		}
		for _, path := range matches {
			if run.ArtifactPolicy.MaxCount > 0 && count >= run.ArtifactPolicy.MaxCount {
				return
			}
			if err := s.artifact.StreamFile(run.RunId, run.TaskId, token, path); err != nil {
				s.logger.Warn("rpcserver: artifact stream failed", zap.String("path", path), zap.Error(err))
				continue
			}
			count++
		}
	}
}

// runSink adapts the event bus to the harness.EventSink / command.Sink /
// artifact.Sink contracts, assigning each event's sequence number at
// publish time from the run's shared per-(RunId,ExecutionToken) counter.
type runSink struct {
	bus            *eventbus.Bus
	seq            *eventbus.Sequencer
	executionToken string
}

func (r runSink) Publish(event model.JobEvent) {
	if event.ExecutionToken == "" {
		event.ExecutionToken = r.executionToken
	}
	if event.Sequence == 0 {
		event.Sequence = r.seq.Next(event.RunId, event.ExecutionToken)
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	r.bus.Publish(event)
}

func mergeEnv(env, secrets map[string]string) map[string]string {
	merged := make(map[string]string, len(env)+len(secrets))
	for k, v := range env {
		merged[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	for k, v := range secrets {
		merged[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return merged
}

// ─── DispatchJob / StopJob / CheckHealth ──────────────────────────────────

func (s *Server) DispatchJob(ctx context.Context, req *rpc.DispatchJobRequest) (*rpc.DispatchJobReply, error) {
	if req.Run.RunId == "" {
		return &rpc.DispatchJobReply{Success: false, ErrorMessage: "run_id is required"}, nil
	}
	if !s.queue.Enqueue(context.Background(), req.Run) {
		return &rpc.DispatchJobReply{Success: false, ErrorMessage: "worker at capacity"}, nil
	}
	return &rpc.DispatchJobReply{Success: true, DispatchedAt: time.Now().UnixMilli()}, nil
}

func (s *Server) StopJob(ctx context.Context, req *rpc.StopJobRequest) (*rpc.StopJobReply, error) {
	if !s.queue.Cancel(req.RunId) {
		return &rpc.StopJobReply{Success: false, ErrorMessage: "run not found"}, nil
	}
	return &rpc.StopJobReply{Success: true}, nil
}

func (s *Server) CheckHealth(ctx context.Context, req *rpc.CheckHealthRequest) (*rpc.CheckHealthReply, error) {
	snap := metrics.Collect(ctx)
	return &rpc.CheckHealthReply{
		ActiveSlots: s.queue.ActiveCount(),
		MaxSlots:    s.queue.MaxSlots(),
		CheckedAt:   time.Now().UnixMilli(),
		CpuPercent:  snap.CpuPercent,
		MemPercent:  snap.MemPercent,
		DiskPercent: snap.DiskPercent,
	}, nil
}

// ─── Command service (C6) ─────────────────────────────────────────────────

func (s *Server) StartCommand(ctx context.Context, req *rpc.StartCommandRequest) (*rpc.StartCommandReply, error) {
	commandID, err := s.commands.StartCommand(context.Background(), req.RunId, req.TaskId, req.ExecutionToken,
		req.Command, req.Args, req.WorkingDir, req.Env, req.TimeoutSeconds, req.MaxOutputBytes)
	if err != nil {
		return &rpc.StartCommandReply{Success: false, ErrorMessage: err.Error()}, nil
	}
	return &rpc.StartCommandReply{CommandId: commandID, Success: true}, nil
}

func (s *Server) CancelCommand(ctx context.Context, req *rpc.CancelCommandRequest) (*rpc.CancelCommandReply, error) {
	if err := s.commands.CancelCommand(req.CommandId); err != nil {
		return &rpc.CancelCommandReply{Success: false, ErrorMessage: err.Error()}, nil
	}
	return &rpc.CancelCommandReply{Success: true}, nil
}

func (s *Server) GetCommandStatus(ctx context.Context, req *rpc.GetCommandStatusRequest) (*rpc.GetCommandStatusReply, error) {
	state, found := s.commands.GetCommandStatus(req.CommandId)
	return &rpc.GetCommandStatusReply{Found: found, State: state}, nil
}

// ─── File ops (C2) ─────────────────────────────────────────────────────────

func (s *Server) ListRuntimeFiles(ctx context.Context, req *rpc.ListRuntimeFilesRequest) (*rpc.ListRuntimeFilesReply, error) {
	ws := model.WorkspacePath{RepositoryId: req.RepositoryId, TaskId: req.TaskId}
	dir, err := s.guard.Resolve(ws, req.RelativePath, false)
	if err != nil {
		return &rpc.ListRuntimeFilesReply{Success: false, ErrorMessage: err.Error()}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return &rpc.ListRuntimeFilesReply{Success: false, ErrorMessage: err.Error()}, nil
	}

	out := make([]model.FileEntry, 0, len(entries))
	for _, e := range entries {
		if !req.IncludeHidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, model.FileEntry{
			Name:    e.Name(),
			IsDir:   e.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime().UnixMilli(),
		})
	}
	sortEntries(out)

	return &rpc.ListRuntimeFilesReply{Success: true, Entries: out}, nil
}

// sortEntries orders directories before files, both lexicographic
// ascending case-insensitive, per spec §4.2.
func sortEntries(entries []model.FileEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}

func (s *Server) CreateRuntimeFile(ctx context.Context, req *rpc.CreateRuntimeFileRequest) (*rpc.CreateRuntimeFileReply, error) {
	ws := model.WorkspacePath{RepositoryId: req.RepositoryId, TaskId: req.TaskId}
	path, err := s.guard.Resolve(ws, req.RelativePath, true)
	if err != nil {
		return &rpc.CreateRuntimeFileReply{Success: false, Reason: rejectReason(err), ErrorMessage: err.Error()}, nil
	}

	if !req.Overwrite {
		if _, err := os.Stat(path); err == nil {
			return &rpc.CreateRuntimeFileReply{Success: false, Reason: "already_exists"}, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &rpc.CreateRuntimeFileReply{Success: false, ErrorMessage: err.Error()}, nil
	}
	if err := os.WriteFile(path, req.Content, 0o644); err != nil {
		return &rpc.CreateRuntimeFileReply{Success: false, ErrorMessage: err.Error()}, nil
	}
	return &rpc.CreateRuntimeFileReply{Success: true}, nil
}

func (s *Server) ReadRuntimeFile(ctx context.Context, req *rpc.ReadRuntimeFileRequest) (*rpc.ReadRuntimeFileReply, error) {
	ws := model.WorkspacePath{RepositoryId: req.RepositoryId, TaskId: req.TaskId}
	path, err := s.guard.Resolve(ws, req.RelativePath, false)
	if err != nil {
		return &rpc.ReadRuntimeFileReply{Success: false, ErrorMessage: err.Error()}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return &rpc.ReadRuntimeFileReply{Success: false, ErrorMessage: err.Error()}, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &rpc.ReadRuntimeFileReply{Success: false, ErrorMessage: err.Error()}, nil
	}

	cap := s.cfg.ReadRuntimeFileHardCap
	if req.MaxBytes > 0 && req.MaxBytes < cap {
		cap = req.MaxBytes
	}

	buf := make([]byte, minInt64(info.Size(), cap))
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return &rpc.ReadRuntimeFileReply{Success: false, ErrorMessage: err.Error()}, nil
	}

	return &rpc.ReadRuntimeFileReply{
		Success:       true,
		Content:       buf[:n],
		Truncated:     int64(n) < info.Size(),
		ContentLength: info.Size(),
	}, nil
}

func (s *Server) DeleteRuntimeFile(ctx context.Context, req *rpc.DeleteRuntimeFileRequest) (*rpc.DeleteRuntimeFileReply, error) {
	ws := model.WorkspacePath{RepositoryId: req.RepositoryId, TaskId: req.TaskId}
	path, err := s.guard.Resolve(ws, req.RelativePath, false)
	if err != nil {
		return &rpc.DeleteRuntimeFileReply{Success: false, Deleted: false, Reason: rejectReason(err)}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &rpc.DeleteRuntimeFileReply{Success: false, Deleted: false, Reason: "not_found"}, nil
		}
		return &rpc.DeleteRuntimeFileReply{Success: false, Deleted: false, Reason: err.Error()}, nil
	}

	if info.IsDir() && !req.Recursive {
		if empty, _ := isEmptyDir(path); !empty {
			return &rpc.DeleteRuntimeFileReply{Success: false, Deleted: false, Reason: "is_directory"}, nil
		}
	}

	if err := os.RemoveAll(path); err != nil {
		return &rpc.DeleteRuntimeFileReply{Success: false, Deleted: false, Reason: err.Error()}, nil
	}
	return &rpc.DeleteRuntimeFileReply{Success: true, Deleted: true}, nil
}

func isEmptyDir(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func rejectReason(err error) string {
	if e, ok := err.(*workspace.RejectError); ok {
		return e.Reason
	}
	return err.Error()
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// ─── Container reconciliation (C10 support) ───────────────────────────────

func (s *Server) ListRuntimeContainers(ctx context.Context, req *rpc.ListRuntimeContainersRequest) (*rpc.ListRuntimeContainersReply, error) {
	if s.dockerCl == nil {
		return &rpc.ListRuntimeContainersReply{}, nil
	}
	containers, err := s.dockerCl.ListByLabel(ctx)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: list runtime containers: %w", err)
	}
	out := make([]rpc.RuntimeContainer, 0, len(containers))
	for _, c := range containers {
		out = append(out, rpc.RuntimeContainer{ContainerId: c.ContainerId, RunId: c.RunId})
	}
	return &rpc.ListRuntimeContainersReply{Containers: out}, nil
}

// ─── Event hub (C3 exposure) ───────────────────────────────────────────────

func (s *Server) SubscribeEvents(req *rpc.SubscribeRequest, stream rpc.WorkerService_SubscribeEventsServer) error {
	filter := eventbus.Filter{}
	if len(req.RunIds) == 1 {
		filter.RunID = req.RunIds[0]
	}

	ch, unsubscribe := s.bus.Subscribe(filter)
	defer unsubscribe()

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if len(req.RunIds) > 1 && !containsFold(req.RunIds, event.RunId) {
				continue
			}
			if err := stream.Send(&rpc.JobEventFrame{Event: event}); err != nil {
				return err
			}
		}
	}
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
