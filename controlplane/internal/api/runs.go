package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/controlplane/internal/dispatcher"
	"github.com/agentforge/orchestrator/controlplane/internal/eventdispatcher"
	"github.com/agentforge/orchestrator/controlplane/internal/store"
	"github.com/agentforge/orchestrator/wire/model"
)

// RunsHandler serves the caller-facing run surface: submit, inspect, cancel,
// and stream events for a run (spec.md §6).
type RunsHandler struct {
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	events     *eventdispatcher.Dispatcher
	logger     *zap.Logger
}

// NewRunsHandler creates a RunsHandler.
func NewRunsHandler(st store.Store, d *dispatcher.Dispatcher, events *eventdispatcher.Dispatcher, logger *zap.Logger) *RunsHandler {
	return &RunsHandler{store: st, dispatcher: d, events: events, logger: logger.Named("runs_handler")}
}

// createRunRequest is the request body for POST /v1/runs.
type createRunRequest struct {
	TaskId           string            `json:"task_id"`
	Instruction      string            `json:"instruction"`
	Branch           string            `json:"branch"`
	WorkingDirectory string            `json:"working_directory"`
	EnvironmentVars  map[string]string `json:"environment_vars"`
	TimeoutSeconds   int               `json:"timeout_seconds"`
	Mode             string            `json:"mode"`
}

type runResponse struct {
	RunId             string `json:"run_id"`
	TaskId            string `json:"task_id"`
	RepositoryId      string `json:"repository_id"`
	State             string `json:"state"`
	Summary           string `json:"summary,omitempty"`
	FailureClass      string `json:"failure_class,omitempty"`
	AssignedRuntimeId string `json:"assigned_runtime_id,omitempty"`
	CreatedAt         string `json:"created_at"`
}

func toRunResponse(snap store.RunSnapshot) runResponse {
	return runResponse{
		RunId:             snap.Run.RunId,
		TaskId:            snap.Run.TaskId,
		RepositoryId:      snap.Run.RepositoryId,
		State:             string(snap.State),
		Summary:           snap.Summary,
		FailureClass:      snap.FailureClass,
		AssignedRuntimeId: snap.AssignedRuntimeId,
		CreatedAt:         snap.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// Create handles POST /v1/runs: mints a Run from an existing task and hands
// it to the dispatcher's queue-head/admission pipeline.
func (h *RunsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TaskId == "" {
		ErrBadRequest(w, "task_id is required")
		return
	}

	ctx := r.Context()

	task, ok, err := h.store.GetTask(ctx, req.TaskId)
	if err != nil {
		h.logger.Error("failed to load task", zap.String("task_id", req.TaskId), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !ok {
		ErrNotFound(w)
		return
	}

	repository, ok, err := h.store.GetRepository(ctx, task.RepositoryId)
	if err != nil {
		h.logger.Error("failed to load repository", zap.String("repository_id", task.RepositoryId), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !ok {
		ErrUnprocessable(w, "task references a repository that no longer exists")
		return
	}

	mode := task.DefaultMode
	if req.Mode != "" {
		mode = model.ExecutionMode(req.Mode)
	}

	run := model.Run{
		RunId:            uuid.NewString(),
		RepositoryId:     task.RepositoryId,
		TaskId:           task.TaskId,
		HarnessType:      task.HarnessType,
		Mode:             mode,
		Instruction:      req.Instruction,
		Branch:           req.Branch,
		WorkingDirectory: req.WorkingDirectory,
		EnvironmentVars:  req.EnvironmentVars,
		TimeoutSeconds:   req.TimeoutSeconds,
		Attempt:          1,
		DispatchedAt:     time.Now(),
	}

	if err := h.store.CreateRun(ctx, run); err != nil {
		h.logger.Error("failed to create run", zap.String("task_id", req.TaskId), zap.Error(err))
		ErrInternal(w)
		return
	}

	if _, err := h.dispatcher.Dispatch(ctx, repository, task, run); err != nil {
		h.logger.Error("dispatch failed", zap.String("run_id", run.RunId), zap.Error(err))
		ErrInternal(w)
		return
	}

	snap, ok, err := h.store.GetRun(ctx, run.RunId)
	if err != nil || !ok {
		h.logger.Error("failed to reload run after dispatch", zap.String("run_id", run.RunId), zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, toRunResponse(snap))
}

// Get handles GET /v1/runs/{runId}.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	runId := chi.URLParam(r, "runId")

	snap, ok, err := h.store.GetRun(r.Context(), runId)
	if err != nil {
		h.logger.Error("failed to load run", zap.String("run_id", runId), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !ok {
		ErrNotFound(w)
		return
	}

	Ok(w, toRunResponse(snap))
}

// Cancel handles POST /v1/runs/{runId}/cancel.
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runId := chi.URLParam(r, "runId")
	ctx := r.Context()

	snap, ok, err := h.store.GetRun(ctx, runId)
	if err != nil {
		h.logger.Error("failed to load run", zap.String("run_id", runId), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !ok {
		ErrNotFound(w)
		return
	}
	if snap.State.IsTerminal() {
		ErrConflict(w, "run has already reached a terminal state")
		return
	}

	if err := h.dispatcher.Cancel(ctx, runId); err != nil {
		h.logger.Error("failed to cancel run", zap.String("run_id", runId), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// runEventMessage is the wire shape streamed to websocket subscribers —
// a thin projection of model.JobEvent, JSON-friendly and stable regardless
// of internal field additions to JobEvent.
type runEventMessage struct {
	RunId     string `json:"run_id"`
	TaskId    string `json:"task_id"`
	EventType string `json:"event_type"`
	Category  string `json:"category"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	Summary   string `json:"summary,omitempty"`
	Error     string `json:"error,omitempty"`
}

func toRunEventMessage(e model.JobEvent) runEventMessage {
	return runEventMessage{
		RunId:     e.RunId,
		TaskId:    e.TaskId,
		EventType: e.EventType,
		Category:  e.Category,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Summary:   e.Summary,
		Error:     e.Error,
	}
}

// encodeRunEvent is a small seam so tests can exercise the JSON shape
// without standing up a websocket connection.
func encodeRunEvent(e model.JobEvent) ([]byte, error) {
	return json.Marshal(toRunEventMessage(e))
}
