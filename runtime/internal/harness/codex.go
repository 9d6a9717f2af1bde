package harness

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/runtime/internal/procgroup"
	"github.com/agentforge/orchestrator/wire/model"
	"github.com/agentforge/orchestrator/wire/redact"
)

// maxStderrRing bounds the captured stderr ring buffer, matching the
// teacher's bounded-diagnostics convention.
const maxStderrRing = 16 * 1024

// jsonrpcRequest / jsonrpcResponse mirror the line-delimited JSON-RPC
// envelope the codex binary speaks over stdio.
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"` // set on notifications, empty on responses
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CodexAdapter drives the codex binary over stdin/stdout as a stdio
// JSON-RPC server (spec §4.5.1). Grounded on the teacher's restic Wrapper
// runWithProgress: spawn via exec.CommandContext, own stdin/stdout, parse
// newline-delimited JSON from stdout, kill the process on a fatal
// condition.
type CodexAdapter struct {
	BinaryPath string
	Logger     *zap.Logger
}

func (a *CodexAdapter) Run(ctx context.Context, run model.Run, env map[string]string, workspacePath string, sink EventSink) model.HarnessResultEnvelope {
	redactor := redact.FromMap(env)

	approvalPolicy := ResolveApprovalPolicy(env, run.Mode)
	model_ := ResolveModel(env)
	sandbox := env["CODEX_SANDBOX"]
	if sandbox == "" {
		sandbox = "danger-full-access"
	}

	instruction := run.Instruction
	if run.Mode == model.ModePlan || run.Mode == model.ModeReview {
		instruction = fmt.Sprintf(ReadOnlyDirective, run.Mode) + instruction
	}

	cmd := exec.CommandContext(ctx, a.BinaryPath, "--stdio")
	cmd.Dir = workspacePath
	cmd.Env = buildEnv(env, map[string]string{
		"CODEX_APPROVAL_POLICY": approvalPolicy,
		"CODEX_SANDBOX":         sandbox,
	})
	if model_ != "" {
		cmd.Env = append(cmd.Env, "CODEX_MODEL="+model_)
	}
	// Run in its own process group so a timeout/cancel can kill the whole
	// descendant tree (spec §4.6/§5), not just the direct codex process —
	// codex and its own sub-agents/tool invocations would otherwise survive
	// as orphans.
	procgroup.Set(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return failEnvelope(ErrHarnessStartup, redactor.String(err.Error()))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failEnvelope(ErrHarnessStartup, redactor.String(err.Error()))
	}
	var stderrRing ringBuffer
	cmd.Stderr = &stderrRing

	if err := cmd.Start(); err != nil {
		return failEnvelope(ErrHarnessStartup, "failed to start codex: "+redactor.String(err.Error()))
	}

	driver := &codexDriver{
		stdin:     stdin,
		pending:   make(map[int64]chan jsonrpcResponse),
		logger:    a.Logger,
	}
	go driver.readLoop(stdout)

	defer func() {
		procgroup.Kill(cmd)
		_ = cmd.Wait()
	}()

	threadID, turnID, result := a.runProtocol(ctx, driver, run, instruction, sink)
	env_ := map[string]string{
		"runtime":     "codex-stdio",
		"runtimeMode": string(ModeStdio),
	}
	if threadID != "" {
		env_["threadId"] = threadID
	}
	if turnID != "" {
		env_["turnId"] = turnID
	}
	result.Metadata = env_
	result.Runtime = "codex-stdio"
	result.RuntimeMode = string(ModeStdio)
	result.Stderr = redactor.String(clampStderr(stderrRing.String()))
	result.Error = redactor.String(result.Error)
	return result
}

// runProtocol sends initialize, thread/start, turn/start in order and
// translates notifications into JobEvents until turn/completed or ctx is
// done.
func (a *CodexAdapter) runProtocol(ctx context.Context, d *codexDriver, run model.Run, instruction string, sink EventSink) (threadID, turnID string, envelope model.HarnessResultEnvelope) {
	if _, err := d.call(ctx, "initialize", nil); err != nil {
		return "", "", failEnvelope(ErrHarnessProtocol, "initialize: "+err.Error())
	}

	threadResp, err := d.call(ctx, "thread/start", map[string]any{})
	if err != nil {
		return "", "", failEnvelope(ErrHarnessProtocol, "thread/start: "+err.Error())
	}
	threadID = extractString(threadResp, "threadId")

	turnResp, err := d.call(ctx, "turn/start", map[string]any{
		"threadId":    threadID,
		"instruction": instruction,
	})
	if err != nil {
		return threadID, "", failEnvelope(ErrHarnessProtocol, "turn/start: "+err.Error())
	}
	turnID = extractString(turnResp, "turnId")

	status := ""
	for {
		select {
		case <-ctx.Done():
			return threadID, turnID, model.HarnessResultEnvelope{Status: "Cancelled", Error: ""}
		case notif, ok := <-d.notifications:
			if !ok {
				return threadID, turnID, failEnvelope(ErrHarnessTransport, "codex stdio closed before turn completion")
			}
			category, terminal := translateCodexEvent(notif, sink, run)
			_ = category
			if terminal {
				status = extractNotifString(notif, "status")
				if status != "completed" {
					return threadID, turnID, model.HarnessResultEnvelope{Status: status, Error: "turn did not complete successfully"}
				}
				return threadID, turnID, model.HarnessResultEnvelope{Status: status}
			}
		}
	}
}

// translateCodexEvent maps one codex notification to a JobEvent per the
// table in spec §4.5.1, publishes it, and reports whether turn/completed
// was observed.
func translateCodexEvent(notif jsonrpcResponse, sink EventSink, run model.Run) (category string, terminal bool) {
	switch notif.Method {
	case "item/reasoning/textDelta", "item/reasoning/summaryTextDelta":
		category = model.CategoryReasoningDelta
	case "item/agentMessage/delta":
		category = model.CategoryAssistantDelta
	case "item/commandExecution/outputDelta":
		category = model.CategoryCommandDelta
	case "item/fileChange/outputDelta", "turn/diff/updated":
		category = model.CategoryDiffUpdate
	case "turn/completed":
		terminal = true
		category = model.CategoryCommandDone
	default:
		return "", false
	}

	sink.Publish(model.JobEvent{
		RunId:          run.RunId,
		TaskId:         run.TaskId,
		EventType:      notif.Method,
		Category:       category,
		Timestamp:      nowMillis(),
		PayloadJson:    string(notif.Params),
	})
	return category, terminal
}

// codexDriver owns the request/response correlation over stdin/stdout.
type codexDriver struct {
	mu      sync.Mutex
	nextID  int64
	stdin   io.Writer
	pending map[int64]chan jsonrpcResponse

	notifications chan jsonrpcResponse
	logger        *zap.Logger
	initOnce      sync.Once
}

func (d *codexDriver) call(ctx context.Context, method string, params any) (jsonrpcResponse, error) {
	d.mu.Lock()
	d.initOnce.Do(func() { d.notifications = make(chan jsonrpcResponse, 256) })
	d.nextID++
	id := d.nextID
	ch := make(chan jsonrpcResponse, 1)
	d.pending[id] = ch
	d.mu.Unlock()

	payload, err := json.Marshal(jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return jsonrpcResponse{}, err
	}
	payload = append(payload, '\n')
	if _, err := d.stdin.Write(payload); err != nil {
		return jsonrpcResponse{}, err
	}

	select {
	case <-ctx.Done():
		return jsonrpcResponse{}, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return resp, fmt.Errorf("jsonrpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	}
}

// readLoop scans newline-delimited JSON from stdout, routing responses to
// their waiting caller by id and everything else to the notifications
// channel.
func (d *codexDriver) readLoop(stdout io.Reader) {
	d.mu.Lock()
	d.initOnce.Do(func() { d.notifications = make(chan jsonrpcResponse, 256) })
	d.mu.Unlock()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var resp jsonrpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		if resp.ID != nil {
			d.mu.Lock()
			ch, ok := d.pending[*resp.ID]
			if ok {
				delete(d.pending, *resp.ID)
			}
			d.mu.Unlock()
			if ok {
				ch <- resp
			}
			continue
		}
		d.notifications <- resp
	}
	close(d.notifications)
}

func extractString(resp jsonrpcResponse, field string) string {
	if len(resp.Result) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(resp.Result, &m); err != nil {
		return ""
	}
	if v, ok := m[field].(string); ok {
		return v
	}
	return ""
}

func extractNotifString(notif jsonrpcResponse, field string) string {
	if len(notif.Params) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(notif.Params, &m); err != nil {
		return ""
	}
	if v, ok := m[field].(string); ok {
		return v
	}
	return ""
}

func failEnvelope(kind, msg string) model.HarnessResultEnvelope {
	return model.HarnessResultEnvelope{Status: "Failed", Error: kind + ": " + msg}
}

// buildEnv layers overrides on top of base, matching the teacher's
// "append to cmd.Environ()" convention but sourced from the dispatcher's
// already-materialized env map instead of the host process env.
func buildEnv(base map[string]string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	for k, v := range overrides {
		merged[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// ringBuffer is a bounded io.Writer keeping only the last maxStderrRing
// bytes written to it — the teacher's "bounded ring buffer" for captured
// stderr.
type ringBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(p)
	if r.buf.Len() > maxStderrRing {
		excess := r.buf.Len() - maxStderrRing
		r.buf.Next(excess)
	}
	return len(p), nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}
