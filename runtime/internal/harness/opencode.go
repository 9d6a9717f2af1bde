package harness

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/runtime/internal/procgroup"
	"github.com/agentforge/orchestrator/wire/model"
	"github.com/agentforge/orchestrator/wire/redact"
)

// OpenCodeAdapter drives an opencode server over HTTP + SSE (spec §4.5.2).
// It either connects to a pre-existing endpoint or spawns one locally and
// waits for its health check, mirroring the teacher's pattern of treating
// an external binary as an opaque supervised process (restic/rclone)
// while the actual interaction happens over a well-defined protocol (here
// HTTP, there restic's --json stdout).
type OpenCodeAdapter struct {
	BinaryPath string
	Logger     *zap.Logger
	HTTPClient *http.Client
}

const defaultStartupTimeout = 30 * time.Second

func (a *OpenCodeAdapter) client() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (a *OpenCodeAdapter) Run(ctx context.Context, run model.Run, env map[string]string, workspacePath string, sink EventSink) model.HarnessResultEnvelope {
	redactor := redact.FromMap(env)

	baseURL, cleanup, err := a.resolveServer(ctx, env, workspacePath)
	if err != nil {
		return failEnvelope(ErrHarnessStartup, redactor.String(err.Error()))
	}
	defer cleanup()

	auth := basicAuthHeader(env)
	cl := a.client()

	sessionID, err := createSession(ctx, cl, baseURL, auth)
	if err != nil {
		return failEnvelope(ErrHarnessTransport, "create session: "+redactor.String(err.Error()))
	}

	instruction := run.Instruction
	if run.Mode == model.ModePlan || run.Mode == model.ModeReview {
		instruction = fmt.Sprintf(ReadOnlyDirective, run.Mode) + instruction
	}
	if err := postPromptAsync(ctx, cl, baseURL, auth, sessionID, instruction); err != nil {
		return failEnvelope(ErrHarnessTransport, "prompt_async: "+redactor.String(err.Error()))
	}

	eventsDone := make(chan struct{})
	go consumeSSE(ctx, cl, baseURL, auth, run, sink, eventsDone)

	timeout := defaultStartupTimeout
	if v, ok := env["OPENCODE_SERVER_STARTUP_TIMEOUT_SECONDS"]; ok {
		if secs, err := strconv.Atoi(v); err == nil {
			timeout = time.Duration(secs) * time.Second
		}
	}
	idleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, err := pollUntilIdle(idleCtx, cl, baseURL, auth, sessionID, sink, run)
	<-eventsDone
	if err != nil {
		if idleCtx.Err() != nil {
			return failEnvelope(ErrHarnessTimeout, "no idle within session timeout")
		}
		return failEnvelope(ErrHarnessTransport, redactor.String(err.Error()))
	}

	envelope := model.HarnessResultEnvelope{
		Status: "Succeeded",
		Metadata: map[string]string{
			"runtime":       "opencode-sse",
			"runtimeMode":   string(ModeSSE),
			"sessionId":     sessionID,
			"sessionStatus": status,
		},
	}
	if status != "idle" {
		envelope.Status = "Failed"
		envelope.Error = ErrHarnessProtocol + ": session ended in status " + status
	}

	// §4.5.2 mandates collecting the session's final assistant message and
	// diff into the result envelope once the session goes idle, regardless
	// of whether it ended idle or not — both are useful postmortem context
	// on a Failed envelope too.
	if finalMessage, err := fetchFinalMessage(ctx, cl, baseURL, auth, sessionID); err == nil {
		envelope.Metadata["finalMessage"] = redactor.String(finalMessage)
	} else {
		a.Logger.Warn("opencode: failed to fetch final message", zap.String("session_id", sessionID), zap.Error(err))
	}
	if diff, err := fetchFinalDiff(ctx, cl, baseURL, auth, sessionID); err == nil {
		envelope.Metadata["diff"] = redactor.String(diff)
	} else {
		a.Logger.Warn("opencode: failed to fetch final diff", zap.String("session_id", sessionID), zap.Error(err))
	}

	return envelope
}

// fetchFinalMessage issues the final GET /session/{id}/message call
// (spec §4.5.2) and returns its raw text content.
func fetchFinalMessage(ctx context.Context, cl *http.Client, baseURL, auth, sessionID string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	status, err := doJSON(ctx, cl, http.MethodGet, baseURL+"/session/"+url.PathEscape(sessionID)+"/message", auth, nil, &out)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("non-2xx response %d", status)
	}
	return out.Content, nil
}

// fetchFinalDiff issues the final GET /session/{id}/diff call (spec
// §4.5.2) and returns the unified diff text.
func fetchFinalDiff(ctx context.Context, cl *http.Client, baseURL, auth, sessionID string) (string, error) {
	var out struct {
		Diff string `json:"diff"`
	}
	status, err := doJSON(ctx, cl, http.MethodGet, baseURL+"/session/"+url.PathEscape(sessionID)+"/diff", auth, nil, &out)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("non-2xx response %d", status)
	}
	return out.Diff, nil
}

// resolveServer either points at a pre-existing endpoint or spawns a local
// opencode server and waits for GET /global/health to return 2xx.
func (a *OpenCodeAdapter) resolveServer(ctx context.Context, env map[string]string, workspacePath string) (string, func(), error) {
	if v := firstNonEmpty(env["OPENCODE_SERVER_BASE_URL"], env["OPENCODE_SERVER_URL"]); v != "" {
		return strings.TrimRight(v, "/"), func() {}, nil
	}

	host := env["OPENCODE_SERVER_HOST"]
	if host == "" {
		host = "127.0.0.1"
	}
	port := env["OPENCODE_SERVER_PORT"]
	if port == "" {
		port = "0"
	}

	cmd := exec.CommandContext(ctx, a.BinaryPath, "serve", "--host", host, "--port", port)
	cmd.Dir = workspacePath
	cmd.Env = buildEnv(env, nil)
	procgroup.Set(cmd)
	if err := cmd.Start(); err != nil {
		return "", func() {}, fmt.Errorf("failed to spawn opencode server: %w", err)
	}
	cleanup := func() {
		procgroup.Kill(cmd)
		_ = cmd.Wait()
	}

	baseURL := fmt.Sprintf("http://%s:%s", host, port)
	timeout := defaultStartupTimeout
	if v, ok := env["OPENCODE_SERVER_STARTUP_TIMEOUT_SECONDS"]; ok {
		if secs, err := strconv.Atoi(v); err == nil {
			timeout = time.Duration(secs) * time.Second
		}
	}
	deadline := time.Now().Add(timeout)
	cl := a.client()
	for time.Now().Before(deadline) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/global/health", nil)
		resp, err := cl.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return baseURL, cleanup, nil
			}
		}
		select {
		case <-ctx.Done():
			cleanup()
			return "", func() {}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	cleanup()
	return "", func() {}, fmt.Errorf("opencode server did not become healthy within %s", timeout)
}

func basicAuthHeader(env map[string]string) string {
	user := env["OPENCODE_SERVER_USERNAME"]
	pass := env["OPENCODE_SERVER_PASSWORD"]
	if user == "" && pass == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func doJSON(ctx context.Context, cl *http.Client, method, u, auth string, body any, out any) (int, error) {
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := cl.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func createSession(ctx context.Context, cl *http.Client, baseURL, auth string) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	status, err := doJSON(ctx, cl, http.MethodPost, baseURL+"/session", auth, nil, &out)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("non-2xx response %d", status)
	}
	return out.SessionID, nil
}

func postPromptAsync(ctx context.Context, cl *http.Client, baseURL, auth, sessionID, instruction string) error {
	status, err := doJSON(ctx, cl, http.MethodPost,
		baseURL+"/session/"+url.PathEscape(sessionID)+"/prompt_async", auth,
		map[string]string{"instruction": instruction}, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("non-2xx response %d", status)
	}
	return nil
}

// pollUntilIdle polls GET /session/status until the session reports idle
// (or the context expires), returning the final status string.
func pollUntilIdle(ctx context.Context, cl *http.Client, baseURL, auth, sessionID string, sink EventSink, run model.Run) (string, error) {
	for {
		var out struct {
			Status string `json:"status"`
		}
		statusCode, err := doJSON(ctx, cl, http.MethodGet, baseURL+"/session/status?sessionId="+url.QueryEscape(sessionID), auth, nil, &out)
		if err != nil {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			default:
			}
			return "", err
		}
		if statusCode < 200 || statusCode >= 300 {
			return "", fmt.Errorf("non-2xx response %d", statusCode)
		}

		sink.Publish(model.JobEvent{
			RunId:       run.RunId,
			TaskId:      run.TaskId,
			EventType:   "session.status",
			Category:    model.CategorySessionStatus,
			Timestamp:   nowMillis(),
			Summary:     out.Status,
		})

		if out.Status == "idle" {
			return out.Status, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// consumeSSE opens GET /event and translates message.part.delta ->
// assistant.delta, session.diff -> diff.update, until ctx is cancelled or
// the stream closes.
func consumeSSE(ctx context.Context, cl *http.Client, baseURL, auth string, run model.Run, sink EventSink, done chan<- struct{}) {
	defer close(done)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/event", nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := cl.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var eventName string
	var dataLines []string
	flush := func() {
		if eventName == "" && len(dataLines) == 0 {
			return
		}
		payload := strings.Join(dataLines, "\n")
		translateOpenCodeSSE(eventName, payload, run, sink)
		eventName = ""
		dataLines = nil
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			flush()
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	flush()
}

func translateOpenCodeSSE(eventName, payload string, run model.Run, sink EventSink) {
	var category string
	switch eventName {
	case "message.part.delta":
		category = model.CategoryAssistantDelta
	case "session.diff":
		category = model.CategoryDiffUpdate
	default:
		return
	}
	sink.Publish(model.JobEvent{
		RunId:       run.RunId,
		TaskId:      run.TaskId,
		EventType:   eventName,
		Category:    category,
		Timestamp:   nowMillis(),
		PayloadJson: payload,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
