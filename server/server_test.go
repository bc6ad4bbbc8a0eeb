package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/voocel/codebox/llm"
	"github.com/voocel/codebox/middleware"
	"github.com/voocel/codebox/runner"
	"github.com/voocel/codebox/schema"
	"github.com/voocel/codebox/tools"
	"github.com/voocel/codebox/workspace"
)

type queueModel struct {
	mu        sync.Mutex
	responses []*llm.Response
}

func (m *queueModel) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return &llm.Response{Message: schema.AssistantMessage("done")}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *queueModel) Info() llm.ModelInfo { return llm.ModelInfo{Name: "queue", Provider: "test"} }

type streamingRunner struct{}

func (streamingRunner) Run(ctx context.Context, spec tools.ProcessSpec) (tools.ProcessResult, error) {
	if spec.Stream != nil {
		_, _ = io.WriteString(spec.Stream, "line1\nli")
		_, _ = io.WriteString(spec.Stream, "ne2\ntail")
	}
	return tools.ProcessResult{ExitCode: 3, Stdout: []byte("line1\nline2\ntail")}, nil
}

type fixture struct {
	srv     *httptest.Server
	model   *queueModel
	metrics *middleware.MetricsObserver
	token   string
}

func newFixture(t *testing.T, token string, middlewares ...runner.Middleware) *fixture {
	t.Helper()
	root, err := workspace.New(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	model := &queueModel{}
	metrics := &middleware.MetricsObserver{}
	r := runner.New(runner.Config{Model: model, Observer: metrics, Middlewares: middlewares})
	manager := NewManager(root, tools.Env{Runner: streamingRunner{}}, "sys")
	srv := httptest.NewServer(New(r, manager, Options{Token: token, Metrics: metrics}).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, model: model, metrics: metrics, token: token}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (f *fixture) createSession(t *testing.T) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/sessions", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Success   bool   `json:"success"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || !out.Success || out.SessionID == "" {
		t.Fatalf("create session body = %s (%v)", body, err)
	}
	return out.SessionID
}

func envelopeOf(t *testing.T, body []byte) tools.Envelope {
	t.Helper()
	var env tools.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("not an envelope: %s (%v)", body, err)
	}
	return env
}

type frame struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error"`
	Output     string          `json:"output"`
	Done       bool            `json:"done"`
	Returncode int             `json:"returncode"`
}

func parseFrames(t *testing.T, body []byte) []frame {
	t.Helper()
	var frames []frame
	for _, chunk := range strings.Split(string(body), "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		if !strings.HasPrefix(chunk, "data: ") {
			t.Fatalf("bad frame %q", chunk)
		}
		var f frame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(chunk, "data: ")), &f); err != nil {
			t.Fatalf("frame json: %v (%q)", err, chunk)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t, "secret")

	resp, err := http.Get(f.srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/status", nil)
	req.Header.Set("X-Sandbox-Token", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("X-Sandbox-Token status = %d", resp.StatusCode)
	}

	if resp, _ := f.do(t, http.MethodGet, "/api/status", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer status = %d", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, "")
	id := f.createSession(t)

	_, body := f.do(t, http.MethodGet, "/api/status", nil)
	var status map[string]any
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("status json: %v", err)
	}
	if status["sessions"] != float64(1) || status["model"] != "queue" {
		t.Fatalf("status = %v", status)
	}

	if resp, body := f.do(t, http.MethodDelete, "/api/sessions/"+id, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d: %s", resp.StatusCode, body)
	}
	if resp, _ := f.do(t, http.MethodDelete, "/api/sessions/"+id, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodPost, "/api/sessions/"+id+"/file/read", map[string]string{"path": "x"}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted session should be gone, status = %d", resp.StatusCode)
	}
}

func TestMessageStream(t *testing.T) {
	f := newFixture(t, "")
	id := f.createSession(t)
	f.model.responses = []*llm.Response{
		{Message: schema.AssistantMessage("", schema.ToolCall{ID: "c1", Name: "create_file", Args: json.RawMessage(`{"path":"hello.txt","content":"hi"}`)})},
		{Message: schema.AssistantMessage("created hello.txt")},
	}

	resp, body := f.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]string{"content": "make hello.txt"})
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("status = %d, content-type = %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	frames := parseFrames(t, body)
	want := []string{"start", "tool_call", "tool_result", "end"}
	if len(frames) != len(want) {
		t.Fatalf("frames = %+v", frames)
	}
	for i, w := range want {
		if frames[i].Type != w {
			t.Fatalf("frame %d type = %q, want %q", i, frames[i].Type, w)
		}
	}
	var final schema.Message
	if err := json.Unmarshal(frames[3].Data, &final); err != nil || final.Content != "created hello.txt" {
		t.Fatalf("end data = %s (%v)", frames[3].Data, err)
	}

	_, body = f.do(t, http.MethodPost, "/api/sessions/"+id+"/file/read", map[string]string{"filepath": "hello.txt"})
	if env := envelopeOf(t, body); !env.Success || env.String("content") != "hi" {
		t.Fatalf("read after turn = %s", body)
	}

	if resp, _ := f.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]string{"content": "  "}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message status = %d", resp.StatusCode)
	}
	if snap := f.metrics.Snapshot(); snap.LLMCalls != 2 || snap.ToolCalls != 2 {
		t.Fatalf("metrics = %+v", snap)
	}
}

func TestFileEndpoints(t *testing.T) {
	f := newFixture(t, "")
	id := f.createSession(t)
	base := "/api/sessions/" + id

	_, body := f.do(t, http.MethodPost, base+"/file/write", map[string]string{"filepath": "src/main.py", "content": "print(1)"})
	if env := envelopeOf(t, body); !env.Success {
		t.Fatalf("write = %s", body)
	}

	_, body = f.do(t, http.MethodGet, base+"/files?path=src", nil)
	if env := envelopeOf(t, body); !env.Success || env.Fields["count"] != float64(1) {
		t.Fatalf("list = %s", body)
	}

	_, body = f.do(t, http.MethodPost, base+"/file/write", map[string]string{"path": "../escape.txt", "content": "x"})
	if env := envelopeOf(t, body); env.Success || env.Code != schema.CodeInvalidArguments {
		t.Fatalf("escape = %s", body)
	}

	_, body = f.do(t, http.MethodPost, base+"/file/delete", map[string]string{"path": "src"})
	if env := envelopeOf(t, body); !env.Success || !strings.HasPrefix(env.String("message"), "Directory deleted") {
		t.Fatalf("delete = %s", body)
	}

	_, body = f.do(t, http.MethodPost, base+"/file/read", map[string]string{"path": "src/main.py"})
	if env := envelopeOf(t, body); env.Success || env.Code != schema.CodeNotFound {
		t.Fatalf("read deleted = %s", body)
	}

	if resp, _ := f.do(t, http.MethodPost, base+"/file/read", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status = %d", resp.StatusCode)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	f := newFixture(t, "")
	a, b := f.createSession(t), f.createSession(t)

	f.do(t, http.MethodPost, "/api/sessions/"+a+"/file/write", map[string]string{"path": "only-a.txt", "content": "a"})
	_, body := f.do(t, http.MethodGet, "/api/sessions/"+b+"/files", nil)
	if env := envelopeOf(t, body); !env.Success || env.Fields["count"] != float64(0) {
		t.Fatalf("session b sees session a's files: %s", body)
	}
}

func TestExecuteAndTerminal(t *testing.T) {
	f := newFixture(t, "")
	id := f.createSession(t)
	base := "/api/sessions/" + id

	_, body := f.do(t, http.MethodPost, base+"/execute/bash", map[string]any{"command": "printf stuff; exit 3"})
	env := envelopeOf(t, body)
	if env.Success || env.Code != schema.CodeNonZeroExit || env.Fields["returncode"] != float64(3) {
		t.Fatalf("execute/bash = %s", body)
	}

	_, body = f.do(t, http.MethodPost, base+"/execute/python", map[string]any{"code": ""})
	if env := envelopeOf(t, body); env.Success || env.Code != schema.CodeInvalidArguments {
		t.Fatalf("empty python = %s", body)
	}

	resp, body := f.do(t, http.MethodPost, base+"/terminal/stream", map[string]string{"command": "ls"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("terminal status = %d", resp.StatusCode)
	}
	frames := parseFrames(t, body)
	var output []string
	for _, fr := range frames[:len(frames)-1] {
		output = append(output, fr.Output)
	}
	if strings.Join(output, "|") != "line1\n|line2\n|tail" {
		t.Fatalf("terminal output frames = %q", output)
	}
	last := frames[len(frames)-1]
	if !last.Done || last.Returncode != 3 {
		t.Fatalf("done frame = %+v", last)
	}

	if resp, _ := f.do(t, http.MethodPost, base+"/terminal/stream", map[string]string{"command": " "}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank command status = %d", resp.StatusCode)
	}
}

func TestTerminalStreamHonoursPolicy(t *testing.T) {
	f := newFixture(t, "", middleware.NoExec())
	id := f.createSession(t)
	base := "/api/sessions/" + id

	_, body := f.do(t, http.MethodPost, base+"/execute/bash", map[string]any{"command": "ls"})
	if env := envelopeOf(t, body); env.Success || env.Code != schema.CodeInvalidArguments {
		t.Fatalf("execute/bash with exec disabled = %s", body)
	}

	resp, body := f.do(t, http.MethodPost, base+"/terminal/stream", map[string]string{"command": "ls"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("terminal status = %d: %s", resp.StatusCode, body)
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("vetoed stream must not start")
	}
	if env := envelopeOf(t, body); env.Success || env.Code != schema.CodeInvalidArguments {
		t.Fatalf("terminal veto = %s", body)
	}

	snap := f.metrics.Snapshot()
	if snap.ToolCalls != 2 || snap.ToolErrors != 2 || snap.ByCapability["run_shell"] != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
}
