package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/voocel/codebox/llm"
	"github.com/voocel/codebox/runner"
	"github.com/voocel/codebox/schema"
	"github.com/voocel/codebox/tools"
	"github.com/voocel/codebox/workspace"
)

type scriptModel struct {
	responses []*llm.Response
	calls     int
}

func (m *scriptModel) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.calls++
	if m.calls > len(m.responses) {
		return &llm.Response{Message: schema.AssistantMessage("done")}, nil
	}
	return m.responses[m.calls-1], nil
}

func (m *scriptModel) Info() llm.ModelInfo { return llm.ModelInfo{Name: "script"} }

func newSession(t *testing.T) *runner.Session {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	return runner.NewSession("", "sys", ws, tools.Env{})
}

func TestTimeoutMiddleware(t *testing.T) {
	mw := &TimeoutMiddleware{LLMTimeout: 10 * time.Millisecond}
	ctx, cancel := mw.LLMContext(context.Background(), &runner.State{})
	if cancel == nil {
		t.Fatalf("expected cancel")
	}
	cancel()
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("expected context done")
	}

	ctx, cancel = mw.ToolContext(context.Background(), &runner.ToolState{})
	if cancel != nil || ctx.Err() != nil {
		t.Fatalf("zero tool timeout should leave the context alone")
	}
}

func TestTimeoutMiddlewareShorterDeadlineWins(t *testing.T) {
	mw := &TimeoutMiddleware{ToolTimeout: 50 * time.Millisecond}

	long, cancelLong := context.WithTimeout(context.Background(), time.Hour)
	defer cancelLong()
	ctx, cancel := mw.ToolContext(long, &runner.ToolState{})
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > 50*time.Millisecond {
		t.Fatalf("tool timeout should cap a longer parent deadline, got %v", time.Until(deadline))
	}

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	parentDeadline, _ := short.Deadline()
	mw.ToolTimeout = time.Hour
	ctx, cancel = mw.ToolContext(short, &runner.ToolState{})
	defer cancel()
	if deadline, _ := ctx.Deadline(); !deadline.Equal(parentDeadline) {
		t.Fatalf("shorter parent deadline must be kept: %v vs %v", deadline, parentDeadline)
	}
}

func TestToolTimeoutCutsCapabilityThroughRunner(t *testing.T) {
	model := &scriptModel{responses: []*llm.Response{{
		Message: schema.AssistantMessage("",
			schema.ToolCall{ID: "a", Name: "run_shell", Args: json.RawMessage(`{"command":"sleep 30","timeout":60}`)},
		),
	}}}
	blocking := &ctxRunner{}
	ws, err := workspace.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	sess := runner.NewSession("", "sys", ws, tools.Env{Runner: blocking, Limits: tools.Limits{Timeout: time.Minute, MaxTimeout: time.Minute}})
	r := runner.New(runner.Config{
		Model:       model,
		Middlewares: []runner.Middleware{&TimeoutMiddleware{ToolTimeout: 20 * time.Millisecond}},
	})

	start := time.Now()
	if _, err := r.Run(context.Background(), sess, "wait"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("tool timeout ignored, took %s", elapsed)
	}
	if blocking.timeout != time.Minute {
		t.Fatalf("capability wall clock = %s", blocking.timeout)
	}
	var env tools.Envelope
	if err := json.Unmarshal([]byte(sess.Transcript().Messages()[3].Content), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Success || env.Code != schema.CodeTimeout {
		t.Fatalf("cut-off call must fail as a timeout: %+v", env)
	}
}

// ctxRunner blocks until its context ends, like a process that outlives the
// caller's deadline.
type ctxRunner struct {
	timeout time.Duration
}

func (c *ctxRunner) Run(ctx context.Context, spec tools.ProcessSpec) (tools.ProcessResult, error) {
	c.timeout = spec.Timeout
	<-ctx.Done()
	return tools.ProcessResult{ExitCode: -1}, ctx.Err()
}

func TestToolAllowlist(t *testing.T) {
	if _, err := NewToolAllowlist("read_file", "rm_rf"); err == nil {
		t.Fatalf("expected unknown capability to be rejected")
	}

	allow, err := NewToolAllowlist("read_file", "list_directory")
	if err != nil {
		t.Fatalf("NewToolAllowlist: %v", err)
	}
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"read_file", false},
		{"list_directory", false},
		{"run_shell", true},
		{"not_a_tool", false},
	}
	for _, tt := range tests {
		state := &runner.ToolState{Call: &schema.ToolCall{Name: tt.name}}
		if err := allow.BeforeTool(context.Background(), state); (err != nil) != tt.wantErr {
			t.Errorf("BeforeTool(%s) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}

	empty, _ := NewToolAllowlist()
	if err := empty.BeforeTool(context.Background(), &runner.ToolState{Call: &schema.ToolCall{Name: "run_shell"}}); err != nil {
		t.Fatalf("empty allowlist must allow everything: %v", err)
	}
}

func TestCapabilityPolicy(t *testing.T) {
	policy := NoExec()
	for _, kind := range tools.Kinds() {
		state := &runner.ToolState{Call: &schema.ToolCall{Name: kind.String()}}
		err := policy.BeforeTool(context.Background(), state)
		exec := kind == tools.KindRunPython || kind == tools.KindRunShell
		if exec != (err != nil) {
			t.Errorf("%s: error = %v", kind, err)
		}
	}

	only := NewToolCapabilityPolicy(AllowOnly(tools.KindReadFile), nil)
	if err := only.BeforeTool(context.Background(), &runner.ToolState{Call: &schema.ToolCall{Name: "create_file"}}); err == nil {
		t.Fatalf("expected create_file to be refused")
	}
}

func TestPolicyVetoThroughRunner(t *testing.T) {
	model := &scriptModel{responses: []*llm.Response{{
		Message: schema.AssistantMessage("",
			schema.ToolCall{ID: "a", Name: "run_shell", Args: json.RawMessage(`{"command":"rm -rf /"}`)},
			schema.ToolCall{ID: "b", Name: "list_directory", Args: json.RawMessage(`{}`)},
		),
		Usage: llm.TokenUsage{PromptTokens: 7, CompletionTokens: 3},
	}}}
	metrics := &MetricsObserver{}
	r := runner.New(runner.Config{
		Model:       model,
		Middlewares: []runner.Middleware{NoExec()},
		Observer:    metrics,
	})
	sess := newSession(t)

	if _, err := r.Run(context.Background(), sess, "clean up"); err != nil {
		t.Fatalf("run: %v", err)
	}

	history := sess.Transcript().Messages()
	var denied tools.Envelope
	if err := json.Unmarshal([]byte(history[3].Content), &denied); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if denied.Success || denied.Code != schema.CodeInvalidArguments {
		t.Fatalf("denied envelope = %+v", denied)
	}
	var listed tools.Envelope
	if err := json.Unmarshal([]byte(history[4].Content), &listed); err != nil || !listed.Success {
		t.Fatalf("second call should still run: %s", history[4].Content)
	}

	snap := metrics.Snapshot()
	if snap.LLMCalls != 2 || snap.ToolCalls != 2 || snap.ToolErrors != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.ByCode[schema.CodeInvalidArguments] != 1 || snap.ByCapability["run_shell"] != 1 {
		t.Fatalf("breakdown = %+v / %+v", snap.ByCode, snap.ByCapability)
	}
	if snap.PromptTokens != 7 || snap.OutputTokens != 3 {
		t.Fatalf("token counters = %d/%d", snap.PromptTokens, snap.OutputTokens)
	}
}

func TestMetricsObserverErrors(t *testing.T) {
	m := &MetricsObserver{}
	m.OnLLMEnd(context.Background(), &runner.State{}, nil, errors.New("boom"))
	m.OnError(context.Background(), errors.New("boom"))
	m.OnError(context.Background(), nil)

	snap := m.Snapshot()
	if snap.LLMErrors != 1 || snap.Errors != 1 || snap.LastError != "boom" {
		t.Fatalf("snapshot = %+v", snap)
	}
}
