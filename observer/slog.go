package observer

import (
	"context"
	"log/slog"
	"time"

	"github.com/voocel/codebox/llm"
	"github.com/voocel/codebox/runner"
)

// SlogObserver reports runner callbacks as structured records.
type SlogObserver struct {
	logger *slog.Logger
}

// NewSlogObserver creates a SlogObserver. A nil logger uses slog.Default.
func NewSlogObserver(logger *slog.Logger) *SlogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogObserver{logger: logger}
}

func (o *SlogObserver) OnLLMStart(ctx context.Context, state *runner.State, req *llm.Request) {
	o.logger.DebugContext(ctx, "llm start",
		"session_id", sessionID(state.Session),
		"turn", state.Turn,
		"messages", len(state.Messages),
		"tools", len(req.Tools),
	)
}

func (o *SlogObserver) OnLLMEnd(ctx context.Context, state *runner.State, resp *llm.Response, err error) {
	if err != nil {
		o.logger.WarnContext(ctx, "llm error",
			"session_id", sessionID(state.Session),
			"turn", state.Turn,
			"error", err,
		)
		return
	}
	attrs := []any{
		"session_id", sessionID(state.Session),
		"turn", state.Turn,
	}
	if resp != nil {
		attrs = append(attrs,
			"content_len", len(resp.Message.Content),
			"tool_calls", len(resp.Message.ToolCalls),
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens,
			"finish_reason", resp.FinishReason,
		)
	}
	o.logger.DebugContext(ctx, "llm end", attrs...)
}

func (o *SlogObserver) OnToolCall(ctx context.Context, state *runner.ToolState) {
	if state == nil || state.Call == nil {
		return
	}
	o.logger.InfoContext(ctx, "tool call",
		"session_id", sessionID(state.Session),
		"tool", state.Call.Name,
		"id", state.Call.ID,
	)
}

func (o *SlogObserver) OnToolResult(ctx context.Context, state *runner.ToolState) {
	if state == nil || state.Call == nil || state.Envelope == nil {
		return
	}
	env := state.Envelope
	if !env.Success {
		o.logger.WarnContext(ctx, "tool failed",
			"session_id", sessionID(state.Session),
			"tool", state.Call.Name,
			"id", state.Call.ID,
			"code", env.Code,
			"error", env.Error,
		)
		return
	}
	size := 0
	if state.Result != nil {
		size = len(state.Result.Result)
	}
	o.logger.InfoContext(ctx, "tool result",
		"session_id", sessionID(state.Session),
		"tool", state.Call.Name,
		"id", state.Call.ID,
		"size", size,
	)
}

func (o *SlogObserver) OnError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	o.logger.ErrorContext(ctx, "run error", "error", err)
}

var _ runner.Observer = (*SlogObserver)(nil)

// SlogTracer logs span durations at debug level.
type SlogTracer struct {
	logger *slog.Logger
}

// NewSlogTracer creates a tracer. A nil logger uses slog.Default.
func NewSlogTracer(logger *slog.Logger) *SlogTracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogTracer{logger: logger}
}

func (t *SlogTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	start := time.Now()
	args := make([]any, 0, len(attrs)*2+4)
	args = append(args, "span", name)
	for k, v := range attrs {
		args = append(args, k, v)
	}
	t.logger.DebugContext(ctx, "span start", args...)
	return ctx, func(err error) {
		end := append(args[:len(args):len(args)], "duration", time.Since(start))
		if err != nil {
			t.logger.DebugContext(ctx, "span end", append(end, "error", err)...)
			return
		}
		t.logger.DebugContext(ctx, "span end", end...)
	}
}

var _ runner.Tracer = (*SlogTracer)(nil)

func sessionID(sess *runner.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID()
}
