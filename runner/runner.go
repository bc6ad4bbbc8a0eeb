package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/voocel/codebox/llm"
	"github.com/voocel/codebox/schema"
	"github.com/voocel/codebox/tools"
)

// DefaultMaxTurns bounds model calls per submitted user turn.
const DefaultMaxTurns = 25

// Config controls Runner behavior.
type Config struct {
	Model       llm.ChatModel
	Middlewares []Middleware
	Observer    Observer
	Tracer      Tracer
	Generation  *llm.GenerationConfig
	MaxTurns    int
}

// Runner executes the tool-calling conversation loop for one session turn
// at a time.
type Runner struct {
	config Config
}

// New creates a Runner and fills default config.
func New(cfg Config) *Runner {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Observer == nil {
		cfg.Observer = &NoopObserver{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = &NoopTracer{}
	}
	return &Runner{config: cfg}
}

// Model returns the configured model.
func (r *Runner) Model() llm.ChatModel { return r.config.Model }

// State describes the context of a run turn.
type State struct {
	Context  context.Context
	Session  *Session
	Input    schema.Message
	Messages []schema.Message
	Response schema.Message
	Turn     int
}

// ToolState describes tool call context.
type ToolState struct {
	Context  context.Context
	Session  *Session
	Call     *schema.ToolCall
	Result   *schema.ToolResult
	Envelope *tools.Envelope
}

// RunResult carries full execution results.
type RunResult struct {
	Message     schema.Message
	Usage       llm.TokenUsage
	ToolCalls   []schema.ToolCall
	ToolResults []schema.ToolResult
	Turns       int
}

// Middleware is a marker interface for optional hooks.
type Middleware interface{}

type BeforeLLM interface {
	BeforeLLM(ctx context.Context, state *State) error
}

type AfterLLM interface {
	AfterLLM(ctx context.Context, state *State) error
}

// BeforeTool may veto a call. The veto is reported to the model as a failed
// result; the turn continues.
type BeforeTool interface {
	BeforeTool(ctx context.Context, state *ToolState) error
}

type AfterTool interface {
	AfterTool(ctx context.Context, state *ToolState) error
}

// LLMHandler defines the LLM call signature.
type LLMHandler func(ctx context.Context, req *llm.Request) (*llm.Response, error)

// LLMMiddleware allows wrapping LLM calls.
type LLMMiddleware interface {
	HandleLLM(ctx context.Context, state *State, req *llm.Request, next LLMHandler) (*llm.Response, error)
}

// ContextMiddleware allows setting context for LLM/Tool.
type ContextMiddleware interface {
	LLMContext(ctx context.Context, state *State) (context.Context, context.CancelFunc)
	ToolContext(ctx context.Context, state *ToolState) (context.Context, context.CancelFunc)
}

// Observer provides observability callbacks.
type Observer interface {
	OnLLMStart(ctx context.Context, state *State, req *llm.Request)
	OnLLMEnd(ctx context.Context, state *State, resp *llm.Response, err error)
	OnToolCall(ctx context.Context, state *ToolState)
	OnToolResult(ctx context.Context, state *ToolState)
	OnError(ctx context.Context, err error)
}

// NoopObserver is a default no-op implementation.
type NoopObserver struct{}

func (o *NoopObserver) OnLLMStart(ctx context.Context, state *State, req *llm.Request) {}
func (o *NoopObserver) OnLLMEnd(ctx context.Context, state *State, resp *llm.Response, err error) {
}
func (o *NoopObserver) OnToolCall(ctx context.Context, state *ToolState)   {}
func (o *NoopObserver) OnToolResult(ctx context.Context, state *ToolState) {}
func (o *NoopObserver) OnError(ctx context.Context, err error)             {}

// Tracer provides a lightweight tracing interface.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error))
}

// NoopTracer is a default no-op implementation.
type NoopTracer struct{}

func (t *NoopTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// Run submits text to the session and returns the final assistant message.
func (r *Runner) Run(ctx context.Context, sess *Session, text string) (schema.Message, error) {
	result, err := r.RunWithResult(ctx, sess, text)
	if err != nil {
		return schema.Message{}, err
	}
	return result.Message, nil
}

// RunWithResult executes and returns richer results.
func (r *Runner) RunWithResult(ctx context.Context, sess *Session, text string) (RunResult, error) {
	return r.run(ctx, sess, text, func(schema.StreamEvent) {})
}

// RunStream executes one turn and delivers its events on the returned
// channel, which is closed after the end or error event. Precondition
// failures (empty input, busy session) are returned directly.
func (r *Runner) RunStream(ctx context.Context, sess *Session, text string) (<-chan schema.StreamEvent, error) {
	if err := r.precheck(sess, text); err != nil {
		return nil, err
	}
	if !sess.running.TryLock() {
		return nil, schema.NewRunnerError("run", schema.ErrSessionBusy)
	}

	out := make(chan schema.StreamEvent, 128)
	go func() {
		defer close(out)
		defer sess.running.Unlock()
		emit := func(event schema.StreamEvent) {
			select {
			case out <- event:
			case <-ctx.Done():
			}
		}
		_, _ = r.turn(ctx, sess, text, emit)
	}()
	return out, nil
}

// Invoke runs one capability call outside a model turn, through the same
// middleware and observer as model-issued calls. The session must be idle.
func (r *Runner) Invoke(ctx context.Context, sess *Session, call schema.ToolCall) (tools.Outcome, error) {
	return r.InvokeWith(ctx, sess, call, nil)
}

// InvokeWith is Invoke with run replacing the capability's own execution,
// for callers that consume process output as it is produced. The middleware
// chain still decides whether the call may run; run is skipped on a veto and
// the outcome carries the refusal.
func (r *Runner) InvokeWith(ctx context.Context, sess *Session, call schema.ToolCall, run func(ctx context.Context) tools.Envelope) (tools.Outcome, error) {
	if sess == nil {
		return tools.Outcome{}, schema.NewRunnerError("invoke", errors.New("session is nil"))
	}
	var outcome tools.Outcome
	err := sess.Exclusive(func() error {
		call = llm.NormalizeToolCalls([]schema.ToolCall{call})[0]
		outcome = r.dispatcher(sess).ExecuteWith(ctx, call, run)
		return nil
	})
	return outcome, err
}

func (r *Runner) precheck(sess *Session, text string) error {
	if sess == nil {
		return schema.NewRunnerError("run", errors.New("session is nil"))
	}
	if r.config.Model == nil {
		return schema.NewRunnerError("run", errors.New("model is nil"))
	}
	if strings.TrimSpace(text) == "" {
		return schema.NewRunnerError("run", schema.ErrEmptyInput)
	}
	return nil
}

func (r *Runner) run(ctx context.Context, sess *Session, text string, emit func(schema.StreamEvent)) (RunResult, error) {
	if err := r.precheck(sess, text); err != nil {
		return RunResult{}, err
	}
	if !sess.running.TryLock() {
		return RunResult{}, schema.NewRunnerError("run", schema.ErrSessionBusy)
	}
	defer sess.running.Unlock()
	return r.turn(ctx, sess, text, emit)
}

// turn drives AwaitingModelResponse and DispatchingTools until the model
// answers without tool calls. The caller holds the session lock.
func (r *Runner) turn(ctx context.Context, sess *Session, text string, emit func(schema.StreamEvent)) (RunResult, error) {
	transcript := sess.Transcript()
	mark := transcript.Mark()
	input := schema.UserMessage(text)

	fail := func(turn int, err error, rollback bool) (RunResult, error) {
		if rollback {
			if rbErr := transcript.Rollback(mark); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
		}
		r.config.Observer.OnError(ctx, err)
		event := schema.NewErrorEvent(err, sess.ID())
		event.Turn = turn
		emit(event)
		return RunResult{}, err
	}

	if err := transcript.Append(input); err != nil {
		return fail(0, err, false)
	}
	start := schema.NewStreamEvent(schema.EventStart, map[string]string{"input": text})
	start.SessionID = sess.ID()
	emit(start)

	specs := toolSpecs(sess.Registry())
	dispatcher := r.dispatcher(sess)
	result := RunResult{}

	for turn := 1; turn <= r.config.MaxTurns; turn++ {
		result.Turns = turn
		state := &State{
			Context:  ctx,
			Session:  sess,
			Input:    input,
			Messages: transcript.Messages(),
			Turn:     turn,
		}
		if err := r.runBeforeLLM(ctx, state); err != nil {
			return fail(turn, schema.NewRunnerError("before_llm", err), true)
		}

		req := &llm.Request{
			Messages:   state.Messages,
			Config:     r.config.Generation,
			Tools:      specs,
			ToolChoice: &llm.ToolChoiceOption{Type: "auto"},
		}
		llmCtx, cancels := r.applyLLMContext(ctx, state)
		state.Context = llmCtx

		spanCtx, endSpan := r.config.Tracer.StartSpan(llmCtx, "llm.generate", map[string]string{
			"session_id": sess.ID(),
			"turn":       fmt.Sprintf("%d", turn),
		})
		state.Context = spanCtx
		r.config.Observer.OnLLMStart(llmCtx, state, req)
		resp, err := r.callLLM(spanCtx, state, req)
		if err == nil && resp == nil {
			err = schema.NewModelError(r.config.Model.Info().Name, "generate", errors.New("empty response"))
		}
		endSpan(err)
		runCancels(cancels)
		r.config.Observer.OnLLMEnd(llmCtx, state, resp, err)
		if err != nil {
			if !errors.Is(err, schema.ErrProvider) {
				err = schema.NewModelError(r.config.Model.Info().Name, "generate", err)
			}
			return fail(turn, err, true)
		}
		result.Usage = addUsage(result.Usage, resp.Usage)

		msg := resp.Message
		msg.Role = schema.RoleAssistant
		msg.ToolCallID = ""
		msg.ToolCalls = llm.NormalizeToolCalls(msg.ToolCalls)
		msg.SetMetadata("turn", turn)
		if resp.FinishReason != "" {
			msg.SetMetadata("finish_reason", resp.FinishReason)
		}
		state.Response = msg
		if err := r.runAfterLLM(ctx, state); err != nil {
			return fail(turn, schema.NewRunnerError("after_llm", err), true)
		}

		if err := transcript.Append(msg); err != nil {
			return fail(turn, err, false)
		}

		if !msg.HasToolCalls() {
			result.Message = transcript.Last()
			end := schema.NewEndEvent(result.Message, sess.ID())
			end.Turn = turn
			emit(end)
			return result, nil
		}

		result.ToolCalls = append(result.ToolCalls, msg.ToolCalls...)
		for _, call := range msg.ToolCalls {
			event := schema.NewToolCallEvent(call, sess.ID())
			event.Turn = turn
			emit(event)
		}

		outcomes := r.executeTools(ctx, sess, dispatcher, msg.ToolCalls)
		for _, outcome := range outcomes {
			if err := transcript.Append(schema.ToolMessage(outcome.Call.ID, outcome.Content)); err != nil {
				return fail(turn, err, false)
			}
			toolResult := outcome.Result()
			result.ToolResults = append(result.ToolResults, toolResult)
			event := schema.NewToolResultEvent(toolResult, sess.ID())
			event.Turn = turn
			emit(event)
		}
	}

	return fail(result.Turns, schema.NewRunnerError("run", fmt.Errorf("%w: %d model calls", schema.ErrTurnLimit, r.config.MaxTurns)), false)
}

func toolSpecs(registry *tools.Registry) []llm.ToolSpec {
	if registry == nil {
		return nil
	}
	specs := registry.Specs()
	out := make([]llm.ToolSpec, 0, len(specs))
	for _, spec := range specs {
		out = append(out, llm.ToolSpec{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters(),
		})
	}
	return out
}

// dispatcher binds the middleware chain to the session's registry.
func (r *Runner) dispatcher(sess *Session) *tools.Dispatcher {
	d := tools.NewDispatcher(sess.Registry())
	d.BeforeInvoke = func(ctx context.Context, call schema.ToolCall) (context.Context, context.CancelFunc, error) {
		state := &ToolState{Context: ctx, Session: sess, Call: &call}
		r.config.Observer.OnToolCall(ctx, state)
		if err := r.runBeforeTool(ctx, state); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", tools.ErrNotAllowed, err)
		}
		toolCtx, cancels := r.applyToolContext(ctx, state)
		return toolCtx, func() { runCancels(cancels) }, nil
	}
	d.AfterInvoke = func(ctx context.Context, outcome tools.Outcome) {
		result := outcome.Result()
		state := &ToolState{Context: ctx, Session: sess, Call: &outcome.Call, Result: &result, Envelope: &outcome.Envelope}
		if err := r.runAfterTool(ctx, state); err != nil {
			r.config.Observer.OnError(ctx, err)
		}
		r.config.Observer.OnToolResult(ctx, state)
	}
	return d
}

func (r *Runner) executeTools(ctx context.Context, sess *Session, d *tools.Dispatcher, calls []schema.ToolCall) []tools.Outcome {
	spanCtx, endSpan := r.config.Tracer.StartSpan(ctx, "tool.invoke", map[string]string{
		"session_id": sess.ID(),
		"tool_count": fmt.Sprintf("%d", len(calls)),
	})
	outcomes := d.Invoke(spanCtx, calls)
	endSpan(nil)
	return outcomes
}

func addUsage(total, u llm.TokenUsage) llm.TokenUsage {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
	return total
}

func (r *Runner) callLLM(ctx context.Context, state *State, req *llm.Request) (*llm.Response, error) {
	handler := func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
		return r.config.Model.Generate(ctx, req)
	}

	for i := len(r.config.Middlewares) - 1; i >= 0; i-- {
		mw := r.config.Middlewares[i]
		llmMw, ok := mw.(LLMMiddleware)
		if !ok {
			continue
		}
		next := handler
		handler = func(ctx context.Context, req *llm.Request) (*llm.Response, error) {
			return llmMw.HandleLLM(ctx, state, req, next)
		}
	}

	return handler(ctx, req)
}

func (r *Runner) applyLLMContext(ctx context.Context, state *State) (context.Context, []context.CancelFunc) {
	current := ctx
	cancels := make([]context.CancelFunc, 0)
	for _, mw := range r.config.Middlewares {
		cm, ok := mw.(ContextMiddleware)
		if !ok {
			continue
		}
		updated, cancel := cm.LLMContext(current, state)
		if updated != nil {
			current = updated
		}
		if cancel != nil {
			cancels = append(cancels, cancel)
		}
	}
	return current, cancels
}

func (r *Runner) applyToolContext(ctx context.Context, state *ToolState) (context.Context, []context.CancelFunc) {
	current := ctx
	cancels := make([]context.CancelFunc, 0)
	for _, mw := range r.config.Middlewares {
		cm, ok := mw.(ContextMiddleware)
		if !ok {
			continue
		}
		updated, cancel := cm.ToolContext(current, state)
		if updated != nil {
			current = updated
		}
		if cancel != nil {
			cancels = append(cancels, cancel)
		}
	}
	return current, cancels
}

func runCancels(cancels []context.CancelFunc) {
	for i := len(cancels) - 1; i >= 0; i-- {
		if cancels[i] != nil {
			cancels[i]()
		}
	}
}

func (r *Runner) runBeforeLLM(ctx context.Context, state *State) error {
	for _, mw := range r.config.Middlewares {
		if hook, ok := mw.(BeforeLLM); ok {
			if err := hook.BeforeLLM(ctx, state); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) runAfterLLM(ctx context.Context, state *State) error {
	for _, mw := range r.config.Middlewares {
		if hook, ok := mw.(AfterLLM); ok {
			if err := hook.AfterLLM(ctx, state); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) runBeforeTool(ctx context.Context, state *ToolState) error {
	for _, mw := range r.config.Middlewares {
		if hook, ok := mw.(BeforeTool); ok {
			if err := hook.BeforeTool(ctx, state); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) runAfterTool(ctx context.Context, state *ToolState) error {
	for _, mw := range r.config.Middlewares {
		if hook, ok := mw.(AfterTool); ok {
			if err := hook.AfterTool(ctx, state); err != nil {
				return err
			}
		}
	}
	return nil
}
