package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voocel/codebox/schema"
)

// ErrNotAllowed is returned by a BeforeInvoke hook to veto a call.
var ErrNotAllowed = fmt.Errorf("%w: capability not allowed", schema.ErrInvalidArguments)

// Outcome is the result of one dispatched call.
type Outcome struct {
	Call     schema.ToolCall
	Envelope Envelope
	Content  string
	Duration time.Duration
}

// Result converts the outcome to its transcript form.
func (o Outcome) Result() schema.ToolResult {
	return schema.ToolResult{
		ID:      o.Call.ID,
		Name:    o.Call.Name,
		Result:  json.RawMessage(o.Content),
		Success: o.Envelope.Success,
		Error:   o.Envelope.Error,
	}
}

// Dispatcher executes tool calls serially against a registry.
type Dispatcher struct {
	Registry *Registry
	// BeforeInvoke runs before each call and may replace its context or veto
	// it. A veto is reported to the model; it never aborts the batch. The
	// returned cancel, if any, runs once the call finishes.
	BeforeInvoke func(ctx context.Context, call schema.ToolCall) (context.Context, context.CancelFunc, error)
	// AfterInvoke observes every outcome, vetoed ones included.
	AfterInvoke func(ctx context.Context, outcome Outcome)
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{Registry: registry}
}

// Invoke runs calls strictly in order and returns one outcome per call. A
// failing call does not stop the rest.
func (d *Dispatcher) Invoke(ctx context.Context, calls []schema.ToolCall) []Outcome {
	outcomes := make([]Outcome, 0, len(calls))
	for _, call := range calls {
		outcomes = append(outcomes, d.Execute(ctx, call))
	}
	return outcomes
}

// Execute runs a single call.
func (d *Dispatcher) Execute(ctx context.Context, call schema.ToolCall) Outcome {
	return d.ExecuteWith(ctx, call, nil)
}

// ExecuteWith is Execute with run standing in for the registered tool's own
// Execute. Lookup, both hooks and a veto behave exactly as in Execute, and
// run is never called for a vetoed or unknown call. A nil run executes the
// registered tool.
func (d *Dispatcher) ExecuteWith(ctx context.Context, call schema.ToolCall, run func(ctx context.Context) Envelope) Outcome {
	start := time.Now()
	env := d.envelope(ctx, call, run)
	outcome := Outcome{
		Call:     call,
		Envelope: env,
		Content:  env.Encode(),
		Duration: time.Since(start),
	}
	if d.AfterInvoke != nil {
		d.AfterInvoke(ctx, outcome)
	}
	return outcome
}

func (d *Dispatcher) envelope(ctx context.Context, call schema.ToolCall, run func(ctx context.Context) Envelope) Envelope {
	if d.Registry == nil {
		return Fail(schema.NewToolError(call.Name, "lookup", schema.ErrUnknownCapability))
	}
	tool, err := d.Registry.Lookup(call.Name)
	if err != nil {
		return Fail(err)
	}

	if d.BeforeInvoke != nil {
		hookCtx, cancel, err := d.BeforeInvoke(ctx, call)
		if cancel != nil {
			defer cancel()
		}
		if err != nil {
			return Fail(schema.NewToolError(call.Name, "invoke", err))
		}
		if hookCtx != nil {
			ctx = hookCtx
		}
	}

	if run != nil {
		return run(ctx)
	}
	return tool.Execute(ctx, call.Args)
}
