package observer

import (
	"context"

	"github.com/voocel/codebox/llm"
	"github.com/voocel/codebox/runner"
)

// Fanout forwards every callback to each observer in order.
type Fanout struct {
	items []runner.Observer
}

// NewFanout creates a Fanout, skipping nil observers.
func NewFanout(items ...runner.Observer) *Fanout {
	return &Fanout{items: filterObservers(items)}
}

// Add appends observers.
func (o *Fanout) Add(items ...runner.Observer) {
	o.items = append(o.items, filterObservers(items)...)
}

func (o *Fanout) OnLLMStart(ctx context.Context, state *runner.State, req *llm.Request) {
	for _, obs := range o.items {
		obs.OnLLMStart(ctx, state, req)
	}
}

func (o *Fanout) OnLLMEnd(ctx context.Context, state *runner.State, resp *llm.Response, err error) {
	for _, obs := range o.items {
		obs.OnLLMEnd(ctx, state, resp, err)
	}
}

func (o *Fanout) OnToolCall(ctx context.Context, state *runner.ToolState) {
	for _, obs := range o.items {
		obs.OnToolCall(ctx, state)
	}
}

func (o *Fanout) OnToolResult(ctx context.Context, state *runner.ToolState) {
	for _, obs := range o.items {
		obs.OnToolResult(ctx, state)
	}
}

func (o *Fanout) OnError(ctx context.Context, err error) {
	for _, obs := range o.items {
		obs.OnError(ctx, err)
	}
}

func filterObservers(items []runner.Observer) []runner.Observer {
	result := make([]runner.Observer, 0, len(items))
	for _, item := range items {
		if item != nil {
			result = append(result, item)
		}
	}
	return result
}

var _ runner.Observer = (*Fanout)(nil)
