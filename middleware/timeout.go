// Package middleware provides runner hooks: per-call context timeouts,
// capability policies and counters.
package middleware

import (
	"context"
	"time"

	"github.com/voocel/codebox/runner"
)

// TimeoutMiddleware bounds each model call and each capability call.
// ToolTimeout is applied on top of the capability's own wall clock, so the
// shorter of the two wins.
type TimeoutMiddleware struct {
	LLMTimeout  time.Duration
	ToolTimeout time.Duration
}

func (m *TimeoutMiddleware) LLMContext(ctx context.Context, state *runner.State) (context.Context, context.CancelFunc) {
	if m == nil || m.LLMTimeout <= 0 {
		return ctx, nil
	}
	return context.WithTimeout(ctx, m.LLMTimeout)
}

func (m *TimeoutMiddleware) ToolContext(ctx context.Context, state *runner.ToolState) (context.Context, context.CancelFunc) {
	if m == nil || m.ToolTimeout <= 0 {
		return ctx, nil
	}
	return context.WithTimeout(ctx, m.ToolTimeout)
}

var _ runner.ContextMiddleware = (*TimeoutMiddleware)(nil)
