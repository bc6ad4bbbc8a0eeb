package middleware

import (
	"context"
	"fmt"

	"github.com/voocel/codebox/runner"
	"github.com/voocel/codebox/tools"
)

// ToolAllowlist allows only the named capabilities to execute. An empty
// allowlist allows everything.
type ToolAllowlist struct {
	Allowed map[tools.Kind]struct{}
}

// NewToolAllowlist creates an allowlist from capability wire names. Unknown
// names are rejected.
func NewToolAllowlist(names ...string) (*ToolAllowlist, error) {
	allowed := make(map[tools.Kind]struct{}, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		kind, ok := tools.ParseKind(name)
		if !ok {
			return nil, fmt.Errorf("allowlist: unknown capability %q", name)
		}
		allowed[kind] = struct{}{}
	}
	return &ToolAllowlist{Allowed: allowed}, nil
}

func (m *ToolAllowlist) BeforeTool(_ context.Context, state *runner.ToolState) error {
	if m == nil || len(m.Allowed) == 0 {
		return nil
	}
	if state == nil || state.Call == nil {
		return nil
	}
	kind, ok := tools.ParseKind(state.Call.Name)
	if !ok {
		return nil
	}
	if _, ok := m.Allowed[kind]; !ok {
		return fmt.Errorf("tool not allowed: %s", state.Call.Name)
	}
	return nil
}

var _ runner.BeforeTool = (*ToolAllowlist)(nil)
