package middleware

import (
	"context"
	"fmt"

	"github.com/voocel/codebox/runner"
	"github.com/voocel/codebox/tools"
)

// CapabilityRule reports whether a capability kind passes.
type CapabilityRule func(kind tools.Kind) bool

// AllowOnly passes only the listed kinds.
func AllowOnly(allowed ...tools.Kind) CapabilityRule {
	allowedSet := make(map[tools.Kind]struct{}, len(allowed))
	for _, k := range allowed {
		allowedSet[k] = struct{}{}
	}
	return func(kind tools.Kind) bool {
		_, ok := allowedSet[kind]
		return ok
	}
}

// Deny fails the listed kinds.
func Deny(denied ...tools.Kind) CapabilityRule {
	deniedSet := make(map[tools.Kind]struct{}, len(denied))
	for _, k := range denied {
		deniedSet[k] = struct{}{}
	}
	return func(kind tools.Kind) bool {
		_, ok := deniedSet[kind]
		return !ok
	}
}

// ToolCapabilityPolicy blocks capability calls based on rules.
type ToolCapabilityPolicy struct {
	Allow CapabilityRule
	Deny  CapabilityRule
}

// NewToolCapabilityPolicy creates a capability policy middleware.
func NewToolCapabilityPolicy(allow CapabilityRule, deny CapabilityRule) *ToolCapabilityPolicy {
	return &ToolCapabilityPolicy{Allow: allow, Deny: deny}
}

// NoExec denies run_python and run_shell.
func NoExec() *ToolCapabilityPolicy {
	return NewToolCapabilityPolicy(nil, Deny(tools.KindRunPython, tools.KindRunShell))
}

func (p *ToolCapabilityPolicy) BeforeTool(ctx context.Context, state *runner.ToolState) error {
	if p == nil || state == nil || state.Call == nil {
		return nil
	}
	// Unknown names are reported by the registry lookup.
	kind, ok := tools.ParseKind(state.Call.Name)
	if !ok {
		return nil
	}

	if p.Deny != nil && !p.Deny(kind) {
		return fmt.Errorf("tool capability denied: %s", kind)
	}
	if p.Allow != nil && !p.Allow(kind) {
		return fmt.Errorf("tool capability not allowed: %s", kind)
	}
	return nil
}

var _ runner.BeforeTool = (*ToolCapabilityPolicy)(nil)
