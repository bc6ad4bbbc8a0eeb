package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voocel/codebox/schema"
	"github.com/voocel/codebox/workspace"
)

// Kind enumerates the capabilities the model may invoke. The set is closed:
// New switches over every Kind and there is no other way to build a Tool.
type Kind int

const (
	KindCreateFile Kind = iota
	KindReadFile
	KindListDirectory
	KindDeletePath
	KindRunPython
	KindRunShell

	kindCount
)

var kindNames = [kindCount]string{
	KindCreateFile:    "create_file",
	KindReadFile:      "read_file",
	KindListDirectory: "list_directory",
	KindDeletePath:    "delete_path",
	KindRunPython:     "run_python",
	KindRunShell:      "run_shell",
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds returns every capability in declaration order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// ParseKind maps a wire name to its Kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), true
		}
	}
	return 0, false
}

// Param declares one named tool parameter.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Spec describes a capability to the model and validates its arguments.
type Spec struct {
	Name        string
	Description string
	Params      []Param
}

// Parameters renders s as a JSON Schema object.
func (s Spec) Parameters() map[string]any {
	props := make([]schema.Prop, 0, len(s.Params))
	for _, p := range s.Params {
		prop := schema.Property(p.Name, schema.Typed(p.Type, p.Description))
		if p.Required {
			prop = prop.Required()
		}
		props = append(props, prop)
	}
	return schema.Object(props...)
}

// Param looks up a parameter by name.
func (s Spec) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Tool is one executable capability. Execute never returns an error: every
// failure is folded into the envelope, which is what the model sees.
type Tool interface {
	Kind() Kind
	Spec() Spec
	Execute(ctx context.Context, args json.RawMessage) Envelope

	sealed()
}

// Limits bounds executor resource use.
type Limits struct {
	Timeout        time.Duration `json:"timeout"`
	MaxTimeout     time.Duration `json:"max_timeout"`
	MaxReadBytes   int64         `json:"max_read_bytes"`
	MaxOutputBytes int           `json:"max_output_bytes"`
}

// DefaultLimits provides default limits.
func DefaultLimits() Limits {
	return Limits{
		Timeout:        30 * time.Second,
		MaxTimeout:     120 * time.Second,
		MaxReadBytes:   1 << 20,
		MaxOutputBytes: defaultMaxBytes,
	}
}

// Env is everything an executor needs: the workspace it is confined to and
// the process primitive used by the run_* capabilities.
type Env struct {
	Workspace *workspace.Workspace
	Runner    ProcessRunner
	Python    string
	Shell     string
	Limits    Limits
}

// WithDefaults fills unset fields with the default runner, interpreters and
// limits.
func (e Env) WithDefaults() Env {
	if e.Runner == nil {
		e.Runner = ExecRunner{}
	}
	if e.Python == "" {
		e.Python = "python3"
	}
	if e.Shell == "" {
		e.Shell = "bash"
	}
	def := DefaultLimits()
	if e.Limits.Timeout <= 0 {
		e.Limits.Timeout = def.Timeout
	}
	if e.Limits.MaxTimeout < e.Limits.Timeout {
		e.Limits.MaxTimeout = e.Limits.Timeout
	}
	if e.Limits.MaxOutputBytes <= 0 {
		e.Limits.MaxOutputBytes = def.MaxOutputBytes
	}
	return e
}

// New builds the tool for kind bound to env.
func New(kind Kind, env Env) Tool {
	env = env.WithDefaults()
	switch kind {
	case KindCreateFile:
		return &createFile{env: env}
	case KindReadFile:
		return &readFile{env: env}
	case KindListDirectory:
		return &listDirectory{env: env}
	case KindDeletePath:
		return &deletePath{env: env}
	case KindRunPython:
		return &runProcess{env: env, kind: KindRunPython}
	case KindRunShell:
		return &runProcess{env: env, kind: KindRunShell}
	default:
		panic(fmt.Sprintf("tools: unhandled capability %v", kind))
	}
}

// execute validates args against spec, decodes them into out and runs fn,
// converting errors and panics into a failed envelope.
func execute(spec Spec, args json.RawMessage, out any, fn func() Envelope) (env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			env = Fail(schema.NewToolError(spec.Name, "execute", fmt.Errorf("%w: panic: %v", schema.ErrIO, r)))
		}
	}()

	normalized, err := spec.Validate(args)
	if err != nil {
		return Fail(err)
	}
	if out != nil {
		if err := json.Unmarshal(normalized, out); err != nil {
			return Fail(schema.NewValidationError("arguments", nil, err.Error()))
		}
	}
	return fn()
}
