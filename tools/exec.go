package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/voocel/codebox/schema"
)

// ProcessSpec describes one child process.
type ProcessSpec struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	// Stream, when set, also receives stdout and stderr as they are produced.
	Stream io.Writer
}

// ProcessResult is what a finished (or killed) process left behind.
type ProcessResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// ProcessRunner starts a process and waits for it. A non-zero exit is not an
// error; exceeding the timeout returns an error matching schema.ErrTimeout
// together with the partial result.
type ProcessRunner interface {
	Run(ctx context.Context, spec ProcessSpec) (ProcessResult, error)
}

// ExecRunner runs processes via os/exec in their own process group.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after a kill.
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, spec ProcessSpec) (ProcessResult, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if spec.Stream != nil {
		stream := &lockedWriter{w: spec.Stream}
		cmd.Stdout = io.MultiWriter(&stdout, stream)
		cmd.Stderr = io.MultiWriter(&stderr, stream)
	}

	start := time.Now()
	err := cmd.Run()
	result := ProcessResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("%w after %s", schema.ErrTimeout, spec.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("%w: start %s: %v", schema.ErrIO, spec.Path, err)
	}
	return result, nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

var (
	runPythonSpec = Spec{
		Name:        KindRunPython.String(),
		Description: "Execute Python code in the workspace directory and return stdout, stderr and the exit code.",
		Params: []Param{
			{Name: "code", Type: schema.TypeString, Description: "Python source to execute", Required: true},
			{Name: "timeout", Type: schema.TypeInteger, Description: "Timeout in seconds"},
		},
	}
	runShellSpec = Spec{
		Name:        KindRunShell.String(),
		Description: "Execute a shell command in the workspace directory and return stdout, stderr and the exit code.",
		Params: []Param{
			{Name: "command", Type: schema.TypeString, Description: "Shell command to execute", Required: true},
			{Name: "timeout", Type: schema.TypeInteger, Description: "Timeout in seconds"},
		},
	}
)

// runProcess backs both run_python and run_shell; they differ only in the
// interpreter and the name of the source argument.
type runProcess struct {
	env  Env
	kind Kind
}

func (*runProcess) sealed()      {}
func (t *runProcess) Kind() Kind { return t.kind }

func (t *runProcess) Spec() Spec {
	if t.kind == KindRunPython {
		return runPythonSpec
	}
	return runShellSpec
}

type runProcessArgs struct {
	Code    string `json:"code"`
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

func (t *runProcess) Execute(ctx context.Context, args json.RawMessage) Envelope {
	var a runProcessArgs
	spec := t.Spec()
	return execute(spec, args, &a, func() Envelope {
		interpreter, source := t.env.Shell, a.Command
		if t.kind == KindRunPython {
			interpreter, source = t.env.Python, a.Code
		}
		if strings.TrimSpace(source) == "" {
			return Fail(schema.NewValidationError(spec.Params[0].Name, nil, "must not be empty"))
		}

		timeout := t.timeout(a.Timeout)
		res, err := t.env.Runner.Run(ctx, ProcessSpec{
			Path:    interpreter,
			Args:    []string{"-c", source},
			Dir:     t.env.Workspace.Root(),
			Timeout: timeout,
		})

		out := t.envelope(res)
		switch {
		case errors.Is(err, schema.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			timedOut := Fail(schema.NewToolError(spec.Name, "run", fmt.Errorf("%w (%s limit)", schema.ErrTimeout, timeout)))
			timedOut.Fields = out.Fields
			return timedOut.With("returncode", -1)
		case err != nil:
			return Fail(schema.NewToolError(spec.Name, "run", err))
		case res.ExitCode != 0:
			failed := Fail(schema.NewToolError(spec.Name, "run", fmt.Errorf("%w (exit code %d)", schema.ErrNonZeroExit, res.ExitCode)))
			failed.Fields = out.Fields
			return failed
		default:
			return out
		}
	})
}

// timeout clamps a per-call request in seconds to the configured maximum.
func (t *runProcess) timeout(seconds int) time.Duration {
	if seconds <= 0 {
		return t.env.Limits.Timeout
	}
	if int64(seconds) > int64(t.env.Limits.MaxTimeout/time.Second) {
		return t.env.Limits.MaxTimeout
	}
	return time.Duration(seconds) * time.Second
}

func (t *runProcess) envelope(res ProcessResult) Envelope {
	stdout, outCut := truncateTail(string(res.Stdout), t.env.Limits.MaxOutputBytes)
	stderr, errCut := truncateTail(string(res.Stderr), t.env.Limits.MaxOutputBytes)
	out := OK(map[string]any{
		"stdout":      stdout,
		"stderr":      stderr,
		"returncode":  res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
	})
	if outCut || errCut {
		out = out.With("truncated", true)
	}
	return out
}
