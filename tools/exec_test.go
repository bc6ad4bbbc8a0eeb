package tools

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/voocel/codebox/schema"
)

func TestRunProcessWithFakeRunner(t *testing.T) {
	env := newTestEnv(t)
	fake := &fakeRunner{result: ProcessResult{ExitCode: 0, Stdout: []byte("4\n")}}
	env.Runner = fake

	got := run(t, env, KindRunPython, `{"code":"print(2+2)"}`)
	if !got.Success || got.String("stdout") != "4\n" || got.Fields["returncode"] != 0 {
		t.Fatalf("unexpected envelope: %+v", got)
	}

	spec := fake.specs[0]
	if spec.Path != "python3" || len(spec.Args) != 2 || spec.Args[0] != "-c" || spec.Args[1] != "print(2+2)" {
		t.Fatalf("unexpected process spec: %+v", spec)
	}
	if spec.Dir != env.Workspace.Root() {
		t.Fatalf("process dir = %q", spec.Dir)
	}
	if spec.Timeout != 30*time.Second {
		t.Fatalf("default timeout = %s", spec.Timeout)
	}
}

func TestRunProcessOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		result  ProcessResult
		err     error
		success bool
		code    schema.ErrorCode
	}{
		{"non-zero exit", ProcessResult{ExitCode: 2, Stderr: []byte("boom")}, nil, false, schema.CodeNonZeroExit},
		{"timeout", ProcessResult{ExitCode: -1, Stdout: []byte("partial")}, schema.ErrTimeout, false, schema.CodeTimeout},
		{"start failure", ProcessResult{ExitCode: -1}, errors.Join(schema.ErrIO, errors.New("no such file")), false, schema.CodeIOError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.Runner = &fakeRunner{result: tt.result, err: tt.err}

			got := run(t, env, KindRunShell, `{"command":"do-something"}`)
			if got.Success != tt.success || got.Code != tt.code {
				t.Fatalf("envelope = %+v", got)
			}
		})
	}

	env := newTestEnv(t)
	env.Runner = &fakeRunner{result: ProcessResult{ExitCode: 3, Stdout: []byte("out"), Stderr: []byte("err")}}
	got := run(t, env, KindRunShell, `{"command":"exit 3"}`)
	if got.String("stdout") != "out" || got.String("stderr") != "err" || got.Fields["returncode"] != 3 {
		t.Fatalf("non-zero exit must keep streams: %+v", got.Fields)
	}

	env.Runner = &fakeRunner{result: ProcessResult{ExitCode: -1, Stdout: []byte("partial")}, err: schema.ErrTimeout}
	got = run(t, env, KindRunShell, `{"command":"sleep 100"}`)
	if got.String("stdout") != "partial" || got.Fields["returncode"] != -1 {
		t.Fatalf("timeout must keep partial output: %+v", got.Fields)
	}
}

func TestRunProcessTimeoutClamp(t *testing.T) {
	env := newTestEnv(t)
	env.Limits.MaxTimeout = 60 * time.Second
	fake := &fakeRunner{}
	env.Runner = fake

	run(t, env, KindRunShell, `{"command":"true","timeout":5}`)
	run(t, env, KindRunShell, `{"command":"true","timeout":600}`)
	run(t, env, KindRunShell, `{"command":"true","timeout":0}`)
	run(t, env, KindRunShell, `{"command":"true","timeout":9223372037}`)
	run(t, env, KindRunShell, `{"command":"true","timeout":7.0}`)
	run(t, env, KindRunShell, `{"command":"true","timeout":-5}`)

	want := []time.Duration{5 * time.Second, 60 * time.Second, 30 * time.Second, 60 * time.Second, 7 * time.Second, 30 * time.Second}
	if len(fake.specs) != len(want) {
		t.Fatalf("runner called %d times, want %d", len(fake.specs), len(want))
	}
	for i, spec := range fake.specs {
		if spec.Timeout != want[i] {
			t.Fatalf("call %d timeout = %s, want %s", i, spec.Timeout, want[i])
		}
	}
}

func TestRunProcessTruncatesOutput(t *testing.T) {
	env := newTestEnv(t)
	env.Limits.MaxOutputBytes = 10
	env.Runner = &fakeRunner{result: ProcessResult{Stdout: []byte("line one\nline two\nend")}}

	got := run(t, env, KindRunShell, `{"command":"cat big"}`)
	if got.Fields["truncated"] != true {
		t.Fatalf("expected truncated flag: %+v", got.Fields)
	}
	if out := got.String("stdout"); out != "end" {
		t.Fatalf("stdout = %q, want tail", out)
	}
}

func TestRunProcessRejectsEmptySource(t *testing.T) {
	env := newTestEnv(t)
	env.Runner = &fakeRunner{}
	got := run(t, env, KindRunPython, `{"code":"   "}`)
	if got.Code != schema.CodeInvalidArguments {
		t.Fatalf("code = %q", got.Code)
	}
}

func TestTruncateTail(t *testing.T) {
	out, cut := truncateTail("short", 100)
	if cut || out != "short" {
		t.Fatalf("truncateTail(short) = %q, %v", out, cut)
	}
	out, cut = truncateTail(strings.Repeat("a", 50), 8)
	if !cut || out != strings.Repeat("a", 8) {
		t.Fatalf("long single line = %q, %v", out, cut)
	}
}

func TestExecRunnerShell(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()

	res, err := ExecRunner{}.Run(context.Background(), ProcessSpec{
		Path: sh,
		Args: []string{"-c", "pwd; echo oops >&2; exit 3"},
		Dir:  dir,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	if !strings.Contains(string(res.Stdout), dir) || strings.TrimSpace(string(res.Stderr)) != "oops" {
		t.Fatalf("stdout = %q, stderr = %q", res.Stdout, res.Stderr)
	}
}

func TestExecRunnerTimeoutKillsGroup(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	start := time.Now()
	res, err := ExecRunner{WaitDelay: 500 * time.Millisecond}.Run(context.Background(), ProcessSpec{
		Path:    sh,
		Args:    []string{"-c", "echo started; sleep 30 & sleep 30; wait"},
		Timeout: 200 * time.Millisecond,
	})
	if !errors.Is(err, schema.ErrTimeout) {
		t.Fatalf("Run() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if !strings.Contains(string(res.Stdout), "started") {
		t.Fatalf("partial output lost: %q", res.Stdout)
	}
}

func TestExecRunnerMissingInterpreter(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), ProcessSpec{Path: "/nonexistent/interpreter"})
	if !errors.Is(err, schema.ErrIO) {
		t.Fatalf("Run() error = %v, want ErrIO", err)
	}
}

func TestRunPythonCapability(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	env := newTestEnv(t)
	env.Python = python

	got := run(t, env, KindRunPython, `{"code":"print('x')"}`)
	if !got.Success || got.String("stdout") != "x\n" || got.Fields["returncode"] != 0 {
		t.Fatalf("run_python = %+v", got)
	}

	got = run(t, env, KindRunPython, `{"code":"import sys; sys.exit(4)"}`)
	if got.Success || got.Code != schema.CodeNonZeroExit || got.Fields["returncode"] != 4 {
		t.Fatalf("non-zero exit = %+v", got)
	}
}

func TestRunShellCapabilityTimeout(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	env := newTestEnv(t)
	env.Shell = sh
	env.Limits.Timeout = 300 * time.Millisecond
	env.Limits.MaxTimeout = time.Second

	start := time.Now()
	got := run(t, env, KindRunShell, `{"command":"echo begun; sleep 30","timeout":9223372037}`)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if got.Success || got.Code != schema.CodeTimeout || got.Fields["returncode"] != -1 {
		t.Fatalf("run_shell timeout = %+v", got)
	}
	if !strings.Contains(got.String("stdout"), "begun") {
		t.Fatalf("partial output lost: %+v", got.Fields)
	}
}
