package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/voocel/codebox/runner"
	"github.com/voocel/codebox/schema"
)

// REPL reads user turns line by line and submits them to one session.
type REPL struct {
	Runner  *runner.Runner
	Session *runner.Session
	Printer *Printer
	In      io.Reader
}

var exitWords = map[string]struct{}{"exit": {}, "quit": {}}

// Banner prints the session header.
func (r *REPL) Banner(model string) {
	p := r.Printer
	p.Rule()
	p.Info("Interactive chat with " + model)
	p.Rule()
	p.Info("The assistant can create files, execute code, and manage the workspace.")
	p.Info("All files are stored in: " + r.Session.Workspace().Root())
	p.Info("Type 'exit', 'quit', or press Ctrl+D to end the session")
	p.Rule()
}

// Run loops until exit, end of input or ctx cancellation. It returns nil
// for a clean end and an error matching schema.ErrSessionFatal when the
// transcript can no longer be trusted.
func (r *REPL) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r.In)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		r.Printer.Prompt()
		var line string
		select {
		case <-ctx.Done():
			r.Printer.Info("Interrupted. Goodbye!")
			return nil
		case err := <-readErr:
			r.Printer.Info("Goodbye!")
			return err
		case line = <-lines:
		}

		input := strings.TrimSpace(line)
		if _, ok := exitWords[strings.ToLower(input)]; ok {
			r.Printer.Info("Goodbye!")
			return nil
		}
		if input == "" {
			continue
		}

		if err := r.Submit(ctx, input); err != nil {
			if !schema.IsRecoverable(err) {
				return err
			}
			if ctx.Err() != nil {
				r.Printer.Info("Interrupted. Goodbye!")
				return nil
			}
		}
	}
}

// Submit runs one user turn and prints its events.
func (r *REPL) Submit(ctx context.Context, input string) error {
	events, err := r.Runner.RunStream(ctx, r.Session, input)
	if err != nil {
		r.Printer.Error(err.Error())
		return err
	}

	var runErr error
	for event := range events {
		switch event.Type {
		case schema.EventToolCall:
			if data, ok := event.Data.(schema.ToolCallEvent); ok {
				r.Printer.ToolCall(data.ToolCall)
			}
		case schema.EventToolResult:
			if data, ok := event.Data.(schema.ToolResultEvent); ok {
				r.Printer.ToolResult(data.ToolResult)
			}
		case schema.EventEnd:
			if msg, ok := event.Data.(schema.Message); ok {
				r.Printer.Assistant(msg.Content)
			}
		case schema.EventError:
			runErr = event.Error
			if runErr == nil {
				runErr = errors.New("run failed")
			}
			r.Printer.Error(runErr.Error())
		}
	}
	return runErr
}
