package memory

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/voocel/codebox/schema"
)

func call(id, name string) schema.ToolCall {
	return schema.ToolCall{ID: id, Name: name, Args: json.RawMessage(`{}`)}
}

func TestTranscriptSeedAndOrder(t *testing.T) {
	tr := NewTranscript("you are helpful")
	if tr.Len() != 1 || tr.Messages()[0].Role != schema.RoleSystem {
		t.Fatalf("transcript must start with one system message")
	}

	steps := []schema.Message{
		schema.UserMessage("hi"),
		schema.AssistantMessage("", call("a", "read_file"), call("b", "run_shell")),
		schema.ToolMessage("a", `{"success":true}`),
		schema.ToolMessage("b", `{"success":true}`),
		schema.AssistantMessage("done"),
	}
	for i, m := range steps {
		if err := tr.Append(m); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	history := tr.Messages()
	if len(history) != 6 {
		t.Fatalf("len = %d", len(history))
	}
	for _, m := range history {
		if m.ID == "" || m.Timestamp.IsZero() {
			t.Fatalf("message not stamped: %+v", m)
		}
	}
	if tr.Last().Content != "done" {
		t.Fatalf("last = %+v", tr.Last())
	}
}

func TestTranscriptRejectsViolations(t *testing.T) {
	tests := []struct {
		name  string
		setup []schema.Message
		next  schema.Message
	}{
		{"second system", nil, schema.SystemMessage("again")},
		{"orphan tool", []schema.Message{schema.UserMessage("hi")}, schema.ToolMessage("x", "{}")},
		{"tool answers unknown id", []schema.Message{
			schema.UserMessage("hi"),
			schema.AssistantMessage("", call("a", "read_file")),
		}, schema.ToolMessage("zzz", "{}")},
		{"tool answers twice", []schema.Message{
			schema.UserMessage("hi"),
			schema.AssistantMessage("", call("a", "read_file")),
			schema.ToolMessage("a", "{}"),
		}, schema.ToolMessage("a", "{}")},
		{"user while calls pending", []schema.Message{
			schema.UserMessage("hi"),
			schema.AssistantMessage("", call("a", "read_file")),
		}, schema.UserMessage("hello?")},
		{"assistant while calls pending", []schema.Message{
			schema.UserMessage("hi"),
			schema.AssistantMessage("", call("a", "read_file"), call("b", "read_file")),
			schema.ToolMessage("a", "{}"),
		}, schema.AssistantMessage("skip b")},
		{"duplicate call ids", []schema.Message{schema.UserMessage("hi")},
			schema.AssistantMessage("", call("a", "read_file"), call("a", "run_shell"))},
		{"empty call id", []schema.Message{schema.UserMessage("hi")},
			schema.AssistantMessage("", call("", "read_file"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTranscript("sys")
			for _, m := range tt.setup {
				if err := tr.Append(m); err != nil {
					t.Fatalf("setup: %v", err)
				}
			}
			before := tr.Len()
			err := tr.Append(tt.next)
			if !errors.Is(err, schema.ErrSessionFatal) {
				t.Fatalf("Append() error = %v, want ErrSessionFatal", err)
			}
			if tr.Len() != before {
				t.Fatalf("transcript modified on violation")
			}
		})
	}
}

func TestTranscriptRollback(t *testing.T) {
	tr := NewTranscript("sys")
	_ = tr.Append(schema.UserMessage("first"))
	_ = tr.Append(schema.AssistantMessage("ok"))

	mark := tr.Mark()
	_ = tr.Append(schema.UserMessage("second"))
	_ = tr.Append(schema.AssistantMessage("", call("a", "run_python")))
	if got := tr.Pending(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Pending() = %v", got)
	}

	if err := tr.Rollback(mark); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if tr.Len() != int(mark) || len(tr.Pending()) != 0 {
		t.Fatalf("rollback left %d messages, pending %v", tr.Len(), tr.Pending())
	}
	if err := tr.Append(schema.UserMessage("retry")); err != nil {
		t.Fatalf("append after rollback: %v", err)
	}

	if err := tr.Rollback(0); !errors.Is(err, schema.ErrSessionFatal) {
		t.Fatalf("rolling back the system message must fail, got %v", err)
	}
}

func TestMessagesAreCopies(t *testing.T) {
	tr := NewTranscript("sys")
	_ = tr.Append(schema.UserMessage("hi"))

	history := tr.Messages()
	history[1].Content = "tampered"
	if tr.Messages()[1].Content != "hi" {
		t.Fatalf("Messages() leaked internal state")
	}
}
