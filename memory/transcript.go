// Package memory holds the per-session conversation transcript.
package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voocel/codebox/schema"
)

// Mark is a transcript position that Rollback can return to.
type Mark int

// Transcript is the ordered message history of one session. It is seeded
// with a single system message and only grows, except for Rollback.
//
// Append enforces the tool-call pairing rule: tool messages may only follow
// the assistant message whose calls they answer, and no user or assistant
// message may be appended while any of those calls is unanswered.
type Transcript struct {
	mu       sync.RWMutex
	messages []schema.Message
}

// NewTranscript creates a transcript seeded with the system prompt.
func NewTranscript(system string) *Transcript {
	msg := schema.SystemMessage(system)
	stamp(&msg)
	return &Transcript{messages: []schema.Message{msg}}
}

// Append validates and appends message. A violation returns an error
// matching schema.ErrSessionFatal and leaves the transcript unchanged.
func (t *Transcript) Append(message schema.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(message); err != nil {
		return err
	}
	msg := *message.Clone()
	stamp(&msg)
	t.messages = append(t.messages, msg)
	return nil
}

func (t *Transcript) check(m schema.Message) error {
	pending := t.pending()
	switch m.Role {
	case schema.RoleSystem:
		return fatal("system message after the first")
	case schema.RoleUser:
		if len(pending) > 0 {
			return fatal("user message while %d tool calls are unanswered", len(pending))
		}
	case schema.RoleAssistant:
		if len(pending) > 0 {
			return fatal("assistant message while %d tool calls are unanswered", len(pending))
		}
		seen := make(map[string]struct{}, len(m.ToolCalls))
		for _, call := range m.ToolCalls {
			if call.ID == "" {
				return fatal("tool call %q has no id", call.Name)
			}
			if _, dup := seen[call.ID]; dup {
				return fatal("duplicate tool call id %q", call.ID)
			}
			seen[call.ID] = struct{}{}
		}
	case schema.RoleTool:
		found := false
		for _, id := range pending {
			if id == m.ToolCallID {
				found = true
				break
			}
		}
		if !found {
			return fatal("tool message %q answers no pending call", m.ToolCallID)
		}
	default:
		return fatal("unknown role %q", m.Role)
	}
	return nil
}

// pending lists the ids of the last assistant message's unanswered calls,
// in call order. Callers hold the lock.
func (t *Transcript) pending() []string {
	i := len(t.messages) - 1
	answered := make(map[string]struct{})
	for ; i >= 0 && t.messages[i].Role == schema.RoleTool; i-- {
		answered[t.messages[i].ToolCallID] = struct{}{}
	}
	if i < 0 || t.messages[i].Role != schema.RoleAssistant {
		return nil
	}
	var ids []string
	for _, call := range t.messages[i].ToolCalls {
		if _, ok := answered[call.ID]; !ok {
			ids = append(ids, call.ID)
		}
	}
	return ids
}

// Pending returns the unanswered call ids of the last assistant message.
func (t *Transcript) Pending() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pending()
}

// Mark returns the current position.
func (t *Transcript) Mark() Mark {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Mark(len(t.messages))
}

// Rollback truncates the transcript back to mark. The system message is
// never removed.
func (t *Transcript) Rollback(mark Mark) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if mark < 1 || int(mark) > len(t.messages) {
		return fatal("rollback mark %d outside transcript of %d messages", mark, len(t.messages))
	}
	t.messages = t.messages[:mark]
	return nil
}

// Len returns the number of messages, the system message included.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Messages returns a deep copy of the history.
func (t *Transcript) Messages() []schema.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	history := make([]schema.Message, len(t.messages))
	for i, msg := range t.messages {
		history[i] = *msg.Clone()
	}
	return history
}

// Last returns the most recent message.
func (t *Transcript) Last() schema.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return *t.messages[len(t.messages)-1].Clone()
}

func stamp(m *schema.Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
}

func fatal(format string, args ...any) error {
	return schema.NewRunnerError("transcript", fmt.Errorf("%w: "+format, append([]any{schema.ErrSessionFatal}, args...)...))
}
