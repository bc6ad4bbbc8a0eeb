package llm

import (
	"regexp"

	"github.com/google/uuid"

	"github.com/voocel/codebox/schema"
)

var validToolCallID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxToolCallIDLength = 64

// NormalizeToolCalls returns calls with every id usable as a transcript
// key: empty, malformed (outside [a-zA-Z0-9_-] or over 64 chars) and
// duplicate ids are replaced with fresh call_<uuid> ids. Order and all other
// fields are preserved.
func NormalizeToolCalls(calls []schema.ToolCall) []schema.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]schema.ToolCall, len(calls))
	seen := make(map[string]struct{}, len(calls))
	for i, call := range calls {
		if !validID(call.ID) {
			call.ID = newToolCallID()
		} else if _, dup := seen[call.ID]; dup {
			call.ID = newToolCallID()
		}
		seen[call.ID] = struct{}{}
		out[i] = call
	}
	return out
}

func validID(id string) bool {
	return id != "" && len(id) <= maxToolCallIDLength && validToolCallID.MatchString(id)
}

func newToolCallID() string {
	return "call_" + uuid.NewString()
}
