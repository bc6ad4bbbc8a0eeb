package schema

import (
	"encoding/json"
	"time"
)

// EventType defines stream event types.
type EventType string

const (
	EventStart      EventType = "start"
	EventEnd        EventType = "end"
	EventError      EventType = "error"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
)

// StreamEvent is one observable step of a run.
type StreamEvent struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Turn      int         `json:"turn,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Error     error       `json:"-"`
}

// ToolCallEvent represents a tool call event.
type ToolCallEvent struct {
	ToolCall ToolCall `json:"tool_call"`
}

// ToolResultEvent represents a tool result event.
type ToolResultEvent struct {
	ToolResult ToolResult `json:"tool_result"`
}

// NewStreamEvent creates a stream event.
func NewStreamEvent(eventType EventType, data interface{}) StreamEvent {
	return StreamEvent{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewErrorEvent creates an error event.
func NewErrorEvent(err error, sessionID string) StreamEvent {
	return StreamEvent{
		Type:      EventError,
		SessionID: sessionID,
		Error:     err,
		Timestamp: time.Now(),
	}
}

// NewToolCallEvent creates a tool call event.
func NewToolCallEvent(toolCall ToolCall, sessionID string) StreamEvent {
	return StreamEvent{
		Type:      EventToolCall,
		SessionID: sessionID,
		Data:      ToolCallEvent{ToolCall: toolCall},
		Timestamp: time.Now(),
	}
}

// NewToolResultEvent creates a tool result event.
func NewToolResultEvent(toolResult ToolResult, sessionID string) StreamEvent {
	return StreamEvent{
		Type:      EventToolResult,
		SessionID: sessionID,
		Data:      ToolResultEvent{ToolResult: toolResult},
		Timestamp: time.Now(),
	}
}

// NewEndEvent carries the final assistant message.
func NewEndEvent(msg Message, sessionID string) StreamEvent {
	return StreamEvent{
		Type:      EventEnd,
		SessionID: sessionID,
		Data:      msg,
		Timestamp: time.Now(),
	}
}

// MarshalJSON renders Error as a string so events survive the wire.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	type wire StreamEvent
	out := struct {
		wire
		Error string `json:"error,omitempty"`
	}{wire: wire(e)}
	if e.Error != nil {
		out.Error = e.Error.Error()
	}
	return json.Marshal(out)
}
