// Package agentstream parses the newline-delimited JSON event stream emitted
// by the coding agent CLI on stdout.
package agentstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies one agent stream event.
type EventType string

// Stream event types, in the order a typical turn emits them.
const (
	EventThinkingStarted EventType = "thinking_started"
	EventTextChunk       EventType = "text_chunk"
	EventToolStart       EventType = "tool_start"
	EventToolResult      EventType = "tool_result"
	EventDone            EventType = "done"
	EventError           EventType = "error"
)

// ErrSkipLine marks a line that carries no usable event: blank, malformed
// JSON, or an unknown type. Callers log and continue; a bad line never aborts
// the stream.
var ErrSkipLine = errors.New("agentstream: line skipped")

// Event is one parsed stream event. Fields are populated according to Type:
// text_chunk carries Text; tool_start carries ToolID, ToolName and ToolInput;
// tool_result carries ToolID, Result and IsError; done carries SessionID;
// error carries Message.
type Event struct {
	Type      EventType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolID    string          `json:"tool_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Terminal reports whether the event ends the turn.
func (e *Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// ParseLine parses one stream line. Unusable lines return an error wrapping
// ErrSkipLine with the reason.
func ParseLine(line []byte) (*Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: blank line", ErrSkipLine)
	}

	var event Event
	if err := json.Unmarshal(line, &event); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrSkipLine, err)
	}

	switch event.Type {
	case EventThinkingStarted, EventTextChunk, EventToolStart,
		EventToolResult, EventDone, EventError:
		return &event, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrSkipLine, event.Type)
	}
}
