package orchestrator

import (
	"time"

	"github.com/codepod-dev/codepod/internal/project/models"
)

// EventKind identifies one orchestrator event.
type EventKind string

// StatusStarting is the status emitted at the start of a turn, before the
// sandbox record is resolved.
const StatusStarting = "starting"

// Orchestrator event kinds. Done and Error are terminal; every turn emits
// exactly one terminal event.
const (
	KindSandboxStatus EventKind = "sandbox_status"
	KindThinking      EventKind = "thinking"
	KindText          EventKind = "text"
	KindToolCall      EventKind = "tool_call"
	KindToolResult    EventKind = "tool_result"
	KindDone          EventKind = "done"
	KindError         EventKind = "error"
)

// Event is one notification produced during a turn. Fields are populated by
// Kind: SandboxStatus carries SandboxID and Status, Text carries Text,
// ToolCall and ToolResult carry ToolCall, Done carries SessionID and
// Cancelled, Error carries Err.
type Event struct {
	Kind      EventKind        `json:"kind"`
	SandboxID string           `json:"sandbox_id,omitempty"`
	Status    string           `json:"status,omitempty"`
	Text      string           `json:"text,omitempty"`
	ToolCall  *models.ToolCall `json:"tool_call,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Err       error            `json:"-"`
	Cancelled bool             `json:"cancelled,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Terminal reports whether the event ends the turn's stream.
func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}
