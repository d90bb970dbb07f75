// Package gateway translates orchestrator and bus events into the wire
// frames streamed to websocket clients.
package gateway

import (
	"time"

	"github.com/codepod-dev/codepod/internal/agent/orchestrator"
)

// Wire frame types.
const (
	FrameAgentThinking   = "agent:thinking"
	FrameAgentToolCall   = "agent:tool_call"
	FrameAgentToolResult = "agent:tool_result"
	FrameAgentMessage    = "agent:message"
	FrameAgentDone       = "agent:done"
	FrameAgentError      = "agent:error"
	FrameSandboxStatus   = "sandbox:status"
	FrameFileChanged     = "file:changed"
	FrameTerminalOutput  = "terminal:output"
)

// Frame is the envelope sent over the websocket.
type Frame struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Terminal reports whether the frame ends a turn stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameAgentDone || f.Type == FrameAgentError
}

// FrameFor translates one orchestrator event into its wire frame. Every event
// kind maps to a frame; the second return is false only for an unknown kind.
func FrameFor(e orchestrator.Event) (Frame, bool) {
	frame := Frame{Timestamp: e.Timestamp}

	switch e.Kind {
	case orchestrator.KindSandboxStatus:
		frame.Type = FrameSandboxStatus
		frame.Data = map[string]any{
			"sandbox_id": e.SandboxID,
			"state":      e.Status,
		}
	case orchestrator.KindThinking:
		frame.Type = FrameAgentThinking
		frame.Data = map[string]any{}
	case orchestrator.KindText:
		frame.Type = FrameAgentMessage
		frame.Data = map[string]any{"text": e.Text}
	case orchestrator.KindToolCall:
		frame.Type = FrameAgentToolCall
		frame.Data = map[string]any{
			"id":    e.ToolCall.ID,
			"name":  e.ToolCall.Name,
			"input": e.ToolCall.Input,
		}
	case orchestrator.KindToolResult:
		frame.Type = FrameAgentToolResult
		frame.Data = map[string]any{
			"id":       e.ToolCall.ID,
			"result":   e.ToolCall.Result,
			"is_error": e.ToolCall.IsError,
		}
	case orchestrator.KindDone:
		frame.Type = FrameAgentDone
		frame.Data = map[string]any{
			"session_id": e.SessionID,
			"cancelled":  e.Cancelled,
		}
	case orchestrator.KindError:
		frame.Type = FrameAgentError
		msg := "internal error"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		frame.Data = map[string]any{"message": msg}
	default:
		return Frame{}, false
	}

	return frame, true
}

// ErrorFrame builds a terminal error frame for transport-level failures.
func ErrorFrame(message string) Frame {
	return Frame{
		Type:      FrameAgentError,
		Data:      map[string]any{"message": message},
		Timestamp: time.Now().UTC(),
	}
}
