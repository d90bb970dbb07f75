// Package models defines the project, conversation and message records.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Project is a user-owned workspace backed by at most one live sandbox.
type Project struct {
	ID        string    `db:"id" json:"id"`
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	Name      string    `db:"name" json:"name"`
	RepoURL   string    `db:"repo_url" json:"repo_url,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Conversation is the single agent conversation attached to a project. The
// agent session id allows the agent runtime to resume context across turns.
type Conversation struct {
	ID             string    `db:"id" json:"id"`
	ProjectID      string    `db:"project_id" json:"project_id"`
	AgentSessionID string    `db:"agent_session_id" json:"agent_session_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Message is one turn entry in a conversation.
type Message struct {
	ID             string       `db:"id" json:"id"`
	ConversationID string       `db:"conversation_id" json:"conversation_id"`
	Role           string       `db:"role" json:"role"`
	Content        string       `db:"content" json:"content"`
	ToolCalls      ToolCallList `db:"tool_calls" json:"tool_calls,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}

// ToolCall records one tool invocation made by the agent during a turn, paired
// with its result once observed.
type ToolCall struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Result  string          `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// ToolCallList is stored as a JSON text column.
type ToolCallList []ToolCall

// Value implements driver.Valuer.
func (l ToolCallList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *ToolCallList) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ToolCallList", src)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}
