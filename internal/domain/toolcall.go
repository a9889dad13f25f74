package domain

import "encoding/json"

// ToolCall is one function invocation requested by the assistant.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolCallResult correlates 1:1 with a ToolCall through ToolCallID.
// Exactly one of Result or Error is set.
type ToolCallResult struct {
	ToolCallID string `json:"toolCallId"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Failed reports whether the tool produced an error result.
func (r ToolCallResult) Failed() bool { return r.Error != "" }
