// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared across the router.
package model

import (
	"fmt"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single entry in a conversation history.
//
// Messages are values: append-only histories are snapshotted by copying
// the slice, which is what gives dispatch its copy-on-dispatch isolation.
// Once a message has been appended to a finalized history it is never
// mutated.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Name optionally identifies the speaker (multi-agent transcripts)
	// or the tool that produced a tool message.
	Name string `json:"name,omitempty"`

	// ToolCalls holds the structured invocations requested by an
	// assistant message, if any.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message back to the assistant tool
	// call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message with final content.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewToolMessage creates a tool-result message answering the given call.
func NewToolMessage(toolCallID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, Name: name, ToolCallID: toolCallID}
}

// IsEmpty returns true if the message carries no content and no tool calls.
func (m Message) IsEmpty() bool {
	return len(m.Content) == 0 && len(m.ToolCalls) == 0
}

// EstimateTokens gives a rough estimate of the message's token count.
// Uses the approximation of ~4 characters per token.
func (m Message) EstimateTokens() int {
	n := (len(m.Content) + 3) / 4
	for _, tc := range m.ToolCalls {
		n += (len(tc.Name) + len(tc.Arguments) + 3) / 4
	}
	return n
}

// =============================================================================
// HISTORY HELPERS
// =============================================================================

// EstimateHistoryTokens sums the token estimates of all messages.
func EstimateHistoryTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += m.EstimateTokens()
	}
	return total
}

// CloneHistory returns an independent copy of a message history.
// Tool-call slices are copied as well so the snapshot cannot observe
// later mutation of the source.
func CloneHistory(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if len(out[i].ToolCalls) > 0 {
			tcs := make([]ToolCall, len(out[i].ToolCalls))
			copy(tcs, out[i].ToolCalls)
			out[i].ToolCalls = tcs
		}
	}
	return out
}

// ValidateSequence checks the role-ordering invariant of a history:
// every tool message must answer a tool call introduced by the most
// recent assistant message, and no tool call may be answered twice.
// Multiple tool messages in a row are fine as long as each answers a
// distinct pending call.
func ValidateSequence(msgs []Message) error {
	pending := make(map[string]bool)
	for i, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		switch m.Role {
		case RoleTool:
			if m.ToolCallID == "" {
				return fmt.Errorf("message %d: tool message without tool_call_id", i)
			}
			if !pending[m.ToolCallID] {
				return fmt.Errorf("message %d: tool result %q answers no pending tool call", i, m.ToolCallID)
			}
			delete(pending, m.ToolCallID)
		case RoleAssistant:
			pending = make(map[string]bool)
			for _, tc := range m.ToolCalls {
				pending[tc.ID] = true
			}
		case RoleUser, RoleSystem:
			pending = make(map[string]bool)
		}
	}
	return nil
}

// LastUserIndex returns the index of the most recent user message, or -1.
func LastUserIndex(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return i
		}
	}
	return -1
}
