// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared across the router.
package model

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// TOOL SPECIFICATION
// =============================================================================

// ToolSpec describes one tool a backend may invoke.
// Parameters is a JSON-schema object; the router passes it through to the
// provider untouched.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// =============================================================================
// TOOL CALL
// =============================================================================

// ToolCall is a structured invocation emitted by a backend.
//
// During streaming the Arguments payload arrives as fragments and is only
// valid once the stream marks the call complete; use Validate before
// acting on it.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Validate checks that the call names a tool and that its arguments parse
// as a well-formed JSON object. An empty arguments payload counts as the
// empty object.
func (tc ToolCall) Validate() error {
	if tc.Name == "" {
		return fmt.Errorf("tool call %s: missing tool name", tc.ID)
	}
	if len(tc.Arguments) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(tc.Arguments, &args); err != nil {
		return fmt.Errorf("tool call %s (%s): malformed arguments: %w", tc.ID, tc.Name, err)
	}
	return nil
}

// ArgumentsMap decodes the arguments payload into a map. Returns an empty
// map for an empty payload.
func (tc ToolCall) ArgumentsMap() (map[string]any, error) {
	args := make(map[string]any)
	if len(tc.Arguments) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(tc.Arguments, &args); err != nil {
		return nil, fmt.Errorf("tool call %s: %w", tc.ID, err)
	}
	return args, nil
}

// =============================================================================
// TOOL RESULT
// =============================================================================

// ToolResult is what the external tool executor hands back for one call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	Success    bool   `json:"success"`
}

// Message converts a result into the tool-role message appended to the
// conversation before a continuation call.
func (tr ToolResult) Message(toolName string) Message {
	return NewToolMessage(tr.ToolCallID, toolName, tr.Content)
}
