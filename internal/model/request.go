// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared across the router.
package model

import (
	"fmt"
)

// =============================================================================
// TASK TYPE
// =============================================================================

// TaskType tags a request with the kind of work it represents. The router
// maps task types onto backend roles when no explicit hint is given.
type TaskType string

const (
	// TaskChat is general conversation, the default.
	TaskChat TaskType = "chat"

	// TaskCode is code generation or editing.
	TaskCode TaskType = "code"

	// TaskParse is extraction/transformation work that favors speed.
	TaskParse TaskType = "parse"

	// TaskReview is code or design review, which favors heavy reasoning.
	TaskReview TaskType = "review"

	// TaskPlan is architecture/planning work routed to a planner backend.
	TaskPlan TaskType = "plan"
)

// String returns the string representation of the task type.
func (t TaskType) String() string {
	return string(t)
}

// Valid reports whether the task type is known.
func (t TaskType) Valid() bool {
	switch t {
	case TaskChat, TaskCode, TaskParse, TaskReview, TaskPlan:
		return true
	}
	return false
}

// ParseTaskType maps a string to a TaskType, defaulting to TaskChat for
// the empty string and failing on anything unknown.
func ParseTaskType(s string) (TaskType, error) {
	if s == "" {
		return TaskChat, nil
	}
	t := TaskType(s)
	if !t.Valid() {
		return TaskChat, fmt.Errorf("unknown task type %q", s)
	}
	return t, nil
}

// =============================================================================
// CHAT REQUEST
// =============================================================================

// ChatRequest is one dispatch's worth of input. It is constructed per call,
// consumed immediately, and never mutated after submission.
type ChatRequest struct {
	// Messages is the ordered conversation history, oldest first.
	Messages []Message

	// TaskType selects the routing table row when BackendHint is empty.
	TaskType TaskType

	// MaxTokens caps the completion length. Zero means backend default.
	MaxTokens int

	// Temperature is the sampling temperature. Negative means unset;
	// the effective value then comes from the persona or the backend.
	Temperature float64

	// Tools the backend may invoke, if any.
	Tools []ToolSpec

	// Stream selects the streaming delivery path.
	Stream bool

	// BackendHint pins dispatch to a specific backend id, bypassing the
	// task-type table (the fallback chain still applies on failure).
	BackendHint string
}

// Validate checks that the request is dispatchable.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("chat request: no messages")
	}
	if r.TaskType != "" && !r.TaskType.Valid() {
		return fmt.Errorf("chat request: unknown task type %q", r.TaskType)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("chat request: negative max_tokens %d", r.MaxTokens)
	}
	return ValidateSequence(r.Messages)
}

// Clone returns a deep copy the dispatcher can shape without touching the
// caller's slices.
func (r *ChatRequest) Clone() *ChatRequest {
	out := *r
	out.Messages = CloneHistory(r.Messages)
	if len(r.Tools) > 0 {
		out.Tools = make([]ToolSpec, len(r.Tools))
		copy(out.Tools, r.Tools)
	}
	return &out
}

// EstimateTokens estimates the prompt cost of the full message history.
func (r *ChatRequest) EstimateTokens() int {
	return EstimateHistoryTokens(r.Messages)
}

// =============================================================================
// FINISH REASON
// =============================================================================

// FinishReason explains why a completion stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishCancelled FinishReason = "cancelled"
	FinishError     FinishReason = "error"
)

// String returns the string representation of the finish reason.
func (f FinishReason) String() string {
	return string(f)
}

// =============================================================================
// CHAT RESPONSE
// =============================================================================

// ChatResponse is the uniform result of a successful (or tool-requesting)
// dispatch, whichever backend served it.
type ChatResponse struct {
	// Content is the assistant text, possibly empty when the backend
	// answered with tool calls only.
	Content string

	// FinishReason explains why generation stopped.
	FinishReason FinishReason

	// ToolCalls carries completed, validated tool invocations.
	ToolCalls []ToolCall

	// Usage is this call's token/cost accounting.
	Usage TokenUsage

	// BackendID identifies the backend that produced the response.
	BackendID string

	// Model is the concrete model the backend used.
	Model string
}

// AssistantMessage converts the response into the history entry appended
// to the serving backend's session buffer.
func (r *ChatResponse) AssistantMessage() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   r.Content,
		ToolCalls: r.ToolCalls,
	}
}

// =============================================================================
// MODEL INFO
// =============================================================================

// Info describes one model a backend can serve, as returned by ListModels.
type Info struct {
	// ID is the model identifier used in API calls.
	ID string `json:"id"`

	// Backend is the id of the backend that serves this model.
	Backend string `json:"backend"`

	// ContextWindow is the model's context size in tokens, when known.
	ContextWindow int `json:"context_window,omitempty"`
}
