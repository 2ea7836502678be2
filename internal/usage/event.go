// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package usage

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EVENT
// =============================================================================

// Event is one call's accounting record. Every dispatch attempt that
// reaches a terminal state produces exactly one event, whether it
// succeeded, failed, or was cancelled mid-stream.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Time is when the call finished.
	Time time.Time `json:"time"`

	// BackendID is the backend that served (or failed) the call.
	BackendID string `json:"backend_id"`

	// Model is the concrete model used.
	Model string `json:"model,omitempty"`

	// TaskType is the request's routing task type.
	TaskType string `json:"task_type,omitempty"`

	// PromptTokens and CompletionTokens are the call's token counts,
	// provider-reported or estimated.
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`

	// CostMicrocents prices the call at the backend's configured
	// rates. One microcent is a millionth of a cent.
	CostMicrocents int64 `json:"cost_microcents"`

	// Estimated marks token counts derived from the char/4 heuristic
	// rather than reported by the provider.
	Estimated bool `json:"estimated,omitempty"`

	// Success is false for failed and cancelled calls.
	Success bool `json:"success"`

	// ErrorKind carries the failure taxonomy kind when Success is
	// false ("auth", "rate_limit", "protocol", "network", "cancelled").
	ErrorKind string `json:"error_kind,omitempty"`

	// Streamed marks calls served over the streaming path.
	Streamed bool `json:"streamed,omitempty"`

	// DurationMS is the call's wall time in milliseconds.
	DurationMS int64 `json:"duration_ms,omitempty"`
}

// fill populates identity fields left empty by the caller.
func (e *Event) fill() {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
}
