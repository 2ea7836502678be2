// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"

	"github.com/jeranaias/modelmux/internal/model"
)

// =============================================================================
// PROVIDER EVENTS
// =============================================================================

// Event is one provider-native chunk after the adapter's wire decode.
// Adapters resolve provider quirks (index-keyed tool slots, SSE event
// names) before emitting, so an Event is already id-addressed; assembly
// and validation are the Normalizer's job.
type Event struct {
	// TextDelta is a fragment of assistant free text.
	TextDelta string

	// ToolCalls carries tool-call assembly fragments, possibly for
	// several interleaved calls.
	ToolCalls []ToolCallDelta

	// Done marks the provider's terminal event.
	Done bool

	// FinishReason is the canonical reason on the terminal event:
	// "stop", "length", or "tool_calls". Adapters map provider
	// spellings before emitting.
	FinishReason string

	// Model is the serving model, when the provider reports it.
	Model string

	// Usage is the provider-reported accounting, normally only present
	// on the terminal event.
	Usage *Usage
}

// ToolCallDelta is one fragment of a tool call's assembly.
type ToolCallDelta struct {
	// ID identifies the call across fragments. Adapters that receive
	// index-keyed fragments resolve the index to the id announced on
	// the call's first fragment.
	ID string

	// Name is set on the fragment that introduces the call.
	Name string

	// ArgsFragment is a piece of the JSON arguments payload.
	ArgsFragment string

	// Complete marks that the provider finished this call's argument
	// stream. Calls never marked complete finalize at the terminal
	// event instead.
	Complete bool
}

// Usage is provider-reported token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int

	// Known is false when the provider omitted real counts.
	Known bool
}

// =============================================================================
// SOURCE
// =============================================================================

// Source is a lazy, single-pass, non-restartable event sequence.
//
// Next returns io.EOF after the provider's natural end; any other error
// is a mid-sequence failure classified into the backend taxonomy by the
// adapter. Close releases the underlying connection and is safe to call
// more than once.
type Source interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// =============================================================================
// FINISH REASON MAPPING
// =============================================================================

// MapFinishReason converts a canonical wire reason to the model enum.
func MapFinishReason(reason string) model.FinishReason {
	switch reason {
	case "", "stop":
		return model.FinishStop
	case "length":
		return model.FinishLength
	case "tool_calls":
		return model.FinishToolCalls
	default:
		return model.FinishStop
	}
}
