// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jeranaias/modelmux/internal/model"
)

// =============================================================================
// STATES
// =============================================================================

// State is the Normalizer's position in its lifecycle.
type State int

const (
	// StateIdle means no event has been read yet.
	StateIdle State = iota

	// StateStreaming means text is flowing and no tool call is open.
	StateStreaming

	// StateToolCallPending means at least one tool call's arguments are
	// still assembling. Mid-stream malformed fragments are expected
	// here; nothing is validated until a call completes.
	StateToolCallPending

	// StateDone is terminal: the provider finished normally.
	StateDone

	// StateFailed is terminal: the sequence ended abnormally.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateToolCallPending:
		return "tool_call_pending"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// =============================================================================
// CHUNKS
// =============================================================================

// BadToolCall annotates a tool call whose completed arguments failed to
// parse. It is data, not a fault: the consumer decides whether a
// malformed terminal call is fatal.
type BadToolCall struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Raw    string `json:"raw"`
	Reason string `json:"reason"`
}

// Chunk is the uniform unit the Normalizer emits.
type Chunk struct {
	// TextDelta is free text, forwarded in the same call that read it.
	TextDelta string

	// ToolCalls carries calls whose arguments completed and validated
	// in this chunk.
	ToolCalls []model.ToolCall

	// Malformed carries calls whose completed arguments failed to
	// parse, as structured annotations.
	Malformed []BadToolCall

	// Done marks the terminal chunk of a normal stream.
	Done bool

	// FinishReason is set on the terminal chunk.
	FinishReason model.FinishReason

	// Usage is set on the terminal chunk: provider-reported when
	// available, otherwise estimated from streamed characters with
	// Estimated=true.
	Usage *model.TokenUsage

	// Model is the serving model as reported so far.
	Model string

	// Continuation signals that earlier text stands but generation is
	// resuming elsewhere after a failed attempt. Emitted by the
	// dispatcher, never by the Normalizer.
	Continuation bool

	// Err reports an abnormal end on the router's terminal chunk.
	Err error
}

// HasToolActivity reports whether the chunk advanced any tool call.
func (c *Chunk) HasToolActivity() bool {
	return len(c.ToolCalls) > 0 || len(c.Malformed) > 0
}

// =============================================================================
// NORMALIZER
// =============================================================================

// pendingCall buffers one tool call's argument fragments.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// Normalizer reassembles a provider event sequence into Chunks.
//
// Single-use: after the terminal chunk (Done) or a failure, Next returns
// io.EOF / no further chunks; restarting requires a fresh Source from
// the adapter.
type Normalizer struct {
	src   Source
	state State

	pending map[string]*pendingCall
	order   []string

	completionChars int
	model           string
	synthCalls      int
}

// NewNormalizer wraps a provider event source.
func NewNormalizer(src Source) *Normalizer {
	return &Normalizer{
		src:     src,
		state:   StateIdle,
		pending: make(map[string]*pendingCall),
	}
}

// State returns the current lifecycle state.
func (n *Normalizer) State() State {
	return n.state
}

// Close releases the underlying provider stream.
func (n *Normalizer) Close() error {
	return n.src.Close()
}

// Next returns the next normalized chunk. io.EOF follows the terminal
// chunk; a non-EOF error marks the stream Failed and carries the
// adapter's taxonomy classification.
func (n *Normalizer) Next(ctx context.Context) (Chunk, error) {
	if n.state == StateDone || n.state == StateFailed {
		return Chunk{}, io.EOF
	}

	ev, err := n.src.Next(ctx)
	if err != nil {
		if err == io.EOF {
			// Provider closed without a terminal event. Treat as done:
			// pending calls finalize and usage falls back to estimates.
			return n.apply(Event{Done: true}), nil
		}
		n.state = StateFailed
		return Chunk{}, err
	}
	return n.apply(ev), nil
}

// apply folds one provider event into the state machine.
func (n *Normalizer) apply(ev Event) Chunk {
	if n.state == StateIdle {
		n.state = StateStreaming
	}

	var out Chunk
	out.TextDelta = ev.TextDelta
	n.completionChars += len(ev.TextDelta)
	if ev.Model != "" {
		n.model = ev.Model
	}
	out.Model = n.model

	for _, d := range ev.ToolCalls {
		n.bufferFragment(d, &out)
	}

	switch {
	case len(n.pending) > 0:
		n.state = StateToolCallPending
	case n.state == StateToolCallPending:
		n.state = StateStreaming
	}

	if ev.Done {
		n.flushPending(&out)
		out.Done = true
		out.FinishReason = MapFinishReason(ev.FinishReason)
		if ev.FinishReason == "" && len(out.ToolCalls) > 0 {
			out.FinishReason = model.FinishToolCalls
		}
		out.Usage = n.usageFrom(ev)
		n.state = StateDone
	}

	return out
}

// bufferFragment folds one tool-call fragment in, finalizing the call if
// the provider marked it complete.
func (n *Normalizer) bufferFragment(d ToolCallDelta, out *Chunk) {
	id := d.ID
	if id == "" {
		// Provider sent an anonymous fragment; synthesize a stable id
		// so assembly still works.
		n.synthCalls++
		id = fmt.Sprintf("call_%d", n.synthCalls)
	}

	pc, ok := n.pending[id]
	if !ok {
		pc = &pendingCall{id: id, name: d.Name}
		n.pending[id] = pc
		n.order = append(n.order, id)
	}
	if d.Name != "" {
		pc.name = d.Name
	}
	pc.args.WriteString(d.ArgsFragment)

	if d.Complete {
		n.finalizeCall(id, out)
	}
}

// finalizeCall concatenates a call's fragments, validates once, and
// emits either a completed call or a malformed annotation.
func (n *Normalizer) finalizeCall(id string, out *Chunk) {
	pc, ok := n.pending[id]
	if !ok {
		return
	}
	delete(n.pending, id)

	raw := pc.args.String()
	if raw == "" {
		raw = "{}"
	}
	call := model.ToolCall{ID: pc.id, Name: pc.name, Arguments: json.RawMessage(raw)}
	if err := call.Validate(); err != nil {
		out.Malformed = append(out.Malformed, BadToolCall{
			ID:     pc.id,
			Name:   pc.name,
			Raw:    raw,
			Reason: err.Error(),
		})
		return
	}
	n.completionChars += len(pc.name) + len(raw)
	out.ToolCalls = append(out.ToolCalls, call)
}

// flushPending finalizes calls the provider never marked complete,
// in arrival order. Reached at the terminal event.
func (n *Normalizer) flushPending(out *Chunk) {
	for _, id := range n.order {
		if _, still := n.pending[id]; still {
			n.finalizeCall(id, out)
		}
	}
	n.order = n.order[:0]
}

// usageFrom builds terminal usage: provider counts when known, character
// estimates otherwise. The prompt side of an estimate is left zero; the
// dispatcher knows the shaped prompt and fills it in.
func (n *Normalizer) usageFrom(ev Event) *model.TokenUsage {
	if ev.Usage != nil && ev.Usage.Known {
		return &model.TokenUsage{
			PromptTokens:     ev.Usage.PromptTokens,
			CompletionTokens: ev.Usage.CompletionTokens,
			TokensKnown:      true,
		}
	}
	return &model.TokenUsage{
		CompletionTokens: (n.completionChars + 3) / 4,
		TokensKnown:      false,
		Estimated:        true,
	}
}
