// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"strings"

	"github.com/jeranaias/modelmux/internal/model"
)

// Accumulator collects normalized chunks into a single response, for
// callers that stream internally but return one value.
type Accumulator struct {
	content   strings.Builder
	toolCalls []model.ToolCall
	malformed []BadToolCall
	finish    model.FinishReason
	usage     model.TokenUsage
	model     string
	done      bool
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{finish: model.FinishStop}
}

// Add folds one chunk in.
func (a *Accumulator) Add(c Chunk) {
	a.content.WriteString(c.TextDelta)
	a.toolCalls = append(a.toolCalls, c.ToolCalls...)
	a.malformed = append(a.malformed, c.Malformed...)
	if c.Model != "" {
		a.model = c.Model
	}
	if c.Done {
		a.done = true
		a.finish = c.FinishReason
		if c.Usage != nil {
			a.usage = *c.Usage
		}
	}
}

// Text returns the text accumulated so far. Useful after a failure,
// when partial output still has value.
func (a *Accumulator) Text() string {
	return a.content.String()
}

// ToolCalls returns completed calls accumulated so far.
func (a *Accumulator) ToolCalls() []model.ToolCall {
	return a.toolCalls
}

// Malformed returns malformed-call annotations accumulated so far.
func (a *Accumulator) Malformed() []BadToolCall {
	return a.malformed
}

// Done reports whether a terminal chunk arrived.
func (a *Accumulator) Done() bool {
	return a.done
}

// Response assembles the accumulated stream into a response attributed
// to the given backend.
func (a *Accumulator) Response(backendID string) *model.ChatResponse {
	return &model.ChatResponse{
		Content:      a.content.String(),
		FinishReason: a.finish,
		ToolCalls:    a.toolCalls,
		Usage:        a.usage,
		BackendID:    backendID,
		Model:        a.model,
	}
}
