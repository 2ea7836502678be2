// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/stream"
)

// streamChunk is one SSE data payload.
type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// toolCallDelta is one fragment of a streamed tool call. Fragments are
// keyed by slot index; only the first fragment of a slot carries the id
// and name.
type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// source reads the SSE stream and emits normalized events. The protocol
// never marks individual calls complete, so pending calls finalize at
// the [DONE] terminal.
type source struct {
	backendID string
	body      io.ReadCloser
	sse       *stream.SSEReader
	closeOnce sync.Once
	done      bool

	// idByIndex resolves slot indexes to the id each slot announced.
	idByIndex map[int]string

	finishReason string
	usage        *stream.Usage
}

func newSource(backendID string, body io.ReadCloser) *source {
	return &source{
		backendID: backendID,
		body:      body,
		sse:       stream.NewSSEReader(body),
		idByIndex: make(map[int]string),
	}
}

// Next reads SSE events until one yields content or the stream ends.
func (s *source) Next(ctx context.Context) (stream.Event, error) {
	if s.done {
		return stream.Event{}, io.EOF
	}
	for {
		select {
		case <-ctx.Done():
			s.done = true
			return stream.Event{}, backend.CancelledErr(s.backendID, ctx.Err())
		default:
		}

		_, data, err := s.sse.ReadEvent()
		if err != nil {
			s.done = true
			if err == io.EOF {
				return stream.Event{}, io.EOF
			}
			return stream.Event{}, backend.ClassifyTransport(s.backendID, err)
		}

		if string(data) == "[DONE]" {
			s.done = true
			return stream.Event{
				Done:         true,
				FinishReason: s.finishReason,
				Usage:        s.usage,
			}, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Keepalives and vendor noise between data events.
			continue
		}

		ev, meaningful := s.toEvent(chunk)
		if meaningful {
			return ev, nil
		}
	}
}

// toEvent converts one chunk, stashing finish reason and usage for the
// terminal event. Returns meaningful=false for chunks that only carried
// bookkeeping.
func (s *source) toEvent(chunk streamChunk) (stream.Event, bool) {
	ev := stream.Event{Model: chunk.Model}
	meaningful := false

	if chunk.Usage != nil {
		s.usage = &stream.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			Known:            true,
		}
	}

	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		ev.TextDelta = choice.Delta.Content
		if ev.TextDelta != "" {
			meaningful = true
		}

		for _, d := range choice.Delta.ToolCalls {
			if d.ID != "" {
				s.idByIndex[d.Index] = d.ID
			}
			ev.ToolCalls = append(ev.ToolCalls, stream.ToolCallDelta{
				ID:           s.idByIndex[d.Index],
				Name:         d.Function.Name,
				ArgsFragment: d.Function.Arguments,
			})
			meaningful = true
		}

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			s.finishReason = *choice.FinishReason
		}
	}

	return ev, meaningful
}

// Close releases the response body. Safe to call more than once.
func (s *source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
