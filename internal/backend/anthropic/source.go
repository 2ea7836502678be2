// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/stream"
)

// streamEvent is the union shape of every Messages API SSE payload.
type streamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message struct {
		Model string    `json:"model"`
		Usage wireUsage `json:"usage"`
	} `json:"message"`

	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage wireUsage `json:"usage"`

	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// blockState tracks one open content block by wire index.
type blockState struct {
	id     string
	name   string
	isTool bool
}

// source reads named SSE events and emits normalized events. Tool calls
// are delimited explicitly: content_block_start announces the id, and
// content_block_stop marks the call complete.
type source struct {
	backendID string
	body      io.ReadCloser
	sse       *stream.SSEReader
	closeOnce sync.Once
	done      bool

	blocks map[int]*blockState
	model  string

	inputTokens  int
	outputTokens int
	usageKnown   bool
	stopReason   string
}

func newSource(backendID string, body io.ReadCloser) *source {
	return &source{
		backendID: backendID,
		body:      body,
		sse:       stream.NewSSEReader(body),
		blocks:    make(map[int]*blockState),
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

		var ev streamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		out, emit, terminal, serr := s.apply(ev)
		if serr != nil {
			s.done = true
			return stream.Event{}, serr
		}
		if terminal {
			s.done = true
		}
		if emit {
			return out, nil
		}
	}
}

// apply folds one wire event. Returns the normalized event, whether to
// emit it, and whether the stream just ended.
func (s *source) apply(ev streamEvent) (stream.Event, bool, bool, error) {
	switch ev.Type {
	case "message_start":
		s.model = ev.Message.Model
		s.inputTokens = ev.Message.Usage.InputTokens
		return stream.Event{}, false, false, nil

	case "content_block_start":
		if ev.ContentBlock.Type == "tool_use" {
			s.blocks[ev.Index] = &blockState{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name, isTool: true}
			return stream.Event{
				Model: s.model,
				ToolCalls: []stream.ToolCallDelta{{
					ID:   ev.ContentBlock.ID,
					Name: ev.ContentBlock.Name,
				}},
			}, true, false, nil
		}
		s.blocks[ev.Index] = &blockState{}
		return stream.Event{}, false, false, nil

	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			return stream.Event{TextDelta: ev.Delta.Text, Model: s.model}, true, false, nil
		case "input_json_delta":
			block := s.blocks[ev.Index]
			if block == nil || !block.isTool {
				return stream.Event{}, false, false, nil
			}
			return stream.Event{
				Model: s.model,
				ToolCalls: []stream.ToolCallDelta{{
					ID:           block.id,
					ArgsFragment: ev.Delta.PartialJSON,
				}},
			}, true, false, nil
		}
		return stream.Event{}, false, false, nil

	case "content_block_stop":
		block := s.blocks[ev.Index]
		delete(s.blocks, ev.Index)
		if block == nil || !block.isTool {
			return stream.Event{}, false, false, nil
		}
		return stream.Event{
			Model:     s.model,
			ToolCalls: []stream.ToolCallDelta{{ID: block.id, Complete: true}},
		}, true, false, nil

	case "message_delta":
		if ev.Delta.StopReason != "" {
			s.stopReason = ev.Delta.StopReason
		}
		if ev.Usage.OutputTokens > 0 {
			s.outputTokens = ev.Usage.OutputTokens
			s.usageKnown = true
		}
		return stream.Event{}, false, false, nil

	case "message_stop":
		out := stream.Event{
			Done:         true,
			FinishReason: string(mapStopReason(s.stopReason)),
			Model:        s.model,
		}
		if s.usageKnown {
			out.Usage = &stream.Usage{
				PromptTokens:     s.inputTokens,
				CompletionTokens: s.outputTokens,
				Known:            true,
			}
		}
		return out, true, true, nil

	case "error":
		kind := backend.KindNetwork
		if ev.Error.Type == "overloaded_error" {
			kind = backend.KindRateLimit
		}
		return stream.Event{}, false, true, backend.NewError(kind, s.backendID, ev.Error.Message, nil)
	}

	// ping and future event types.
	return stream.Event{}, false, false, nil
}

// Close releases the response body. Safe to call more than once.
func (s *source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
