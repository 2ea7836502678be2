// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package local

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/stream"
)

// source reads the daemon's NDJSON stream and emits normalized events.
type source struct {
	backendID string
	body      io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
	done      bool
}

func newSource(backendID string, body io.ReadCloser) *source {
	return &source{
		backendID: backendID,
		body:      body,
		reader:    bufio.NewReader(body),
	}
}

// Next reads lines until one parses. Malformed lines are skipped, the
// daemon occasionally emits keepalive noise.
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

		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(line) == 0 {
					s.done = true
					return stream.Event{}, io.EOF
				}
				// Final unterminated line still counts.
			} else {
				s.done = true
				return stream.Event{}, backend.ClassifyTransport(s.backendID, err)
			}
		}

		if len(line) <= 1 && err == nil {
			continue
		}

		var chunk chatLine
		if jerr := json.Unmarshal(line, &chunk); jerr != nil {
			if err == io.EOF {
				s.done = true
				return stream.Event{}, io.EOF
			}
			continue
		}

		ev := s.toEvent(chunk)
		if ev.Done || err == io.EOF {
			s.done = true
		}
		return ev, nil
	}
}

// toEvent converts one chat line. Tool calls arrive whole in a single
// line, so each is emitted as an already-complete fragment.
func (s *source) toEvent(chunk chatLine) stream.Event {
	ev := stream.Event{
		TextDelta: chunk.Message.Content,
		Model:     chunk.Model,
	}

	for _, c := range chunk.Message.ToolCalls {
		args, err := json.Marshal(c.Function.Arguments)
		if err != nil || len(c.Function.Arguments) == 0 {
			args = []byte("{}")
		}
		ev.ToolCalls = append(ev.ToolCalls, stream.ToolCallDelta{
			ID:           "call_" + uuid.NewString(),
			Name:         c.Function.Name,
			ArgsFragment: string(args),
			Complete:     true,
		})
	}

	if chunk.Done {
		ev.Done = true
		switch {
		case len(ev.ToolCalls) > 0:
			ev.FinishReason = "tool_calls"
		case chunk.DoneReason == "length":
			ev.FinishReason = "length"
		default:
			ev.FinishReason = "stop"
		}
		if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
			ev.Usage = &stream.Usage{
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
				Known:            true,
			}
		}
	}
	return ev
}

// Close releases the response body. Safe to call more than once.
func (s *source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
