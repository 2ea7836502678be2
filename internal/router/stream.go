// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"fmt"
	"time"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/stream"
)

// streamBuffer bounds the chunk channel. The caller drives consumption;
// the producer blocks once the buffer fills.
const streamBuffer = 8

// =============================================================================
// DISPATCH (STREAMING)
// =============================================================================

// DispatchStream routes one request and streams the response.
//
// The returned channel delivers normalized chunks and closes after a
// terminal chunk: Done on success, Err on cancellation or exhaustion.
// Failures before any content is delivered retry and fall back
// invisibly. Once content has flowed, delivered text is never retracted;
// a failed backend is abandoned and a chunk with Continuation set tells
// the caller generation is resuming on the next candidate. Tool calls
// are forwarded to the caller as they complete; the executor
// continuation loop only runs on the non-streaming path.
func (o *Orchestrator) DispatchStream(ctx context.Context, req *model.ChatRequest) (<-chan stream.Chunk, error) {
	if req == nil {
		return nil, fmt.Errorf("router: nil request")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	r := req.Clone()

	ch := make(chan stream.Chunk, streamBuffer)
	go o.streamLoop(ctx, r, ch)
	return ch, nil
}

// outcome is a stream attempt's effect on the candidate loop.
type outcome int

const (
	outcomeSuccess outcome = iota // terminal chunk sent
	outcomeAdvance                // try the next candidate
	outcomeAbort                  // cancelled or caller gone
)

func (o *Orchestrator) streamLoop(ctx context.Context, req *model.ChatRequest, ch chan<- stream.Chunk) {
	defer close(ch)
	start := time.Now()

	var trail []backend.Attempt
	for _, id := range o.candidates(ctx, req) {
		switch o.streamAttempt(ctx, id, req, ch, &trail, start) {
		case outcomeSuccess, outcomeAbort:
			return
		case outcomeAdvance:
			o.logger.Printf("stream: %s failed, advancing", id)
		}
	}
	o.send(ctx, ch, stream.Chunk{Err: &backend.NoViableBackendError{Trail: trail}})
}

// streamAttempt delivers the request on one backend, retrying transient
// failures in place while this backend has delivered nothing yet.
func (o *Orchestrator) streamAttempt(ctx context.Context, id string, req *model.ChatRequest, ch chan<- stream.Chunk, trail *[]backend.Attempt, start time.Time) outcome {
	desc := o.descs[id]

	if !desc.SupportsStreaming {
		return o.chatAsStream(ctx, id, req, ch, trail, start)
	}

	prs, params := o.resolveCall(id, req)
	shaped, err := o.shaper.Fit(ctx, id, desc.ContextWindowTokens, params.MaxTokens, prs.SystemPrompt, req.Messages)
	if err != nil {
		*trail = append(*trail, attemptRecord(id, err))
		return outcomeAdvance
	}

	delivered := false
	delay := o.backoffInit
	for retries := 0; ; retries++ {
		if err := o.waitTurn(ctx, id); err != nil {
			o.recordCancelled(id, desc, req.TaskType, true, start)
			o.send(ctx, ch, stream.Chunk{Err: err})
			return outcomeAbort
		}

		res := o.openAndDrain(ctx, id, req, shaped.Messages, shaped.PromptTokens, params, ch, &delivered, start)
		switch {
		case res.ok:
			return outcomeSuccess
		case res.abort:
			return outcomeAbort
		}

		err := res.err
		if backend.IsCancelled(err) {
			o.recordCancelled(id, desc, req.TaskType, true, start)
			o.send(ctx, ch, stream.Chunk{Err: err})
			return outcomeAbort
		}
		o.recordFailure(id, desc, err, res.promptTokens, res.completionTokens, req.TaskType, true, start)

		// Retrying in place is only safe while this backend has shown
		// the caller nothing: replaying a prompt after delivery would
		// duplicate text.
		if !backend.IsRetriable(err) || delivered || retries >= o.maxRetries {
			*trail = append(*trail, attemptRecord(id, err))
			if delivered {
				if !o.send(ctx, ch, stream.Chunk{Continuation: true}) {
					return outcomeAbort
				}
			}
			return outcomeAdvance
		}

		wait := delay
		if ra := backend.RetryAfterOf(err); ra > 0 {
			wait = ra
		}
		o.logger.Printf("stream: %s %s, retry %d/%d in %s", id, backend.KindOf(err), retries+1, o.maxRetries, wait)
		if err := o.sleep(ctx, wait); err != nil {
			o.recordCancelled(id, desc, req.TaskType, true, start)
			o.send(ctx, ch, stream.Chunk{Err: err})
			return outcomeAbort
		}
		delay *= 2
		if delay > o.backoffMax {
			delay = o.backoffMax
		}
	}
}

// drainResult reports how one opened stream ended.
type drainResult struct {
	ok    bool  // success, terminal chunk sent
	abort bool  // caller gone, accounting settled
	err   error // failure to classify when neither flag is set

	// Partial accounting for a failed attempt.
	promptTokens     int
	completionTokens int
}

// openAndDrain opens the provider stream and forwards normalized chunks
// until the terminal event or a failure.
func (o *Orchestrator) openAndDrain(ctx context.Context, id string, req *model.ChatRequest, msgs []model.Message, promptTokens int, params backend.CallParams, ch chan<- stream.Chunk, delivered *bool, start time.Time) drainResult {
	desc := o.descs[id]

	src, err := o.adapters[id].Stream(ctx, msgs, params)
	if err != nil {
		return drainResult{err: err}
	}
	norm := stream.NewNormalizer(src)
	defer norm.Close()
	acc := stream.NewAccumulator()

	for {
		c, err := norm.Next(ctx)
		if err != nil {
			return drainResult{
				err:              err,
				promptTokens:     promptTokens,
				completionTokens: (len(acc.Text()) + 3) / 4,
			}
		}
		acc.Add(c)

		if !c.Done {
			if c.TextDelta == "" && !c.HasToolActivity() {
				continue
			}
			if !o.send(ctx, ch, c) {
				o.recordCancelled(id, desc, req.TaskType, true, start)
				return drainResult{abort: true}
			}
			*delivered = true
			continue
		}

		// Terminal event. A malformed tool call confirmed here acts
		// like a protocol failure under the fallback policy: trailing
		// text is still forwarded, Done is not.
		if len(c.Malformed) > 0 && o.onBadToolCall == "fallback" {
			if c.TextDelta != "" {
				if !o.send(ctx, ch, stream.Chunk{TextDelta: c.TextDelta, Model: c.Model}) {
					o.recordCancelled(id, desc, req.TaskType, true, start)
					return drainResult{abort: true}
				}
				*delivered = true
			}
			bad := c.Malformed[0]
			return drainResult{
				err:              backend.ProtocolErr(id, "malformed tool call", fmt.Errorf("%s: %s", bad.Name, bad.Reason)),
				promptTokens:     promptTokens,
				completionTokens: (len(acc.Text()) + 3) / 4,
			}
		}

		u := c.Usage
		if u == nil {
			u = &model.TokenUsage{Estimated: true}
		}
		if !u.TokensKnown {
			if u.PromptTokens == 0 {
				u.PromptTokens = promptTokens
			}
			u.Estimated = true
		}
		u.CostMicrocents = desc.CostMicrocents(u.PromptTokens, u.CompletionTokens)
		c.Usage = u
		if c.Model == "" {
			c.Model = desc.Model
		}

		o.appendExchange(id, req, acc)
		o.recordSuccess(id, *u, req.TaskType, c.Model, true, start)

		if !o.send(ctx, ch, c) {
			return drainResult{abort: true}
		}
		return drainResult{ok: true}
	}
}

// chatAsStream serves a streaming dispatch through a backend without
// stream support: one blocking call, delivered as a single terminal
// chunk.
func (o *Orchestrator) chatAsStream(ctx context.Context, id string, req *model.ChatRequest, ch chan<- stream.Chunk, trail *[]backend.Attempt, start time.Time) outcome {
	resp, at, err := o.attemptChat(ctx, id, req, start)
	if err != nil {
		if backend.IsCancelled(err) {
			o.send(ctx, ch, stream.Chunk{Err: err})
			return outcomeAbort
		}
		*trail = append(*trail, attemptRecord(id, err))
		return outcomeAdvance
	}

	if bad := invalidToolCalls(resp.ToolCalls); len(bad) > 0 {
		if o.onBadToolCall == "fallback" {
			perr := backend.ProtocolErr(id, "malformed tool call", bad[0])
			o.recordFailure(id, at.desc, perr, 0, 0, req.TaskType, true, start)
			*trail = append(*trail, attemptRecord(id, perr))
			return outcomeAdvance
		}
		resp.ToolCalls = validToolCalls(resp.ToolCalls)
		if len(resp.ToolCalls) == 0 && resp.FinishReason == model.FinishToolCalls {
			resp.FinishReason = model.FinishStop
		}
	}

	o.finalizeChat(id, req, resp, at, nil, true, start)

	terminal := stream.Chunk{
		TextDelta:    resp.Content,
		ToolCalls:    resp.ToolCalls,
		Done:         true,
		FinishReason: resp.FinishReason,
		Usage:        &resp.Usage,
		Model:        resp.Model,
	}
	if !o.send(ctx, ch, terminal) {
		return outcomeAbort
	}
	return outcomeSuccess
}

// appendExchange records a completed streamed exchange in the backend's
// session buffer.
func (o *Orchestrator) appendExchange(id string, req *model.ChatRequest, acc *stream.Accumulator) {
	var delta []model.Message
	if i := model.LastUserIndex(req.Messages); i >= 0 {
		delta = append(delta, req.Messages[i])
	}
	delta = append(delta, model.Message{
		Role:      model.RoleAssistant,
		Content:   acc.Text(),
		ToolCalls: acc.ToolCalls(),
	})
	o.sessions.Append(id, delta...)
}

// send forwards one chunk, giving up when the caller is gone.
func (o *Orchestrator) send(ctx context.Context, ch chan<- stream.Chunk, c stream.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
