// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/persona"
	"github.com/jeranaias/modelmux/internal/shape"
)

// =============================================================================
// DISPATCH (NON-STREAMING)
// =============================================================================

// Dispatch routes one request to a backend and returns its response.
//
// The request is snapshotted up front; later mutation of the caller's
// slices, persona switches, and context resets cannot affect this
// dispatch. Transient failures retry on the same backend with
// exponential backoff; the rest advance along the candidate order. When
// every candidate fails the error is a *backend.NoViableBackendError
// carrying the ordered attempt trail. Cancellation aborts immediately
// and is never retried.
func (o *Orchestrator) Dispatch(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	start := time.Now()
	if req == nil {
		return nil, fmt.Errorf("router: nil request")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	r := req.Clone()

	var trail []backend.Attempt
	for _, id := range o.candidates(ctx, r) {
		resp, at, err := o.attemptChat(ctx, id, r, start)
		if err != nil {
			if backend.IsCancelled(err) {
				return nil, err
			}
			trail = append(trail, attemptRecord(id, err))
			o.logger.Printf("dispatch: %s failed (%s), advancing", id, backend.KindOf(err))
			continue
		}

		// Malformed tool calls in a terminal response act like a
		// protocol failure under the fallback policy; under continue
		// they are stripped and the text stands.
		if bad := invalidToolCalls(resp.ToolCalls); len(bad) > 0 {
			if o.onBadToolCall == "fallback" {
				err := backend.ProtocolErr(id, "malformed tool call", bad[0])
				o.recordFailure(id, at.desc, err, 0, 0, r.TaskType, false, start)
				trail = append(trail, attemptRecord(id, err))
				o.logger.Printf("dispatch: %s returned malformed tool call, advancing", id)
				continue
			}
			resp.ToolCalls = validToolCalls(resp.ToolCalls)
			if len(resp.ToolCalls) == 0 && resp.FinishReason == model.FinishToolCalls {
				resp.FinishReason = model.FinishStop
			}
		}

		transcript, err := o.runToolLoop(ctx, at, resp)
		if err != nil {
			if backend.IsCancelled(err) {
				return nil, err
			}
			// Tool exchanges reference this backend's call ids; they
			// cannot be replayed elsewhere. Surface instead of falling
			// back mid-conversation.
			return nil, err
		}
		resp = at.last

		o.finalizeChat(id, r, resp, at, transcript, false, start)
		return resp, nil
	}

	return nil, &backend.NoViableBackendError{Trail: trail}
}

// attempt carries the per-candidate state a delivery resolved.
type attempt struct {
	id     string
	ad     backend.Adapter
	desc   backend.Descriptor
	prs    persona.Persona
	params backend.CallParams
	shaped *shape.Result
	last   *model.ChatResponse
}

// resolveCall snapshots the persona and resolves the call parameters for
// one backend: request fields win, persona defaults fill the rest.
func (o *Orchestrator) resolveCall(id string, req *model.ChatRequest) (persona.Persona, backend.CallParams) {
	p := o.personaFor(id, req.TaskType)
	params := backend.CallParams{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if params.Temperature < 0 {
		params.Temperature = p.Temperature
	}
	if params.MaxTokens <= 0 {
		params.MaxTokens = p.MaxTokens
	}
	if o.descs[id].SupportsTools {
		params.Tools = req.Tools
	}
	return p, params
}

// attemptChat delivers the request to one backend, retrying transient
// failures in place. The returned error is the last attempt's failure
// (or the shaping overflow), already accounted.
func (o *Orchestrator) attemptChat(ctx context.Context, id string, req *model.ChatRequest, start time.Time) (*model.ChatResponse, *attempt, error) {
	ad := o.adapters[id]
	at := &attempt{id: id, ad: ad, desc: o.descs[id]}
	at.prs, at.params = o.resolveCall(id, req)

	shaped, err := o.shaper.Fit(ctx, id, at.desc.ContextWindowTokens, at.params.MaxTokens, at.prs.SystemPrompt, req.Messages)
	if err != nil {
		return nil, at, err
	}
	at.shaped = shaped

	delay := o.backoffInit
	for retries := 0; ; retries++ {
		if err := o.waitTurn(ctx, id); err != nil {
			o.recordCancelled(id, at.desc, req.TaskType, false, start)
			return nil, at, err
		}
		resp, err := ad.Chat(ctx, shaped.Messages, at.params)
		if err == nil {
			at.last = resp
			return resp, at, nil
		}
		if backend.IsCancelled(err) {
			o.recordCancelled(id, at.desc, req.TaskType, false, start)
			return nil, at, err
		}

		o.recordFailure(id, at.desc, err, 0, 0, req.TaskType, false, start)
		if !backend.IsRetriable(err) || retries >= o.maxRetries {
			return nil, at, err
		}

		wait := delay
		if ra := backend.RetryAfterOf(err); ra > 0 {
			wait = ra
		}
		o.logger.Printf("dispatch: %s %s, retry %d/%d in %s", id, backend.KindOf(err), retries+1, o.maxRetries, wait)
		if err := o.sleep(ctx, wait); err != nil {
			o.recordCancelled(id, at.desc, req.TaskType, false, start)
			return nil, at, err
		}
		delay *= 2
		if delay > o.backoffMax {
			delay = o.backoffMax
		}
	}
}

// waitTurn blocks on the backend's rate limiter, when one is configured.
func (o *Orchestrator) waitTurn(ctx context.Context, id string) error {
	lim := o.limiters[id]
	if lim == nil {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		return backend.CancelledErr(id, err)
	}
	return nil
}

// sleep waits out a backoff delay, aborting on cancellation.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return backend.CancelledErr("", ctx.Err())
	}
}

// =============================================================================
// TOOL CONTINUATION
// =============================================================================

// runToolLoop executes requested tool calls and issues continuation
// calls on the same backend until the model stops asking, the round cap
// is reached, or no executor is configured. It returns the transcript of
// intermediate messages (assistant tool-call turns and tool results) for
// the session buffer; at.last holds the final response.
func (o *Orchestrator) runToolLoop(ctx context.Context, at *attempt, resp *model.ChatResponse) ([]model.Message, error) {
	at.last = resp
	if o.tools == nil {
		return nil, nil
	}

	convo := at.shaped.Messages
	var transcript []model.Message

	for round := 0; round < o.maxToolRounds; round++ {
		if at.last.FinishReason != model.FinishToolCalls || len(at.last.ToolCalls) == 0 {
			return transcript, nil
		}

		asst := at.last.AssistantMessage()
		convo = append(convo, asst)
		transcript = append(transcript, asst)

		for _, call := range at.last.ToolCalls {
			res := o.tools.Execute(ctx, call)
			msg := res.Message(call.Name)
			convo = append(convo, msg)
			transcript = append(transcript, msg)
		}

		cont, err := o.continuation(ctx, at, convo)
		if err != nil {
			return transcript, err
		}
		at.last = cont
	}
	return transcript, nil
}

// continuation issues one follow-up call on the same backend, with the
// usual transient-retry policy.
func (o *Orchestrator) continuation(ctx context.Context, at *attempt, convo []model.Message) (*model.ChatResponse, error) {
	start := time.Now()
	delay := o.backoffInit
	for retries := 0; ; retries++ {
		if err := o.waitTurn(ctx, at.id); err != nil {
			o.recordCancelled(at.id, at.desc, "", false, start)
			return nil, err
		}
		resp, err := at.ad.Chat(ctx, convo, at.params)
		if err == nil {
			return resp, nil
		}
		if backend.IsCancelled(err) {
			o.recordCancelled(at.id, at.desc, "", false, start)
			return nil, err
		}
		o.recordFailure(at.id, at.desc, err, 0, 0, "", false, start)
		if !backend.IsRetriable(err) || retries >= o.maxRetries {
			return nil, fmt.Errorf("router: tool continuation on %s: %w", at.id, err)
		}
		wait := delay
		if ra := backend.RetryAfterOf(err); ra > 0 {
			wait = ra
		}
		if err := o.sleep(ctx, wait); err != nil {
			o.recordCancelled(at.id, at.desc, "", false, start)
			return nil, err
		}
		delay *= 2
		if delay > o.backoffMax {
			delay = o.backoffMax
		}
	}
}

// =============================================================================
// FINALIZATION
// =============================================================================

// finalizeChat completes a successful dispatch: fills estimated usage,
// prices the call, appends the exchange to the backend's session buffer,
// and records accounting.
func (o *Orchestrator) finalizeChat(id string, req *model.ChatRequest, resp *model.ChatResponse, at *attempt, transcript []model.Message, streamed bool, start time.Time) {
	u := &resp.Usage
	if !u.TokensKnown {
		if u.PromptTokens == 0 {
			u.PromptTokens = at.shaped.PromptTokens
		}
		if u.CompletionTokens == 0 {
			u.CompletionTokens = estimateCompletion(resp)
		}
		u.Estimated = true
	}
	u.CostMicrocents = at.desc.CostMicrocents(u.PromptTokens, u.CompletionTokens)
	if resp.BackendID == "" {
		resp.BackendID = id
	}
	if resp.Model == "" {
		resp.Model = at.desc.Model
	}

	delta := make([]model.Message, 0, len(transcript)+2)
	if i := model.LastUserIndex(req.Messages); i >= 0 {
		delta = append(delta, req.Messages[i])
	}
	delta = append(delta, transcript...)
	delta = append(delta, resp.AssistantMessage())
	o.sessions.Append(id, delta...)

	o.recordSuccess(id, *u, req.TaskType, resp.Model, streamed, start)
}

// estimateCompletion applies the character heuristic to a response body.
func estimateCompletion(resp *model.ChatResponse) int {
	n := len(resp.Content)
	for _, tc := range resp.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments)
	}
	return (n + 3) / 4
}

// attemptRecord converts a failure into its trail entry.
func attemptRecord(id string, err error) backend.Attempt {
	a := backend.Attempt{BackendID: id, ErrorKind: backend.KindOf(err).String()}
	var be *backend.Error
	if errors.As(err, &be) && be.Message != "" {
		a.Message = be.Message
	} else {
		a.Message = err.Error()
	}
	return a
}

// invalidToolCalls returns the validation errors of malformed calls.
func invalidToolCalls(calls []model.ToolCall) []error {
	var bad []error
	for _, c := range calls {
		if err := c.Validate(); err != nil {
			bad = append(bad, err)
		}
	}
	return bad
}

// validToolCalls filters a call list down to the well-formed ones.
func validToolCalls(calls []model.ToolCall) []model.ToolCall {
	out := calls[:0]
	for _, c := range calls {
		if c.Validate() == nil {
			out = append(out, c)
		}
	}
	return out
}
