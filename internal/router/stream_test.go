// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"errors"
	"testing"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/stream"
)

// =============================================================================
// DELIVERY
// =============================================================================

func TestStreamDeliversChunksInOrder(t *testing.T) {
	p := newFake(cloudDesc("p", 3, 15, backend.RoleFast))
	p.scriptStream(streamStep{events: []stream.Event{
		{TextDelta: "Hel"},
		{TextDelta: ""},
		{TextDelta: "lo"},
		{Done: true, FinishReason: "stop", Model: "p-model", Usage: &stream.Usage{PromptTokens: 10, CompletionTokens: 2, Known: true}},
	}})
	o := testRouter(t, []*scriptAdapter{p}, nil)

	ch, err := o.DispatchStream(context.Background(), chatReq(model.TaskChat, "greet me"))
	if err != nil {
		t.Fatalf("DispatchStream() error = %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}
	if chunks[0].TextDelta != "Hel" || chunks[0].Done {
		t.Errorf("chunk 0 = %+v", chunks[0])
	}
	if chunks[1].TextDelta != "lo" {
		t.Errorf("chunk 1 = %+v", chunks[1])
	}
	last := chunks[2]
	if !last.Done || last.FinishReason != model.FinishStop || last.Err != nil {
		t.Fatalf("terminal chunk = %+v", last)
	}
	if last.Usage == nil || !last.Usage.TokensKnown || last.Usage.PromptTokens != 10 {
		t.Fatalf("terminal usage = %+v", last.Usage)
	}
	if want := p.desc.CostMicrocents(10, 2); last.Usage.CostMicrocents != want {
		t.Errorf("cost = %d, want %d", last.Usage.CostMicrocents, want)
	}

	hist := o.History("p")
	if len(hist) != 2 || hist[1].Content != "Hello" {
		t.Fatalf("history = %+v", hist)
	}
	if st := o.UsageSnapshot().Backends["p"]; st.Requests != 1 || st.PromptTokens != 10 || st.CompletionTokens != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStreamRejectsBadRequests(t *testing.T) {
	p := newFake(cloudDesc("p", 3, 15, backend.RoleFast))
	o := testRouter(t, []*scriptAdapter{p}, nil)
	ctx := context.Background()

	if _, err := o.DispatchStream(ctx, nil); err == nil {
		t.Error("expected error for nil request")
	}
	if _, err := o.DispatchStream(ctx, &model.ChatRequest{Temperature: -1}); err == nil {
		t.Error("expected error for empty messages")
	}
	if p.streamCount() != 0 {
		t.Errorf("backend contacted %d times for invalid requests", p.streamCount())
	}
}

// =============================================================================
// RETRY AND HAND-OFF
// =============================================================================

func TestStreamRetriesInvisiblyBeforeDelivery(t *testing.T) {
	p := newFake(cloudDesc("p", 3, 15, backend.RoleFast))
	p.scriptStream(
		streamStep{openErr: backend.NetworkErr("p", "conn reset", nil)},
		streamStep{events: []stream.Event{
			{TextDelta: "recovered"},
			{Done: true, FinishReason: "stop"},
		}},
	)
	o := testRouter(t, []*scriptAdapter{p}, nil)

	ch, err := o.DispatchStream(context.Background(), chatReq(model.TaskChat, "hi"))
	if err != nil {
		t.Fatalf("DispatchStream() error = %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[0].TextDelta != "recovered" {
		t.Errorf("chunk 0 = %+v", chunks[0])
	}
	if !chunks[1].Done || chunks[1].Err != nil {
		t.Errorf("terminal chunk = %+v", chunks[1])
	}
	for _, c := range chunks {
		if c.Continuation {
			t.Errorf("invisible retry leaked a continuation marker: %+v", c)
		}
	}
	if p.streamCount() != 2 {
		t.Errorf("stream opens = %d, want 2", p.streamCount())
	}
	if st := o.UsageSnapshot().Backends["p"]; st.Errors != 1 || st.Requests != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStreamHandsOffAfterDelivery(t *testing.T) {
	p := newFake(cloudDesc("p", 3, 15, backend.RoleFast))
	p.scriptStream(streamStep{
		events:  []stream.Event{{TextDelta: "partial"}},
		failErr: backend.NetworkErr("p", "stream dropped", nil),
	})
	q := newFake(cloudDesc("q", 3, 15, backend.RoleFast))
	q.scriptStream(streamStep{events: []stream.Event{
		{TextDelta: "rest"},
		{Done: true, FinishReason: "stop"},
	}})
	o := testRouter(t, []*scriptAdapter{p, q}, nil)

	ch, err := o.DispatchStream(context.Background(), chatReq(model.TaskChat, "hi"))
	if err != nil {
		t.Fatalf("DispatchStream() error = %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}
	if chunks[0].TextDelta != "partial" {
		t.Errorf("chunk 0 = %+v", chunks[0])
	}
	if !chunks[1].Continuation || chunks[1].Done {
		t.Fatalf("chunk 1 = %+v, want a continuation marker", chunks[1])
	}
	if chunks[2].TextDelta != "rest" {
		t.Errorf("chunk 2 = %+v", chunks[2])
	}
	if !chunks[3].Done || chunks[3].Err != nil {
		t.Errorf("terminal chunk = %+v", chunks[3])
	}

	if p.streamCount() != 1 {
		t.Errorf("delivered backend retried in place: %d opens", p.streamCount())
	}
	snap := o.UsageSnapshot()
	pst := snap.Backends["p"]
	if pst.Errors != 1 || pst.Requests != 0 {
		t.Errorf("p stats = %+v", pst)
	}
	if want := int64((len("partial") + 3) / 4); pst.CompletionTokens != want {
		t.Errorf("partial completion billed %d tokens, want %d", pst.CompletionTokens, want)
	}
	if pst.PromptTokens == 0 {
		t.Error("failed attempt's prompt not billed")
	}
	if qst := snap.Backends["q"]; qst.Requests != 1 {
		t.Errorf("q stats = %+v", qst)
	}
	if hist := o.History("q"); len(hist) != 2 || hist[1].Content != "rest" {
		t.Errorf("q history = %+v", hist)
	}
	if len(o.History("p")) != 0 {
		t.Errorf("p history = %+v", o.History("p"))
	}
}

func TestStreamFallsBackAcrossDeliveryModes(t *testing.T) {
	p := newFake(cloudDesc("p", 3, 15, backend.RoleFast))
	p.scriptStream(streamStep{openErr: &backend.Error{Kind: backend.KindAuth, BackendID: "p", Message: "invalid key"}})
	q := newFake(cloudDesc("q", 3, 15, backend.RoleFast))
	q.desc.SupportsStreaming = false
	o := testRouter(t, []*scriptAdapter{p, q}, nil)

	ch, err := o.DispatchStream(context.Background(), chatReq(model.TaskChat, "hi"))
	if err != nil {
		t.Fatalf("DispatchStream() error = %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if !chunks[0].Done || chunks[0].TextDelta != "ok:q" {
		t.Fatalf("chunk = %+v", chunks[0])
	}
	if q.chatCount() != 1 || q.streamCount() != 0 {
		t.Errorf("q calls: chat=%d stream=%d", q.chatCount(), q.streamCount())
	}
}

// =============================================================================
// CANCELLATION AND EXHAUSTION
// =============================================================================

func TestStreamCancellationAborts(t *testing.T) {
	p := newFake(cloudDesc("p", 3, 15, backend.RoleFast))
	p.scriptStream(streamStep{
		events:  []stream.Event{{TextDelta: "a"}},
		failErr: backend.CancelledErr("p", context.Canceled),
	})
	q := newFake(cloudDesc("q", 3, 15, backend.RoleFast))
	o := testRouter(t, []*scriptAdapter{p, q}, nil)

	ch, err := o.DispatchStream(context.Background(), chatReq(model.TaskChat, "hi"))
	if err != nil {
		t.Fatalf("DispatchStream() error = %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) == 0 {
		t.Fatal("no chunks at all")
	}
	last := chunks[len(chunks)-1]
	if !backend.IsCancelled(last.Err) {
		t.Fatalf("terminal chunk = %+v, want a cancelled error", last)
	}
	if q.streamCount() != 0 {
		t.Error("cancellation fell back to the next backend")
	}
	if st := o.UsageSnapshot().Backends["p"]; st.Errors != 0 || st.Requests != 0 {
		t.Errorf("cancelled stream counted: %+v", st)
	}
}

func TestStreamExhaustionReportsTrail(t *testing.T) {
	a := newFake(cloudDesc("a", 3, 15, backend.RoleFast))
	a.scriptStream(streamStep{openErr: &backend.Error{Kind: backend.KindAuth, BackendID: "a", Message: "invalid key"}})
	b := newFake(cloudDesc("b", 3, 15, backend.RoleFast))
	b.scriptStream(streamStep{openErr: &backend.Error{Kind: backend.KindAuth, BackendID: "b", Message: "invalid key"}})
	o := testRouter(t, []*scriptAdapter{a, b}, nil)

	ch, err := o.DispatchStream(context.Background(), chatReq(model.TaskChat, "hi"))
	if err != nil {
		t.Fatalf("DispatchStream() error = %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %+v", chunks)
	}
	var nv *backend.NoViableBackendError
	if !errors.As(chunks[0].Err, &nv) {
		t.Fatalf("terminal error = %v, want NoViableBackendError", chunks[0].Err)
	}
	if len(nv.Trail) != 2 || nv.Trail[0].BackendID != "a" || nv.Trail[1].BackendID != "b" {
		t.Errorf("trail = %+v", nv.Trail)
	}
}

// =============================================================================
// MALFORMED TOOL CALLS
// =============================================================================

func brokenToolStream() streamStep {
	return streamStep{events: []stream.Event{
		{TextDelta: "say "},
		{Done: true, TextDelta: "now", FinishReason: "tool_calls", ToolCalls: []stream.ToolCallDelta{
			{ID: "t1", Name: "run", ArgsFragment: "{oops"},
		}},
	}}
}

func TestStreamMalformedToolCallFallsBack(t *testing.T) {
	p := newFake(cloudDesc("p", 3, 15, backend.RoleFast))
	p.scriptStream(brokenToolStream())
	q := newFake(cloudDesc("q", 3, 15, backend.RoleFast))
	q.scriptStream(streamStep{events: []stream.Event{
		{TextDelta: "done"},
		{Done: true, FinishReason: "stop"},
	}})
	o := testRouter(t, []*scriptAdapter{p, q}, nil)

	ch, err := o.DispatchStream(context.Background(), chatReq(model.TaskChat, "hi"))
	if err != nil {
		t.Fatalf("DispatchStream() error = %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 5 {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}
	if chunks[0].TextDelta != "say " {
		t.Errorf("chunk 0 = %+v", chunks[0])
	}
	if chunks[1].TextDelta != "now" || chunks[1].Done {
		t.Fatalf("chunk 1 = %+v; text arriving with the bad call must still flow", chunks[1])
	}
	if !chunks[2].Continuation {
		t.Fatalf("chunk 2 = %+v, want a continuation marker", chunks[2])
	}
	if chunks[3].TextDelta != "done" {
		t.Errorf("chunk 3 = %+v", chunks[3])
	}
	if !chunks[4].Done || chunks[4].Err != nil {
		t.Errorf("terminal chunk = %+v", chunks[4])
	}

	snap := o.UsageSnapshot()
	if snap.Backends["p"].Errors != 1 {
		t.Errorf("p stats = %+v", snap.Backends["p"])
	}
	if snap.Backends["q"].Requests != 1 {
		t.Errorf("q stats = %+v", snap.Backends["q"])
	}
}

func TestStreamMalformedToolCallSurfacedUnderContinue(t *testing.T) {
	p := newFake(cloudDesc("p", 3, 15, backend.RoleFast))
	p.scriptStream(brokenToolStream())
	o := testRouter(t, []*scriptAdapter{p}, func(cfg *config.Config) {
		cfg.Router.OnBadToolCall = "continue"
	})

	ch, err := o.DispatchStream(context.Background(), chatReq(model.TaskChat, "hi"))
	if err != nil {
		t.Fatalf("DispatchStream() error = %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}
	last := chunks[1]
	if !last.Done || last.Err != nil {
		t.Fatalf("terminal chunk = %+v", last)
	}
	if len(last.Malformed) != 1 || last.Malformed[0].Name != "run" {
		t.Errorf("malformed = %+v", last.Malformed)
	}
	if last.FinishReason != model.FinishToolCalls {
		t.Errorf("finish = %s", last.FinishReason)
	}
	if st := o.UsageSnapshot().Backends["p"]; st.Requests != 1 || st.Errors != 0 {
		t.Errorf("stats = %+v", st)
	}
	if hist := o.History("p"); len(hist) != 2 || hist[1].Content != "say now" {
		t.Errorf("history = %+v", hist)
	}
}

// =============================================================================
// NON-STREAMING BACKENDS
// =============================================================================

func TestNonStreamingBackendServesSingleChunk(t *testing.T) {
	p := newFake(cloudDesc("p", 3, 15, backend.RoleFast))
	p.desc.SupportsStreaming = false
	o := testRouter(t, []*scriptAdapter{p}, nil)

	ch, err := o.DispatchStream(context.Background(), chatReq(model.TaskChat, "hi"))
	if err != nil {
		t.Fatalf("DispatchStream() error = %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %+v", chunks)
	}
	c := chunks[0]
	if !c.Done || c.TextDelta != "ok:p" || c.Model != "p-model" {
		t.Fatalf("chunk = %+v", c)
	}
	if c.Usage == nil || c.Usage.CostMicrocents == 0 {
		t.Errorf("usage = %+v", c.Usage)
	}
	if p.streamCount() != 0 || p.chatCount() != 1 {
		t.Errorf("calls: stream=%d chat=%d", p.streamCount(), p.chatCount())
	}
	if len(o.History("p")) != 2 {
		t.Errorf("history = %+v", o.History("p"))
	}
}
