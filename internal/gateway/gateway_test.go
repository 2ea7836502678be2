// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/router"
	"github.com/jeranaias/modelmux/internal/stream"
)

// =============================================================================
// STUB BACKENDS
// =============================================================================

type chatOutcome struct {
	resp *model.ChatResponse
	err  error
}

type streamOutcome struct {
	openErr error
	events  []stream.Event
	failErr error
}

// stubAdapter plays queued outcomes in order and answers with a canned
// success once the queue is empty.
type stubAdapter struct {
	desc backend.Descriptor

	mu          sync.Mutex
	chatQueue   []chatOutcome
	streamQueue []streamOutcome
	lastParams  backend.CallParams
	readyErr    error
}

func newStub(desc backend.Descriptor) *stubAdapter {
	return &stubAdapter{desc: desc}
}

func (s *stubAdapter) ID() string                     { return s.desc.ID }
func (s *stubAdapter) Descriptor() backend.Descriptor { return s.desc }

func (s *stubAdapter) Chat(ctx context.Context, msgs []model.Message, p backend.CallParams) (*model.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastParams = p
	if len(s.chatQueue) > 0 {
		out := s.chatQueue[0]
		s.chatQueue = s.chatQueue[1:]
		return out.resp, out.err
	}
	return &model.ChatResponse{
		Content:      "ok:" + s.desc.ID,
		FinishReason: model.FinishStop,
		Usage:        model.TokenUsage{PromptTokens: 7, CompletionTokens: 3, TokensKnown: true},
	}, nil
}

func (s *stubAdapter) Stream(ctx context.Context, msgs []model.Message, p backend.CallParams) (stream.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastParams = p
	if len(s.streamQueue) > 0 {
		out := s.streamQueue[0]
		s.streamQueue = s.streamQueue[1:]
		if out.openErr != nil {
			return nil, out.openErr
		}
		return &eventSource{events: out.events, failErr: out.failErr}, nil
	}
	return &eventSource{events: []stream.Event{
		{TextDelta: "ok:" + s.desc.ID},
		{Done: true, FinishReason: "stop", Usage: &stream.Usage{PromptTokens: 7, CompletionTokens: 3, Known: true}},
	}}, nil
}

func (s *stubAdapter) ListModels(ctx context.Context) ([]model.Info, error) {
	return []model.Info{{ID: s.desc.Model, Backend: s.desc.ID, ContextWindow: s.desc.ContextWindowTokens}}, nil
}

func (s *stubAdapter) CheckReady(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyErr
}

func (s *stubAdapter) queueChat(resp *model.ChatResponse, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatQueue = append(s.chatQueue, chatOutcome{resp: resp, err: err})
}

func (s *stubAdapter) queueStream(openErr error, events []stream.Event, failErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamQueue = append(s.streamQueue, streamOutcome{openErr: openErr, events: events, failErr: failErr})
}

func (s *stubAdapter) params() backend.CallParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastParams
}

// eventSource replays events, then fails or ends the stream.
type eventSource struct {
	mu      sync.Mutex
	events  []stream.Event
	failErr error
}

func (s *eventSource) Next(ctx context.Context) (stream.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		return ev, nil
	}
	if s.failErr != nil {
		return stream.Event{}, s.failErr
	}
	return stream.Event{}, io.EOF
}

func (s *eventSource) Close() error { return nil }

// =============================================================================
// TEST WIRING
// =============================================================================

func gwDesc(id string, roles ...backend.Role) backend.Descriptor {
	return backend.Descriptor{
		ID:                  id,
		Protocol:            backend.ProtocolOpenAI,
		Model:               id + "-model",
		ContextWindowTokens: 128_000,
		CostInPerMTok:       1,
		CostOutPerMTok:      2,
		SupportsStreaming:   true,
		SupportsTools:       true,
		Roles:               roles,
	}
}

func testGateway(t *testing.T, stubs []*stubAdapter, tune func(*config.Config)) (*Server, *router.Orchestrator) {
	t.Helper()
	cfg := &config.Config{
		Router: config.RouterConfig{
			MaxRetries:         2,
			BackoffInitialMS:   1,
			BackoffMaxMS:       8,
			SafetyMarginTokens: 16,
			ShapingPolicy:      "drop",
			OnBadToolCall:      "fallback",
			MaxToolRounds:      4,
			SessionMaxMessages: 400,
			ProbeTTLSecs:       300,
		},
		Gateway: config.GatewayConfig{
			Addr:             "127.0.0.1:0",
			MaxBodyBytes:     1 << 20,
			MaxMessages:      64,
			MaxContentChars:  100_000,
			ReadTimeoutSecs:  5,
			WriteTimeoutSecs: 30,
		},
	}
	adapters := make([]backend.Adapter, 0, len(stubs))
	for _, st := range stubs {
		cfg.Backends = append(cfg.Backends, config.BackendConfig{ID: st.desc.ID, Protocol: string(st.desc.Protocol)})
		cfg.Router.FallbackChain = append(cfg.Router.FallbackChain, st.desc.ID)
		adapters = append(adapters, st)
	}
	if tune != nil {
		tune(cfg)
	}

	quiet := log.New(io.Discard, "", 0)
	orc, err := router.New(cfg, router.Deps{Adapters: adapters, Logger: quiet})
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	return New(cfg.Gateway, orc, quiet), orc
}

func postCompletion(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// sseFrames returns the data payloads of an SSE body, in order.
func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, line := range strings.Split(body, "\n") {
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			frames = append(frames, payload)
		}
	}
	return frames
}

func decodeChunk(t *testing.T, payload string) streamChunk {
	t.Helper()
	var c streamChunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		t.Fatalf("decode chunk %q: %v", payload, err)
	}
	return c
}

// errorEnvelope is the wire error shape.
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// =============================================================================
// CHAT COMPLETIONS
// =============================================================================

func TestChatCompletionsRoundTrip(t *testing.T) {
	fast := newStub(gwDesc("fast", backend.RoleFast))
	s, _ := testGateway(t, []*stubAdapter{fast}, nil)

	w := postCompletion(t, s, `{"model":"auto","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d, body %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp chatCompletionResponse
	decodeInto(t, w, &resp)

	if resp.Object != "chat.completion" {
		t.Errorf("Object = %q, want 'chat.completion'", resp.Object)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("ID = %q, want chatcmpl- prefix", resp.ID)
	}
	if resp.Model != "fast-model" {
		t.Errorf("Model = %q, want 'fast-model'", resp.Model)
	}
	if resp.Backend != "fast" {
		t.Errorf("Backend = %q, want 'fast'", resp.Backend)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("len(Choices) = %d, want 1", len(resp.Choices))
	}
	choice := resp.Choices[0]
	if choice.Message == nil || choice.Message.Content != "ok:fast" {
		t.Errorf("Message = %+v, want content 'ok:fast'", choice.Message)
	}
	if choice.FinishReason == nil || *choice.FinishReason != "stop" {
		t.Errorf("FinishReason = %v, want 'stop'", choice.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 7 || resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 10 {
		t.Errorf("Usage = %+v, want 7/3/10", resp.Usage)
	}
	if resp.Usage.Estimated {
		t.Error("Usage.Estimated = true for provider-reported counts")
	}
}

func TestChatCompletionsModelField(t *testing.T) {
	a := newStub(gwDesc("a", backend.RoleFast))
	b := newStub(gwDesc("b", backend.RoleHeavy))
	s, _ := testGateway(t, []*stubAdapter{a, b}, nil)

	tests := []struct {
		name        string
		model       string
		wantBackend string
	}{
		{"backend id pins dispatch", "b", "b"},
		{"backend model name pins dispatch", "b-model", "b"},
		{"auto routes by task", "auto", "a"},
		{"unknown model routes by task", "ghost-70b", "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postCompletion(t, s, `{"model":"`+tt.model+`","messages":[{"role":"user","content":"hi"}]}`)
			if w.Code != http.StatusOK {
				t.Fatalf("Status = %d, body %s", w.Code, w.Body.String())
			}
			var resp chatCompletionResponse
			decodeInto(t, w, &resp)
			if resp.Backend != tt.wantBackend {
				t.Errorf("Backend = %q, want %q", resp.Backend, tt.wantBackend)
			}
		})
	}
}

func TestChatCompletionsTaskTypeExtension(t *testing.T) {
	fast := newStub(gwDesc("fast", backend.RoleFast))
	heavy := newStub(gwDesc("heavy", backend.RoleHeavy))
	s, _ := testGateway(t, []*stubAdapter{fast, heavy}, nil)

	w := postCompletion(t, s, `{"model":"auto","task_type":"review","messages":[{"role":"user","content":"review this"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", w.Code, w.Body.String())
	}
	var resp chatCompletionResponse
	decodeInto(t, w, &resp)
	if resp.Backend != "heavy" {
		t.Errorf("Backend = %q, want 'heavy' for review task", resp.Backend)
	}
}

func TestChatCompletionsToolCalls(t *testing.T) {
	fast := newStub(gwDesc("fast", backend.RoleFast))
	fast.queueChat(&model.ChatResponse{
		FinishReason: model.FinishToolCalls,
		ToolCalls: []model.ToolCall{
			{ID: "call_9", Name: "search", Arguments: json.RawMessage(`{"q":"routing"}`)},
		},
		Usage: model.TokenUsage{PromptTokens: 11, CompletionTokens: 5, TokensKnown: true},
	}, nil)
	s, _ := testGateway(t, []*stubAdapter{fast}, nil)

	body := `{
		"model": "auto",
		"messages": [{"role": "user", "content": "find it"}],
		"tools": [{
			"type": "function",
			"function": {
				"name": "search",
				"description": "full text search",
				"parameters": {"type": "object", "properties": {"q": {"type": "string"}}}
			}
		}]
	}`
	w := postCompletion(t, s, body)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", w.Code, w.Body.String())
	}

	var resp chatCompletionResponse
	decodeInto(t, w, &resp)
	choice := resp.Choices[0]
	if choice.FinishReason == nil || *choice.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %v, want 'tool_calls'", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(choice.Message.ToolCalls))
	}
	tc := choice.Message.ToolCalls[0]
	if tc.ID != "call_9" || tc.Type != "function" {
		t.Errorf("ToolCall = %+v, want id call_9 type function", tc)
	}
	if tc.Function.Name != "search" || tc.Function.Arguments != `{"q":"routing"}` {
		t.Errorf("Function = %+v, want search with raw argument string", tc.Function)
	}

	// The declared tool must reach the backend as a decoded spec.
	p := fast.params()
	if len(p.Tools) != 1 || p.Tools[0].Name != "search" {
		t.Fatalf("backend got tools %+v, want one spec named search", p.Tools)
	}
	if p.Tools[0].Parameters["type"] != "object" {
		t.Errorf("Parameters = %+v, want decoded object schema", p.Tools[0].Parameters)
	}
}

func TestChatCompletionsRejections(t *testing.T) {
	tests := []struct {
		name       string
		tune       func(*config.Config)
		body       string
		wantStatus int
	}{
		{
			name:       "invalid json",
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing messages",
			body:       `{"model":"auto","messages":[]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown role",
			body:       `{"model":"auto","messages":[{"role":"hacker","content":"hi"}]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "temperature out of range",
			body:       `{"model":"auto","temperature":3.0,"messages":[{"role":"user","content":"hi"}]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "negative max_tokens",
			body:       `{"model":"auto","max_tokens":-1,"messages":[{"role":"user","content":"hi"}]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown task_type",
			body:       `{"model":"auto","task_type":"cook","messages":[{"role":"user","content":"hi"}]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "tool call arguments not json",
			body: `{"model":"auto","messages":[
				{"role":"user","content":"hi"},
				{"role":"assistant","content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"run","arguments":"{oops"}}]}
			]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "orphan tool result",
			body:       `{"model":"auto","messages":[{"role":"tool","content":"out","tool_call_id":"zzz"}]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "message too long",
			tune:       func(c *config.Config) { c.Gateway.MaxContentChars = 32 },
			body:       `{"model":"auto","messages":[{"role":"user","content":"` + strings.Repeat("a", 33) + `"}]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "too many messages",
			tune: func(c *config.Config) { c.Gateway.MaxMessages = 2 },
			body: `{"model":"auto","messages":[
				{"role":"user","content":"1"},
				{"role":"assistant","content":"2"},
				{"role":"user","content":"3"}
			]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "body too large",
			tune:       func(c *config.Config) { c.Gateway.MaxBodyBytes = 128 },
			body:       `{"model":"auto","messages":[{"role":"user","content":"` + strings.Repeat("a", 200) + `"}]}`,
			wantStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fast := newStub(gwDesc("fast", backend.RoleFast))
			s, _ := testGateway(t, []*stubAdapter{fast}, tt.tune)

			w := postCompletion(t, s, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d, body %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestChatCompletionsErrorEnvelope(t *testing.T) {
	fast := newStub(gwDesc("fast", backend.RoleFast))
	s, _ := testGateway(t, []*stubAdapter{fast}, nil)

	w := postCompletion(t, s, `{"model":"auto","messages":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d, want 400", w.Code)
	}

	var env errorEnvelope
	decodeInto(t, w, &env)
	if env.Error.Type != "invalid_request_error" {
		t.Errorf("error.type = %q, want 'invalid_request_error'", env.Error.Type)
	}
	if env.Error.Code != http.StatusBadRequest {
		t.Errorf("error.code = %d, want 400", env.Error.Code)
	}
	if env.Error.Message == "" {
		t.Error("error.message is empty")
	}
}

func TestChatCompletionsAllBackendsFail(t *testing.T) {
	a := newStub(gwDesc("a", backend.RoleFast))
	b := newStub(gwDesc("b", backend.RoleHeavy))
	a.queueChat(nil, backend.NewError(backend.KindAuth, "a", "invalid key", nil))
	b.queueChat(nil, backend.NewError(backend.KindAuth, "b", "invalid key", nil))
	s, _ := testGateway(t, []*stubAdapter{a, b}, nil)

	w := postCompletion(t, s, `{"model":"auto","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Status = %d, want %d, body %s", w.Code, http.StatusBadGateway, w.Body.String())
	}

	var env errorEnvelope
	decodeInto(t, w, &env)
	if env.Error.Type != "api_error" {
		t.Errorf("error.type = %q, want 'api_error'", env.Error.Type)
	}
	if env.Error.Message != "all backends failed" {
		t.Errorf("error.message = %q, want the generic exhaustion message", env.Error.Message)
	}
}

// =============================================================================
// STREAMING
// =============================================================================

func TestStreamDeliversSSE(t *testing.T) {
	fast := newStub(gwDesc("fast", backend.RoleFast))
	fast.queueStream(nil, []stream.Event{
		{TextDelta: "Hel"},
		{TextDelta: "lo"},
		{Done: true, FinishReason: "stop", Usage: &stream.Usage{PromptTokens: 10, CompletionTokens: 2, Known: true}},
	}, nil)
	s, _ := testGateway(t, []*stubAdapter{fast}, nil)

	w := postCompletion(t, s, `{"model":"auto","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want 'text/event-stream'", ct)
	}

	frames := sseFrames(t, w.Body.String())
	if len(frames) != 5 {
		t.Fatalf("got %d frames, want 5 (role, two deltas, finish, done): %q", len(frames), frames)
	}

	role := decodeChunk(t, frames[0])
	if role.Object != "chat.completion.chunk" {
		t.Errorf("Object = %q, want 'chat.completion.chunk'", role.Object)
	}
	if role.Choices[0].Delta == nil || role.Choices[0].Delta.Role != "assistant" {
		t.Errorf("first frame delta = %+v, want assistant role", role.Choices[0].Delta)
	}

	if got := decodeChunk(t, frames[1]).Choices[0].Delta.Content; got != "Hel" {
		t.Errorf("frame 1 content = %q, want 'Hel'", got)
	}
	if got := decodeChunk(t, frames[2]).Choices[0].Delta.Content; got != "lo" {
		t.Errorf("frame 2 content = %q, want 'lo'", got)
	}

	final := decodeChunk(t, frames[3])
	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != "stop" {
		t.Errorf("final finish_reason = %v, want 'stop'", final.Choices[0].FinishReason)
	}
	if final.Usage == nil || final.Usage.TotalTokens != 12 {
		t.Errorf("final usage = %+v, want total 12", final.Usage)
	}

	if frames[4] != "[DONE]" {
		t.Errorf("last frame = %q, want '[DONE]'", frames[4])
	}
}

func TestStreamFallbackAfterDelivery(t *testing.T) {
	a := newStub(gwDesc("a", backend.RoleFast))
	b := newStub(gwDesc("b", backend.RoleHeavy))
	a.queueStream(nil, []stream.Event{{TextDelta: "part"}}, backend.NetworkErr("a", "conn reset", nil))
	s, _ := testGateway(t, []*stubAdapter{a, b}, nil)

	w := postCompletion(t, s, `{"model":"auto","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	body := w.Body.String()

	if !strings.Contains(body, ": resuming on fallback backend") {
		t.Error("missing the continuation comment between backends")
	}

	var contents []string
	var doneCount int
	for _, frame := range sseFrames(t, body) {
		if frame == "[DONE]" {
			doneCount++
			continue
		}
		c := decodeChunk(t, frame)
		if d := c.Choices[0].Delta; d != nil && d.Content != "" {
			contents = append(contents, d.Content)
		}
	}
	if strings.Join(contents, "|") != "part|ok:b" {
		t.Errorf("contents = %v, want delivered text then fallback text", contents)
	}
	if doneCount != 1 {
		t.Errorf("got %d [DONE] markers, want 1", doneCount)
	}
}

func TestStreamExhaustionEmitsErrorFrame(t *testing.T) {
	a := newStub(gwDesc("a", backend.RoleFast))
	a.queueStream(backend.NewError(backend.KindAuth, "a", "invalid key", nil), nil, nil)
	s, _ := testGateway(t, []*stubAdapter{a}, nil)

	w := postCompletion(t, s, `{"model":"auto","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	frames := sseFrames(t, w.Body.String())
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want role, error, done: %q", len(frames), frames)
	}

	var env errorEnvelope
	if err := json.Unmarshal([]byte(frames[1]), &env); err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if env.Error.Message != "all backends failed" || env.Error.Type != "api_error" {
		t.Errorf("error frame = %+v, want the generic exhaustion error", env.Error)
	}
	if frames[2] != "[DONE]" {
		t.Errorf("last frame = %q, want '[DONE]'", frames[2])
	}
}

// =============================================================================
// MODELS, HEALTH, STATS
// =============================================================================

func TestModelsAggregatesBackends(t *testing.T) {
	fast := newStub(gwDesc("fast", backend.RoleFast))
	heavy := newStub(gwDesc("heavy", backend.RoleHeavy))
	s, _ := testGateway(t, []*stubAdapter{fast, heavy}, nil)

	req := httptest.NewRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	s.handleModels(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var resp modelsResponse
	decodeInto(t, w, &resp)

	if resp.Object != "list" {
		t.Errorf("Object = %q, want 'list'", resp.Object)
	}
	byID := make(map[string]modelEntry, len(resp.Data))
	for _, m := range resp.Data {
		byID[m.ID] = m
	}
	if _, ok := byID["auto"]; !ok {
		t.Error("models list is missing 'auto'")
	}
	if m, ok := byID["fast-model"]; !ok || m.OwnedBy != "fast" || m.ContextWindow != 128_000 {
		t.Errorf("fast-model entry = %+v, want owned_by fast with window", m)
	}
	if _, ok := byID["heavy-model"]; !ok {
		t.Error("models list is missing 'heavy-model'")
	}
}

func TestHealthReflectsProbes(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		a := newStub(gwDesc("a", backend.RoleFast))
		b := newStub(gwDesc("b", backend.RoleHeavy))
		s, _ := testGateway(t, []*stubAdapter{a, b}, nil)

		w := httptest.NewRecorder()
		s.handleHealth(w, httptest.NewRequest("GET", "/health", nil))

		var resp healthResponse
		decodeInto(t, w, &resp)
		if resp.Status != "ok" {
			t.Errorf("Status = %q, want 'ok'", resp.Status)
		}
		if resp.Version != Version {
			t.Errorf("Version = %q, want %q", resp.Version, Version)
		}
		if resp.SessionID == "" {
			t.Error("SessionID is empty")
		}
		if len(resp.Backends) != 2 {
			t.Errorf("len(Backends) = %d, want 2", len(resp.Backends))
		}
	})

	t.Run("one backend down", func(t *testing.T) {
		a := newStub(gwDesc("a", backend.RoleFast))
		b := newStub(gwDesc("b", backend.RoleHeavy))
		b.readyErr = errors.New("dial refused")
		s, _ := testGateway(t, []*stubAdapter{a, b}, nil)

		w := httptest.NewRecorder()
		s.handleHealth(w, httptest.NewRequest("GET", "/health", nil))

		var resp healthResponse
		decodeInto(t, w, &resp)
		if resp.Status != "degraded" {
			t.Errorf("Status = %q, want 'degraded'", resp.Status)
		}
		for _, p := range resp.Backends {
			if p.BackendID == "b" {
				if p.Healthy {
					t.Error("backend b reported healthy")
				}
				if p.Error == "" {
					t.Error("backend b probe error is empty")
				}
			}
		}
	})
}

func TestStatsReflectDispatch(t *testing.T) {
	fast := newStub(gwDesc("fast", backend.RoleFast))
	s, _ := testGateway(t, []*stubAdapter{fast}, nil)
	h := s.Handler()

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"auto","messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("completion status = %d, body %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}

	var resp statsResponse
	decodeInto(t, w, &resp)
	if resp.Totals.Requests != 1 {
		t.Errorf("Totals.Requests = %d, want 1", resp.Totals.Requests)
	}
	if resp.Totals.PromptTokens != 7 || resp.Totals.CompletionTokens != 3 {
		t.Errorf("Totals tokens = %d/%d, want 7/3", resp.Totals.PromptTokens, resp.Totals.CompletionTokens)
	}
	desc := gwDesc("fast", backend.RoleFast)
	wantCost := desc.CostMicrocents(7, 3)
	if resp.Totals.CostMicrocents != wantCost {
		t.Errorf("Totals.CostMicrocents = %d, want %d", resp.Totals.CostMicrocents, wantCost)
	}
	if st, ok := resp.Backends["fast"]; !ok || st.Requests != 1 {
		t.Errorf("Backends[fast] = %+v, want one request", st)
	}
}

// =============================================================================
// CONTEXT RESET
// =============================================================================

func TestContextReset(t *testing.T) {
	fast := newStub(gwDesc("fast", backend.RoleFast))
	s, orc := testGateway(t, []*stubAdapter{fast}, nil)

	reset := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/context/reset", strings.NewReader(body))
		w := httptest.NewRecorder()
		s.handleContextReset(w, req)
		return w
	}

	t.Run("all backends", func(t *testing.T) {
		postCompletion(t, s, `{"model":"auto","messages":[{"role":"user","content":"hi"}]}`)
		if len(orc.History("fast")) == 0 {
			t.Fatal("dispatch left no history")
		}
		w := reset(`{}`)
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, want 200", w.Code)
		}
		if got := orc.History("fast"); len(got) != 0 {
			t.Errorf("history after reset = %d messages, want 0", len(got))
		}
	})

	t.Run("single backend", func(t *testing.T) {
		postCompletion(t, s, `{"model":"auto","messages":[{"role":"user","content":"hi"}]}`)
		w := reset(`{"backend":"fast"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("Status = %d, want 200", w.Code)
		}
		if got := orc.History("fast"); len(got) != 0 {
			t.Errorf("history after reset = %d messages, want 0", len(got))
		}
	})

	t.Run("unknown backend", func(t *testing.T) {
		w := reset(`{"backend":"ghost"}`)
		if w.Code != http.StatusNotFound {
			t.Errorf("Status = %d, want 404", w.Code)
		}
	})
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestBearerTokenGuardsEndpoints(t *testing.T) {
	fast := newStub(gwDesc("fast", backend.RoleFast))
	s, _ := testGateway(t, []*stubAdapter{fast}, func(c *config.Config) {
		c.Gateway.BearerToken = "sekret"
	})
	h := s.Handler()

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "Bearer sekret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/health", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestIPAllowlist(t *testing.T) {
	fast := newStub(gwDesc("fast", backend.RoleFast))
	s, _ := testGateway(t, []*stubAdapter{fast}, func(c *config.Config) {
		c.Gateway.AllowedIPs = []string{"10.0.0.0/8"}
	})
	h := s.Handler()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("outside allowlist: Status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("inside allowlist: Status = %d, want 200", w.Code)
	}
}

func TestRateLimitCapsClients(t *testing.T) {
	fast := newStub(gwDesc("fast", backend.RoleFast))
	s, _ := testGateway(t, []*stubAdapter{fast}, func(c *config.Config) {
		c.Gateway.RequestsPerMinute = 2
	})
	h := s.Handler()

	get := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
		return w
	}

	first := get()
	if first.Code != http.StatusOK {
		t.Fatalf("first request: Status = %d", first.Code)
	}
	if got := first.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want '2'", got)
	}
	if second := get(); second.Code != http.StatusOK {
		t.Fatalf("second request: Status = %d", second.Code)
	}

	third := get()
	if third.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: Status = %d, want 429", third.Code)
	}
	if got := third.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want '60'", got)
	}
	if got := third.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want '0'", got)
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	fast := newStub(gwDesc("fast", backend.RoleFast))
	s, _ := testGateway(t, []*stubAdapter{fast}, nil)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want 'nosniff'", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want 'DENY'", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want 'no-store'", got)
	}
}

func TestValidateBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		expected string
		want     bool
	}{
		{"matching tokens", "abc", "abc", true},
		{"mismatched tokens", "abc", "xyz", false},
		{"empty supplied token", "", "abc", false},
		{"empty expected token", "abc", "", false},
		{"both empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateBearerToken(tt.token, tt.expected); got != tt.want {
				t.Errorf("ValidateBearerToken(%q, %q) = %v, want %v", tt.token, tt.expected, got, tt.want)
			}
		})
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		realIP     string
		want       string
	}{
		{
			name:       "direct connection",
			remoteAddr: "127.0.0.1:9999",
			want:       "127.0.0.1",
		},
		{
			name:       "forwarded header from trusted proxy",
			remoteAddr: "127.0.0.1:9999",
			xff:        "198.51.100.7, 10.0.0.1",
			want:       "198.51.100.7",
		},
		{
			name:       "real-ip fallback from trusted proxy",
			remoteAddr: "10.0.0.2:443",
			xff:        "not-an-ip",
			realIP:     "198.51.100.9",
			want:       "198.51.100.9",
		},
		{
			name:       "forwarded header from untrusted peer is ignored",
			remoteAddr: "203.0.113.9:1234",
			xff:        "198.51.100.7",
			want:       "203.0.113.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/health", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := GetClientIP(req); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond)

	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third request inside the window should be rejected")
	}
	if rl.Remaining("1.2.3.4") != 0 {
		t.Errorf("Remaining = %d, want 0", rl.Remaining("1.2.3.4"))
	}

	if !rl.Allow("5.6.7.8") {
		t.Error("distinct client should not share the window")
	}

	time.Sleep(70 * time.Millisecond)
	if !rl.Allow("1.2.3.4") {
		t.Error("request after the window elapsed should pass")
	}
}
