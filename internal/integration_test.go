// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// End-to-end tests wiring the TOML loader, the orchestrator, the
// OpenAI-compatible gateway, and the usage pipeline together. Each
// layer has its own package tests; these verify the seams.

package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/gateway"
	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/router"
	"github.com/jeranaias/modelmux/internal/stream"
	"github.com/jeranaias/modelmux/internal/usage"
)

// =============================================================================
// FAKE BACKEND
// =============================================================================

// fakeBackend answers every call with a canned response naming itself,
// so tests can tell which backend served a request.
type fakeBackend struct {
	desc backend.Descriptor

	mu       sync.Mutex
	calls    int
	failWith error
}

func newFakeBackend(id string, roles ...backend.Role) *fakeBackend {
	return &fakeBackend{desc: backend.Descriptor{
		ID:                  id,
		Protocol:            backend.ProtocolOpenAI,
		Model:               id + "-model",
		ContextWindowTokens: 64_000,
		CostInPerMTok:       2,
		CostOutPerMTok:      6,
		SupportsStreaming:   true,
		SupportsTools:       true,
		Roles:               roles,
	}}
}

func (f *fakeBackend) ID() string                     { return f.desc.ID }
func (f *fakeBackend) Descriptor() backend.Descriptor { return f.desc }

func (f *fakeBackend) Chat(ctx context.Context, msgs []model.Message, p backend.CallParams) (*model.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	err := f.failWith
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &model.ChatResponse{
		Content:      "answer from " + f.desc.ID,
		FinishReason: model.FinishStop,
		Usage:        model.TokenUsage{PromptTokens: 20, CompletionTokens: 10, TokensKnown: true},
	}, nil
}

func (f *fakeBackend) Stream(ctx context.Context, msgs []model.Message, p backend.CallParams) (stream.Source, error) {
	f.mu.Lock()
	f.calls++
	err := f.failWith
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &cannedSource{events: []stream.Event{
		{TextDelta: "answer from "},
		{TextDelta: f.desc.ID},
		{Done: true, FinishReason: "stop", Usage: &stream.Usage{PromptTokens: 20, CompletionTokens: 10, Known: true}},
	}}, nil
}

func (f *fakeBackend) ListModels(ctx context.Context) ([]model.Info, error) {
	return []model.Info{{ID: f.desc.Model, Backend: f.desc.ID, ContextWindow: f.desc.ContextWindowTokens}}, nil
}

func (f *fakeBackend) CheckReady(ctx context.Context) error { return nil }

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// cannedSource replays a fixed event sequence.
type cannedSource struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *cannedSource) Next(ctx context.Context) (stream.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return stream.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *cannedSource) Close() error { return nil }

// =============================================================================
// END-TO-END GATEWAY
// =============================================================================

// TestEndToEndGateway drives the full path: TOML config file, usage
// recorder with a JSONL sink, orchestrator, gateway with auth
// middleware, and OpenAI-wire requests over the assembled handler.
func TestEndToEndGateway(t *testing.T) {
	tmp := t.TempDir()
	jsonlPath := filepath.Join(tmp, "usage.jsonl")
	configPath := filepath.Join(tmp, "config.toml")

	configTOML := fmt.Sprintf(`
[router]
fallback_chain = ["fast", "heavy"]
max_retries = 2

[gateway]
addr = "127.0.0.1:0"
bearer_token = "integration-token"
requests_per_minute = 0

[usage]
enabled = true
jsonl_path = %q

[[backends]]
id = "fast"
protocol = "openai"
model = "fast-model"
context_window_tokens = 64000
cost_in_per_mtok = 2
cost_out_per_mtok = 6
roles = ["fast"]

[[backends]]
id = "heavy"
protocol = "openai"
model = "heavy-model"
context_window_tokens = 200000
cost_in_per_mtok = 150
cost_out_per_mtok = 600
roles = ["heavy"]
`, jsonlPath)
	require.NoError(t, os.WriteFile(configPath, []byte(configTOML), 0o644))

	cfg, err := config.LoadFromPath(configPath)
	require.NoError(t, err)
	require.Equal(t, []string{"fast", "heavy"}, cfg.Router.FallbackChain)
	require.Equal(t, "integration-token", cfg.Gateway.BearerToken)

	sink, err := usage.NewJSONLSink(cfg.Usage.JSONLPath)
	require.NoError(t, err)
	recorder := usage.NewRecorder(cfg.Usage.Buffer, sink)

	fast := newFakeBackend("fast", backend.RoleFast)
	heavy := newFakeBackend("heavy", backend.RoleHeavy)
	quiet := log.New(io.Discard, "", 0)

	orc, err := router.New(cfg, router.Deps{
		Adapters: []backend.Adapter{fast, heavy},
		Recorder: recorder,
		Logger:   quiet,
	})
	require.NoError(t, err)

	h := gateway.New(cfg.Gateway, orc, quiet).Handler()

	post := func(body string, authorized bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if authorized {
			req.Header.Set("Authorization", "Bearer integration-token")
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	// Unauthenticated requests never reach dispatch.
	w := post(`{"model":"auto","messages":[{"role":"user","content":"ping"}]}`, false)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, 0, fast.callCount())

	// Default routing lands on the chain head.
	w = post(`{"model":"auto","messages":[{"role":"user","content":"ping"}]}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out struct {
		Model   string `json:"model"`
		Backend string `json:"backend"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, "fast-model", out.Model)
	require.Equal(t, "fast", out.Backend)
	require.Len(t, out.Choices, 1)
	require.Equal(t, "answer from fast", out.Choices[0].Message.Content)
	require.Equal(t, "stop", out.Choices[0].FinishReason)
	require.Equal(t, 30, out.Usage.TotalTokens)

	// Review tasks prefer the heavy backend over the chain head.
	w = post(`{"model":"auto","task_type":"review","messages":[{"role":"user","content":"review this"}]}`, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, "heavy", out.Backend)

	// Streaming survives the full middleware chain, flushes included.
	w = post(`{"model":"auto","stream":true,"messages":[{"role":"user","content":"ping"}]}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	require.Contains(t, body, `"answer from "`)
	require.Contains(t, body, "data: [DONE]")

	// Stats aggregate everything dispatched so far.
	req := httptest.NewRequest("GET", "/stats", nil)
	req.Header.Set("Authorization", "Bearer integration-token")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var stats struct {
		SessionID string `json:"session_id"`
		Totals    struct {
			Requests int64 `json:"requests"`
		} `json:"totals"`
		Backends map[string]struct {
			Requests int64 `json:"requests"`
		} `json:"backends"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	require.NotEmpty(t, stats.SessionID)
	require.Equal(t, int64(3), stats.Totals.Requests)
	require.Equal(t, int64(2), stats.Backends["fast"].Requests)
	require.Equal(t, int64(1), stats.Backends["heavy"].Requests)

	// Closing the recorder flushes one JSONL event per completed call.
	require.NoError(t, recorder.Close())
	raw, err := os.ReadFile(jsonlPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)

	var first usage.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "fast", first.BackendID)
	require.Equal(t, 20, first.PromptTokens)
	require.True(t, first.Success)

	var last usage.Event
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &last))
	require.True(t, last.Streamed)
}

// TestEndToEndFallback verifies that a dead chain head is skipped and
// both the response and the usage totals attribute the call to the
// backend that actually served it.
func TestEndToEndFallback(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.toml")
	configTOML := `
[gateway]
addr = "127.0.0.1:0"

[[backends]]
id = "primary"
protocol = "openai"
model = "primary-model"
context_window_tokens = 64000

[[backends]]
id = "standby"
protocol = "openai"
model = "standby-model"
context_window_tokens = 64000
`
	require.NoError(t, os.WriteFile(configPath, []byte(configTOML), 0o644))

	cfg, err := config.LoadFromPath(configPath)
	require.NoError(t, err)
	// Declaration order becomes the chain when none is configured.
	require.Equal(t, []string{"primary", "standby"}, cfg.Router.FallbackChain)

	primary := newFakeBackend("primary")
	primary.failWith = backend.NewError(backend.KindAuth, "primary", "key revoked", nil)
	standby := newFakeBackend("standby")
	quiet := log.New(io.Discard, "", 0)

	orc, err := router.New(cfg, router.Deps{
		Adapters: []backend.Adapter{primary, standby},
		Logger:   quiet,
	})
	require.NoError(t, err)

	h := gateway.New(cfg.Gateway, orc, quiet).Handler()

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"auto","messages":[{"role":"user","content":"ping"}]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var out struct {
		Backend string `json:"backend"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, "standby", out.Backend)

	snap := orc.UsageSnapshot()
	require.Equal(t, int64(1), snap.Backends["standby"].Requests)
	require.Equal(t, int64(1), snap.Backends["primary"].Errors)
	require.Equal(t, int64(0), snap.Backends["primary"].Requests)
}
