// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway exposes the router over an OpenAI-compatible HTTP API.
//
// Endpoints:
//   - POST /v1/chat/completions: chat, JSON or SSE streaming
//   - GET  /v1/models: aggregated model inventory across backends
//   - POST /v1/context/reset: clear one or all session buffers
//   - GET  /health: gateway liveness plus per-backend probe states
//   - GET  /stats: usage counters and estimated savings
//
// The "model" field of a completion request acts as a dispatch hint:
// when it names a configured backend id (or that backend's model), the
// request pins to it. Anything else, including "auto", leaves routing
// to the task-type table.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/router"
)

// Version is the gateway version reported by /health.
const Version = "0.1.0"

// statusClientClosedRequest mirrors the nginx convention for a caller
// that went away before the response.
const statusClientClosedRequest = 499

// =============================================================================
// SERVER
// =============================================================================

// Server is the HTTP facade over one orchestrator.
type Server struct {
	cfg     config.GatewayConfig
	orc     *router.Orchestrator
	logger  *log.Logger
	mux     *http.ServeMux
	handler http.Handler
	srv     *http.Server
	start   time.Time
}

// New builds the facade. A nil logger falls back to the process logger.
func New(cfg config.GatewayConfig, orc *router.Orchestrator, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		cfg:    cfg,
		orc:    orc,
		logger: logger,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.routes()
	s.handler = s.middleware(s.mux)
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// routes wires the endpoint table.
func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	s.mux.HandleFunc("POST /v1/context/reset", s.handleContextReset)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
}

// middleware wraps the mux in the standard chain. Auth runs first so
// rejected clients never reach the rate limiter's bookkeeping.
func (s *Server) middleware(next http.Handler) http.Handler {
	mws := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.logger),
	}
	if s.cfg.RequestsPerMinute > 0 {
		limiter := NewRateLimiter(s.cfg.RequestsPerMinute, time.Minute)
		mws = append(mws, RateLimitMiddleware(limiter, s.logger))
	}
	handler := Chain(mws...)(next)

	auth := &AuthConfig{BearerToken: s.cfg.BearerToken, AllowedIPs: s.cfg.AllowedIPs}
	if auth.Enabled() {
		handler = AuthMiddleware(auth, s.logger)(handler)
	}
	return handler
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Printf("GATEWAY_START | addr=%s version=%s", s.cfg.Addr, Version)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Printf("GATEWAY_SHUTDOWN | draining")
	return s.srv.Shutdown(ctx)
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// chatCompletionRequest is the OpenAI-compatible request body. TaskType
// is a modelmux extension selecting the routing table row.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature"`
	Stream      bool          `json:"stream"`
	Tools       []wireTool    `json:"tools"`
	TaskType    string        `json:"task_type"`
}

// wireMessage doubles as request message, response message, and stream
// delta, which is how the OpenAI wire format uses the shape.
type wireMessage struct {
	Role       string         `json:"role,omitempty"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// wireToolCall carries a completed invocation. Arguments is a JSON
// document encoded as a string, as the OpenAI format requires. Index is
// set only on stream deltas.
type wireToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// wireTool declares a callable tool. Parameters stays raw until the
// translation layer decodes it into the router's spec shape.
type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Backend string       `json:"backend,omitempty"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

// wireChoice serves both response flavors: Message for completions,
// Delta for stream chunks.
type wireChoice struct {
	Index        int          `json:"index"`
	Message      *wireMessage `json:"message,omitempty"`
	Delta        *wireMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

// wireUsage reports token accounting. Estimated is a modelmux extension
// marking counts derived from the character heuristic rather than
// provider-reported numbers.
type wireUsage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

func usagePayload(u model.TokenUsage) *wireUsage {
	return &wireUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens(),
		Estimated:        u.Estimated,
	}
}

// finishString maps internal finish reasons onto the wire vocabulary.
func finishString(fr model.FinishReason) string {
	switch fr {
	case model.FinishLength:
		return "length"
	case model.FinishToolCalls:
		return "tool_calls"
	default:
		return "stop"
	}
}

// =============================================================================
// CHAT COMPLETIONS
// =============================================================================

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	mreq, err := s.toModelRequest(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if mreq.Stream {
		s.streamCompletion(w, r, mreq, req.Model)
		return
	}

	resp, err := s.orc.Dispatch(r.Context(), mreq)
	if err != nil {
		s.dispatchError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, s.completionResponse(req.Model, resp))
}

// decodeChatRequest reads and bounds-checks the request body. On any
// rejection it writes the error response and returns ok=false.
func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (*chatCompletionRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes))
			return nil, false
		}
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}

	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "messages is required")
		return nil, false
	}
	if len(req.Messages) > s.cfg.MaxMessages {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("too many messages: %d exceeds limit of %d", len(req.Messages), s.cfg.MaxMessages))
		return nil, false
	}
	for i, m := range req.Messages {
		if !model.Role(m.Role).Valid() {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("message %d: invalid role %q", i, m.Role))
			return nil, false
		}
		if len(m.Content) > s.cfg.MaxContentChars {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("message %d exceeds maximum length of %d", i, s.cfg.MaxContentChars))
			return nil, false
		}
		for _, tc := range m.ToolCalls {
			if tc.Function.Arguments != "" && !json.Valid([]byte(tc.Function.Arguments)) {
				s.writeError(w, http.StatusBadRequest,
					fmt.Sprintf("message %d: tool call %s arguments are not valid JSON", i, tc.ID))
				return nil, false
			}
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("temperature %.2f outside [0,2]", *req.Temperature))
		return nil, false
	}
	if req.MaxTokens < 0 {
		s.writeError(w, http.StatusBadRequest, "max_tokens cannot be negative")
		return nil, false
	}
	if req.TaskType != "" && !model.TaskType(req.TaskType).Valid() {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unknown task_type %q", req.TaskType))
		return nil, false
	}
	return &req, true
}

// toModelRequest translates the wire request into the router's shape.
func (s *Server) toModelRequest(req *chatCompletionRequest) (*model.ChatRequest, error) {
	msgs := make([]model.Message, len(req.Messages))
	for i, m := range req.Messages {
		msg := model.Message{
			Role:       model.Role(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		msgs[i] = msg
	}

	var tools []model.ToolSpec
	for _, t := range req.Tools {
		spec := model.ToolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
		}
		if len(t.Function.Parameters) > 0 {
			if err := json.Unmarshal(t.Function.Parameters, &spec.Parameters); err != nil {
				return nil, fmt.Errorf("tool %q: parameters must be a JSON object", t.Function.Name)
			}
		}
		tools = append(tools, spec)
	}

	temp := -1.0
	if req.Temperature != nil {
		temp = *req.Temperature
	}

	mreq := &model.ChatRequest{
		Messages:    msgs,
		TaskType:    model.TaskType(req.TaskType),
		MaxTokens:   req.MaxTokens,
		Temperature: temp,
		Tools:       tools,
		Stream:      req.Stream,
		BackendHint: s.resolveHint(req.Model),
	}
	if err := mreq.Validate(); err != nil {
		return nil, err
	}
	return mreq, nil
}

// resolveHint maps the wire model name onto a backend id. Unrecognized
// names, "auto", and the empty string leave routing to the task table.
func (s *Server) resolveHint(name string) string {
	if name == "" || name == "auto" {
		return ""
	}
	for _, d := range s.orc.Backends() {
		if d.ID == name || d.Model == name {
			return d.ID
		}
	}
	return ""
}

// completionResponse shapes a router response for the wire.
func (s *Server) completionResponse(reqModel string, resp *model.ChatResponse) chatCompletionResponse {
	msg := &wireMessage{Role: "assistant", Content: resp.Content}
	for _, tc := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: wireFunction{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}

	mdl := resp.Model
	if mdl == "" {
		mdl = reqModel
	}
	finish := finishString(resp.FinishReason)
	return chatCompletionResponse{
		ID:      generateResponseID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   mdl,
		Backend: resp.BackendID,
		Choices: []wireChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: &finish,
		}},
		Usage: usagePayload(resp.Usage),
	}
}

// dispatchError maps router failures onto wire statuses. Details go to
// the log; clients get a generic message.
func (s *Server) dispatchError(w http.ResponseWriter, r *http.Request, err error) {
	var exhausted *backend.NoViableBackendError
	switch {
	case backend.IsCancelled(err):
		s.logger.Printf("REQUEST_CANCELLED | path=%s", r.URL.Path)
		s.writeError(w, statusClientClosedRequest, "request cancelled")
	case errors.As(err, &exhausted):
		s.logger.Printf("DISPATCH_EXHAUSTED | attempts=%d err=%v", len(exhausted.Trail), err)
		s.writeError(w, http.StatusBadGateway, "all backends failed")
	default:
		s.logger.Printf("DISPATCH_ERROR | err=%v", err)
		s.writeError(w, http.StatusInternalServerError, "request processing failed")
	}
}

// =============================================================================
// STREAMING
// =============================================================================

// streamChunk is one SSE frame of a streamed completion.
type streamChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage,omitempty"`
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, mreq *model.ChatRequest, reqModel string) {
	ch, err := s.orc.DispatchStream(r.Context(), mreq)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id := generateResponseID()
	created := time.Now().Unix()
	mdl := reqModel
	if mdl == "" {
		mdl = "auto"
	}

	frame := func(choice wireChoice, usage *wireUsage) {
		s.sendFrame(w, flusher, streamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   mdl,
			Choices: []wireChoice{choice},
			Usage:   usage,
		})
	}

	// Openers first: the role delta tells clients an assistant turn
	// started even if the first backend dies before any text.
	frame(wireChoice{Index: 0, Delta: &wireMessage{Role: "assistant"}}, nil)

	toolIndex := 0
	for c := range ch {
		if c.Err != nil {
			if backend.IsCancelled(c.Err) {
				s.logger.Printf("STREAM_CANCELLED | id=%s", id)
				return
			}
			s.logger.Printf("STREAM_FAILED | id=%s err=%v", id, c.Err)
			s.sendErrorFrame(w, flusher, "all backends failed")
			break
		}
		if c.Continuation {
			// SSE comment: invisible to OpenAI clients, visible to
			// anyone reading the raw stream.
			fmt.Fprint(w, ": resuming on fallback backend\n\n")
			flusher.Flush()
			continue
		}
		if c.Model != "" {
			mdl = c.Model
		}
		if len(c.Malformed) > 0 {
			for _, bad := range c.Malformed {
				s.logger.Printf("MALFORMED_TOOL_CALL | id=%s call=%s tool=%s", id, bad.ID, bad.Name)
			}
		}
		if c.TextDelta != "" || len(c.ToolCalls) > 0 {
			delta := &wireMessage{Content: c.TextDelta}
			for _, tc := range c.ToolCalls {
				idx := toolIndex
				toolIndex++
				delta.ToolCalls = append(delta.ToolCalls, wireToolCall{
					Index: &idx,
					ID:    tc.ID,
					Type:  "function",
					Function: wireFunction{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			frame(wireChoice{Index: 0, Delta: delta}, nil)
		}
		if c.Done {
			finish := finishString(c.FinishReason)
			var usage *wireUsage
			if c.Usage != nil {
				usage = usagePayload(*c.Usage)
			}
			frame(wireChoice{Index: 0, Delta: &wireMessage{}, FinishReason: &finish}, usage)
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// sendFrame writes one SSE data frame.
func (s *Server) sendFrame(w http.ResponseWriter, flusher http.Flusher, chunk streamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// sendErrorFrame reports an abnormal end inside an already-open stream,
// where a status code can no longer change.
func (s *Server) sendErrorFrame(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "api_error",
		},
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}

// =============================================================================
// MODELS
// =============================================================================

type modelEntry struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	Created       int64  `json:"created"`
	OwnedBy       string `json:"owned_by"`
	ContextWindow int    `json:"context_window,omitempty"`
}

type modelsResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	infos := s.orc.ListModels(ctx)
	data := make([]modelEntry, 0, len(infos)+1)
	data = append(data, modelEntry{ID: "auto", Object: "model", OwnedBy: "modelmux"})
	for _, m := range infos {
		data = append(data, modelEntry{
			ID:            m.ID,
			Object:        "model",
			OwnedBy:       m.Backend,
			ContextWindow: m.ContextWindow,
		})
	}
	s.writeJSON(w, http.StatusOK, modelsResponse{Object: "list", Data: data})
}

// =============================================================================
// CONTEXT RESET
// =============================================================================

func (s *Server) handleContextReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Backend string `json:"backend"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Backend != "" {
		if err := s.orc.ResetBackendContext(req.Backend); err != nil {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown backend %q", req.Backend))
			return
		}
	} else {
		s.orc.ResetAllContext()
	}

	s.logger.Printf("CONTEXT_RESET | backend=%s ip=%s", orAll(req.Backend), GetClientIP(r))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func orAll(backendID string) string {
	if backendID == "" {
		return "all"
	}
	return backendID
}

// =============================================================================
// HEALTH
// =============================================================================

type healthResponse struct {
	Status        string               `json:"status"`
	Version       string               `json:"version"`
	SessionID     string               `json:"session_id"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Backends      []backend.ProbeState `json:"backends"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	probes := s.orc.CheckHealth(r.Context())

	healthy := 0
	for _, p := range probes {
		if p.Healthy {
			healthy++
		}
	}
	status := "ok"
	switch {
	case len(probes) == 0 || healthy == 0:
		status = "down"
	case healthy < len(probes):
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:        status,
		Version:       Version,
		SessionID:     s.orc.SessionID(),
		UptimeSeconds: int64(time.Since(s.start).Seconds()),
		Backends:      probes,
	})
}

// =============================================================================
// STATS
// =============================================================================

type statsResponse struct {
	router.Snapshot
	UptimeSeconds int64 `json:"uptime_seconds"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statsResponse{
		Snapshot:      s.orc.UsageSnapshot(),
		UptimeSeconds: int64(time.Since(s.start).Seconds()),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("WRITE_FAILED | err=%v", err)
	}
}

// writeError emits the OpenAI error envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(status),
			"code":    status,
		},
	})
}

func errorType(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

// generateResponseID mints a unique completion id.
func generateResponseID() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return "chatcmpl-" + hex.EncodeToString(buf)
}
