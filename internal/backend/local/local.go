// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package local implements the Ollama adapter: newline-delimited JSON
// over the local daemon's /api/chat endpoint.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/stream"
)

// DefaultBaseURL is the local daemon address. Explicit IPv4 rather than
// localhost; avoids IPv6 resolution issues on some hosts.
const DefaultBaseURL = "http://127.0.0.1:11434"

// =============================================================================
// WIRE TYPES
// =============================================================================

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type wireTool struct {
	Type     string         `json:"type"`
	Function wireToolSchema `json:"function"`
}

type wireToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type wireOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *wireOptions  `json:"options,omitempty"`
	Tools    []wireTool    `json:"tools,omitempty"`
}

// chatLine is one NDJSON line of a streaming response, and also the
// whole body of a non-streaming one.
type chatLine struct {
	Model           string      `json:"model"`
	Message         wireMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

type apiError struct {
	Error string `json:"error"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// =============================================================================
// ADAPTER
// =============================================================================

// Adapter speaks the Ollama protocol for one configured backend.
type Adapter struct {
	desc      backend.Descriptor
	base      string
	client    *http.Client
	streaming *http.Client
}

// New builds an Ollama adapter from a descriptor.
func New(desc backend.Descriptor) (*Adapter, error) {
	base := strings.TrimRight(desc.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Adapter{
		desc:      desc,
		base:      base,
		client:    backend.HTTPClient(),
		streaming: backend.StreamingClient(),
	}, nil
}

// ID returns the configured backend id.
func (a *Adapter) ID() string {
	return a.desc.ID
}

// Descriptor returns the backend configuration.
func (a *Adapter) Descriptor() backend.Descriptor {
	return a.desc
}

// CheckReady probes the daemon root, which answers 200 when running.
func (a *Adapter) CheckReady(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base, nil)
	if err != nil {
		return backend.NetworkErr(a.desc.ID, "failed to create request", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return backend.ClassifyTransport(a.desc.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return backend.NetworkErr(a.desc.ID, "daemon answered "+resp.Status, nil)
	}
	return nil
}

// ListModels queries /api/tags. When the daemon is unreachable the
// configured model is reported alone, so routing stays possible.
func (a *Adapter) ListModels(ctx context.Context) ([]model.Info, error) {
	fallback := []model.Info{{
		ID:            a.desc.Model,
		Backend:       a.desc.ID,
		ContextWindow: a.desc.ContextWindowTokens,
	}}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/api/tags", nil)
	if err != nil {
		return fallback, nil
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fallback, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fallback, nil
	}

	var tags tagsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, backend.MaxResponseSize)).Decode(&tags); err != nil {
		return fallback, nil
	}
	if len(tags.Models) == 0 {
		return fallback, nil
	}

	infos := make([]model.Info, 0, len(tags.Models))
	for _, m := range tags.Models {
		infos = append(infos, model.Info{
			ID:            m.Name,
			Backend:       a.desc.ID,
			ContextWindow: a.desc.ContextWindowTokens,
		})
	}
	return infos, nil
}

// Chat performs a blocking completion against /api/chat.
func (a *Adapter) Chat(ctx context.Context, msgs []model.Message, p backend.CallParams) (*model.ChatResponse, error) {
	body, err := a.requestBody(msgs, p, false)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, backend.NetworkErr(a.desc.ID, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, backend.ClassifyTransport(a.desc.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.decodeError(resp)
	}

	var line chatLine
	if err := json.NewDecoder(io.LimitReader(resp.Body, backend.MaxResponseSize)).Decode(&line); err != nil {
		return nil, backend.ProtocolErr(a.desc.ID, "failed to decode response", err)
	}
	return a.buildResponse(msgs, line), nil
}

// Stream starts a streaming completion and returns the NDJSON source.
func (a *Adapter) Stream(ctx context.Context, msgs []model.Message, p backend.CallParams) (stream.Source, error) {
	body, err := a.requestBody(msgs, p, true)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, backend.NetworkErr(a.desc.ID, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.streaming.Do(req)
	if err != nil {
		return nil, backend.ClassifyTransport(a.desc.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, a.decodeError(resp)
	}
	return newSource(a.desc.ID, resp.Body), nil
}

// requestBody assembles the wire request.
func (a *Adapter) requestBody(msgs []model.Message, p backend.CallParams, streaming bool) ([]byte, error) {
	mdl := p.Model
	if mdl == "" {
		mdl = a.desc.Model
	}

	opts := &wireOptions{NumCtx: a.desc.ContextWindowTokens}
	if p.Temperature >= 0 {
		opts.Temperature = p.Temperature
	}
	if p.MaxTokens > 0 {
		opts.NumPredict = p.MaxTokens
	}

	req := chatRequest{
		Model:    mdl,
		Messages: toWire(msgs),
		Stream:   streaming,
		Options:  opts,
	}
	if a.desc.SupportsTools {
		req.Tools = toWireTools(p.Tools)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, backend.ProtocolErr(a.desc.ID, "failed to marshal request", err)
	}
	return body, nil
}

// decodeError turns a non-200 response into a taxonomy error, keeping
// the daemon's message when the body carries one.
func (a *Adapter) decodeError(resp *http.Response) error {
	msg := ""
	var apiErr apiError
	if err := json.NewDecoder(io.LimitReader(resp.Body, backend.MaxResponseSize)).Decode(&apiErr); err == nil {
		msg = apiErr.Error
	}
	return backend.ClassifyStatus(a.desc.ID, resp.StatusCode, msg)
}

// buildResponse maps a terminal chat line onto the uniform response.
func (a *Adapter) buildResponse(prompt []model.Message, line chatLine) *model.ChatResponse {
	calls := fromWireCalls(line.Message.ToolCalls)

	finish := mapDoneReason(line.DoneReason)
	if len(calls) > 0 {
		finish = model.FinishToolCalls
	}

	usage := model.TokenUsage{
		PromptTokens:     line.PromptEvalCount,
		CompletionTokens: line.EvalCount,
		TokensKnown:      line.PromptEvalCount > 0 || line.EvalCount > 0,
	}
	if !usage.TokensKnown {
		usage.PromptTokens = model.EstimateHistoryTokens(prompt)
		usage.CompletionTokens = (len(line.Message.Content) + 3) / 4
		usage.Estimated = true
	}

	return &model.ChatResponse{
		Content:      line.Message.Content,
		FinishReason: finish,
		ToolCalls:    calls,
		Usage:        usage,
		BackendID:    a.desc.ID,
		Model:        line.Model,
	}
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toWire(msgs []model.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: m.Role.String(), Content: m.Content}
		for _, tc := range m.ToolCalls {
			args, err := tc.ArgumentsMap()
			if err != nil {
				args = map[string]any{}
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				Function: wireToolFunction{Name: tc.Name, Arguments: args},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []model.ToolSpec) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{
			Type: "function",
			Function: wireToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// fromWireCalls converts daemon tool calls, which arrive whole and
// anonymous, into id-bearing calls.
func fromWireCalls(calls []wireToolCall) []model.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]model.ToolCall, 0, len(calls))
	for _, c := range calls {
		args, err := json.Marshal(c.Function.Arguments)
		if err != nil || len(c.Function.Arguments) == 0 {
			args = []byte("{}")
		}
		out = append(out, model.ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      c.Function.Name,
			Arguments: args,
		})
	}
	return out
}

func mapDoneReason(reason string) model.FinishReason {
	switch reason {
	case "length":
		return model.FinishLength
	default:
		return model.FinishStop
	}
}
