// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openai implements the OpenAI-compatible adapter: JSON chat
// completions with SSE streaming. OpenRouter, Gemini's compatibility
// endpoint, and most hosted gateways speak this protocol.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/stream"
)

// DefaultBaseURL targets OpenRouter, the aggregator most configs use.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

const userAgent = "modelmux/0.1.0"

// =============================================================================
// WIRE TYPES
// =============================================================================

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
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

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Tools         []wireTool     `json:"tools,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

type apiErrorResponse struct {
	Error struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type modelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		ContextLength int    `json:"context_length"`
	} `json:"data"`
}

// =============================================================================
// ADAPTER
// =============================================================================

// Adapter speaks the OpenAI-compatible protocol for one configured backend.
type Adapter struct {
	desc      backend.Descriptor
	base      string
	client    *http.Client
	streaming *http.Client
}

// New builds an OpenAI-compatible adapter from a descriptor.
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

// configured reports whether the backend has credentials.
func (a *Adapter) configured() error {
	if a.desc.APIKey == "" {
		return backend.NewError(backend.KindAuth, a.desc.ID, "api key not configured", backend.ErrNotConfigured)
	}
	return nil
}

// setHeaders applies the auth and content headers every call needs.
func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.desc.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
}

// CheckReady verifies the endpoint answers the models listing.
func (a *Adapter) CheckReady(ctx context.Context) error {
	if err := a.configured(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/models", nil)
	if err != nil {
		return backend.NetworkErr(a.desc.ID, "failed to create request", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return backend.ClassifyTransport(a.desc.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return a.decodeError(resp)
	}
	return nil
}

// ListModels queries /models and maps provider metadata.
func (a *Adapter) ListModels(ctx context.Context) ([]model.Info, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/models", nil)
	if err != nil {
		return nil, backend.NetworkErr(a.desc.ID, "failed to create request", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, backend.ClassifyTransport(a.desc.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, a.decodeError(resp)
	}

	var models modelsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, backend.MaxResponseSize)).Decode(&models); err != nil {
		return nil, backend.ProtocolErr(a.desc.ID, "failed to decode models", err)
	}

	infos := make([]model.Info, 0, len(models.Data))
	for _, m := range models.Data {
		window := m.ContextLength
		if window == 0 {
			window = a.desc.ContextWindowTokens
		}
		infos = append(infos, model.Info{ID: m.ID, Backend: a.desc.ID, ContextWindow: window})
	}
	return infos, nil
}

// Chat performs a blocking completion against /chat/completions.
func (a *Adapter) Chat(ctx context.Context, msgs []model.Message, p backend.CallParams) (*model.ChatResponse, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	body, err := a.requestBody(msgs, p, false)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, backend.NetworkErr(a.desc.ID, "failed to create request", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, backend.ClassifyTransport(a.desc.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.decodeError(resp)
	}

	var cr chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, backend.MaxResponseSize)).Decode(&cr); err != nil {
		return nil, backend.ProtocolErr(a.desc.ID, "failed to decode response", err)
	}
	return a.buildResponse(msgs, cr)
}

// Stream starts a streaming completion and returns the SSE source.
func (a *Adapter) Stream(ctx context.Context, msgs []model.Message, p backend.CallParams) (stream.Source, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	body, err := a.requestBody(msgs, p, true)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, backend.NetworkErr(a.desc.ID, "failed to create request", err)
	}
	a.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

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

	req := chatRequest{
		Model:     mdl,
		Messages:  toWire(msgs),
		Stream:    streaming,
		MaxTokens: p.MaxTokens,
	}
	if p.Temperature >= 0 {
		temp := p.Temperature
		req.Temperature = &temp
	}
	if a.desc.SupportsTools {
		req.Tools = toWireTools(p.Tools)
	}
	if streaming {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, backend.ProtocolErr(a.desc.ID, "failed to marshal request", err)
	}
	return body, nil
}

// decodeError turns a non-200 response into a taxonomy error, keeping
// the provider's message and Retry-After hint where present.
func (a *Adapter) decodeError(resp *http.Response) error {
	msg := ""
	var apiErr apiErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, backend.MaxResponseSize)).Decode(&apiErr); err == nil {
		msg = apiErr.Error.Message
	}
	classified := backend.ClassifyStatus(a.desc.ID, resp.StatusCode, msg)
	if classified.Kind == backend.KindRateLimit {
		classified.RetryAfter = backend.ParseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return classified
}

// buildResponse maps the provider response onto the uniform response.
func (a *Adapter) buildResponse(prompt []model.Message, cr chatResponse) (*model.ChatResponse, error) {
	if len(cr.Choices) == 0 {
		return nil, backend.ProtocolErr(a.desc.ID, "response carried no choices", nil)
	}
	choice := cr.Choices[0]

	calls, err := fromWireCalls(choice.Message.ToolCalls)
	if err != nil {
		return nil, backend.ProtocolErr(a.desc.ID, "malformed tool call in response", err)
	}

	finish := mapFinishReason(choice.FinishReason)
	if len(calls) > 0 {
		finish = model.FinishToolCalls
	}

	usage := model.TokenUsage{}
	if cr.Usage != nil {
		usage.PromptTokens = cr.Usage.PromptTokens
		usage.CompletionTokens = cr.Usage.CompletionTokens
		usage.TokensKnown = true
	} else {
		usage.PromptTokens = model.EstimateHistoryTokens(prompt)
		usage.CompletionTokens = (len(choice.Message.Content) + 3) / 4
		usage.Estimated = true
	}

	return &model.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: finish,
		ToolCalls:    calls,
		Usage:        usage,
		BackendID:    a.desc.ID,
		Model:        cr.Model,
	}, nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toWire(msgs []model.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{
			Role:       m.Role.String(),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunction{Name: tc.Name, Arguments: string(tc.Arguments)},
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

func fromWireCalls(calls []wireToolCall) ([]model.ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	out := make([]model.ToolCall, 0, len(calls))
	for _, c := range calls {
		args := c.Function.Arguments
		if args == "" {
			args = "{}"
		}
		tc := model.ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: json.RawMessage(args)}
		if err := tc.Validate(); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, nil
}

func mapFinishReason(reason string) model.FinishReason {
	switch reason {
	case "length":
		return model.FinishLength
	case "tool_calls":
		return model.FinishToolCalls
	default:
		return model.FinishStop
	}
}
