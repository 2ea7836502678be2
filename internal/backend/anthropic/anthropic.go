// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package anthropic implements the Anthropic Messages API adapter.
// System prompts ride a top-level field, assistant output arrives as
// typed content blocks, and streaming uses named SSE events.
package anthropic

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

// DefaultBaseURL is the hosted API root.
const DefaultBaseURL = "https://api.anthropic.com"

// apiVersion is the pinned Messages API revision.
const apiVersion = "2023-06-01"

// defaultMaxTokens fills the mandatory max_tokens field when the caller
// left it unset.
const defaultMaxTokens = 4096

// =============================================================================
// WIRE TYPES
// =============================================================================

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []wireBlock
}

type wireBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type messagesResponse struct {
	ID         string      `json:"id"`
	Model      string      `json:"model"`
	Role       string      `json:"role"`
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      wireUsage   `json:"usage"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// =============================================================================
// ADAPTER
// =============================================================================

// Adapter speaks the Messages API for one configured backend.
type Adapter struct {
	desc      backend.Descriptor
	base      string
	client    *http.Client
	streaming *http.Client
}

// New builds an Anthropic adapter from a descriptor.
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

func (a *Adapter) configured() error {
	if a.desc.APIKey == "" {
		return backend.NewError(backend.KindAuth, a.desc.ID, "api key not configured", backend.ErrNotConfigured)
	}
	return nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", a.desc.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
}

// CheckReady verifies credentials against the models listing.
func (a *Adapter) CheckReady(ctx context.Context) error {
	if err := a.configured(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/v1/models?limit=1", nil)
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

// ListModels queries /v1/models.
func (a *Adapter) ListModels(ctx context.Context) ([]model.Info, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/v1/models", nil)
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
		infos = append(infos, model.Info{ID: m.ID, Backend: a.desc.ID, ContextWindow: a.desc.ContextWindowTokens})
	}
	return infos, nil
}

// Chat performs a blocking completion against /v1/messages.
func (a *Adapter) Chat(ctx context.Context, msgs []model.Message, p backend.CallParams) (*model.ChatResponse, error) {
	if err := a.configured(); err != nil {
		return nil, err
	}
	body, err := a.requestBody(msgs, p, false)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/v1/messages", bytes.NewReader(body))
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

	var mr messagesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, backend.MaxResponseSize)).Decode(&mr); err != nil {
		return nil, backend.ProtocolErr(a.desc.ID, "failed to decode response", err)
	}
	return a.buildResponse(mr)
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

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/v1/messages", bytes.NewReader(body))
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

// requestBody assembles the wire request. The system prompt moves from
// the message list to the top-level field the API expects.
func (a *Adapter) requestBody(msgs []model.Message, p backend.CallParams, streaming bool) ([]byte, error) {
	mdl := p.Model
	if mdl == "" {
		mdl = a.desc.Model
	}
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	system, wireMsgs := toWire(msgs)
	req := messagesRequest{
		Model:     mdl,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  wireMsgs,
		Stream:    streaming,
	}
	if p.Temperature >= 0 {
		temp := p.Temperature
		req.Temperature = &temp
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

// buildResponse flattens content blocks onto the uniform response.
func (a *Adapter) buildResponse(mr messagesResponse) (*model.ChatResponse, error) {
	var text strings.Builder
	var calls []model.ToolCall
	for _, block := range mr.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			tc := model.ToolCall{ID: block.ID, Name: block.Name, Arguments: input}
			if err := tc.Validate(); err != nil {
				return nil, backend.ProtocolErr(a.desc.ID, "malformed tool_use block", err)
			}
			calls = append(calls, tc)
		}
	}

	finish := mapStopReason(mr.StopReason)
	if len(calls) > 0 {
		finish = model.FinishToolCalls
	}

	return &model.ChatResponse{
		Content:      text.String(),
		FinishReason: finish,
		ToolCalls:    calls,
		Usage: model.TokenUsage{
			PromptTokens:     mr.Usage.InputTokens,
			CompletionTokens: mr.Usage.OutputTokens,
			TokensKnown:      true,
		},
		BackendID: a.desc.ID,
		Model:     mr.Model,
	}, nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// toWire splits the system prompt out and converts the rest. Tool
// results become user-role tool_result blocks; assistant tool calls
// become tool_use blocks.
func toWire(msgs []model.Message) (string, []wireMessage) {
	var system strings.Builder
	out := make([]wireMessage, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)

		case model.RoleTool:
			out = append(out, wireMessage{
				Role: "user",
				Content: []wireBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		case model.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, wireMessage{Role: "assistant", Content: m.Content})
				continue
			}
			blocks := make([]wireBlock, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, wireBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, wireBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			out = append(out, wireMessage{Role: "assistant", Content: blocks})

		default:
			out = append(out, wireMessage{Role: "user", Content: m.Content})
		}
	}
	return system.String(), out
}

func toWireTools(tools []model.ToolSpec) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, wireTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}

func mapStopReason(reason string) model.FinishReason {
	switch reason {
	case "max_tokens":
		return model.FinishLength
	case "tool_use":
		return model.FinishToolCalls
	default:
		return model.FinishStop
	}
}
