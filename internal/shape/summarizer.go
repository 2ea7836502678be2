// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package shape

import (
	"context"
	"fmt"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/model"
)

// Summarizer condenses elided conversation into at most maxTokens.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxTokens int) (string, error)
}

// =============================================================================
// SIMPLE SUMMARIZER
// =============================================================================

// SimpleSummarizer emits a counting placeholder instead of real prose.
// It is the zero-cost fallback when no model-backed summarizer is
// configured or the configured one fails.
type SimpleSummarizer struct{}

// Summarize reports what was elided without reproducing it.
func (SimpleSummarizer) Summarize(_ context.Context, text string, _ int) (string, error) {
	tokens := (len(text) + 3) / 4
	return fmt.Sprintf("[earlier conversation elided: ~%d tokens]", tokens), nil
}

// =============================================================================
// MODEL-BACKED SUMMARIZER
// =============================================================================

// defaultDistillerPrompt instructs the summarizing model.
const defaultDistillerPrompt = "You compress conversation history. Produce a dense factual summary " +
	"of the following transcript: decisions made, facts established, open items. " +
	"No preamble, no commentary. Stay under the requested length."

// LLMSummarizer condenses history through a backend, typically a cheap
// fast one.
type LLMSummarizer struct {
	adapter backend.Adapter
	prompt  string
}

// NewLLMSummarizer builds a model-backed summarizer. An empty prompt
// selects the default distiller instructions.
func NewLLMSummarizer(adapter backend.Adapter, prompt string) *LLMSummarizer {
	if prompt == "" {
		prompt = defaultDistillerPrompt
	}
	return &LLMSummarizer{adapter: adapter, prompt: prompt}
}

// Summarize asks the backing model for a condensed rendition.
func (l *LLMSummarizer) Summarize(ctx context.Context, text string, maxTokens int) (string, error) {
	msgs := []model.Message{
		model.NewSystemMessage(l.prompt),
		model.NewUserMessage(fmt.Sprintf("Summarize in at most %d tokens:\n\n%s", maxTokens, text)),
	}
	resp, err := l.adapter.Chat(ctx, msgs, backend.CallParams{
		Temperature: 0.2,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
