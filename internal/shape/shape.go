// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package shape fits conversation history into a backend's context
// window. The persona is injected first and never dropped; the walk
// keeps the newest turns that fit and either drops the rest or folds
// them into a summary, by policy.
package shape

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/model"
)

// =============================================================================
// POLICY AND CONFIGURATION
// =============================================================================

// Policy decides what happens to history that does not fit.
type Policy string

const (
	// PolicyDrop discards the oldest turns outright.
	PolicyDrop Policy = "drop"

	// PolicySummarize replaces the oldest turns with a summary message.
	PolicySummarize Policy = "summarize"
)

// Valid reports whether the policy is a known value.
func (p Policy) Valid() bool {
	return p == PolicyDrop || p == PolicySummarize
}

// Config holds the shaping knobs.
type Config struct {
	// Policy selects drop or summarize behavior.
	Policy Policy

	// SafetyMargin is tokens held back from every window, covering
	// estimation error and provider-side wrapping.
	SafetyMargin int

	// SummaryBudget caps the summary message, in tokens. Reserved up
	// front under PolicySummarize so the summary always fits.
	SummaryBudget int
}

// DefaultConfig returns the shipped shaping defaults.
func DefaultConfig() Config {
	return Config{
		Policy:        PolicyDrop,
		SafetyMargin:  256,
		SummaryBudget: 150,
	}
}

// =============================================================================
// SHAPER
// =============================================================================

// Result is a shaped prompt plus what shaping did to get there.
type Result struct {
	// Messages is the final prompt: persona first, then the summary
	// when one was made, then the surviving suffix.
	Messages []model.Message

	// Dropped counts history messages that did not survive.
	Dropped int

	// Summarized reports whether dropped turns were folded into a
	// summary rather than discarded.
	Summarized bool

	// PromptTokens estimates the shaped prompt's size.
	PromptTokens int
}

// Shaper fits histories into windows.
type Shaper struct {
	cfg        Config
	summarizer Summarizer
	fallback   SimpleSummarizer
}

// NewShaper builds a shaper. The summarizer is only consulted under
// PolicySummarize; nil degrades to the counting placeholder.
func NewShaper(cfg Config, summarizer Summarizer) *Shaper {
	if !cfg.Policy.Valid() {
		cfg.Policy = PolicyDrop
	}
	if cfg.SafetyMargin < 0 {
		cfg.SafetyMargin = 0
	}
	if cfg.SummaryBudget <= 0 {
		cfg.SummaryBudget = DefaultConfig().SummaryBudget
	}
	return &Shaper{cfg: cfg, summarizer: summarizer}
}

// Fit shapes history for one backend attempt.
//
// window is the backend's context size and maxTokens the completion
// budget the call will request; headroom for the prompt is what remains
// after both the completion and the safety margin are set aside. The
// persona (when non-empty) is charged against headroom first and is
// never dropped, and neither is the last user message. History that
// already fits is returned unchanged behind the persona.
func (s *Shaper) Fit(ctx context.Context, backendID string, window, maxTokens int, persona string, history []model.Message) (*Result, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("shape: empty history")
	}

	headroom := window - maxTokens - s.cfg.SafetyMargin

	var personaMsg *model.Message
	budget := headroom
	if persona != "" {
		m := model.NewSystemMessage(persona)
		personaMsg = &m
		budget -= m.EstimateTokens()
	}

	anchor := model.LastUserIndex(history)
	if anchor < 0 {
		anchor = len(history) - 1
	}

	// Cost of the part that can never be dropped: the anchor and
	// everything after it.
	tailCost := 0
	for i := anchor; i < len(history); i++ {
		tailCost += history[i].EstimateTokens()
	}

	summarizing := s.cfg.Policy == PolicySummarize && anchor > 0
	walkBudget := budget
	if summarizing {
		walkBudget -= s.cfg.SummaryBudget
	}

	if tailCost > walkBudget {
		// Not even the mandatory tail fits. Retry without the summary
		// reservation before declaring overflow.
		if !summarizing || tailCost > budget {
			need := headroom - budget + tailCost + maxTokens + s.cfg.SafetyMargin
			return nil, backend.OverflowErr(backendID, need, window)
		}
		summarizing = false
		walkBudget = budget
	}

	// Walk older turns newest-first, extending the kept suffix while
	// it still fits.
	cut := anchor
	remaining := walkBudget - tailCost
	for i := anchor - 1; i >= 0; i-- {
		cost := history[i].EstimateTokens()
		if cost > remaining {
			break
		}
		remaining -= cost
		cut = i
	}

	// A suffix must not open with an orphaned tool result.
	for cut < anchor && history[cut].Role == model.RoleTool {
		cut++
	}

	res := &Result{Dropped: cut}
	if personaMsg != nil {
		res.Messages = append(res.Messages, *personaMsg)
	}

	if cut > 0 && summarizing {
		summary := s.summarize(ctx, history[:cut])
		res.Messages = append(res.Messages, model.NewSystemMessage(summary))
		res.Summarized = true
	}

	res.Messages = append(res.Messages, model.CloneHistory(history[cut:])...)
	res.PromptTokens = model.EstimateHistoryTokens(res.Messages)
	return res, nil
}

// summarize folds dropped turns into one message, degrading to the
// counting placeholder when no summarizer is set or it fails.
func (s *Shaper) summarize(ctx context.Context, dropped []model.Message) string {
	text := flatten(dropped)
	if s.summarizer != nil {
		if out, err := s.summarizer.Summarize(ctx, text, s.cfg.SummaryBudget); err == nil && out != "" {
			return clampTokens(out, s.cfg.SummaryBudget)
		}
	}
	out, _ := s.fallback.Summarize(ctx, text, s.cfg.SummaryBudget)
	return out
}

// flatten renders messages as role-prefixed lines for summarization.
func flatten(msgs []model.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role.String())
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// clampTokens truncates text to roughly the given token budget.
func clampTokens(text string, tokens int) string {
	maxChars := tokens * 4
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}
