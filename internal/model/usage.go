// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared across the router.
package model

// =============================================================================
// PER-CALL USAGE
// =============================================================================

// TokenUsage is the token/cost accounting for a single call.
//
// TokensKnown is false when the provider did not report counts; the
// router then fills PromptTokens/CompletionTokens from the char/4
// heuristic and marks Estimated.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int

	// CostMicrocents is the configured price of this call in millionths
	// of a dollar cent. Integer math keeps accumulation drift-free.
	CostMicrocents int64

	// TokensKnown reports whether the counts came from the provider.
	TokensKnown bool

	// Estimated marks counts derived from the character heuristic.
	Estimated bool
}

// TotalTokens returns prompt plus completion tokens.
func (u TokenUsage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// =============================================================================
// PER-BACKEND SESSION TOTALS
// =============================================================================

// UsageStats is the monotonically accumulated per-backend session total.
// It only ever grows, except through an explicit reset, and it never
// includes speculative accounting: only completed calls and calls
// explicitly finalized as errored are counted.
type UsageStats struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	CostMicrocents   int64 `json:"cost_microcents"`
	Errors           int64 `json:"errors"`
}

// CostDollars renders the accumulated cost in dollars.
func (s UsageStats) CostDollars() float64 {
	return float64(s.CostMicrocents) / 1e8
}

// Add returns the element-wise sum of two stats values.
func (s UsageStats) Add(o UsageStats) UsageStats {
	return UsageStats{
		Requests:         s.Requests + o.Requests,
		PromptTokens:     s.PromptTokens + o.PromptTokens,
		CompletionTokens: s.CompletionTokens + o.CompletionTokens,
		CostMicrocents:   s.CostMicrocents + o.CostMicrocents,
		Errors:           s.Errors + o.Errors,
	}
}
