// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"fmt"
	"strings"
)

// =============================================================================
// PROTOCOLS
// =============================================================================

// Protocol names the wire protocol an adapter speaks. It is the key the
// adapter registry builds from.
type Protocol string

const (
	// ProtocolOllama is the local NDJSON chat protocol (POST /api/chat).
	ProtocolOllama Protocol = "ollama"

	// ProtocolOpenAI is the OpenAI-compatible JSON+SSE protocol, also
	// spoken by OpenRouter, Gemini's compatibility endpoint, and most
	// hosted gateways.
	ProtocolOpenAI Protocol = "openai"

	// ProtocolAnthropic is the Anthropic Messages API.
	ProtocolAnthropic Protocol = "anthropic"
)

// =============================================================================
// ROLES
// =============================================================================

// Role is a routing family a backend can serve. A backend may serve
// several roles; the router's task table selects by role first.
type Role string

const (
	// RoleLocal marks an on-host backend with zero per-token cost.
	RoleLocal Role = "local"

	// RoleFast marks a cheap low-latency cloud backend.
	RoleFast Role = "fast"

	// RoleHeavy marks a heavy-reasoning backend used for review work.
	RoleHeavy Role = "heavy"

	// RolePlanner marks a backend trusted with architecture/planning.
	RolePlanner Role = "planner"
)

// =============================================================================
// DESCRIPTOR
// =============================================================================

// Descriptor is the immutable configuration of one backend. Loaded at
// orchestrator construction and never mutated afterwards; the persona it
// names is the only session-mutable state, and that lives in the persona
// manager, not here.
type Descriptor struct {
	// ID uniquely names the backend in chains, hints, and usage events.
	ID string

	// Protocol selects the adapter implementation.
	Protocol Protocol

	// BaseURL is the provider endpoint root.
	BaseURL string

	// APIKey authenticates cloud protocols. Empty for local backends.
	APIKey string

	// Model is the default model identifier sent to the provider.
	Model string

	// ContextWindowTokens is the usable context size.
	ContextWindowTokens int

	// CostInPerMTok / CostOutPerMTok are configured prices in dollars
	// per million tokens. Zero for local backends.
	CostInPerMTok  float64
	CostOutPerMTok float64

	// SupportsStreaming / SupportsTools gate request features.
	SupportsStreaming bool
	SupportsTools     bool

	// Roles lists the routing families this backend serves.
	Roles []Role

	// PersonaName selects a persona preset as this backend's default.
	PersonaName string

	// SystemPrompt, when set, overrides the preset as the default
	// persona text for this backend.
	SystemPrompt string

	// RequestsPerMinute caps dispatch attempts against this backend.
	// Zero means unlimited.
	RequestsPerMinute int
}

// Validate checks the descriptor for construction-time mistakes.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("backend: missing id")
	}
	switch d.Protocol {
	case ProtocolOllama, ProtocolOpenAI, ProtocolAnthropic:
	case "":
		return fmt.Errorf("backend %s: missing protocol", d.ID)
	default:
		return fmt.Errorf("backend %s: unknown protocol %q", d.ID, d.Protocol)
	}
	if d.ContextWindowTokens <= 0 {
		return fmt.Errorf("backend %s: context window must be positive, got %d", d.ID, d.ContextWindowTokens)
	}
	if d.CostInPerMTok < 0 || d.CostOutPerMTok < 0 {
		return fmt.Errorf("backend %s: negative pricing", d.ID)
	}
	if d.RequestsPerMinute < 0 {
		return fmt.Errorf("backend %s: negative rate limit", d.ID)
	}
	return nil
}

// HasRole reports whether the backend serves the given routing family.
func (d *Descriptor) HasRole(role Role) bool {
	for _, r := range d.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanPlan reports whether the backend is trusted with planning work.
func (d *Descriptor) CanPlan() bool {
	return d.HasRole(RolePlanner)
}

// IsLocal reports whether the backend runs on-host.
func (d *Descriptor) IsLocal() bool {
	return d.HasRole(RoleLocal) || d.Protocol == ProtocolOllama
}

// CostMicrocents prices a call at the configured rates. One microcent is
// a millionth of a cent, so the result is exact for any rate with at
// most four decimal places per million tokens.
func (d *Descriptor) CostMicrocents(promptTokens, completionTokens int) int64 {
	in := float64(promptTokens) * d.CostInPerMTok * 100
	out := float64(completionTokens) * d.CostOutPerMTok * 100
	return int64(in + out)
}

// CostPerTokenAvg is the routing tie-break metric: the mean of input and
// output price. Lower wins among equally-ranked candidates.
func (d *Descriptor) CostPerTokenAvg() float64 {
	return (d.CostInPerMTok + d.CostOutPerMTok) / 2
}

// Redacted returns a loggable one-line description without the API key.
func (d *Descriptor) Redacted() string {
	roles := make([]string, len(d.Roles))
	for i, r := range d.Roles {
		roles[i] = string(r)
	}
	key := "none"
	if d.APIKey != "" {
		key = fmt.Sprintf("set(len=%d)", len(d.APIKey))
	}
	return fmt.Sprintf("%s proto=%s model=%s window=%d roles=[%s] key=%s",
		d.ID, d.Protocol, d.Model, d.ContextWindowTokens, strings.Join(roles, ","), key)
}
