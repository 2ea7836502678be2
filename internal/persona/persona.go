// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persona holds the reusable system-prompt presets and tracks
// which one each backend currently runs with.
//
// A persona bundles a system prompt with the sampling defaults that
// suit it. Backends may be bound to a persona in configuration; anything
// unbound picks up a task-appropriate preset at dispatch time. Bindings
// are snapshotted per dispatch, so switching or resetting a persona
// never alters a call already in flight.
package persona

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/model"
)

// ErrUnknown is returned when a persona name has no registered preset.
var ErrUnknown = errors.New("unknown persona")

// =============================================================================
// PERSONA TYPE
// =============================================================================

// Persona is a reusable system prompt plus the sampling defaults and
// routing preferences that go with it.
type Persona struct {
	// Name uniquely identifies the persona in configuration and APIs.
	Name string

	// Description is a one-line human-readable summary.
	Description string

	// SystemPrompt is injected as the first message of every prompt
	// shaped under this persona.
	SystemPrompt string

	// Temperature is the sampling temperature used when the request
	// does not set one.
	Temperature float64

	// MaxTokens caps the completion when the request does not set one.
	// Zero defers to the backend default.
	MaxTokens int

	// PreferredRoles orders the routing families this persona works
	// best on. Used as a hint, never as a hard constraint.
	PreferredRoles []backend.Role
}

// Validate checks the persona for construction-time mistakes.
func (p Persona) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("persona: missing name")
	}
	if p.SystemPrompt == "" {
		return fmt.Errorf("persona %s: missing system prompt", p.Name)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("persona %s: temperature %.2f outside [0,2]", p.Name, p.Temperature)
	}
	if p.MaxTokens < 0 {
		return fmt.Errorf("persona %s: negative max_tokens %d", p.Name, p.MaxTokens)
	}
	return nil
}

// clone returns an independent copy, including the roles slice.
func (p Persona) clone() Persona {
	out := p
	if len(p.PreferredRoles) > 0 {
		out.PreferredRoles = make([]backend.Role, len(p.PreferredRoles))
		copy(out.PreferredRoles, p.PreferredRoles)
	}
	return out
}

// =============================================================================
// BUILT-IN PRESETS
// =============================================================================

// Preset persona names.
const (
	GeneralAssistant = "general-assistant"
	CodeSpecialist   = "code-specialist"
	FastParser       = "fast-parser"
	ContextDistiller = "context-distiller"
	LocalCoder       = "local-coder"
	Architect        = "architect"
)

// DefaultName is the persona used when nothing selects another.
const DefaultName = GeneralAssistant

// Presets returns the built-in personas. The slice and its contents are
// fresh copies on every call.
func Presets() []Persona {
	return []Persona{
		{
			Name:        GeneralAssistant,
			Description: "Balanced general-purpose assistant.",
			SystemPrompt: "You are a helpful AI assistant. Provide clear, accurate, and concise answers. " +
				"Think step-by-step and explain reasoning briefly when helpful.",
			Temperature:    0.7,
			MaxTokens:      4000,
			PreferredRoles: []backend.Role{backend.RoleHeavy, backend.RoleFast},
		},
		{
			Name:        CodeSpecialist,
			Description: "Expert at writing, reviewing, and debugging code.",
			SystemPrompt: "You are an expert software engineer. You write clean, idiomatic, well-tested code. " +
				"You follow best practices and explain design decisions briefly.",
			Temperature:    0.3,
			MaxTokens:      8000,
			PreferredRoles: []backend.Role{backend.RoleFast, backend.RoleHeavy},
		},
		{
			Name:        FastParser,
			Description: "Focused on quick parsing and structured output.",
			SystemPrompt: "You are a fast, efficient parser. Extract structured information accurately and return " +
				"well-formatted JSON responses when possible.",
			Temperature:    0.2,
			MaxTokens:      2000,
			PreferredRoles: []backend.Role{backend.RoleFast},
		},
		{
			Name:        ContextDistiller,
			Description: "Distills large contexts into task-relevant summaries.",
			SystemPrompt: "You are a context distillation specialist. Read large amounts of context and extract only " +
				"the most relevant information for the current task. Focus on key decisions, unresolved issues, " +
				"critical facts, and recent changes.",
			Temperature:    0.3,
			MaxTokens:      4000,
			PreferredRoles: []backend.Role{backend.RoleFast},
		},
		{
			Name:           LocalCoder,
			Description:    "Local model for quick coding tasks.",
			SystemPrompt:   "You are a concise coding assistant running locally. Provide practical code solutions without fluff.",
			Temperature:    0.3,
			MaxTokens:      2000,
			PreferredRoles: []backend.Role{backend.RoleLocal},
		},
		{
			Name:        Architect,
			Description: "Deep reasoning and system design.",
			SystemPrompt: "You are a senior software architect. Think thoroughly about trade-offs, scalability, " +
				"and maintainability. Provide detailed technical plans.",
			Temperature:    0.2,
			MaxTokens:      16000,
			PreferredRoles: []backend.Role{backend.RolePlanner, backend.RoleHeavy},
		},
	}
}

// =============================================================================
// TASK DEFAULTS
// =============================================================================

// ForTask returns the preset name a task type defaults to when the
// serving backend has no persona binding of its own. Code work on a
// local backend gets the lighter local-coder prompt.
func ForTask(t model.TaskType, local bool) string {
	switch t {
	case model.TaskCode:
		if local {
			return LocalCoder
		}
		return CodeSpecialist
	case model.TaskParse:
		return FastParser
	case model.TaskReview, model.TaskPlan:
		return Architect
	default:
		return DefaultName
	}
}

// =============================================================================
// MANAGER
// =============================================================================

// binding is one backend's persona state. def is the configured
// default restored by Reset; bindings created at runtime via Set have
// no default and Reset removes them entirely.
type binding struct {
	def        Persona
	hasDefault bool
	cur        Persona
}

// Manager stores the persona presets and the per-backend bindings.
// Safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	presets  map[string]Persona
	bindings map[string]*binding
}

// NewManager returns a manager seeded with the built-in presets.
func NewManager() *Manager {
	m := &Manager{
		presets:  make(map[string]Persona),
		bindings: make(map[string]*binding),
	}
	for _, p := range Presets() {
		m.presets[p.Name] = p
	}
	return m
}

// Register adds a preset, replacing any existing one with the same
// name. Configuration-defined personas go through here.
func (m *Manager) Register(p Persona) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presets[p.Name] = p.clone()
	return nil
}

// Get returns a copy of the named preset. The empty name resolves to
// DefaultName.
func (m *Manager) Get(name string) (Persona, error) {
	if name == "" {
		name = DefaultName
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presets[name]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return p.clone(), nil
}

// Names returns the registered preset names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.presets))
	for name := range m.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind sets a backend's configured default persona. Reset returns the
// backend to this persona.
func (m *Manager) Bind(backendID string, p Persona) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[backendID] = &binding{def: p.clone(), hasDefault: true, cur: p.clone()}
	return nil
}

// Set switches a backend to a named preset at runtime. The configured
// default, if any, is untouched and still what Reset restores.
func (m *Manager) Set(backendID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presets[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	b := m.bindings[backendID]
	if b == nil {
		b = &binding{}
		m.bindings[backendID] = b
	}
	b.cur = p.clone()
	return nil
}

// Reset restores a backend's configured default persona, or removes
// the binding entirely when the backend never had one configured.
func (m *Manager) Reset(backendID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bindings[backendID]
	if b == nil {
		return
	}
	if !b.hasDefault {
		delete(m.bindings, backendID)
		return
	}
	b.cur = b.def.clone()
}

// ResetAll resets every binding.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.bindings {
		if !b.hasDefault {
			delete(m.bindings, id)
			continue
		}
		b.cur = b.def.clone()
	}
}

// Snapshot returns an independent copy of a backend's current persona.
// The second return is false when the backend has no binding, in which
// case callers fall back to ForTask.
func (m *Manager) Snapshot(backendID string) (Persona, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.bindings[backendID]
	if b == nil {
		return Persona{}, false
	}
	return b.cur.clone(), true
}
