// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session keeps the per-backend conversation buffers.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/modelmux/internal/model"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds configuration for the session manager.
type Config struct {
	// MaxMessages bounds each backend's buffer. Oldest messages are
	// evicted past this point (default: 50).
	MaxMessages int
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessages: 50,
	}
}

// =============================================================================
// SESSION MANAGER
// =============================================================================

// buffer is one backend's history. Its own lock serializes appends to
// this backend; appends to different backends do not contend.
type buffer struct {
	mu   sync.Mutex
	msgs []model.Message
}

// Manager owns the per-backend conversation buffers for one session.
type Manager struct {
	mu      sync.RWMutex
	buffers map[string]*buffer

	sessionID string
	startTime time.Time
	max       int
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultConfig().MaxMessages
	}
	return &Manager{
		buffers:   make(map[string]*buffer),
		sessionID: uuid.New().String(),
		startTime: time.Now(),
		max:       cfg.MaxMessages,
	}
}

// SessionID returns the session's unique identifier.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// StartTime returns when the session started.
func (m *Manager) StartTime() time.Time {
	return m.startTime
}

// =============================================================================
// BUFFER OPERATIONS
// =============================================================================

// bufferFor returns the backend's buffer, creating it on first use.
func (m *Manager) bufferFor(backendID string) *buffer {
	m.mu.RLock()
	b := m.buffers[backendID]
	m.mu.RUnlock()
	if b != nil {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b = m.buffers[backendID]; b == nil {
		b = &buffer{}
		m.buffers[backendID] = b
	}
	return b
}

// Append adds messages to the end of a backend's buffer, evicting the
// oldest entries when the bound is exceeded. Appends to the same
// backend serialize on that backend's lock.
func (m *Manager) Append(backendID string, msgs ...model.Message) {
	if len(msgs) == 0 {
		return
	}
	b := m.bufferFor(backendID)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msgs...)
	if len(b.msgs) > m.max {
		b.msgs = evict(b.msgs, m.max)
	}
}

// evict trims to at most max messages, dropping from the front, then
// advances past any tool results left answering an evicted call.
func evict(msgs []model.Message, max int) []model.Message {
	cut := len(msgs) - max
	for cut < len(msgs) && msgs[cut].Role == model.RoleTool {
		cut++
	}
	kept := make([]model.Message, len(msgs)-cut)
	copy(kept, msgs[cut:])
	return kept
}

// History returns an independent copy of a backend's buffer, oldest
// first. Unknown backends yield an empty history.
func (m *Manager) History(backendID string) []model.Message {
	m.mu.RLock()
	b := m.buffers[backendID]
	m.mu.RUnlock()
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return model.CloneHistory(b.msgs)
}

// Len returns the number of messages buffered for a backend.
func (m *Manager) Len(backendID string) int {
	m.mu.RLock()
	b := m.buffers[backendID]
	m.mu.RUnlock()
	if b == nil {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

// Clear discards a backend's buffer.
func (m *Manager) Clear(backendID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, backendID)
}

// ClearAll discards every buffer.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers = make(map[string]*buffer)
}

// Backends returns the ids with non-empty buffers, sorted.
func (m *Manager) Backends() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.buffers))
	for id, b := range m.buffers {
		b.mu.Lock()
		n := len(b.msgs)
		b.mu.Unlock()
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// =============================================================================
// STATS
// =============================================================================

// Stats summarizes one backend's buffer.
type Stats struct {
	// Messages is the buffered message count.
	Messages int `json:"messages"`

	// EstimatedTokens is the rough token cost of replaying the buffer.
	EstimatedTokens int `json:"estimated_tokens"`
}

// Stats returns the message and token counts for a backend's buffer.
func (m *Manager) Stats(backendID string) Stats {
	m.mu.RLock()
	b := m.buffers[backendID]
	m.mu.RUnlock()
	if b == nil {
		return Stats{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Messages:        len(b.msgs),
		EstimatedTokens: model.EstimateHistoryTokens(b.msgs),
	}
}
