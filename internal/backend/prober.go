// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// HEALTH PROBER
// =============================================================================

// DefaultProbeTTL is how long a probe result stays fresh.
const DefaultProbeTTL = 30 * time.Second

// defaultProbeTimeout bounds a single reachability check.
const defaultProbeTimeout = 3 * time.Second

// ProbeState is one backend's cached health result.
type ProbeState struct {
	BackendID string    `json:"backend_id"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// Prober caches backend reachability so routing can skip known-down
// backends without paying a probe per dispatch. A stale or negative
// cache entry only deprioritizes a backend, it never forbids trying it:
// the chain is still attempted in full when every candidate looks down.
type Prober struct {
	mu      sync.Mutex
	ttl     time.Duration
	timeout time.Duration
	entries map[string]ProbeState
}

// NewProber creates a prober with the given TTL. Zero means DefaultProbeTTL.
func NewProber(ttl time.Duration) *Prober {
	if ttl <= 0 {
		ttl = DefaultProbeTTL
	}
	return &Prober{
		ttl:     ttl,
		timeout: defaultProbeTimeout,
		entries: make(map[string]ProbeState),
	}
}

// Healthy reports whether the adapter's backend looks reachable,
// probing at most once per TTL.
func (p *Prober) Healthy(ctx context.Context, a Adapter) bool {
	id := a.ID()

	p.mu.Lock()
	if st, ok := p.entries[id]; ok && time.Since(st.CheckedAt) < p.ttl {
		p.mu.Unlock()
		return st.Healthy
	}
	p.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := a.CheckReady(probeCtx)
	cancel()

	st := ProbeState{BackendID: id, Healthy: err == nil, CheckedAt: time.Now()}
	if err != nil {
		st.Error = err.Error()
	}

	p.mu.Lock()
	p.entries[id] = st
	p.mu.Unlock()

	return st.Healthy
}

// Invalidate drops the cached state for one backend, forcing the next
// Healthy call to probe again.
func (p *Prober) Invalidate(backendID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, backendID)
}

// States snapshots the cached probe results for reporting.
func (p *Prober) States() []ProbeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProbeState, 0, len(p.entries))
	for _, st := range p.entries {
		out = append(out, st)
	}
	return out
}
