// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/stream"
)

// =============================================================================
// CALL PARAMETERS
// =============================================================================

// CallParams carries the per-call knobs the orchestrator resolved from the
// request, the persona, and the descriptor. Adapters map these onto their
// wire format and ignore what their provider cannot express.
type CallParams struct {
	// Model overrides the descriptor's default model when non-empty.
	Model string

	// Temperature is the sampling temperature. Negative means unset.
	Temperature float64

	// MaxTokens caps the completion. Zero means provider default.
	MaxTokens int

	// Tools the model may invoke. Only sent when the descriptor
	// declares tool support.
	Tools []model.ToolSpec
}

// =============================================================================
// ADAPTER CONTRACT
// =============================================================================

// Adapter wraps one provider's wire protocol behind a uniform surface.
//
// Implementations must be safe for concurrent use, must never return
// partial content from Chat on failure, and must classify every failure
// into the package error taxonomy.
type Adapter interface {
	// ID returns the configured backend id this adapter serves.
	ID() string

	// Descriptor returns the immutable configuration of the backend.
	Descriptor() Descriptor

	// Chat performs a blocking, non-streaming completion.
	Chat(ctx context.Context, msgs []model.Message, p CallParams) (*model.ChatResponse, error)

	// Stream starts a streaming completion and returns a lazy,
	// single-pass, non-restartable event sequence. Mid-sequence
	// failures surface through Next with the same taxonomy.
	Stream(ctx context.Context, msgs []model.Message, p CallParams) (stream.Source, error)

	// ListModels returns the models this backend can serve.
	// Best-effort: local adapters fall back to their configured model
	// when the daemon cannot be reached.
	ListModels(ctx context.Context) ([]model.Info, error)

	// CheckReady probes the backend cheaply for reachability.
	CheckReady(ctx context.Context) error
}

// =============================================================================
// ADAPTER REGISTRY
// =============================================================================

// BuildFunc constructs an adapter for a validated descriptor.
type BuildFunc func(desc Descriptor) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[Protocol]BuildFunc)
)

// Register installs a builder for a protocol. Adapter packages call this
// from init; importing a package for side effects enables its protocol.
func Register(proto Protocol, build BuildFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[proto]; dup {
		panic(fmt.Sprintf("backend: protocol %q registered twice", proto))
	}
	registry[proto] = build
}

// New builds the adapter for a descriptor via the registry.
func New(desc Descriptor) (Adapter, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	registryMu.RLock()
	build, ok := registry[desc.Protocol]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend %s: no adapter registered for protocol %q (missing import?)", desc.ID, desc.Protocol)
	}
	return build(desc)
}

// Protocols returns the registered protocol names, sorted.
func Protocols() []Protocol {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Protocol, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
