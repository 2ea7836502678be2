// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/config"
	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/persona"
	"github.com/jeranaias/modelmux/internal/session"
	"github.com/jeranaias/modelmux/internal/shape"
	"github.com/jeranaias/modelmux/internal/usage"
)

// defaultLogger is used when no logger is injected.
var defaultLogger = log.New(os.Stderr, "[modelmux] ", log.LstdFlags)

// =============================================================================
// COLLABORATORS
// =============================================================================

// ToolExecutor runs tool calls the model requests. Results feed back as
// tool messages before the continuation call on the same backend.
type ToolExecutor interface {
	Execute(ctx context.Context, call model.ToolCall) model.ToolResult
}

// Deps carries the collaborators dispatch needs beyond configuration.
// Every field is optional.
type Deps struct {
	// Adapters overrides adapter construction, matched to backends by
	// ID. Backends without a matching adapter are built from their
	// descriptor via the protocol registry. Used by tests.
	Adapters []backend.Adapter

	// Recorder receives usage events. Nil disables event emission;
	// in-memory accounting still runs.
	Recorder *usage.Recorder

	// Tools executes tool calls on the non-streaming path. Nil returns
	// tool calls to the caller instead.
	Tools ToolExecutor

	// Summarizer overrides the shaping summarizer. Nil selects a
	// model-backed summarizer on a fast backend under the summarize
	// policy, or the counting placeholder.
	Summarizer shape.Summarizer

	// Logger overrides the package logger.
	Logger *log.Logger
}

// =============================================================================
// COUNTERS
// =============================================================================

// counters is one backend's session accounting. Fields are read and
// written with sync/atomic only.
type counters struct {
	requests         int64 // atomic
	promptTokens     int64 // atomic
	completionTokens int64 // atomic
	costMicrocents   int64 // atomic
	errors           int64 // atomic
}

func (c *counters) stats() model.UsageStats {
	return model.UsageStats{
		Requests:         atomic.LoadInt64(&c.requests),
		PromptTokens:     atomic.LoadInt64(&c.promptTokens),
		CompletionTokens: atomic.LoadInt64(&c.completionTokens),
		CostMicrocents:   atomic.LoadInt64(&c.costMicrocents),
		Errors:           atomic.LoadInt64(&c.errors),
	}
}

func (c *counters) reset() {
	atomic.StoreInt64(&c.requests, 0)
	atomic.StoreInt64(&c.promptTokens, 0)
	atomic.StoreInt64(&c.completionTokens, 0)
	atomic.StoreInt64(&c.costMicrocents, 0)
	atomic.StoreInt64(&c.errors, 0)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator routes chat requests across the configured backends.
// Safe for concurrent use; a single dispatch's retry/fallback sequence
// is strictly sequential, but independent dispatches proceed unordered.
type Orchestrator struct {
	adapters map[string]backend.Adapter
	descs    map[string]backend.Descriptor
	order    []string // declaration order
	chain    []string // fallback chain

	personas *persona.Manager
	sessions *session.Manager
	shaper   *shape.Shaper
	prober   *backend.Prober
	recorder *usage.Recorder
	tools    ToolExecutor
	limiters map[string]*rate.Limiter
	logger   *log.Logger

	maxRetries    int
	backoffInit   time.Duration
	backoffMax    time.Duration
	safetyMargin  int
	onBadToolCall string
	maxToolRounds int

	// priciest is the most expensive configured backend, the baseline
	// for savings accounting.
	priciest backend.Descriptor

	stats           map[string]*counters
	savedMicrocents int64 // atomic
}

// New builds an orchestrator from a validated configuration.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("router: nil config")
	}
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("router: no backends configured")
	}

	logger := deps.Logger
	if logger == nil {
		logger = defaultLogger
	}

	overrides := make(map[string]backend.Adapter, len(deps.Adapters))
	for _, a := range deps.Adapters {
		overrides[a.ID()] = a
	}

	o := &Orchestrator{
		adapters:      make(map[string]backend.Adapter),
		descs:         make(map[string]backend.Descriptor),
		chain:         append([]string(nil), cfg.Router.FallbackChain...),
		sessions:      session.NewManager(session.Config{MaxMessages: cfg.Router.SessionMaxMessages}),
		prober:        backend.NewProber(cfg.Router.ProbeTTL()),
		recorder:      deps.Recorder,
		tools:         deps.Tools,
		limiters:      make(map[string]*rate.Limiter),
		logger:        logger,
		maxRetries:    cfg.Router.MaxRetries,
		backoffInit:   cfg.Router.BackoffInitial(),
		backoffMax:    cfg.Router.BackoffMax(),
		safetyMargin:  cfg.Router.SafetyMarginTokens,
		onBadToolCall: cfg.Router.OnBadToolCall,
		maxToolRounds: cfg.Router.MaxToolRounds,
		stats:         make(map[string]*counters),
	}

	for _, desc := range cfg.Descriptors() {
		ad, ok := overrides[desc.ID]
		if !ok {
			var err error
			ad, err = backend.New(desc)
			if err != nil {
				return nil, fmt.Errorf("router: %w", err)
			}
		}
		d := ad.Descriptor()
		o.adapters[desc.ID] = ad
		o.descs[desc.ID] = d
		o.order = append(o.order, desc.ID)
		o.stats[desc.ID] = &counters{}
		if rpm := d.RequestsPerMinute; rpm > 0 {
			burst := rpm / 10
			if burst < 1 {
				burst = 1
			}
			o.limiters[desc.ID] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
		}
		if d.CostPerTokenAvg() > o.priciest.CostPerTokenAvg() {
			o.priciest = d
		}
		logger.Printf("backend registered: %s", d.Redacted())
	}

	if err := o.buildPersonas(cfg); err != nil {
		return nil, err
	}

	summarizer := deps.Summarizer
	if summarizer == nil {
		summarizer = o.defaultSummarizer(cfg)
	}
	o.shaper = shape.NewShaper(cfg.ShapeConfig(), summarizer)

	return o, nil
}

// buildPersonas seeds the persona manager with config presets and binds
// backend defaults.
func (o *Orchestrator) buildPersonas(cfg *config.Config) error {
	o.personas = persona.NewManager()
	for _, p := range cfg.PersonaList() {
		if err := o.personas.Register(p); err != nil {
			return fmt.Errorf("router: persona %s: %w", p.Name, err)
		}
	}
	for _, id := range o.order {
		desc := o.descs[id]
		switch {
		case desc.PersonaName != "":
			p, err := o.personas.Get(desc.PersonaName)
			if err != nil {
				return fmt.Errorf("router: backend %s: %w", id, err)
			}
			if desc.SystemPrompt != "" {
				p.SystemPrompt = desc.SystemPrompt
			}
			if err := o.personas.Bind(id, p); err != nil {
				return fmt.Errorf("router: backend %s: %w", id, err)
			}
		case desc.SystemPrompt != "":
			p, err := o.personas.Get(persona.DefaultName)
			if err != nil {
				return fmt.Errorf("router: backend %s: %w", id, err)
			}
			p.SystemPrompt = desc.SystemPrompt
			if err := o.personas.Bind(id, p); err != nil {
				return fmt.Errorf("router: backend %s: %w", id, err)
			}
		}
	}
	return nil
}

// defaultSummarizer picks the shaping summarizer: a model-backed one on
// the cheapest backend serving the context distiller's preferred roles,
// when the summarize policy is active. Any miss degrades to the counting
// placeholder inside the shaper.
func (o *Orchestrator) defaultSummarizer(cfg *config.Config) shape.Summarizer {
	if shape.Policy(cfg.Router.ShapingPolicy) != shape.PolicySummarize {
		return nil
	}
	distiller, err := o.personas.Get(persona.ContextDistiller)
	if err != nil {
		return nil
	}
	for _, role := range distiller.PreferredRoles {
		for _, id := range o.byRole(role) {
			return shape.NewLLMSummarizer(o.adapters[id], distiller.SystemPrompt)
		}
	}
	if len(o.chain) > 0 {
		return shape.NewLLMSummarizer(o.adapters[o.chain[0]], distiller.SystemPrompt)
	}
	return nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Backends returns the configured descriptors in declaration order.
func (o *Orchestrator) Backends() []backend.Descriptor {
	out := make([]backend.Descriptor, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.descs[id])
	}
	return out
}

// Chain returns the fallback chain ids in order.
func (o *Orchestrator) Chain() []string {
	return append([]string(nil), o.chain...)
}

// SessionID identifies this orchestrator's session in exports and stats.
func (o *Orchestrator) SessionID() string {
	return o.sessions.SessionID()
}

// History returns a copy of one backend's session buffer.
func (o *Orchestrator) History(backendID string) []model.Message {
	return o.sessions.History(backendID)
}

// ListModels aggregates model listings across all backends. Best-effort:
// unreachable backends are skipped with a log line.
func (o *Orchestrator) ListModels(ctx context.Context) []model.Info {
	var out []model.Info
	for _, id := range o.order {
		infos, err := o.adapters[id].ListModels(ctx)
		if err != nil {
			o.logger.Printf("list models: %s: %v", id, err)
			continue
		}
		out = append(out, infos...)
	}
	return out
}

// CheckHealth probes every backend (respecting the prober's TTL cache)
// and returns the per-backend states sorted by id.
func (o *Orchestrator) CheckHealth(ctx context.Context) []backend.ProbeState {
	for _, id := range o.order {
		o.prober.Healthy(ctx, o.adapters[id])
	}
	states := o.prober.States()
	sort.Slice(states, func(i, j int) bool { return states[i].BackendID < states[j].BackendID })
	return states
}

// =============================================================================
// RESETS
// =============================================================================

// ResetBackendContext clears one backend's session buffer. Other
// backends' buffers and all usage totals are untouched; in-flight
// dispatches keep the snapshot they shaped with.
func (o *Orchestrator) ResetBackendContext(backendID string) error {
	if _, ok := o.adapters[backendID]; !ok {
		return fmt.Errorf("router: unknown backend %q", backendID)
	}
	o.sessions.Clear(backendID)
	return nil
}

// ResetAllContext clears every backend's session buffer.
func (o *Orchestrator) ResetAllContext() {
	o.sessions.ClearAll()
}

// SetPersona switches one backend's persona to a registered preset for
// the rest of the session.
func (o *Orchestrator) SetPersona(backendID, personaName string) error {
	if _, ok := o.adapters[backendID]; !ok {
		return fmt.Errorf("router: unknown backend %q", backendID)
	}
	return o.personas.Set(backendID, personaName)
}

// ResetPersona reverts one backend's persona to its configured default.
// Dispatches already in flight are unaffected.
func (o *Orchestrator) ResetPersona(backendID string) error {
	if _, ok := o.adapters[backendID]; !ok {
		return fmt.Errorf("router: unknown backend %q", backendID)
	}
	o.personas.Reset(backendID)
	return nil
}

// ResetUsage zeroes one backend's accumulated totals.
func (o *Orchestrator) ResetUsage(backendID string) error {
	c, ok := o.stats[backendID]
	if !ok {
		return fmt.Errorf("router: unknown backend %q", backendID)
	}
	c.reset()
	return nil
}

// =============================================================================
// USAGE SNAPSHOT
// =============================================================================

// Snapshot is the queryable session accounting across all backends.
type Snapshot struct {
	SessionID string                      `json:"session_id"`
	Backends  map[string]model.UsageStats `json:"backends"`
	Totals    model.UsageStats            `json:"totals"`

	// SavedMicrocents is what routing saved versus sending every
	// completed call to the most expensive configured backend.
	SavedMicrocents int64   `json:"saved_microcents"`
	SavedDollars    float64 `json:"saved_dollars"`
}

// UsageSnapshot returns the current per-backend totals.
func (o *Orchestrator) UsageSnapshot() Snapshot {
	snap := Snapshot{
		SessionID: o.sessions.SessionID(),
		Backends:  make(map[string]model.UsageStats, len(o.stats)),
	}
	for id, c := range o.stats {
		st := c.stats()
		snap.Backends[id] = st
		snap.Totals = snap.Totals.Add(st)
	}
	snap.SavedMicrocents = atomic.LoadInt64(&o.savedMicrocents)
	snap.SavedDollars = float64(snap.SavedMicrocents) / 1e8
	return snap
}

// =============================================================================
// ACCOUNTING
// =============================================================================

// recordSuccess folds a completed call into the per-backend counters and
// emits its usage event.
func (o *Orchestrator) recordSuccess(id string, u model.TokenUsage, task model.TaskType, mdl string, streamed bool, start time.Time) {
	c := o.stats[id]
	atomic.AddInt64(&c.requests, 1)
	atomic.AddInt64(&c.promptTokens, int64(u.PromptTokens))
	atomic.AddInt64(&c.completionTokens, int64(u.CompletionTokens))
	atomic.AddInt64(&c.costMicrocents, u.CostMicrocents)

	if saved := o.priciest.CostMicrocents(u.PromptTokens, u.CompletionTokens) - u.CostMicrocents; saved > 0 {
		atomic.AddInt64(&o.savedMicrocents, saved)
	}

	o.emit(usage.Event{
		BackendID:        id,
		Model:            mdl,
		TaskType:         string(task),
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CostMicrocents:   u.CostMicrocents,
		Estimated:        u.Estimated,
		Success:          true,
		Streamed:         streamed,
		DurationMS:       time.Since(start).Milliseconds(),
	})
}

// recordFailure accounts one failed attempt: the error counter always,
// token totals only for what the attempt actually consumed (a partially
// delivered stream), and a usage event either way.
func (o *Orchestrator) recordFailure(id string, desc backend.Descriptor, err error, promptTokens, completionTokens int, task model.TaskType, streamed bool, start time.Time) {
	c := o.stats[id]
	atomic.AddInt64(&c.errors, 1)

	var cost int64
	if promptTokens > 0 || completionTokens > 0 {
		atomic.AddInt64(&c.promptTokens, int64(promptTokens))
		atomic.AddInt64(&c.completionTokens, int64(completionTokens))
		cost = desc.CostMicrocents(promptTokens, completionTokens)
		atomic.AddInt64(&c.costMicrocents, cost)
	}

	o.emit(usage.Event{
		BackendID:        id,
		Model:            desc.Model,
		TaskType:         string(task),
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostMicrocents:   cost,
		Estimated:        promptTokens > 0 || completionTokens > 0,
		Success:          false,
		ErrorKind:        backend.KindOf(err).String(),
		Streamed:         streamed,
		DurationMS:       time.Since(start).Milliseconds(),
	})
}

// recordCancelled accounts a cancelled call: distinct from failure, it
// increments no counters but still emits an event for the audit trail.
func (o *Orchestrator) recordCancelled(id string, desc backend.Descriptor, task model.TaskType, streamed bool, start time.Time) {
	o.emit(usage.Event{
		BackendID:  id,
		Model:      desc.Model,
		TaskType:   string(task),
		Success:    false,
		ErrorKind:  backend.KindCancelled.String(),
		Streamed:   streamed,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// emit hands an event to the recorder. Fire-and-forget: a slow or absent
// recorder never blocks or fails dispatch.
func (o *Orchestrator) emit(ev usage.Event) {
	if o.recorder == nil {
		return
	}
	o.recorder.Record(ev)
}
