// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"sort"

	"github.com/jeranaias/modelmux/internal/backend"
	"github.com/jeranaias/modelmux/internal/model"
	"github.com/jeranaias/modelmux/internal/persona"
)

// =============================================================================
// CANDIDATE SELECTION
// =============================================================================

// candidates computes the ordered backend ids a dispatch will attempt.
//
// An explicit hint pins the head; the rest of the fallback chain follows
// for failure handling. Otherwise the task-type table ranks the role
// family first and the chain supplies the remainder, so a planner falls
// back to another planner before any non-planner is considered. Within
// the ranked family the cheapest configured cost per token wins, ties
// broken by declaration order. Two stable demotions follow: backends the
// prober reports down move behind healthy ones, and backends whose
// window cannot hold even the irreducible tail move to the very end.
// Demotion never removes a candidate; the chain is attempted in full.
func (o *Orchestrator) candidates(ctx context.Context, req *model.ChatRequest) []string {
	if req.BackendHint != "" {
		rest := o.adjust(ctx, req, exclude(o.chain, req.BackendHint))
		if _, ok := o.adapters[req.BackendHint]; !ok {
			return rest
		}
		return append([]string{req.BackendHint}, rest...)
	}

	var ranked []string
	switch req.TaskType {
	case model.TaskReview:
		ranked = o.byRole(backend.RoleHeavy)
	case model.TaskParse:
		ranked = o.byRole(backend.RoleFast)
	case model.TaskPlan:
		ranked = o.byRole(backend.RolePlanner)
	case model.TaskCode:
		locals := o.byRole(backend.RoleLocal)
		fast := o.byRole(backend.RoleFast)
		if o.anyFullFit(locals, req) {
			ranked = append(locals, fast...)
		} else {
			ranked = append(fast, locals...)
		}
	default:
		// chat and untagged requests start at the chain head
	}

	ids := ranked
	for _, id := range o.chain {
		if !contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return o.adjust(ctx, req, ids)
}

// adjust applies the stable health and window demotions.
func (o *Orchestrator) adjust(ctx context.Context, req *model.ChatRequest, ids []string) []string {
	ids = stablePartition(ids, func(id string) bool {
		return o.prober.Healthy(ctx, o.adapters[id])
	})
	return stablePartition(ids, func(id string) bool {
		return o.windowFeasible(id, req)
	})
}

// byRole returns the ids serving a role, cheapest first, declaration
// order breaking ties.
func (o *Orchestrator) byRole(role backend.Role) []string {
	var ids []string
	for _, id := range o.order {
		d := o.descs[id]
		if d.HasRole(role) {
			ids = append(ids, id)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		di, dj := o.descs[ids[i]], o.descs[ids[j]]
		return di.CostPerTokenAvg() < dj.CostPerTokenAvg()
	})
	return ids
}

// anyFullFit reports whether any of the given backends can take the
// whole request without shaping trimming anything.
func (o *Orchestrator) anyFullFit(ids []string, req *model.ChatRequest) bool {
	for _, id := range ids {
		p := o.personaFor(id, req.TaskType)
		maxTok := req.MaxTokens
		if maxTok <= 0 {
			maxTok = p.MaxTokens
		}
		need := req.EstimateTokens() + personaTokens(p) + maxTok + o.safetyMargin
		if need <= o.descs[id].ContextWindowTokens {
			return true
		}
	}
	return false
}

// windowFeasible reports whether shaping could possibly fit the request:
// the persona plus the tail from the last user message onward, plus the
// completion budget and margin, within the backend's window. A backend
// failing this check would overflow on every attempt.
func (o *Orchestrator) windowFeasible(id string, req *model.ChatRequest) bool {
	p := o.personaFor(id, req.TaskType)
	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = p.MaxTokens
	}

	anchor := model.LastUserIndex(req.Messages)
	if anchor < 0 {
		anchor = len(req.Messages) - 1
	}
	tail := 0
	for i := anchor; i >= 0 && i < len(req.Messages); i++ {
		tail += req.Messages[i].EstimateTokens()
	}

	need := personaTokens(p) + tail + maxTok + o.safetyMargin
	return need <= o.descs[id].ContextWindowTokens
}

// personaFor resolves the effective persona for one backend: the bound
// persona when the backend has one, the task-derived preset otherwise.
func (o *Orchestrator) personaFor(id string, task model.TaskType) persona.Persona {
	if p, ok := o.personas.Snapshot(id); ok {
		return p
	}
	d := o.descs[id]
	name := persona.ForTask(task, d.IsLocal())
	p, err := o.personas.Get(name)
	if err != nil {
		p, _ = o.personas.Get(persona.DefaultName)
	}
	return p
}

func personaTokens(p persona.Persona) int {
	if p.SystemPrompt == "" {
		return 0
	}
	return model.NewSystemMessage(p.SystemPrompt).EstimateTokens()
}

// =============================================================================
// SLICE HELPERS
// =============================================================================

// stablePartition moves ids failing the predicate to the back without
// disturbing relative order on either side.
func stablePartition(ids []string, keep func(string) bool) []string {
	front := make([]string, 0, len(ids))
	var back []string
	for _, id := range ids {
		if keep(id) {
			front = append(front, id)
		} else {
			back = append(back, id)
		}
	}
	return append(front, back...)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func exclude(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}
