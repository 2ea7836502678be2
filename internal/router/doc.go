// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router dispatches chat requests across configured backends.
//
// The Orchestrator owns the fallback chain, the retry policy, per-backend
// personas and session buffers, and usage accounting. Every dispatch
// selects a candidate order (task-type routing table, cost tie-break,
// declaration order), shapes the history for the chosen backend's window,
// and delivers the call, retrying transient failures on the same backend
// and advancing along the chain on the rest.
//
// # Key Types
//
//   - Orchestrator: the dispatcher; one per process, built from config
//   - Deps: injected collaborators (adapters, usage recorder, tools)
//   - ToolExecutor: caller-provided tool execution collaborator
//   - Snapshot: per-backend usage totals with cost and savings
//
// # Usage
//
// Build from configuration and dispatch:
//
//	orc, err := router.New(cfg, router.Deps{Recorder: rec})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := orc.Dispatch(ctx, &model.ChatRequest{
//	    Messages:    []model.Message{model.NewUserMessage("hello")},
//	    TaskType:    model.TaskChat,
//	    Temperature: -1,
//	})
//
// Streaming dispatch returns a channel the caller drains; the terminal
// chunk carries either Done or the dispatch error:
//
//	ch, err := orc.DispatchStream(ctx, req)
//	for chunk := range ch {
//	    ...
//	}
//
// # Routing
//
// Task types map to backend roles: review to heavy, parse to fast, plan
// to planner, code to local when the full request fits the local window
// and fast otherwise, chat to the head of the fallback chain. Among
// equally-ranked candidates the cheapest configured cost per token wins;
// remaining ties go to configuration declaration order. Backends whose
// window cannot hold even the persona and the last user turn are tried
// last, as are backends the health prober currently reports down.
package router
