// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session keeps the per-backend conversation buffers.
//
// Each backend accumulates its own history: a successful dispatch
// appends the user message and the assistant reply to the buffer of the
// backend that served it, so switching backends mid-session never leaks
// one provider's transcript into another's prompt.
//
// # Key Types
//
//   - Manager: owns the buffers; one append lock per backend
//   - Stats: message and token counts for one buffer
//
// # Usage
//
// Record a completed exchange:
//
//	mgr.Append("cloud-fast", userMsg, reply)
//
// Snapshot a backend's history for prompt building:
//
//	history := mgr.History("cloud-fast")
//
// # Bounds
//
// Buffers are bounded; when a buffer exceeds its limit the oldest
// messages are evicted, never the newest. Eviction keeps the head of
// the buffer well-formed: a tool result never outlives the assistant
// call it answers.
package session
