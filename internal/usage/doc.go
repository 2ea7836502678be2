// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package usage records per-call usage events.
//
// The router emits one Event per finished call, successful or not, and
// the Recorder fans events out to the configured sinks on a background
// goroutine. Recording is fire and forget: a slow or broken sink never
// blocks or fails a dispatch, it only costs events (counted, never
// silent).
//
// # Key Types
//
//   - Event: one call's accounting record
//   - Recorder: buffered async fan-out to sinks
//   - SQLiteSink: usage_events table in a WAL database
//   - JSONLSink: append-only JSON lines file
package usage
