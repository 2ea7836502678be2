// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream normalizes provider streaming output.
//
// Adapters decode their wire format (SSE or NDJSON) into Events and hand
// the router a Source: a lazy, single-pass, non-restartable sequence.
// The Normalizer consumes a Source and emits uniform Chunks, buffering
// interleaved tool-call fragments by id and validating each call's
// arguments exactly once, when the provider marks it complete.
//
// Free text is never held back: deltas pass through the Normalizer in
// the same call that read them, so a consumer rendering chunk by chunk
// sees text at wire latency even while tool calls are assembling.
package stream
