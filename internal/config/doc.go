// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates modelmux configuration.
//
// Configuration is TOML with sensible defaults, `${VAR}` environment
// expansion for API keys, and validation that catches broken setups at
// startup rather than mid-dispatch.
//
// # Key Types
//
//   - Config: the complete configuration
//   - RouterConfig: fallback chain, retry/backoff, shaping policy
//   - BackendConfig: one backend descriptor ([[backends]] array)
//   - PersonaConfig: persona overrides ([personas.<name>] tables)
//   - UsageConfig, GatewayConfig: sink selection and HTTP facade limits
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - The file named by MODELMUX_CONFIG
//   - ~/.modelmux/config.toml
//   - Built-in defaults (a local Ollama backend plus one cloud backend)
//
// The loaded Config is immutable; reloading means rebuilding the
// orchestrator from a fresh Load.
package config
