// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend defines the provider abstraction layer.
//
// An Adapter hides one provider's wire protocol behind the uniform
// capability set {Chat, Stream, ListModels}. Concrete adapters live in
// subpackages (local, openai, anthropic) and install themselves into the
// registry at import time; backend.New builds the right adapter for a
// Descriptor by protocol.
//
// The package also owns the shared error taxonomy every adapter maps
// provider failures into, the pooled HTTP clients, and the health prober
// used by the router to deprioritize unreachable backends.
package backend
