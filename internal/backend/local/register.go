// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package local

import "github.com/jeranaias/modelmux/internal/backend"

// Importing this package enables the "ollama" protocol.
func init() {
	backend.Register(backend.ProtocolOllama, func(d backend.Descriptor) (backend.Adapter, error) {
		a, err := New(d)
		if err != nil {
			return nil, err
		}
		return a, nil
	})
}
