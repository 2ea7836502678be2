// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package anthropic

import "github.com/jeranaias/modelmux/internal/backend"

// Importing this package enables the "anthropic" protocol.
func init() {
	backend.Register(backend.ProtocolAnthropic, func(d backend.Descriptor) (backend.Adapter, error) {
		a, err := New(d)
		if err != nil {
			return nil, err
		}
		return a, nil
	})
}
