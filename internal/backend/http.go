// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"crypto/tls"
	"net/http"
	"time"
)

// =============================================================================
// SHARED HTTP CLIENTS
// =============================================================================

// DefaultTimeout bounds non-streaming requests end to end.
const DefaultTimeout = 60 * time.Second

// MaxResponseSize caps non-streaming response bodies.
const MaxResponseSize = 10 * 1024 * 1024

var (
	// sharedHTTPClient serves all non-streaming requests. Connection
	// pooling is shared across adapters so concurrent dispatches to the
	// same host reuse sockets.
	sharedHTTPClient = &http.Client{
		Transport: newTransport(),
		Timeout:   DefaultTimeout,
	}

	// sharedStreamingClient has no client timeout; streaming lifetimes
	// are bounded by the request context instead.
	sharedStreamingClient = &http.Client{
		Transport: newTransport(),
	}
)

func newTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// HTTPClient returns the pooled client for non-streaming requests.
func HTTPClient() *http.Client {
	return sharedHTTPClient
}

// StreamingClient returns the pooled client for streaming requests.
// Its lifetime control is the request context, not a client timeout.
func StreamingClient() *http.Client {
	return sharedStreamingClient
}
