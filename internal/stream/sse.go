// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// =============================================================================
// SSE READER
// =============================================================================

// MaxEventSize caps a single SSE event to keep a misbehaving provider
// from ballooning memory.
const MaxEventSize = 64 * 1024

// SSEReader parses Server-Sent Events from a response body. Both SSE
// adapters (OpenAI-compatible and Anthropic) decode through it.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates an SSE reader over an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next SSE event and returns its type and data.
// The event type is empty for providers that only send data lines.
// Returns io.EOF at end of stream.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	var size int

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line terminates the event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := bytes.TrimSpace(line[5:])
			size += len(data)
			if size > MaxEventSize {
				return "", nil, fmt.Errorf("sse event exceeds %d bytes", MaxEventSize)
			}
			dataLines = append(dataLines, data)
		}
		// id:, retry:, and comment lines are ignored.
	}
}
