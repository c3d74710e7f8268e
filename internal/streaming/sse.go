// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import "strings"

// sseAdapter splits a raw text/event-stream body into complete messages,
// holding the trailing unterminated fragment between Feed calls.
type sseAdapter struct {
	carry []byte
}

// NewSSEAdapter returns an adapter for upstreams that already speak SSE.
func NewSSEAdapter() Adapter {
	return &sseAdapter{}
}

// Feed implements [Adapter.Feed].
func (a *sseAdapter) Feed(chunk []byte) ([]string, error) {
	a.carry = append(a.carry, chunk...)
	var msgs []string
	for {
		end, next := findMessageBoundary(a.carry)
		if end < 0 {
			return msgs, nil
		}
		raw := a.carry[:end]
		a.carry = a.carry[next:]
		if msg := normalizeLineEndings(string(raw)); strings.TrimSpace(msg) != "" {
			msgs = append(msgs, msg)
		}
	}
}

// End implements [Adapter.End].
func (a *sseAdapter) End() ([]string, error) {
	if msg := normalizeLineEndings(string(a.carry)); strings.TrimSpace(msg) != "" {
		a.carry = nil
		return []string{msg}, nil
	}
	a.carry = nil
	return nil, nil
}

// findMessageBoundary locates the earliest message terminator: \r\n\r\n,
// \r\r, or \n\n. It returns the terminator offset and the offset of the
// first byte after it, or (-1, -1) when no complete message is buffered.
// A partial terminator at the end of the buffer is left for the next chunk.
func findMessageBoundary(buf []byte) (end, next int) {
	for i := 0; i < len(buf); i++ {
		switch buf[i] {
		case '\r':
			if i+3 < len(buf) && buf[i+1] == '\n' && buf[i+2] == '\r' && buf[i+3] == '\n' {
				return i, i + 4
			}
			if i+1 < len(buf) && buf[i+1] == '\r' {
				return i, i + 2
			}
		case '\n':
			if i+1 < len(buf) && buf[i+1] == '\n' {
				return i, i + 2
			}
		}
	}
	return -1, -1
}

// normalizeLineEndings rewrites CRLF and bare CR line endings to LF inside a
// message body.
func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
