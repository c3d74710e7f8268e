// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"
)

// googleArrayAdapter parses the progressive JSON array Google streams and
// emits one SSE data message per array element.
type googleArrayAdapter struct {
	buffered []byte
	// started flips once the opening bracket has been consumed.
	started bool
	done    bool
}

// NewGoogleArrayAdapter returns an adapter for Google's streaming
// generate-content responses.
func NewGoogleArrayAdapter() Adapter {
	return &googleArrayAdapter{}
}

// Feed implements [Adapter.Feed].
func (a *googleArrayAdapter) Feed(chunk []byte) ([]string, error) {
	if a.done {
		return nil, nil
	}
	a.buffered = append(a.buffered, chunk...)

	var msgs []string
	for {
		a.buffered = bytes.TrimLeft(a.buffered, " \t\r\n")
		if len(a.buffered) == 0 {
			return msgs, nil
		}
		switch a.buffered[0] {
		case '[':
			if a.started {
				// Nested array start can only be element content; fall
				// through to element decoding below.
				break
			}
			a.started = true
			a.buffered = a.buffered[1:]
			continue
		case ',':
			a.buffered = a.buffered[1:]
			continue
		case ']':
			a.done = true
			a.buffered = nil
			return msgs, nil
		}

		element, rest, ok := decodeLeadingValue(a.buffered)
		if !ok {
			// The element is still arriving.
			return msgs, nil
		}
		a.buffered = rest
		msgs = append(msgs, convertGoogleElement(element))
	}
}

// End implements [Adapter.End].
func (a *googleArrayAdapter) End() ([]string, error) {
	a.buffered = nil
	return nil, nil
}

// decodeLeadingValue extracts the first complete JSON value from buf.
func decodeLeadingValue(buf []byte) (value json.RawMessage, rest []byte, ok bool) {
	dec := json.NewDecoder(bytes.NewReader(buf))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, buf, false
	}
	return raw, buf[dec.InputOffset():], true
}

// convertGoogleElement emits a data message for elements that carry content
// parts; anything else (safety blocks, empty candidates) becomes a synthetic
// proxy-error event so the client sees why the stream produced nothing.
func convertGoogleElement(element json.RawMessage) string {
	parts := gjson.GetBytes(element, "candidates.0.content.parts")
	if parts.IsArray() && len(parts.Array()) > 0 {
		return "data: " + string(element)
	}
	return syntheticGoogleErrorMessage("Proxy received a response element with no content; the upstream may have filtered the completion.")
}

// syntheticGoogleErrorMessage fabricates a generate-content element carrying
// a client-visible proxy error note.
func syntheticGoogleErrorMessage(note string) string {
	body, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]any{{"text": "\n\n**Proxy error:** " + note}},
				"role":  "model",
			},
			"finishReason": "STOP",
			"index":        0,
		}},
	})
	return "data: " + string(body)
}
