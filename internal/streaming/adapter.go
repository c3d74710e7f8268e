// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package streaming converts provider-specific response stream framings into
// canonical SSE messages, parses those into dialect-neutral incremental
// events, and folds the events back into a single final completion.
package streaming

import (
	"fmt"
	"strings"

	"github.com/modelrelay/modelrelay/internal/llmapi"
)

// Adapter incrementally re-frames one upstream stream encoding into
// canonical SSE messages. Implementations carry partial frames between Feed
// calls and are created per attempt; they are not safe for concurrent use.
type Adapter interface {
	// Feed consumes the next chunk of upstream bytes and returns every
	// complete message it unlocked. Messages use \n line endings and carry
	// no trailing blank line; the writer appends the SSE terminator.
	Feed(chunk []byte) ([]string, error)
	// End flushes any held trailing fragment once the upstream closes.
	End() ([]string, error)
}

// Upstream stream content types the proxy recognizes.
const (
	ContentTypeEventStream    = "text/event-stream"
	ContentTypeAWSEventStream = "application/vnd.amazon.eventstream"
)

// NewAdapter picks the adapter for an upstream response based on the serving
// provider and the response content type.
func NewAdapter(service llmapi.Service, contentType string) (Adapter, error) {
	switch {
	case strings.Contains(contentType, ContentTypeAWSEventStream):
		return NewAWSEventStreamAdapter(), nil
	case service == llmapi.ServiceGoogleAI:
		return NewGoogleArrayAdapter(), nil
	case strings.Contains(contentType, ContentTypeEventStream), contentType == "":
		return NewSSEAdapter(), nil
	default:
		return nil, fmt.Errorf("no stream adapter for content type %q (service %s)", contentType, service)
	}
}
