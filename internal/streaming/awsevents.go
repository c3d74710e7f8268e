// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"github.com/modelrelay/modelrelay/internal/proxyerr"
)

// Well-known AWS event-stream header names.
const (
	awsHeaderMessageType   = ":message-type"
	awsHeaderEventType     = ":event-type"
	awsHeaderContentType   = ":content-type"
	awsHeaderExceptionType = ":exception-type"
	awsHeaderErrorCode     = ":error-code"
)

// awsEventStreamAdapter decodes the AWS binary event-stream framing and
// re-emits each chunk event as an Anthropic-style completion SSE message.
type awsEventStreamAdapter struct {
	buffered []byte
}

// NewAWSEventStreamAdapter returns an adapter for
// application/vnd.amazon.eventstream bodies.
func NewAWSEventStreamAdapter() Adapter {
	return &awsEventStreamAdapter{}
}

// Feed implements [Adapter.Feed].
func (a *awsEventStreamAdapter) Feed(chunk []byte) ([]string, error) {
	a.buffered = append(a.buffered, chunk...)

	r := bytes.NewReader(a.buffered)
	dec := eventstream.NewDecoder()
	var msgs []string
	var lastRead int64
	for {
		frame, err := dec.Decode(r, nil)
		if err != nil {
			// Partial frame: keep the unread tail for the next chunk.
			a.buffered = a.buffered[lastRead:]
			return msgs, nil
		}
		lastRead = r.Size() - int64(r.Len())

		msg, err := a.convertFrame(&frame)
		if err != nil {
			return nil, err
		}
		if msg != "" {
			msgs = append(msgs, msg)
		}
	}
}

// End implements [Adapter.End].
func (a *awsEventStreamAdapter) End() ([]string, error) {
	a.buffered = nil
	return nil, nil
}

// convertFrame maps one decoded frame to an SSE message. Chunk events carry
// the upstream completion event base64-wrapped in their JSON payload;
// exception frames either re-enqueue the request (throttling) or surface as
// a synthetic completion carrying the error.
func (a *awsEventStreamAdapter) convertFrame(frame *eventstream.Message) (string, error) {
	messageType := headerString(frame.Headers, awsHeaderMessageType)
	eventType := headerString(frame.Headers, awsHeaderEventType)
	contentType := headerString(frame.Headers, awsHeaderContentType)
	exceptionType := headerString(frame.Headers, awsHeaderExceptionType)
	errorCode := headerString(frame.Headers, awsHeaderErrorCode)

	isError := messageType == "exception" || messageType == "error" ||
		(messageType == "event" && eventType != "chunk" && (exceptionType != "" || errorCode != ""))
	if isError {
		kind := exceptionType
		if kind == "" {
			kind = errorCode
		}
		if strings.ToLower(kind) == "throttlingexception" {
			return "", proxyerr.Retryable("AWS throttling exception mid-stream")
		}
		return syntheticCompletionMessage(fmt.Sprintf("Proxy encountered an upstream AWS error (%s).", kind)), nil
	}

	if messageType != "event" || eventType != "chunk" || contentType != "application/json" {
		return "", nil
	}
	var envelope struct {
		Bytes string `json:"bytes"`
	}
	if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
		return "", fmt.Errorf("failed to decode AWS chunk envelope: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(envelope.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to decode AWS chunk payload: %w", err)
	}
	return "event: completion\ndata: " + string(payload), nil
}

// syntheticCompletionMessage fabricates a completion event carrying a
// client-visible proxy error note.
func syntheticCompletionMessage(note string) string {
	body, _ := json.Marshal(map[string]any{
		"completion":  "\n\n**Proxy error:** " + note,
		"stop_reason": "stop_sequence",
	})
	return "event: completion\ndata: " + string(body)
}

func headerString(headers eventstream.Headers, name string) string {
	for _, h := range headers {
		if h.Name != name {
			continue
		}
		if s, ok := h.Value.(eventstream.StringValue); ok {
			return string(s)
		}
		return fmt.Sprintf("%v", h.Value)
	}
	return ""
}
