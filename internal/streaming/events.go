// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/modelrelay/modelrelay/internal/apischema/anthropic"
	"github.com/modelrelay/modelrelay/internal/apischema/openai"
	"github.com/modelrelay/modelrelay/internal/llmapi"
)

// DoneSentinel terminates a client-facing SSE stream.
const DoneSentinel = "data: [DONE]"

// Event is the dialect-neutral incremental completion fragment exchanged
// between the message transformer and the aggregator.
type Event struct {
	ID           string
	Created      int64
	Model        string
	Role         string
	DeltaText    string
	FinishReason *string
}

// MessageTransformer parses canonical SSE messages of one outbound dialect
// into incremental events. It is created per streaming attempt and keeps the
// state needed to diff legacy cumulative Anthropic completions.
type MessageTransformer struct {
	outbound         llmapi.API
	anthropicVersion string
	lastCompletion   string
}

// NewMessageTransformer builds a transformer for the given outbound dialect.
// anthropicVersion is the anthropic-version header sent upstream, empty when
// the request carried none.
func NewMessageTransformer(outbound llmapi.API, anthropicVersion string) *MessageTransformer {
	return &MessageTransformer{outbound: outbound, anthropicVersion: anthropicVersion}
}

// Transform parses one canonical SSE message. It returns the parsed event
// (nil for messages that carry no completion data, such as pings), and
// done=true when the message is the terminal [DONE] sentinel.
func (t *MessageTransformer) Transform(msg string) (ev *Event, done bool, err error) {
	data := extractDataPayload(msg)
	if data == "" {
		return nil, false, nil
	}
	if data == "[DONE]" {
		return nil, true, nil
	}

	switch t.outbound {
	case llmapi.APIOpenAI, llmapi.APIMistralAI:
		ev, err = parseChatChunk(data)
	case llmapi.APIOpenAIText:
		ev, err = parseTextChunk(data)
	case llmapi.APIAnthropic:
		ev, err = t.parseAnthropicEvent(data)
	case llmapi.APIGoogleAI:
		ev, err = parseGoogleElement(data)
	default:
		err = fmt.Errorf("no message transformer for dialect %s", t.outbound)
	}
	return ev, false, err
}

// extractDataPayload joins the data lines of an SSE message. Comment, id and
// event lines are dropped; multiple data lines are joined with \n per the SSE
// specification.
func extractDataPayload(msg string) string {
	var parts []string
	for _, line := range strings.Split(msg, "\n") {
		rest, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		parts = append(parts, strings.TrimPrefix(rest, " "))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func parseChatChunk(data string) (*Event, error) {
	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, fmt.Errorf("failed to parse chat completion chunk: %w", err)
	}
	ev := &Event{ID: chunk.ID, Created: chunk.Created, Model: chunk.Model}
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		ev.Role = choice.Delta.Role
		if choice.Delta.Content != nil {
			ev.DeltaText = *choice.Delta.Content
		}
		ev.FinishReason = choice.FinishReason
	}
	return ev, nil
}

func parseTextChunk(data string) (*Event, error) {
	var chunk openai.CompletionResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, fmt.Errorf("failed to parse text completion chunk: %w", err)
	}
	ev := &Event{ID: chunk.ID, Created: chunk.Created, Model: chunk.Model}
	if len(chunk.Choices) > 0 {
		ev.DeltaText = chunk.Choices[0].Text
		ev.FinishReason = chunk.Choices[0].FinishReason
	}
	return ev, nil
}

// parseAnthropicEvent handles both framings of the completion stream. With
// anthropic-version 2023-06-01 each event carries a delta; older streams
// carry the cumulative completion so far, which is diffed against the
// previous event.
func (t *MessageTransformer) parseAnthropicEvent(data string) (*Event, error) {
	if gjson.Get(data, "error").Exists() {
		return nil, fmt.Errorf("anthropic error event mid-stream: %s", gjson.Get(data, "error.message").String())
	}
	var resp anthropic.CompletionResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse anthropic completion event: %w", err)
	}
	delta := resp.Completion
	if t.anthropicVersion != anthropic.APIVersion {
		delta = strings.TrimPrefix(resp.Completion, t.lastCompletion)
		t.lastCompletion = resp.Completion
	}
	return &Event{Model: resp.Model, DeltaText: delta, FinishReason: resp.StopReason}, nil
}

func parseGoogleElement(data string) (*Event, error) {
	if !gjson.Valid(data) {
		return nil, fmt.Errorf("failed to parse google stream element")
	}
	candidate := gjson.Get(data, "candidates.0")
	if !candidate.Exists() {
		return nil, nil
	}
	ev := &Event{Role: candidate.Get("content.role").String()}
	var text strings.Builder
	for _, part := range candidate.Get("content.parts").Array() {
		text.WriteString(part.Get("text").String())
	}
	ev.DeltaText = text.String()
	if fr := candidate.Get("finishReason"); fr.Exists() && fr.String() != "" {
		reason := fr.String()
		ev.FinishReason = &reason
	}
	return ev, nil
}
