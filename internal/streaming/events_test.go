// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/apischema/anthropic"
	"github.com/modelrelay/modelrelay/internal/llmapi"
)

func TestExtractDataPayload(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{name: "single data line", msg: "data: {\"a\":1}", want: `{"a":1}`},
		{name: "event line dropped", msg: "event: completion\ndata: {}", want: "{}"},
		{name: "comment only", msg: ": keepalive", want: ""},
		{name: "multiple data lines joined", msg: "data: one\ndata: two", want: "one\ntwo"},
		{name: "no space after colon", msg: "data:[DONE]", want: "[DONE]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, extractDataPayload(tt.msg))
		})
	}
}

func TestMessageTransformer_ChatChunks(t *testing.T) {
	tr := NewMessageTransformer(llmapi.APIOpenAI, "")

	ev, done, err := tr.Transform(`data: {"id":"c1","created":123,"model":"gpt-4","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"}}]}`)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, "c1", ev.ID)
	require.Equal(t, int64(123), ev.Created)
	require.Equal(t, "assistant", ev.Role)
	require.Equal(t, "Hi", ev.DeltaText)
	require.Nil(t, ev.FinishReason)

	ev, done, err = tr.Transform(`data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`)
	require.NoError(t, err)
	require.False(t, done)
	require.NotNil(t, ev.FinishReason)
	require.Equal(t, "stop", *ev.FinishReason)

	ev, done, err = tr.Transform("data: [DONE]")
	require.NoError(t, err)
	require.True(t, done)
	require.Nil(t, ev)

	// Keepalive comments carry no event.
	ev, done, err = tr.Transform(": ping")
	require.NoError(t, err)
	require.False(t, done)
	require.Nil(t, ev)
}

func TestMessageTransformer_AnthropicDelta(t *testing.T) {
	tr := NewMessageTransformer(llmapi.APIAnthropic, anthropic.APIVersion)

	ev, _, err := tr.Transform(`event: completion` + "\n" + `data: {"completion":"Hel","stop_reason":null,"model":"claude-2.1"}`)
	require.NoError(t, err)
	require.Equal(t, "Hel", ev.DeltaText)
	require.Equal(t, "claude-2.1", ev.Model)

	ev, _, err = tr.Transform(`data: {"completion":"lo","stop_reason":"stop_sequence"}`)
	require.NoError(t, err)
	require.Equal(t, "lo", ev.DeltaText)
	require.Equal(t, anthropic.StopReasonStopSequence, *ev.FinishReason)
}

// Streams negotiated without the 2023-06-01 version carry the cumulative
// completion in every event; the transformer diffs consecutive events.
func TestMessageTransformer_AnthropicCumulative(t *testing.T) {
	tr := NewMessageTransformer(llmapi.APIAnthropic, "")

	ev, _, err := tr.Transform(`data: {"completion":"Hel","stop_reason":null}`)
	require.NoError(t, err)
	require.Equal(t, "Hel", ev.DeltaText)

	ev, _, err = tr.Transform(`data: {"completion":"Hello wor","stop_reason":null}`)
	require.NoError(t, err)
	require.Equal(t, "lo wor", ev.DeltaText)

	ev, _, err = tr.Transform(`data: {"completion":"Hello world","stop_reason":"stop_sequence"}`)
	require.NoError(t, err)
	require.Equal(t, "ld", ev.DeltaText)
}

func TestMessageTransformer_AnthropicErrorEvent(t *testing.T) {
	tr := NewMessageTransformer(llmapi.APIAnthropic, anthropic.APIVersion)
	_, _, err := tr.Transform(`event: error` + "\n" + `data: {"error":{"type":"overloaded_error","message":"Overloaded"}}`)
	require.ErrorContains(t, err, "Overloaded")
}

func TestMessageTransformer_GoogleElement(t *testing.T) {
	tr := NewMessageTransformer(llmapi.APIGoogleAI, "")

	ev, _, err := tr.Transform(`data: {"candidates":[{"content":{"parts":[{"text":"He"},{"text":"y"}],"role":"model"},"finishReason":"STOP"}]}`)
	require.NoError(t, err)
	require.Equal(t, "Hey", ev.DeltaText)
	require.Equal(t, "model", ev.Role)
	require.Equal(t, "STOP", *ev.FinishReason)

	ev, _, err = tr.Transform(`data: {"usageMetadata":{}}`)
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestMessageTransformer_TextChunk(t *testing.T) {
	tr := NewMessageTransformer(llmapi.APIOpenAIText, "")
	ev, _, err := tr.Transform(`data: {"id":"t1","object":"text_completion","choices":[{"index":0,"text":"Hi","finish_reason":null}]}`)
	require.NoError(t, err)
	require.Equal(t, "t1", ev.ID)
	require.Equal(t, "Hi", ev.DeltaText)
}
