// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openai

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/apischema"
)

func chatRequest(t *testing.T, body string) *ChatCompletionRequest {
	t.Helper()
	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return &req
}

func TestChatCompletionRequest_ValidateDefaults(t *testing.T) {
	req := chatRequest(t, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	require.NoError(t, req.Validate(apischema.Limits{}))

	require.Equal(t, 1.0, *req.Temperature)
	require.Equal(t, 1.0, *req.TopP)
	require.Equal(t, 0.0, *req.FrequencyPenalty)
	require.Equal(t, 0.0, *req.PresencePenalty)
	require.Equal(t, 16, req.MaxTokens.Value)
}

func TestChatCompletionRequest_ValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{
			name:    "no messages",
			body:    `{"model":"gpt-4"}`,
			wantMsg: "at least one message is required",
		},
		{
			name:    "n must be one",
			body:    `{"model":"gpt-4","messages":[{"role":"user","content":"x"}],"n":2}`,
			wantMsg: ErrSingleCompletionOnly,
		},
		{
			name:    "too many stops",
			body:    `{"model":"gpt-4","messages":[{"role":"user","content":"x"}],"stop":["a","b","c","d","e"]}`,
			wantMsg: "at most 4 sequences",
		},
		{
			name:    "model too long",
			body:    `{"model":"` + strings.Repeat("m", 101) + `","messages":[{"role":"user","content":"x"}]}`,
			wantMsg: "at most 100 characters",
		},
		{
			name:    "bad role",
			body:    `{"model":"gpt-4","messages":[{"role":"narrator","content":"x"}]}`,
			wantMsg: "unrecognized role",
		},
		{
			name:    "top_logprobs out of range",
			body:    `{"model":"gpt-4","messages":[{"role":"user","content":"x"}],"top_logprobs":21}`,
			wantMsg: "between 0 and 20",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := chatRequest(t, tt.body)
			err := req.Validate(apischema.Limits{})
			require.Error(t, err)
			var verr *apischema.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestChatCompletionRequest_MaxTokensClamp(t *testing.T) {
	req := chatRequest(t, `{"model":"gpt-4","messages":[{"role":"user","content":"x"}],"max_tokens":"99999"}`)
	require.NoError(t, req.Validate(apischema.Limits{OpenAIMaxOutputTokens: 2048}))
	require.Equal(t, 2048, req.MaxTokens.Value)
}

func TestChatCompletionRequest_ToolStripping(t *testing.T) {
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"x"}],"tools":[{"type":"function"}],"functions":[{"name":"f"}]}`

	stripped := chatRequest(t, body)
	require.NoError(t, stripped.Validate(apischema.Limits{}))
	require.Nil(t, stripped.Tools)
	require.Nil(t, stripped.Functions)

	kept := chatRequest(t, body)
	require.NoError(t, kept.Validate(apischema.Limits{AllowToolUsage: true}))
	require.NotNil(t, kept.Tools)
	require.NotNil(t, kept.Functions)
}

func TestChatCompletionMessage_TextContent(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "plain string",
			body: `{"role":"user","content":"hello"}`,
			want: "hello",
		},
		{
			name: "text parts joined",
			body: `{"role":"user","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`,
			want: "a\nb",
		},
		{
			name: "image part placeholder",
			body: `{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"https://x/y.png"}}]}`,
			want: "look\n[ Uploaded Image Omitted ]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg ChatCompletionMessage
			require.NoError(t, json.Unmarshal([]byte(tt.body), &msg))
			require.Equal(t, tt.want, msg.TextContent())
		})
	}
}

func TestChatCompletionRequest_NormalizeStripsUnknownFields(t *testing.T) {
	req := chatRequest(t, `{"model":"gpt-4","messages":[{"role":"user","content":"x"}],"mystery_field":true}`)
	require.NoError(t, req.Validate(apischema.Limits{}))
	out, err := json.Marshal(req)
	require.NoError(t, err)
	require.NotContains(t, string(out), "mystery_field")
}

func TestCompletionRequest_Validate(t *testing.T) {
	var req CompletionRequest
	require.NoError(t, json.Unmarshal([]byte(
		`{"model":"gpt-3.5-turbo-instruct","prompt":"say hi","max_tokens":50000}`), &req))
	require.NoError(t, req.Validate(apischema.Limits{}))
	require.Equal(t, 4096, req.MaxTokens.Value)
	require.False(t, req.Echo)

	var wrongModel CompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"gpt-4","prompt":"x"}`), &wrongModel))
	require.ErrorContains(t, wrongModel.Validate(apischema.Limits{}), "gpt-3.5-turbo-instruct")

	var bestOf CompletionRequest
	require.NoError(t, json.Unmarshal([]byte(
		`{"model":"gpt-3.5-turbo-instruct","prompt":"x","best_of":3}`), &bestOf))
	require.ErrorContains(t, bestOf.Validate(apischema.Limits{}), "best_of")
}

func TestImageGenerationRequest_Validate(t *testing.T) {
	var req ImageGenerationRequest
	require.NoError(t, json.Unmarshal([]byte(`{"prompt":"a red bicycle"}`), &req))
	require.NoError(t, req.Validate(apischema.Limits{}))
	require.Equal(t, ImageQualityStandard, req.Quality)
	require.Equal(t, "1024x1024", req.Size)
	require.Equal(t, ImageStyleVivid, req.Style)
	require.Equal(t, 1, *req.N)

	var tooMany ImageGenerationRequest
	require.NoError(t, json.Unmarshal([]byte(`{"prompt":"x","n":5}`), &tooMany))
	require.ErrorContains(t, tooMany.Validate(apischema.Limits{}), "between 1 and 4")

	var badSize ImageGenerationRequest
	require.NoError(t, json.Unmarshal([]byte(`{"prompt":"x","size":"640x480"}`), &badSize))
	require.ErrorContains(t, badSize.Validate(apischema.Limits{}), "unsupported image size")
}
