// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/modelrelay/modelrelay/internal/apischema"
)

func TestGenerateContentRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		jsonStr string
		wantErr string
	}{
		{
			name:    "minimal valid",
			jsonStr: `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`,
		},
		{
			name:    "no contents",
			jsonStr: `{}`,
			wantErr: "at least one content is required",
		},
		{
			name:    "bad role",
			jsonStr: `{"contents":[{"role":"assistant","parts":[{"text":"hi"}]}]}`,
			wantErr: "role must be user or model",
		},
		{
			name:    "empty parts",
			jsonStr: `{"contents":[{"role":"user","parts":[]}]}`,
			wantErr: "at least one part",
		},
		{
			name:    "tools rejected",
			jsonStr: `{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"tools":[{}]}`,
			wantErr: "tools: must be empty",
		},
		{
			name:    "safety settings rejected",
			jsonStr: `{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"safetySettings":[{"category":"HARM_CATEGORY_HARASSMENT","threshold":"BLOCK_NONE"}]}`,
			wantErr: "safetySettings: must be empty",
		},
		{
			name:    "candidate count must be one",
			jsonStr: `{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"generationConfig":{"candidateCount":2}}`,
			wantErr: "candidateCount",
		},
		{
			name:    "too many stop sequences",
			jsonStr: `{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"generationConfig":{"stopSequences":["a","b","c","d","e","f"]}}`,
			wantErr: "at most 5 sequences",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req GenerateContentRequest
			require.NoError(t, json.Unmarshal([]byte(tt.jsonStr), &req))
			err := req.Validate(apischema.Limits{})
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

// maxOutputTokens clamps to the fixed ceiling regardless of configured
// limits, and the config object is created when absent so the clamp always
// lands on the wire.
func TestGenerateContentRequest_TokenClamp(t *testing.T) {
	var req GenerateContentRequest
	require.NoError(t, json.Unmarshal([]byte(
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"generationConfig":{"maxOutputTokens":"50000"}}`), &req))
	require.NoError(t, req.Validate(apischema.Limits{OpenAIMaxOutputTokens: 8192}))
	require.Equal(t, MaxOutputTokensCeiling, req.GenerationConfig.MaxOutputTokens.Value)

	var bare GenerateContentRequest
	require.NoError(t, json.Unmarshal([]byte(
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`), &bare))
	require.NoError(t, bare.Validate(apischema.Limits{}))
	require.NotNil(t, bare.GenerationConfig)
	require.Equal(t, 16, bare.GenerationConfig.MaxOutputTokens.Value)
}

func TestBlockNoneSafetySettings(t *testing.T) {
	settings := BlockNoneSafetySettings()
	require.Len(t, settings, 4)
	seen := map[genai.HarmCategory]bool{}
	for _, s := range settings {
		require.Equal(t, genai.HarmBlockThresholdBlockNone, s.Threshold)
		require.False(t, seen[s.Category], "duplicate category %s", s.Category)
		seen[s.Category] = true
	}
}
