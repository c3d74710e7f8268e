// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package anthropic

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/apischema"
)

func TestCompleteRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		jsonStr string
		wantErr string
	}{
		{
			name:    "minimal valid",
			jsonStr: `{"model":"claude-2.1","prompt":"\n\nHuman: hi\n\nAssistant:"}`,
		},
		{
			name:    "missing prompt",
			jsonStr: `{"model":"claude-2.1"}`,
			wantErr: "prompt: required",
		},
		{
			name:    "model too long",
			jsonStr: `{"model":"` + strings.Repeat("c", 101) + `","prompt":"x"}`,
			wantErr: "at most 100 characters",
		},
		{
			name:    "stop sequence too long",
			jsonStr: `{"model":"claude-2.1","prompt":"x","stop_sequences":["` + strings.Repeat("s", 501) + `"]}`,
			wantErr: "at most 500 characters",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req CompleteRequest
			require.NoError(t, json.Unmarshal([]byte(tt.jsonStr), &req))
			err := req.Validate(apischema.Limits{})
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, 1.0, *req.Temperature)
			require.Equal(t, 16, req.MaxTokensToSample.Value)
		})
	}
}

func TestCompleteRequest_MaxTokensClamp(t *testing.T) {
	var req CompleteRequest
	require.NoError(t, json.Unmarshal([]byte(
		`{"model":"claude-2.1","prompt":"x","max_tokens_to_sample":"100000"}`), &req))
	require.NoError(t, req.Validate(apischema.Limits{AnthropicMaxOutputTokens: 2000}))
	require.Equal(t, 2000, req.MaxTokensToSample.Value)
}
