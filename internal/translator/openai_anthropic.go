// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelrelay/modelrelay/internal/apischema"
	"github.com/modelrelay/modelrelay/internal/apischema/anthropic"
	"github.com/modelrelay/modelrelay/internal/apischema/openai"
)

// Stop sequences every flattened Claude prompt carries so the model cannot
// speak for the other turns.
var anthropicTurnStops = []string{"\n\nHuman:", "\n\nSystem:"}

// openAIToAnthropicTransformer flattens an OpenAI chat conversation into an
// Anthropic v1/complete prompt string.
type openAIToAnthropicTransformer struct {
	limits apischema.Limits
}

// TransformRequest implements [RequestTransformer.TransformRequest].
func (t *openAIToAnthropicTransformer) TransformRequest(raw []byte) ([]byte, map[string]string, error) {
	req, err := parseChat(raw, t.limits)
	if err != nil {
		return nil, nil, err
	}

	out := anthropic.CompleteRequest{
		Model:             req.Model,
		Prompt:            flattenToClaudePrompt(req.Messages),
		MaxTokensToSample: req.MaxTokens,
		StopSequences:     unionStops(req.Stop.Values, anthropicTurnStops),
		Stream:            req.Stream,
		Temperature:       req.Temperature,
		TopP:              req.TopP,
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal anthropic body: %w", err)
	}
	return body, map[string]string{"anthropic-version": anthropic.APIVersion}, nil
}

// flattenToClaudePrompt renders each turn as a blank line, a Human/Assistant/
// System label, an optional speaker attribution, and the text content, then
// appends the Assistant priming turn.
func flattenToClaudePrompt(messages []openai.ChatCompletionMessage) string {
	var sb strings.Builder
	for i := range messages {
		msg := &messages[i]
		sb.WriteString("\n\n")
		sb.WriteString(claudeRoleLabel(msg.Role))
		sb.WriteString(": ")
		if msg.Name != "" {
			fmt.Fprintf(&sb, "(as %s) ", msg.Name)
		}
		sb.WriteString(msg.TextContent())
	}
	sb.WriteString("\n\nAssistant:")
	return sb.String()
}

func claudeRoleLabel(role string) string {
	switch role {
	case openai.ChatMessageRoleAssistant:
		return "Assistant"
	case openai.ChatMessageRoleSystem:
		return "System"
	default:
		return "Human"
	}
}
