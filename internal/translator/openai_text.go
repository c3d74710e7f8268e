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
	"github.com/modelrelay/modelrelay/internal/apischema/openai"
)

// instructModelPrefix is the only model family the text dialect serves.
const instructModelPrefix = "gpt-3.5-turbo-instruct"

// openAIToTextTransformer flattens an OpenAI chat conversation into a legacy
// text completion prompt.
type openAIToTextTransformer struct {
	limits apischema.Limits
}

// TransformRequest implements [RequestTransformer.TransformRequest].
func (t *openAIToTextTransformer) TransformRequest(raw []byte) ([]byte, map[string]string, error) {
	req, err := parseChat(raw, t.limits)
	if err != nil {
		return nil, nil, err
	}

	model := req.Model
	if !strings.HasPrefix(model, instructModelPrefix) {
		model = instructModelPrefix
	}
	out := openai.CompletionRequest{
		Model:            model,
		Prompt:           flattenToTextPrompt(req.Messages),
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		Stream:           req.Stream,
		Stop:             apischema.StringOrSlice{Values: unionStops(req.Stop.Values, []string{"\n\nUser:"})},
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		LogitBias:        req.LogitBias,
		User:             req.User,
		Seed:             req.Seed,
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal text completion body: %w", err)
	}
	return body, nil, nil
}

// flattenToTextPrompt renders turns with User/Assistant/System labels joined
// by blank lines, then appends the Assistant priming turn.
func flattenToTextPrompt(messages []openai.ChatCompletionMessage) string {
	lines := make([]string, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		var sb strings.Builder
		sb.WriteString(textRoleLabel(msg.Role))
		sb.WriteString(": ")
		if msg.Name != "" {
			fmt.Fprintf(&sb, "(as %s) ", msg.Name)
		}
		sb.WriteString(msg.TextContent())
		lines = append(lines, sb.String())
	}
	return strings.Join(lines, "\n\n") + "\n\nAssistant:"
}

func textRoleLabel(role string) string {
	switch role {
	case openai.ChatMessageRoleAssistant:
		return "Assistant"
	case openai.ChatMessageRoleSystem:
		return "System"
	default:
		return "User"
	}
}
