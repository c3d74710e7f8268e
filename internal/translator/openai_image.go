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

// imageMarker introduces the image prompt inside the last user message.
const imageMarker = "image:"

// imageGuidance is sent back when a chat request reaches the image dialect
// without a recognizable prompt.
const imageGuidance = `The last user message must contain "` + imageMarker + `" followed by the image prompt, e.g. "image: a red bicycle".`

// openAIToImageTransformer extracts an image generation prompt from the last
// user turn of a chat conversation.
type openAIToImageTransformer struct {
	limits apischema.Limits
}

// TransformRequest implements [RequestTransformer.TransformRequest].
func (t *openAIToImageTransformer) TransformRequest(raw []byte) ([]byte, map[string]string, error) {
	req, err := parseChat(raw, t.limits)
	if err != nil {
		return nil, nil, err
	}
	if req.Stream {
		return nil, nil, &apischema.ValidationError{Issues: []apischema.Issue{
			{Path: "stream", Message: "image generation does not support streaming"},
		}}
	}

	var lastUser *openai.ChatCompletionMessage
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == openai.ChatMessageRoleUser {
			lastUser = &req.Messages[i]
			break
		}
	}
	if lastUser == nil {
		return nil, nil, &apischema.ValidationError{Issues: []apischema.Issue{
			{Path: "messages", Message: "a user message is required. " + imageGuidance},
		}}
	}
	if lastUser.Content.Array {
		return nil, nil, &apischema.ValidationError{Issues: []apischema.Issue{
			{Path: "messages", Message: "the last user message must be plain text. " + imageGuidance},
		}}
	}

	text := lastUser.Content.Text
	idx := strings.Index(strings.ToLower(text), imageMarker)
	if idx < 0 {
		return nil, nil, &apischema.ValidationError{Issues: []apischema.Issue{
			{Path: "messages", Message: imageGuidance},
		}}
	}
	prompt := strings.TrimSpace(text[idx+len(imageMarker):])

	model := "dall-e-3"
	if strings.Contains(req.Model, "dall-e") {
		model = req.Model
	}
	out := openai.ImageGenerationRequest{
		Model:          model,
		Quality:        openai.ImageQualityStandard,
		Size:           "1024x1024",
		ResponseFormat: openai.ImageResponseFormatURL,
		Prompt:         prompt,
	}
	if err := out.Validate(t.limits); err != nil {
		return nil, nil, err
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal image body: %w", err)
	}
	return body, nil, nil
}
