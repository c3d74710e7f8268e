// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package openai models the OpenAI-flavored dialects accepted on the inbound
// side of the proxy: chat completions, legacy text completions, and image
// generation. The structs double as validators; decoding into them and
// re-marshalling the normalized form strips unknown fields.
package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelrelay/modelrelay/internal/apischema"
)

// Chat message roles recognized on the inbound side.
const (
	ChatMessageRoleSystem    = "system"
	ChatMessageRoleUser      = "user"
	ChatMessageRoleAssistant = "assistant"
	ChatMessageRoleTool      = "tool"
	ChatMessageRoleFunction  = "function"
)

// ErrSingleCompletionOnly is the exact client-facing message for n != 1.
const ErrSingleCompletionOnly = "You may only request a single completion at a time."

// ChatCompletionRequest is the inbound chat completions payload.
// https://platform.openai.com/docs/api-reference/chat/create
type ChatCompletionRequest struct {
	Model            string                   `json:"model"`
	Messages         []ChatCompletionMessage  `json:"messages"`
	Temperature      *float64                 `json:"temperature,omitempty"`
	TopP             *float64                 `json:"top_p,omitempty"`
	N                *int                     `json:"n,omitempty"`
	Stream           bool                     `json:"stream,omitempty"`
	Stop             apischema.StringOrSlice  `json:"stop,omitzero"`
	MaxTokens        apischema.FlexibleInt    `json:"max_tokens"`
	FrequencyPenalty *float64                 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64                 `json:"presence_penalty,omitempty"`
	LogitBias        map[string]float64       `json:"logit_bias,omitempty"`
	User             string                   `json:"user,omitempty"`
	Seed             *int64                   `json:"seed,omitempty"`
	Logprobs         *bool                    `json:"logprobs,omitempty"`
	TopLogprobs      *int                     `json:"top_logprobs,omitempty"`
	ResponseFormat   json.RawMessage          `json:"response_format,omitempty"`
	Tools            json.RawMessage          `json:"tools,omitempty"`
	Functions        json.RawMessage          `json:"functions,omitempty"`
}

// ChatCompletionMessage is a single conversation turn.
type ChatCompletionMessage struct {
	Role       string          `json:"role"`
	Content    MessageContent  `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// MessageContent is a union of a plain string and an array of typed parts.
type MessageContent struct {
	Text  string
	Parts []MessageContentPart
	// Array records which arm of the union was present on the wire.
	Array bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(data, &m.Text)
	}
	if err := json.Unmarshal(data, &m.Parts); err != nil {
		return fmt.Errorf("message content must be either string or array of parts")
	}
	m.Array = true
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Array {
		return json.Marshal(m.Parts)
	}
	return json.Marshal(m.Text)
}

// Content part types recognized inside array-form message content.
const (
	ContentPartTypeText     = "text"
	ContentPartTypeImage    = "image"
	ContentPartTypeImageURL = "image_url"
)

// MessageContentPart is one element of array-form message content.
type MessageContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLPart `json:"image_url,omitempty"`
}

// ImageURLPart carries an image reference with its requested fidelity.
type ImageURLPart struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Image detail levels.
const (
	ImageDetailLow  = "low"
	ImageDetailAuto = "auto"
	ImageDetailHigh = "high"
)

// Validate normalizes the request in place: defaults are filled, max_tokens
// is clamped to the configured ceiling, tools are stripped unless permitted,
// and every recognized field is range-checked. A nil return means the struct
// is the normalized payload.
func (r *ChatCompletionRequest) Validate(limits apischema.Limits) error {
	var issues []apischema.Issue
	if len(r.Model) > 100 {
		issues = apischema.Issuef(issues, "model", "must be at most 100 characters")
	}
	if len(r.Messages) == 0 {
		issues = apischema.Issuef(issues, "messages", "at least one message is required")
	}
	for i := range r.Messages {
		issues = r.Messages[i].validate(fmt.Sprintf("messages[%d]", i), issues)
	}
	if r.N != nil && *r.N != 1 {
		issues = apischema.Issuef(issues, "n", "%s", ErrSingleCompletionOnly)
	}
	if len(r.Stop.Values) > 4 {
		issues = apischema.Issuef(issues, "stop", "must contain at most 4 sequences")
	}
	if len(r.User) > 500 {
		issues = apischema.Issuef(issues, "user", "must be at most 500 characters")
	}
	if r.TopLogprobs != nil && (*r.TopLogprobs < 0 || *r.TopLogprobs > 20) {
		issues = apischema.Issuef(issues, "top_logprobs", "must be between 0 and 20")
	}
	if len(issues) > 0 {
		return &apischema.ValidationError{Issues: issues}
	}

	if r.Temperature == nil {
		r.Temperature = ptrTo(1.0)
	}
	if r.TopP == nil {
		r.TopP = ptrTo(1.0)
	}
	if r.FrequencyPenalty == nil {
		r.FrequencyPenalty = ptrTo(0.0)
	}
	if r.PresencePenalty == nil {
		r.PresencePenalty = ptrTo(0.0)
	}
	r.MaxTokens.Clamp(16, limits.OpenAICeiling())
	if !limits.AllowToolUsage {
		r.Tools = nil
		r.Functions = nil
	}
	return nil
}

func (m *ChatCompletionMessage) validate(path string, issues []apischema.Issue) []apischema.Issue {
	switch m.Role {
	case ChatMessageRoleSystem, ChatMessageRoleUser, ChatMessageRoleAssistant,
		ChatMessageRoleTool, ChatMessageRoleFunction:
	default:
		issues = apischema.Issuef(issues, path+".role", "unrecognized role %q", m.Role)
	}
	if !m.Content.Array {
		return issues
	}
	for j := range m.Content.Parts {
		part := &m.Content.Parts[j]
		partPath := fmt.Sprintf("%s.content[%d]", path, j)
		switch part.Type {
		case ContentPartTypeText:
		case ContentPartTypeImage, ContentPartTypeImageURL:
			if part.ImageURL == nil {
				issues = apischema.Issuef(issues, partPath+".image_url", "required for image parts")
				continue
			}
			switch part.ImageURL.Detail {
			case "":
				part.ImageURL.Detail = ImageDetailAuto
			case ImageDetailLow, ImageDetailAuto, ImageDetailHigh:
			default:
				issues = apischema.Issuef(issues, partPath+".image_url.detail", "must be one of low, auto, high")
			}
		default:
			issues = apischema.Issuef(issues, partPath+".type", "unrecognized content part type %q", part.Type)
		}
	}
	return issues
}

// TextContent flattens the content union to plain text. Image parts render
// as a placeholder; array parts join with newlines.
func (m *ChatCompletionMessage) TextContent() string {
	if !m.Content.Array {
		return m.Content.Text
	}
	parts := make([]string, 0, len(m.Content.Parts))
	for i := range m.Content.Parts {
		part := &m.Content.Parts[i]
		if part.Type == ContentPartTypeText {
			parts = append(parts, part.Text)
		} else {
			parts = append(parts, "[ Uploaded Image Omitted ]")
		}
	}
	return strings.Join(parts, "\n")
}

func ptrTo[T any](v T) *T { return &v }
