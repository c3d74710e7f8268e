// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package mistral models the Mistral chat completions dialect, including the
// message-sequence repair the upstream API demands.
package mistral

import (
	"strings"

	"github.com/modelrelay/modelrelay/internal/apischema"
)

// Chat message roles accepted by the Mistral API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is the Mistral chat completions payload.
// https://docs.mistral.ai/api/#operation/createChatCompletion
type ChatRequest struct {
	Model       string                `json:"model"`
	Messages    []ChatMessage         `json:"messages"`
	Temperature *float64              `json:"temperature,omitempty"`
	TopP        *float64              `json:"top_p,omitempty"`
	MaxTokens   apischema.FlexibleInt `json:"max_tokens"`
	Stream      bool                  `json:"stream"`
	SafePrompt  bool                  `json:"safe_prompt"`
	RandomSeed  *int64                `json:"random_seed,omitempty"`
}

// ChatMessage is a single Mistral conversation turn; content is always plain
// text in this dialect.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Validate normalizes the request in place. RepairMessages must run first;
// the validator only checks the repaired invariants hold.
func (r *ChatRequest) Validate(limits apischema.Limits) error {
	var issues []apischema.Issue
	if r.Model == "" {
		issues = apischema.Issuef(issues, "model", "required")
	}
	if len(r.Messages) == 0 {
		issues = apischema.Issuef(issues, "messages", "at least one message is required")
	}
	for i := range r.Messages {
		switch r.Messages[i].Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			issues = apischema.Issuef(issues, "messages", "element %d role must be system, user, or assistant", i)
		}
	}
	if len(issues) > 0 {
		return &apischema.ValidationError{Issues: issues}
	}
	if r.Temperature == nil {
		t := 0.7
		r.Temperature = &t
	}
	if r.TopP == nil {
		one := 1.0
		r.TopP = &one
	}
	r.MaxTokens.Clamp(16, limits.OpenAICeiling())
	return nil
}

// RepairMessages rewrites a message list into the sequence shape Mistral
// accepts: at most one system message and only in first position, no two
// consecutive messages with the same role, and a user message last. The
// operation is idempotent.
func RepairMessages(messages []ChatMessage) []ChatMessage {
	if len(messages) == 0 {
		return messages
	}

	// Re-role every system message after the first position to user.
	reRoled := make([]ChatMessage, 0, len(messages))
	for i, m := range messages {
		if m.Role == RoleSystem && i > 0 {
			m.Role = RoleUser
		}
		reRoled = append(reRoled, m)
	}

	// Collapse same-role runs by joining their contents.
	collapsed := make([]ChatMessage, 0, len(reRoled))
	for _, m := range reRoled {
		if n := len(collapsed); n > 0 && collapsed[n-1].Role == m.Role {
			collapsed[n-1].Content = strings.Join([]string{collapsed[n-1].Content, m.Content}, "\n\n")
			continue
		}
		collapsed = append(collapsed, m)
	}

	// The conversation must end on a user turn.
	if collapsed[len(collapsed)-1].Role != RoleUser {
		collapsed = append(collapsed, ChatMessage{Role: RoleUser, Content: ""})
	}
	return collapsed
}

// ChatResponse is the non-streamed Mistral chat result; it shares the OpenAI
// choices shape.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

// ChatChoice is one Mistral completion alternative.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason *string     `json:"finish_reason"`
}
