// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package anthropic models the Anthropic text completion API (v1/complete)
// as spoken both inbound and outbound.
package anthropic

import (
	"github.com/modelrelay/modelrelay/internal/apischema"
)

// APIVersion is the anthropic-version header value injected on requests the
// proxy rewrites into this dialect.
const APIVersion = "2023-06-01"

// CompleteRequest is the v1/complete payload.
// https://docs.anthropic.com/claude/reference/complete_post
type CompleteRequest struct {
	Model             string                `json:"model"`
	Prompt            string                `json:"prompt"`
	MaxTokensToSample apischema.FlexibleInt `json:"max_tokens_to_sample"`
	StopSequences     []string              `json:"stop_sequences,omitempty"`
	Stream            bool                  `json:"stream"`
	Temperature       *float64              `json:"temperature,omitempty"`
	TopK              *int                  `json:"top_k,omitempty"`
	TopP              *float64              `json:"top_p,omitempty"`
}

// Validate normalizes the request in place.
func (r *CompleteRequest) Validate(limits apischema.Limits) error {
	var issues []apischema.Issue
	if len(r.Model) > 100 {
		issues = apischema.Issuef(issues, "model", "must be at most 100 characters")
	}
	if r.Prompt == "" {
		issues = apischema.Issuef(issues, "prompt", "required")
	}
	for i, seq := range r.StopSequences {
		if len(seq) > 500 {
			issues = apischema.Issuef(issues, "stop_sequences", "sequence %d must be at most 500 characters", i)
		}
	}
	if len(issues) > 0 {
		return &apischema.ValidationError{Issues: issues}
	}
	if r.Temperature == nil {
		one := 1.0
		r.Temperature = &one
	}
	r.MaxTokensToSample.Clamp(16, limits.AnthropicCeiling())
	return nil
}

// CompletionResponse is the non-streamed v1/complete result. The streamed
// variant shares the shape; each SSE event carries the next completion
// fragment in Completion.
type CompletionResponse struct {
	Completion string  `json:"completion"`
	StopReason *string `json:"stop_reason"`
	Model      string  `json:"model,omitempty"`
	Stop       *string `json:"stop,omitempty"`
	LogID      string  `json:"log_id,omitempty"`
}

// Stop reasons reported by the completion API.
const (
	StopReasonStopSequence = "stop_sequence"
	StopReasonMaxTokens    = "max_tokens"
)

// ErrorResponse is the Anthropic error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the inner Anthropic error object.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
