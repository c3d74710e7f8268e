// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openai

import (
	"encoding/json"
	"strings"

	"github.com/modelrelay/modelrelay/internal/apischema"
)

// CompletionRequest is the legacy text completions payload, accepted only
// for the instruct model family.
// https://platform.openai.com/docs/api-reference/completions/create
type CompletionRequest struct {
	Model            string                  `json:"model"`
	Prompt           string                  `json:"prompt"`
	Temperature      *float64                `json:"temperature,omitempty"`
	TopP             *float64                `json:"top_p,omitempty"`
	N                *int                    `json:"n,omitempty"`
	Stream           bool                    `json:"stream,omitempty"`
	Stop             apischema.StringOrSlice `json:"stop,omitzero"`
	MaxTokens        apischema.FlexibleInt   `json:"max_tokens"`
	FrequencyPenalty *float64                `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64                `json:"presence_penalty,omitempty"`
	LogitBias        map[string]float64      `json:"logit_bias,omitempty"`
	User             string                  `json:"user,omitempty"`
	Seed             *int64                  `json:"seed,omitempty"`
	Logprobs         *int                    `json:"logprobs"`
	Echo             bool                    `json:"echo"`
	BestOf           *int                    `json:"best_of,omitempty"`
	Suffix           string                  `json:"suffix,omitempty"`
	ResponseFormat   json.RawMessage         `json:"response_format,omitempty"`
}

// Validate normalizes the request in place, mirroring the chat validator
// minus the chat-only fields.
func (r *CompletionRequest) Validate(limits apischema.Limits) error {
	var issues []apischema.Issue
	if len(r.Model) > 100 {
		issues = apischema.Issuef(issues, "model", "must be at most 100 characters")
	}
	if !strings.HasPrefix(r.Model, "gpt-3.5-turbo-instruct") {
		issues = apischema.Issuef(issues, "model", "must start with gpt-3.5-turbo-instruct")
	}
	if r.Prompt == "" {
		issues = apischema.Issuef(issues, "prompt", "required")
	}
	if r.N != nil && *r.N != 1 {
		issues = apischema.Issuef(issues, "n", "%s", ErrSingleCompletionOnly)
	}
	if r.BestOf != nil && *r.BestOf != 1 {
		issues = apischema.Issuef(issues, "best_of", "must be 1 if present")
	}
	if len(r.Stop.Values) > 4 {
		issues = apischema.Issuef(issues, "stop", "must contain at most 4 sequences")
	}
	if len(r.Suffix) > 1000 {
		issues = apischema.Issuef(issues, "suffix", "must be at most 1000 characters")
	}
	if len(r.User) > 500 {
		issues = apischema.Issuef(issues, "user", "must be at most 500 characters")
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
	return nil
}
