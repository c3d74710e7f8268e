// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gcp models the Google generative-content dialect. Content parts
// reuse the google.golang.org/genai wire types; the generation config is a
// local struct so token counts can be coerced and clamped.
package gcp

import (
	"google.golang.org/genai"

	"github.com/modelrelay/modelrelay/internal/apischema"
)

// MaxOutputTokensCeiling is the fixed clamp for maxOutputTokens.
const MaxOutputTokensCeiling = 1024

// Content roles accepted by the generate-content API.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// GenerateContentRequest is the inbound/outbound generate-content payload.
// Model and stream ride inside the body; the gateway moves them into the
// upstream URL when forwarding.
// https://ai.google.dev/api/generate-content
type GenerateContentRequest struct {
	Model            string                `json:"model,omitempty"`
	Stream           bool                  `json:"stream,omitempty"`
	Contents         []genai.Content       `json:"contents"`
	Tools            []genai.Tool          `json:"tools"`
	SafetySettings   []genai.SafetySetting `json:"safetySettings,omitempty"`
	GenerationConfig *GenerationConfig     `json:"generationConfig,omitempty"`
}

// GenerationConfig mirrors genai.GenerationConfig for the fields the proxy
// recognizes, with coercing token counts.
type GenerationConfig struct {
	Temperature     *float64              `json:"temperature,omitempty"`
	MaxOutputTokens apischema.FlexibleInt `json:"maxOutputTokens"`
	CandidateCount  *int                  `json:"candidateCount,omitempty"`
	TopP            *float64              `json:"topP,omitempty"`
	TopK            *int                  `json:"topK,omitempty"`
	StopSequences   []string              `json:"stopSequences,omitempty"`
}

// Validate normalizes the request in place.
func (r *GenerateContentRequest) Validate(apischema.Limits) error {
	var issues []apischema.Issue
	if len(r.Model) > 100 {
		issues = apischema.Issuef(issues, "model", "must be at most 100 characters")
	}
	if len(r.Contents) == 0 {
		issues = apischema.Issuef(issues, "contents", "at least one content is required")
	}
	for i := range r.Contents {
		c := &r.Contents[i]
		switch c.Role {
		case RoleUser, RoleModel:
		default:
			issues = apischema.Issuef(issues, "contents", "element %d role must be user or model", i)
		}
		if len(c.Parts) == 0 {
			issues = apischema.Issuef(issues, "contents", "element %d must have at least one part", i)
		}
	}
	if len(r.Tools) > 0 {
		issues = apischema.Issuef(issues, "tools", "must be empty if present")
	}
	if len(r.SafetySettings) > 0 {
		issues = apischema.Issuef(issues, "safetySettings", "must be empty if present")
	}
	gc := r.GenerationConfig
	if gc != nil {
		if gc.CandidateCount != nil && *gc.CandidateCount != 1 {
			issues = apischema.Issuef(issues, "generationConfig.candidateCount", "must be 1 if present")
		}
		if len(gc.StopSequences) > 5 {
			issues = apischema.Issuef(issues, "generationConfig.stopSequences", "must contain at most 5 sequences")
		}
		for i, seq := range gc.StopSequences {
			if len(seq) > 500 {
				issues = apischema.Issuef(issues, "generationConfig.stopSequences", "sequence %d must be at most 500 characters", i)
			}
		}
	}
	if len(issues) > 0 {
		return &apischema.ValidationError{Issues: issues}
	}
	if gc == nil {
		gc = &GenerationConfig{}
		r.GenerationConfig = gc
	}
	gc.MaxOutputTokens.Clamp(16, MaxOutputTokensCeiling)
	return nil
}

// BlockNoneSafetySettings disables all four blockable harm categories, the
// setting applied to requests the proxy rewrites into this dialect.
func BlockNoneSafetySettings() []genai.SafetySetting {
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}
	settings := make([]genai.SafetySetting, 0, len(categories))
	for _, c := range categories {
		settings = append(settings, genai.SafetySetting{
			Category:  c,
			Threshold: genai.HarmBlockThresholdBlockNone,
		})
	}
	return settings
}
