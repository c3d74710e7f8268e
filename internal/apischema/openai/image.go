// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package openai

import (
	"github.com/modelrelay/modelrelay/internal/apischema"
)

// Image generation enums.
const (
	ImageQualityStandard = "standard"
	ImageQualityHD       = "hd"

	ImageStyleVivid   = "vivid"
	ImageStyleNatural = "natural"

	ImageResponseFormatURL     = "url"
	ImageResponseFormatB64JSON = "b64_json"
)

var imageSizes = map[string]struct{}{
	"256x256":   {},
	"512x512":   {},
	"1024x1024": {},
	"1792x1024": {},
	"1024x1792": {},
}

// ImageGenerationRequest is the inbound image generation payload.
// https://platform.openai.com/docs/api-reference/images/create
type ImageGenerationRequest struct {
	Prompt         string `json:"prompt"`
	Model          string `json:"model,omitempty"`
	Quality        string `json:"quality,omitempty"`
	N              *int   `json:"n,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	Size           string `json:"size,omitempty"`
	Style          string `json:"style,omitempty"`
	User           string `json:"user,omitempty"`
}

// Validate normalizes the request in place.
func (r *ImageGenerationRequest) Validate(apischema.Limits) error {
	var issues []apischema.Issue
	if r.Prompt == "" {
		issues = apischema.Issuef(issues, "prompt", "required")
	}
	if len(r.Prompt) > 4000 {
		issues = apischema.Issuef(issues, "prompt", "must be at most 4000 characters")
	}
	switch r.Quality {
	case "":
		r.Quality = ImageQualityStandard
	case ImageQualityStandard, ImageQualityHD:
	default:
		issues = apischema.Issuef(issues, "quality", "must be one of standard, hd")
	}
	if r.N != nil && (*r.N < 1 || *r.N > 4) {
		issues = apischema.Issuef(issues, "n", "must be between 1 and 4")
	}
	switch r.ResponseFormat {
	case "", ImageResponseFormatURL, ImageResponseFormatB64JSON:
	default:
		issues = apischema.Issuef(issues, "response_format", "must be one of url, b64_json")
	}
	switch {
	case r.Size == "":
		r.Size = "1024x1024"
	default:
		if _, ok := imageSizes[r.Size]; !ok {
			issues = apischema.Issuef(issues, "size", "unsupported image size %q", r.Size)
		}
	}
	switch r.Style {
	case "":
		r.Style = ImageStyleVivid
	case ImageStyleVivid, ImageStyleNatural:
	default:
		issues = apischema.Issuef(issues, "style", "must be one of vivid, natural")
	}
	if len(issues) > 0 {
		return &apischema.ValidationError{Issues: issues}
	}
	if r.N == nil {
		r.N = ptrTo(1)
	}
	return nil
}

// ImageGenerationResponse is the upstream image generation result.
type ImageGenerationResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// ImageData is one generated artefact; exactly one of URL or B64JSON is set.
type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}
