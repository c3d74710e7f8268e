// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package translator rewrites validated inbound request bodies into the
// outbound dialect the leased credential's upstream expects. Translators run
// exactly once per request: on retries the body is already in outbound form
// and the caller must not invoke them again.
package translator

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/modelrelay/modelrelay/internal/apischema"
	"github.com/modelrelay/modelrelay/internal/apischema/anthropic"
	"github.com/modelrelay/modelrelay/internal/apischema/gcp"
	"github.com/modelrelay/modelrelay/internal/apischema/mistral"
	"github.com/modelrelay/modelrelay/internal/apischema/openai"
	"github.com/modelrelay/modelrelay/internal/llmapi"
)

// RequestTransformer rewrites a raw inbound body into an outbound-dialect
// body. Implementations are stateless and safe for concurrent use.
type RequestTransformer interface {
	// TransformRequest validates raw against the inbound schema and returns
	// the outbound body plus any headers to inject on the upstream request.
	TransformRequest(raw []byte) (body []byte, headers map[string]string, err error)
}

// UnsupportedConversionError reports an inbound/outbound pair the proxy has
// no rewriter for.
type UnsupportedConversionError struct {
	Inbound  llmapi.API
	Outbound llmapi.API
}

func (e *UnsupportedConversionError) Error() string {
	return fmt.Sprintf("no request transformer from %s to %s", e.Inbound, e.Outbound)
}

// NewRequestTransformer returns the rewriter for the given dialect pair.
func NewRequestTransformer(inbound, outbound llmapi.API, limits apischema.Limits) (RequestTransformer, error) {
	if inbound == outbound {
		return &sameDialectTransformer{api: inbound, limits: limits}, nil
	}
	if inbound != llmapi.APIOpenAI {
		return nil, &UnsupportedConversionError{Inbound: inbound, Outbound: outbound}
	}
	switch outbound {
	case llmapi.APIAnthropic:
		return &openAIToAnthropicTransformer{limits: limits}, nil
	case llmapi.APIOpenAIText:
		return &openAIToTextTransformer{limits: limits}, nil
	case llmapi.APIOpenAIImage:
		return &openAIToImageTransformer{limits: limits}, nil
	case llmapi.APIGoogleAI:
		return &openAIToGoogleAITransformer{limits: limits}, nil
	default:
		return nil, &UnsupportedConversionError{Inbound: inbound, Outbound: outbound}
	}
}

// sameDialectTransformer validates and normalizes in place: when the client
// already speaks the outbound dialect, validation is the whole rewrite.
type sameDialectTransformer struct {
	api    llmapi.API
	limits apischema.Limits
}

// TransformRequest implements [RequestTransformer.TransformRequest].
func (t *sameDialectTransformer) TransformRequest(raw []byte) ([]byte, map[string]string, error) {
	switch t.api {
	case llmapi.APIOpenAI:
		var req openai.ChatCompletionRequest
		return normalize(raw, &req, t.limits)
	case llmapi.APIOpenAIText:
		var req openai.CompletionRequest
		return normalize(raw, &req, t.limits)
	case llmapi.APIOpenAIImage:
		var req openai.ImageGenerationRequest
		return normalize(raw, &req, t.limits)
	case llmapi.APIAnthropic:
		var req anthropic.CompleteRequest
		return normalize(raw, &req, t.limits)
	case llmapi.APIGoogleAI:
		var req gcp.GenerateContentRequest
		return normalize(raw, &req, t.limits)
	case llmapi.APIMistralAI:
		var req mistral.ChatRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, nil, decodeError(err)
		}
		req.Messages = mistral.RepairMessages(req.Messages)
		if err := req.Validate(t.limits); err != nil {
			return nil, nil, err
		}
		body, err := json.Marshal(&req)
		return body, nil, err
	default:
		return nil, nil, &UnsupportedConversionError{Inbound: t.api, Outbound: t.api}
	}
}

// validator is satisfied by every dialect request schema.
type validator interface {
	Validate(apischema.Limits) error
}

// normalize decodes raw into req, validates, and re-marshals. Re-marshalling
// the typed struct is what strips unrecognized fields from the payload.
func normalize(raw []byte, req validator, limits apischema.Limits) ([]byte, map[string]string, error) {
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, nil, decodeError(err)
	}
	if err := req.Validate(limits); err != nil {
		return nil, nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal normalized body: %w", err)
	}
	return body, nil, nil
}

func decodeError(err error) error {
	return &apischema.ValidationError{Issues: []apischema.Issue{
		{Path: "(body)", Message: fmt.Sprintf("malformed JSON body: %v", err)},
	}}
}

// parseChat decodes and validates an inbound OpenAI chat body, the common
// first step of every cross-dialect rewriter.
func parseChat(raw []byte, limits apischema.Limits) (*openai.ChatCompletionRequest, error) {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, decodeError(err)
	}
	if err := req.Validate(limits); err != nil {
		return nil, err
	}
	return &req, nil
}

// sjsonSetModel overwrites the model field on a raw body without disturbing
// the rest of the payload.
func sjsonSetModel(raw []byte, model string) ([]byte, error) {
	out, err := sjson.SetBytes(raw, "model", model)
	if err != nil {
		return nil, fmt.Errorf("failed to set model: %w", err)
	}
	return out, nil
}

// unionStops merges stop sequences left to right, dropping duplicates while
// preserving first occurrence.
func unionStops(groups ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range groups {
		for _, s := range group {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
