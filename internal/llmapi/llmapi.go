// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package llmapi defines the closed sets of API dialects and upstream
// services the proxy understands. Every switch over these types must be
// exhaustive; adding a member is a code change by design.
package llmapi

import "fmt"

// API identifies a request/response dialect spoken on either side of the
// proxy: the inbound side (what the client sent) or the outbound side (what
// the upstream expects).
type API string

const (
	APIOpenAI      API = "openai"
	APIOpenAIText  API = "openai-text"
	APIOpenAIImage API = "openai-image"
	APIAnthropic   API = "anthropic"
	APIGoogleAI    API = "google-ai"
	APIMistralAI   API = "mistral-ai"
)

// APIs lists every supported dialect.
var APIs = []API{APIOpenAI, APIOpenAIText, APIOpenAIImage, APIAnthropic, APIGoogleAI, APIMistralAI}

// Valid reports whether a is a member of the closed dialect set.
func (a API) Valid() bool {
	switch a {
	case APIOpenAI, APIOpenAIText, APIOpenAIImage, APIAnthropic, APIGoogleAI, APIMistralAI:
		return true
	default:
		return false
	}
}

// Service identifies the provider a credential belongs to. Distinct from API:
// an `aws` credential serves the `anthropic` dialect over the AWS
// event-stream transport, and `azure` serves the `openai` dialect.
type Service string

const (
	ServiceOpenAI    Service = "openai"
	ServiceAnthropic Service = "anthropic"
	ServiceAWS       Service = "aws"
	ServiceAzure     Service = "azure"
	ServiceGoogleAI  Service = "google-ai"
	ServiceMistralAI Service = "mistral-ai"
)

// Valid reports whether s is a member of the closed service set.
func (s Service) Valid() bool {
	switch s {
	case ServiceOpenAI, ServiceAnthropic, ServiceAWS, ServiceAzure, ServiceGoogleAI, ServiceMistralAI:
		return true
	default:
		return false
	}
}

// ParseAPI converts a string to an API, rejecting unknown values.
func ParseAPI(s string) (API, error) {
	a := API(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown API dialect: %q", s)
	}
	return a, nil
}
