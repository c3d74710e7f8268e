// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package apischema holds the pieces shared by the per-dialect schema
// packages: the validation error shape surfaced to clients, the limits
// injected from configuration, and the coercing JSON scalar types.
package apischema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Issue is a single validation finding, addressed by a JSON-ish path.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError is returned when an inbound body fails its dialect schema.
// It is surfaced to the client as a 400 with the issue list attached.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "request body failed validation"
	}
	parts := make([]string, len(e.Issues))
	for i, iss := range e.Issues {
		parts[i] = fmt.Sprintf("%s: %s", iss.Path, iss.Message)
	}
	return "request body failed validation: " + strings.Join(parts, "; ")
}

// Issuef appends a formatted issue to the given list.
func Issuef(issues []Issue, path, format string, args ...any) []Issue {
	return append(issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Limits carries the configured ceilings and feature flags that the
// validators clamp against. Zero values fall back to the package defaults.
type Limits struct {
	// OpenAIMaxOutputTokens caps max_tokens for the OpenAI-flavored dialects.
	OpenAIMaxOutputTokens int
	// AnthropicMaxOutputTokens caps max_tokens_to_sample.
	AnthropicMaxOutputTokens int
	// AllowToolUsage keeps tools/functions fields instead of stripping them.
	AllowToolUsage bool
}

const (
	defaultOpenAIMaxOutputTokens    = 4096
	defaultAnthropicMaxOutputTokens = 4096
)

// OpenAICeiling returns the effective OpenAI max-output clamp.
func (l Limits) OpenAICeiling() int {
	if l.OpenAIMaxOutputTokens > 0 {
		return l.OpenAIMaxOutputTokens
	}
	return defaultOpenAIMaxOutputTokens
}

// AnthropicCeiling returns the effective Anthropic max-output clamp.
func (l Limits) AnthropicCeiling() int {
	if l.AnthropicMaxOutputTokens > 0 {
		return l.AnthropicMaxOutputTokens
	}
	return defaultAnthropicMaxOutputTokens
}

// FlexibleInt is an integer that tolerates the loose encodings clients send
// for token counts: JSON numbers (including floats) and numeric strings.
// The zero value means "absent".
type FlexibleInt struct {
	Value int
	Set   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexibleInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if len(s) > 1 && s[0] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("cannot unmarshal %s as integer", s)
		}
		s = strings.TrimSpace(unquoted)
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return fmt.Errorf("cannot coerce %s to integer", s)
	}
	f.Value = int(n)
	f.Set = true
	return nil
}

// MarshalJSON implements json.Marshaler. Absent values encode as null so
// omitempty-adjacent handling stays explicit at the struct level.
func (f FlexibleInt) MarshalJSON() ([]byte, error) {
	if !f.Set {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// Clamp bounds the value to [1, ceiling], substituting def when absent.
func (f *FlexibleInt) Clamp(def, ceiling int) {
	if !f.Set {
		f.Value = def
		f.Set = true
	}
	if f.Value < 1 {
		f.Value = 1
	}
	if f.Value > ceiling {
		f.Value = ceiling
	}
}

// StringOrSlice is a union of a single string and a string array, used by
// the various `stop` fields.
type StringOrSlice struct {
	Values []string
	// Scalar records that the wire form was a bare string, so round trips
	// and validation limits can distinguish the two encodings.
	Scalar bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringOrSlice) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return fmt.Errorf("cannot unmarshal as string: %w", err)
		}
		s.Values = []string{single}
		s.Scalar = true
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("must be a string or an array of strings")
	}
	s.Values = many
	return nil
}

// MarshalJSON implements json.Marshaler, preserving the original encoding.
func (s StringOrSlice) MarshalJSON() ([]byte, error) {
	if s.Scalar && len(s.Values) == 1 {
		return json.Marshal(s.Values[0])
	}
	return json.Marshal(s.Values)
}

// IsZero reports whether no value was present, for use with omitzero tags.
func (s StringOrSlice) IsZero() bool { return s.Values == nil }
