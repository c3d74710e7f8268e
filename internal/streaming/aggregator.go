// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelrelay/modelrelay/internal/apischema/anthropic"
	"github.com/modelrelay/modelrelay/internal/apischema/openai"
	"github.com/modelrelay/modelrelay/internal/llmapi"
)

// Aggregator folds incremental events into the outbound dialect's canonical
// non-streamed completion. It lives for one streaming attempt.
type Aggregator struct {
	outbound llmapi.API

	first      bool
	id         string
	created    int64
	model      string
	text       strings.Builder
	lastFinish *string
}

// NewAggregator builds an aggregator for the given outbound dialect.
func NewAggregator(outbound llmapi.API) *Aggregator {
	return &Aggregator{outbound: outbound}
}

// Add folds one event: id/created/model come from the first event, delta
// texts concatenate, and the last non-nil finish reason wins.
func (a *Aggregator) Add(ev *Event) {
	if ev == nil {
		return
	}
	if !a.first {
		a.first = true
		a.id = ev.ID
		a.created = ev.Created
		a.model = ev.Model
	}
	a.text.WriteString(ev.DeltaText)
	if ev.FinishReason != nil {
		a.lastFinish = ev.FinishReason
	}
}

// Text returns the completion text accumulated so far.
func (a *Aggregator) Text() string {
	return a.text.String()
}

// FinalResponse marshals the canonical final completion for the outbound
// dialect. Image outbound has no streamed form.
func (a *Aggregator) FinalResponse() ([]byte, error) {
	switch a.outbound {
	case llmapi.APIOpenAI, llmapi.APIMistralAI:
		return json.Marshal(openai.ChatCompletionResponse{
			ID:      a.id,
			Object:  "chat.completion",
			Created: a.created,
			Model:   a.model,
			Choices: []openai.ChatCompletionResponseChoice{{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: openai.MessageContent{Text: a.text.String()},
				},
				FinishReason: a.lastFinish,
			}},
		})
	case llmapi.APIOpenAIText:
		return json.Marshal(openai.CompletionResponse{
			ID:      a.id,
			Object:  "text_completion",
			Created: a.created,
			Model:   a.model,
			Choices: []openai.CompletionResponseChoice{{
				Text:         a.text.String(),
				FinishReason: a.lastFinish,
			}},
		})
	case llmapi.APIAnthropic:
		return json.Marshal(anthropic.CompletionResponse{
			Completion: a.text.String(),
			StopReason: a.lastFinish,
			Model:      a.model,
		})
	case llmapi.APIGoogleAI:
		finish := "STOP"
		if a.lastFinish != nil {
			finish = *a.lastFinish
		}
		return json.Marshal(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{{"text": a.text.String()}},
					"role":  "model",
				},
				"finishReason": finish,
				"index":        0,
			}},
		})
	default:
		return nil, fmt.Errorf("cannot aggregate a stream for dialect %s", a.outbound)
	}
}
