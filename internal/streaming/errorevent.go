// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"encoding/json"

	"github.com/modelrelay/modelrelay/internal/apischema/anthropic"
	"github.com/modelrelay/modelrelay/internal/apischema/openai"
	"github.com/modelrelay/modelrelay/internal/llmapi"
)

// ErrorEvent fabricates one SSE message in the dialect's completion framing
// carrying a client-visible proxy error note. It is injected into a live
// stream when the upstream fails after headers were sent, and is followed by
// the [DONE] sentinel.
func ErrorEvent(api llmapi.API, note string) string {
	text := "\n\n**Proxy error:** " + note
	stop := "stop"
	switch api {
	case llmapi.APIOpenAIText:
		body, _ := json.Marshal(openai.CompletionResponse{
			ID:     "proxy-error",
			Object: "text_completion",
			Choices: []openai.CompletionResponseChoice{{
				Text:         text,
				FinishReason: &stop,
			}},
		})
		return "data: " + string(body)
	case llmapi.APIAnthropic:
		reason := anthropic.StopReasonStopSequence
		body, _ := json.Marshal(anthropic.CompletionResponse{
			Completion: text,
			StopReason: &reason,
		})
		return "event: completion\ndata: " + string(body)
	case llmapi.APIGoogleAI:
		return syntheticGoogleErrorMessage(note)
	default:
		body, _ := json.Marshal(openai.ChatCompletionChunk{
			ID:     "proxy-error",
			Object: "chat.completion.chunk",
			Choices: []openai.ChatCompletionChunkChoice{{
				Delta:        openai.ChunkDelta{Content: &text},
				FinishReason: &stop,
			}},
		})
		return "data: " + string(body)
	}
}
