// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/modelrelay/modelrelay/internal/llmapi"
)

// ReframeEvent serializes an incremental event into the client dialect's
// streamed chunk shape. Used when the inbound and outbound dialects differ
// and the client cannot consume the upstream's native framing.
func ReframeEvent(inbound llmapi.API, ev *Event) ([]byte, error) {
	switch inbound {
	case llmapi.APIOpenAI, llmapi.APIMistralAI:
		return json.Marshal(chatChunkFromEvent(ev))
	case llmapi.APIOpenAIText:
		return json.Marshal(textChunkFromEvent(ev))
	default:
		return nil, fmt.Errorf("cannot reframe stream events for dialect %s", inbound)
	}
}

func chatChunkFromEvent(ev *Event) map[string]any {
	delta := map[string]any{}
	if ev.Role != "" {
		delta["role"] = ev.Role
	}
	delta["content"] = ev.DeltaText
	return map[string]any{
		"id":      ev.ID,
		"object":  "chat.completion.chunk",
		"created": ev.Created,
		"model":   ev.Model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": ev.FinishReason,
		}},
	}
}

func textChunkFromEvent(ev *Event) map[string]any {
	return map[string]any{
		"id":      ev.ID,
		"object":  "text_completion",
		"created": ev.Created,
		"model":   ev.Model,
		"choices": []map[string]any{{
			"index":         0,
			"text":          ev.DeltaText,
			"finish_reason": ev.FinishReason,
		}},
	}
}
