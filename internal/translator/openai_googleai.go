// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"encoding/json"
	"fmt"
	"regexp"

	"google.golang.org/genai"

	"github.com/modelrelay/modelrelay/internal/apischema"
	"github.com/modelrelay/modelrelay/internal/apischema/gcp"
	"github.com/modelrelay/modelrelay/internal/apischema/openai"
)

// speakerPrefix matches a short "Name: " attribution at the start of a turn.
var speakerPrefix = regexp.MustCompile(`^(.{0,50}?): `)

// googleStopSequenceLimit is the most stop sequences the API accepts.
const googleStopSequenceLimit = 5

// openAIToGoogleAITransformer rewrites an OpenAI chat conversation into
// generate-content contents with explicit speaker attributions, so the model
// keeps track of who is talking across collapsed role runs.
type openAIToGoogleAITransformer struct {
	limits apischema.Limits
}

// TransformRequest implements [RequestTransformer.TransformRequest].
func (t *openAIToGoogleAITransformer) TransformRequest(raw []byte) ([]byte, map[string]string, error) {
	// Force a known model during inbound validation; the outbound model is
	// fixed below, so unknown client model names must not fail the rewrite.
	forced, err := sjsonSetModel(raw, "gpt-3.5-turbo")
	if err != nil {
		return nil, nil, err
	}
	req, err := parseChat(forced, t.limits)
	if err != nil {
		return nil, nil, err
	}

	contents, speakers := chatToGoogleContents(req.Messages)

	speakerStops := make([]string, 0, len(speakers))
	for _, s := range speakers {
		speakerStops = append(speakerStops, "\n"+s+":")
	}
	stops := unionStops(req.Stop.Values, speakerStops)
	if len(stops) > googleStopSequenceLimit {
		stops = stops[:googleStopSequenceLimit]
	}

	out := gcp.GenerateContentRequest{
		Model:    "gemini-pro",
		Stream:   req.Stream,
		Contents: contents,
		Tools:    []genai.Tool{},
		GenerationConfig: &gcp.GenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: clampGoogleTokens(req.MaxTokens),
			TopP:            req.TopP,
			TopK:            ptrTo(40),
			StopSequences:   stops,
		},
		SafetySettings: gcp.BlockNoneSafetySettings(),
	}
	body, err := json.Marshal(&out)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal generate-content body: %w", err)
	}
	return body, nil, nil
}

// chatToGoogleContents flattens chat messages into generate-content turns.
// Assistant turns become the model role; everything else becomes user. Each
// non-system turn is attributed to a speaker: a leading "Name: " prefix in
// the text, the message name, or a role-based fallback. Turns lacking a
// prefix get one prepended so attribution survives run collapsing.
func chatToGoogleContents(messages []openai.ChatCompletionMessage) ([]genai.Content, []string) {
	var speakers []string
	seen := make(map[string]struct{})
	collect := func(s string) {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			speakers = append(speakers, s)
		}
	}

	contents := make([]genai.Content, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		role := gcp.RoleUser
		if msg.Role == openai.ChatMessageRoleAssistant {
			role = gcp.RoleModel
		}
		text := msg.TextContent()

		if msg.Role != openai.ChatMessageRoleSystem {
			if m := speakerPrefix.FindStringSubmatch(text); m != nil {
				collect(m[1])
			} else {
				speaker := msg.Name
				if speaker == "" {
					if role == gcp.RoleModel {
						speaker = "Character"
					} else {
						speaker = "User"
					}
				}
				collect(speaker)
				text = speaker + ": " + text
			}
		}

		// Collapse consecutive same-role turns; the API rejects them.
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			prev := contents[n-1].Parts[0]
			prev.Text = prev.Text + "\n\n" + text
			continue
		}
		contents = append(contents, genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: text}},
		})
	}
	return contents, speakers
}

// clampGoogleTokens bounds the carried max_tokens to the Google ceiling.
func clampGoogleTokens(tokens apischema.FlexibleInt) apischema.FlexibleInt {
	tokens.Clamp(16, gcp.MaxOutputTokensCeiling)
	return tokens
}

func ptrTo[T any](v T) *T { return &v }
