// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelrelay/modelrelay/internal/llmapi"
)

// trackKeyRateLimit inspects the provider's rate-limit headers. A key that
// reports zero remaining capacity is put on cooldown before the next lease.
func (p *Pipeline) trackKeyRateLimit(ctx context.Context, rc *RequestContext, res *upstreamResult, rw *responseWriter) error {
	for _, name := range []string{"x-ratelimit-remaining-requests", "x-ratelimit-remaining-tokens"} {
		v := res.header.Get(name)
		if v == "" {
			continue
		}
		rc.Log.Debug("upstream rate limit", slog.String("header", name), slog.String("remaining", v))
		if v == "0" {
			p.Pool.MarkRateLimited(rc.Key.Hash)
		}
	}
	return nil
}

// injectProxyInfo annotates successful JSON bodies with a note when the
// request needed retries, so clients can see why latency spiked.
func (p *Pipeline) injectProxyInfo(ctx context.Context, rc *RequestContext, res *upstreamResult, rw *responseWriter) error {
	if !res.isJSON || res.status >= 400 || rc.RetryCount == 0 {
		return nil
	}
	note := fmt.Sprintf("Request was retried %d time(s) due to transient upstream errors.", rc.RetryCount)
	body, err := sjson.SetBytes(res.body, "proxy_note", note)
	if err != nil {
		return nil
	}
	res.body = body
	return nil
}

// countResponseTokens extracts the completion text and counts its tokens.
// Failures degrade to a zero count; accounting never fails a request.
func (p *Pipeline) countResponseTokens(ctx context.Context, rc *RequestContext, res *upstreamResult, rw *responseWriter) error {
	if res.status >= 400 || rc.OutboundAPI == llmapi.APIOpenAIImage {
		return nil
	}
	if res.completionText == "" {
		res.completionText = extractCompletionText(rc.OutboundAPI, res.body)
	}
	if res.completionText == "" || p.Counter == nil {
		return nil
	}
	model := gjson.GetBytes(rc.Body, "model").String()
	n, err := p.Counter.CountTokens(ctx, rc.Service, model, res.completionText)
	if err != nil {
		rc.Log.Warn("token count failed", slog.String("error", err.Error()))
		return nil
	}
	rc.OutputTokens = n
	return nil
}

// extractCompletionText pulls the completion string out of a final response
// body for the given dialect.
func extractCompletionText(api llmapi.API, body []byte) string {
	switch api {
	case llmapi.APIOpenAI, llmapi.APIMistralAI:
		return gjson.GetBytes(body, "choices.0.message.content").String()
	case llmapi.APIOpenAIText:
		return gjson.GetBytes(body, "choices.0.text").String()
	case llmapi.APIAnthropic:
		return gjson.GetBytes(body, "completion").String()
	case llmapi.APIGoogleAI:
		var sb strings.Builder
		for _, part := range gjson.GetBytes(body, "candidates.0.content.parts").Array() {
			sb.WriteString(part.Get("text").String())
		}
		return sb.String()
	default:
		return ""
	}
}

// incrementUsage commits the attempt's token counts to the key's totals.
func (p *Pipeline) incrementUsage(ctx context.Context, rc *RequestContext, res *upstreamResult, rw *responseWriter) error {
	if res.status >= 400 {
		return nil
	}
	p.Pool.IncrementUsage(rc.Key.Hash, rc.PromptTokens, rc.OutputTokens)
	if p.Metrics != nil {
		p.Metrics.RecordTokenUsage(ctx, rc.Service, rc.PromptTokens, rc.OutputTokens)
	}
	return nil
}

// copyHTTPHeaders forwards the upstream headers to the client. Encoding
// headers are dropped: the body was decoded and re-framed by the proxy.
func (p *Pipeline) copyHTTPHeaders(ctx context.Context, rc *RequestContext, res *upstreamResult, rw *responseWriter) error {
	if rw.headersSent {
		return nil
	}
	for name, values := range res.header {
		switch strings.ToLower(name) {
		case "content-encoding", "transfer-encoding", "content-length":
			continue
		}
		for _, v := range values {
			rw.Header().Add(name, v)
		}
	}
	return nil
}

// saveImage mirrors generated images to local assets and rewrites the
// response URLs.
func (p *Pipeline) saveImage(ctx context.Context, rc *RequestContext, res *upstreamResult, rw *responseWriter) error {
	if p.Images == nil || rc.OutboundAPI != llmapi.APIOpenAIImage || res.status >= 400 || !res.isJSON {
		return nil
	}
	if !gjson.GetBytes(res.body, "data").IsArray() {
		return nil
	}
	body, err := p.Images.MirrorImages(ctx, rc, res.body)
	if err != nil {
		rc.Log.Warn("image mirror failed", slog.String("error", err.Error()))
		return nil
	}
	res.body = body
	return nil
}

func (p *Pipeline) logPrompt(ctx context.Context, rc *RequestContext, res *upstreamResult, rw *responseWriter) error {
	if p.Prompts == nil || res.status >= 400 {
		return nil
	}
	entry := PromptLog{
		RequestID:    rc.ID,
		Model:        gjson.GetBytes(rc.Body, "model").String(),
		InboundAPI:   rc.InboundAPI,
		OutboundAPI:  rc.OutboundAPI,
		Prompt:       rc.Prompt,
		Completion:   res.completionText,
		PromptTokens: rc.PromptTokens,
		OutputTokens: rc.OutputTokens,
	}
	if err := p.Prompts.LogPrompt(ctx, entry); err != nil {
		rc.Log.Warn("prompt log failed", slog.String("error", err.Error()))
	}
	return nil
}

func (p *Pipeline) logEvent(ctx context.Context, rc *RequestContext, res *upstreamResult, rw *responseWriter) error {
	if p.Events == nil {
		return nil
	}
	if err := p.Events.LogEvent(ctx, rc, res.status); err != nil {
		rc.Log.Warn("event log failed", slog.String("error", err.Error()))
	}
	return nil
}
