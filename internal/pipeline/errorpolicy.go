// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelrelay/modelrelay/internal/keypool"
	"github.com/modelrelay/modelrelay/internal/llmapi"
	"github.com/modelrelay/modelrelay/internal/proxyerr"
)

var (
	orgIDPattern           = regexp.MustCompile(`org-.{24}`)
	anthropicQuotaPattern  = regexp.MustCompile(`(?i)usage blocked until|credit balance is too low`)
	anthropicOrgDisabled   = regexp.MustCompile(`(?i)organization has been disabled`)
	openaiPerDayPattern    = regexp.MustCompile(`on requests per day`)
	missingPreamblePrefix  = "prompt must start with \"\n\nHuman:\" turn"
	moderationNote         = "The upstream provider flagged this request for content policy reasons. The attempt was not billed."
	unrecognizedErrorNote  = "Unrecognized error from the upstream provider."
	modelUnavailableNote   = "The requested model may not exist, or the key may not be provisioned for it."
	overloadedNote         = "The upstream model is overloaded; try again shortly."
	perDayRateLimitNote    = "The key hit its per-day rate limit; it will not recover until the provider resets it."
	tempUpstreamErrorNote  = "The upstream returned an unparseable error response."
)

// upstreamError is the decoded view of a provider failure body.
type upstreamError struct {
	errType string
	code    string
	message string
	// awsType is the stripped __type field of AWS error bodies.
	awsType string
	// googleStatus is error.status on Google error bodies.
	googleStatus string
}

func parseUpstreamError(body []byte) upstreamError {
	awsType := gjson.GetBytes(body, "__type").String()
	if i := strings.LastIndexByte(awsType, '#'); i >= 0 {
		awsType = awsType[i+1:]
	}
	e := upstreamError{
		errType:      gjson.GetBytes(body, "error.type").String(),
		code:         gjson.GetBytes(body, "error.code").String(),
		message:      gjson.GetBytes(body, "error.message").String(),
		awsType:      awsType,
		googleStatus: gjson.GetBytes(body, "error.status").String(),
	}
	if e.message == "" {
		e.message = gjson.GetBytes(body, "message").String()
	}
	return e
}

// handleUpstreamErrors applies the provider error policy on the blocking
// path. Every branch ends either in a written client reply (HTTPError) or a
// re-enqueue (Retryable); the pipeline never continues past a failed status.
func (p *Pipeline) handleUpstreamErrors(ctx context.Context, rc *RequestContext, res *upstreamResult, rw *responseWriter) error {
	if res.status < 400 {
		return nil
	}
	if !res.isJSON || !gjson.ValidBytes(res.body) {
		writeJSONError(rw, http.StatusInternalServerError, "proxy_upstream_error", tempUpstreamErrorNote)
		return &proxyerr.HTTPError{StatusCode: http.StatusInternalServerError, Message: tempUpstreamErrorNote}
	}
	e := parseUpstreamError(res.body)

	if res.status == http.StatusUnauthorized {
		p.Pool.Disable(rc.Key.Hash, keypool.DisableReasonRevoked)
		return p.replyUpstreamError(rc, rw, res, "The upstream rejected the credential; it has been removed from rotation.")
	}

	switch res.status {
	case http.StatusBadRequest:
		return p.handle400(rc, rw, res, e)
	case http.StatusForbidden:
		return p.handle403(rc, rw, res, e)
	case http.StatusTooManyRequests:
		return p.handle429(rc, rw, res, e)
	case http.StatusNotFound:
		return p.handle404(rc, rw, res, e)
	default:
		return p.replyUpstreamError(rc, rw, res, unrecognizedErrorNote)
	}
}

func (p *Pipeline) handle400(rc *RequestContext, rw *responseWriter, res *upstreamResult, e upstreamError) error {
	switch rc.Service {
	case llmapi.ServiceOpenAI, llmapi.ServiceGoogleAI, llmapi.ServiceMistralAI, llmapi.ServiceAzure:
		if e.code == "content_policy_violation" || e.code == "content_filter" {
			p.Queue.RefundLastAttempt(rc)
			return p.replyUpstreamError(rc, rw, res, moderationNote)
		}
	}
	if rc.Service == llmapi.ServiceOpenAI && e.code == "billing_hard_limit_reached" {
		return p.handle429(rc, rw, res, e)
	}
	if rc.Service == llmapi.ServiceAnthropic || rc.Service == llmapi.ServiceAWS {
		if strings.HasPrefix(e.message, missingPreamblePrefix) {
			requires := true
			p.Pool.Update(rc.Key.Hash, keypool.Update{RequiresPreamble: &requires})
			return p.reenqueue(rc, "key requires a Human preamble turn")
		}
	}
	if rc.Service == llmapi.ServiceAnthropic {
		if anthropicQuotaPattern.MatchString(e.message) {
			p.Pool.Disable(rc.Key.Hash, keypool.DisableReasonQuota)
			return p.replyUpstreamError(rc, rw, res, "The key is out of quota and has been removed from rotation.")
		}
		if anthropicOrgDisabled.MatchString(e.message) {
			p.Pool.Disable(rc.Key.Hash, keypool.DisableReasonRevoked)
			return p.replyUpstreamError(rc, rw, res, "The key's organization is disabled; it has been removed from rotation.")
		}
	}
	return p.replyUpstreamError(rc, rw, res, unrecognizedErrorNote)
}

func (p *Pipeline) handle403(rc *RequestContext, rw *responseWriter, res *upstreamResult, e upstreamError) error {
	switch rc.Service {
	case llmapi.ServiceAnthropic:
		if e.errType == "permission_error" && strings.Contains(e.message, "multimodal") {
			allows := false
			p.Pool.Update(rc.Key.Hash, keypool.Update{AllowsMultimodality: &allows})
			return p.reenqueue(rc, "key does not allow multimodal input")
		}
		p.Pool.Disable(rc.Key.Hash, keypool.DisableReasonRevoked)
		return p.replyUpstreamError(rc, rw, res, "The upstream rejected the credential; it has been removed from rotation.")
	case llmapi.ServiceAWS:
		switch e.awsType {
		case "UnrecognizedClientException":
			p.Pool.Disable(rc.Key.Hash, keypool.DisableReasonRevoked)
			return p.replyUpstreamError(rc, rw, res, "The upstream rejected the credential; it has been removed from rotation.")
		case "AccessDeniedException":
			if strings.Contains(e.message, "specified model ID") {
				return p.replyUpstreamError(rc, rw, res, modelUnavailableNote)
			}
			p.Pool.Disable(rc.Key.Hash, keypool.DisableReasonRevoked)
			return p.replyUpstreamError(rc, rw, res, "The upstream denied access; the key has been removed from rotation.")
		}
	}
	return p.replyUpstreamError(rc, rw, res, unrecognizedErrorNote)
}

func (p *Pipeline) handle429(rc *RequestContext, rw *responseWriter, res *upstreamResult, e upstreamError) error {
	switch rc.Service {
	case llmapi.ServiceOpenAI:
		switch e.errType {
		case "insufficient_quota":
			p.Pool.Disable(rc.Key.Hash, keypool.DisableReasonQuota)
			return p.replyUpstreamError(rc, rw, res, "The key is out of quota and has been removed from rotation.")
		case "invalid_request_error", "billing_not_active":
			p.Pool.Disable(rc.Key.Hash, keypool.DisableReasonRevoked)
			return p.replyUpstreamError(rc, rw, res, "The key's billing is not active; it has been removed from rotation.")
		case "access_terminated":
			p.Pool.Disable(rc.Key.Hash, keypool.DisableReasonRevoked)
			return p.replyUpstreamError(rc, rw, res, "The key's access was terminated; it has been removed from rotation.")
		case "requests", "tokens":
			p.Pool.MarkRateLimited(rc.Key.Hash)
			if openaiPerDayPattern.MatchString(e.message) {
				return p.replyUpstreamError(rc, rw, res, perDayRateLimitNote)
			}
			return p.reenqueue(rc, "openai rate limit")
		}
	case llmapi.ServiceAnthropic:
		if e.errType == "rate_limit_error" {
			p.Pool.MarkRateLimited(rc.Key.Hash)
			return p.reenqueue(rc, "anthropic rate limit")
		}
	case llmapi.ServiceAWS:
		switch e.awsType {
		case "ThrottlingException":
			p.Pool.MarkRateLimited(rc.Key.Hash)
			return p.reenqueue(rc, "aws throttling")
		case "ModelNotReadyException":
			return p.replyUpstreamError(rc, rw, res, overloadedNote)
		}
	case llmapi.ServiceAzure, llmapi.ServiceMistralAI:
		if e.code == "429" {
			p.Pool.MarkRateLimited(rc.Key.Hash)
			return p.reenqueue(rc, "upstream rate limit")
		}
	case llmapi.ServiceGoogleAI:
		if e.googleStatus == "RESOURCE_EXHAUSTED" {
			p.Pool.MarkRateLimited(rc.Key.Hash)
			return p.reenqueue(rc, "google resource exhausted")
		}
	}
	return p.replyUpstreamError(rc, rw, res, unrecognizedErrorNote)
}

func (p *Pipeline) handle404(rc *RequestContext, rw *responseWriter, res *upstreamResult, e upstreamError) error {
	if rc.Service == llmapi.ServiceOpenAI && e.code == "model_not_found" {
		model := gjson.GetBytes(rc.Body, "model").String()
		note := fmt.Sprintf("The model %q (family %s) was not found on the upstream.", model, rc.OutboundAPI)
		return p.replyUpstreamError(rc, rw, res, note)
	}
	return p.replyUpstreamError(rc, rw, res, modelUnavailableNote)
}

// reenqueue puts the request back on the queue and raises Retryable. When
// the queue refuses, the attempt becomes a terminal 503.
func (p *Pipeline) reenqueue(rc *RequestContext, reason string) error {
	if err := p.Queue.Reenqueue(rc); err != nil {
		return &proxyerr.HTTPError{StatusCode: http.StatusServiceUnavailable, Message: err.Error()}
	}
	return proxyerr.Retryable("%s", reason)
}

// replyUpstreamError forwards the redacted upstream error body with a
// proxy_note and terminates the pipeline.
func (p *Pipeline) replyUpstreamError(rc *RequestContext, rw *responseWriter, res *upstreamResult, note string) error {
	body := redactOrgIDs(res.body)
	if note != "" {
		if annotated, err := sjson.SetBytes(body, "proxy_note", note); err == nil {
			body = annotated
		}
	}
	if !rw.headersSent {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(res.status)
		_, _ = rw.Write(body)
	}
	return &proxyerr.HTTPError{StatusCode: res.status, Message: note}
}

// redactOrgIDs masks OpenAI organization identifiers in error messages
// before they reach clients.
func redactOrgIDs(body []byte) []byte {
	msg := gjson.GetBytes(body, "error.message")
	if !msg.Exists() {
		return body
	}
	redacted := orgIDPattern.ReplaceAllString(msg.String(), "org-xxxxxxxxxxxxxxxxxxx")
	if redacted == msg.String() {
		return body
	}
	out, err := sjson.SetBytes(body, "error.message", redacted)
	if err != nil {
		return body
	}
	return out
}
