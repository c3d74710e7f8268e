// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/modelrelay/modelrelay/internal/apischema"
	"github.com/modelrelay/modelrelay/internal/keypool"
	"github.com/modelrelay/modelrelay/internal/llmapi"
	"github.com/modelrelay/modelrelay/internal/pipeline"
	"github.com/modelrelay/modelrelay/internal/translator"
)

const maxRequestBodyBytes = 10 << 20

// completionHandler serves one inbound dialect endpoint: validate and
// transform the request, lease a key, forward upstream, and run the response
// pipeline, retrying attempts the error policy re-enqueued.
func (s *Server) completionHandler(inbound llmapi.API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		up, ok := s.upstreamByName(chi.URLParam(r, "upstream"))
		if !ok {
			writeErrorEnvelope(w, http.StatusNotFound, "proxy_routing_error", "unknown upstream", nil)
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
		if err != nil {
			writeErrorEnvelope(w, http.StatusBadRequest, "proxy_request_error", "failed to read request body", nil)
			return
		}

		rc := &pipeline.RequestContext{
			ID:          uuid.NewString(),
			InboundAPI:  inbound,
			OutboundAPI: up.API,
			Service:     up.Service,
			UserToken:   bearerToken(r),
		}
		rc.Log = s.logger.With(
			slog.String("requestID", rc.ID),
			slog.String("inbound", string(inbound)),
			slog.String("outbound", string(up.API)),
			slog.String("service", string(up.Service)))

		tr, err := translator.NewRequestTransformer(inbound, up.API, s.cfg.Limits)
		if err != nil {
			writeTransformError(w, err)
			return
		}
		body, headers, err := tr.TransformRequest(raw)
		if err != nil {
			writeTransformError(w, err)
			return
		}
		rc.Body = body
		rc.AnthropicVersion = headers["anthropic-version"]
		rc.IsStreaming = up.API != llmapi.APIOpenAIImage && gjson.GetBytes(body, "stream").Bool()
		rc.Prompt = extractPromptText(up.API, body)

		if s.pipeline.Counter != nil && rc.Prompt != "" {
			model := gjson.GetBytes(body, "model").String()
			if n, err := s.pipeline.Counter.CountTokens(r.Context(), up.Service, model, rc.Prompt); err == nil {
				rc.PromptTokens = n
			}
		}

		s.dispatch(w, r, rc, up, headers)
	}
}

// dispatch runs the attempt loop. The pipeline's error policy re-enqueues
// through a request-scoped queue; each queued context becomes the next
// attempt until MaxAttempts is reached.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, rc *pipeline.RequestContext, up Upstream, headers map[string]string) {
	q := newRequestQueue(rc.Log)
	pl := *s.pipeline
	pl.Queue = q

	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		key, err := s.pool.Lease(up.Service)
		if err != nil {
			writeErrorEnvelope(w, http.StatusServiceUnavailable, "proxy_no_keys", err.Error(), nil)
			return
		}
		rc.Key = key

		resp, err := s.forward(r, rc, up, headers)
		if err != nil {
			rc.Log.Error("upstream request failed", slog.String("error", err.Error()))
			writeErrorEnvelope(w, http.StatusBadGateway, "proxy_upstream_unreachable", err.Error(), nil)
			return
		}
		pl.HandleResponse(r.Context(), rc, resp, w)

		next, ok := q.next()
		if pl.Metrics != nil {
			model := gjson.GetBytes(rc.Body, "model").String()
			pl.Metrics.RecordRequestCompletion(r.Context(), up.Service, model, start, !ok)
		}
		if !ok {
			return
		}
		if pl.Metrics != nil {
			pl.Metrics.RecordRetry(r.Context(), up.Service)
		}
		rc = next
	}
	rc.Log.Warn("retries exhausted")
	writeErrorEnvelope(w, http.StatusServiceUnavailable, "proxy_retries_exhausted",
		"the upstream kept rate limiting this request", nil)
}

// forward sends the transformed body upstream with provider auth applied.
func (s *Server) forward(r *http.Request, rc *pipeline.RequestContext, up Upstream, headers map[string]string) (*http.Response, error) {
	body := rc.Body
	if rc.Key.RequiresPreamble && rc.OutboundAPI == llmapi.APIAnthropic {
		body = ensureHumanPreamble(body)
	}

	target, err := upstreamURL(up, rc)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, rc.Key)
	return s.client.Do(req)
}

// upstreamURL builds the provider endpoint for the outbound dialect. Google
// targets embed the model in the path and the key as a query parameter.
func upstreamURL(up Upstream, rc *pipeline.RequestContext) (string, error) {
	base := strings.TrimSuffix(up.BaseURL, "/")
	switch rc.OutboundAPI {
	case llmapi.APIOpenAI, llmapi.APIMistralAI:
		return base + "/v1/chat/completions", nil
	case llmapi.APIOpenAIText:
		return base + "/v1/completions", nil
	case llmapi.APIOpenAIImage:
		return base + "/v1/images/generations", nil
	case llmapi.APIAnthropic:
		return base + "/v1/complete", nil
	case llmapi.APIGoogleAI:
		model := gjson.GetBytes(rc.Body, "model").String()
		method := "generateContent"
		if rc.IsStreaming {
			method = "streamGenerateContent"
		}
		return fmt.Sprintf("%s/v1beta/models/%s:%s?key=%s",
			base, url.PathEscape(model), method, url.QueryEscape(rc.Key.Secret)), nil
	default:
		return "", fmt.Errorf("no upstream endpoint for dialect %s", rc.OutboundAPI)
	}
}

// applyAuth sets the provider's credential header. Google keys travel as a
// query parameter and are handled in upstreamURL.
func applyAuth(req *http.Request, key keypool.Key) {
	switch key.Service {
	case llmapi.ServiceAnthropic:
		req.Header.Set("x-api-key", key.Secret)
	case llmapi.ServiceAzure:
		req.Header.Set("api-key", key.Secret)
	case llmapi.ServiceGoogleAI:
	default:
		req.Header.Set("Authorization", "Bearer "+key.Secret)
	}
}

// ensureHumanPreamble prepends the opening Human turn some Anthropic keys
// insist on.
func ensureHumanPreamble(body []byte) []byte {
	prompt := gjson.GetBytes(body, "prompt").String()
	if strings.HasPrefix(prompt, "\n\nHuman:") {
		return body
	}
	out, err := sjson.SetBytes(body, "prompt", "\n\nHuman: "+strings.TrimPrefix(prompt, "\n\n"))
	if err != nil {
		return body
	}
	return out
}

// extractPromptText pulls the logged prompt out of a transformed body.
func extractPromptText(api llmapi.API, body []byte) string {
	switch api {
	case llmapi.APIAnthropic, llmapi.APIOpenAIText, llmapi.APIOpenAIImage:
		return gjson.GetBytes(body, "prompt").String()
	case llmapi.APIOpenAI, llmapi.APIMistralAI:
		var sb strings.Builder
		for _, m := range gjson.GetBytes(body, "messages").Array() {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(m.Get("role").String())
			sb.WriteString(": ")
			sb.WriteString(m.Get("content").String())
		}
		return sb.String()
	case llmapi.APIGoogleAI:
		var sb strings.Builder
		for _, c := range gjson.GetBytes(body, "contents").Array() {
			for _, p := range c.Get("parts").Array() {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(p.Get("text").String())
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, _ := strings.CutPrefix(auth, "Bearer ")
	return token
}

// writeTransformError maps transformer failures onto the client error shapes.
func writeTransformError(w http.ResponseWriter, err error) {
	var verr *apischema.ValidationError
	if errors.As(err, &verr) {
		writeErrorEnvelope(w, http.StatusBadRequest, "proxy_validation_error",
			verr.Error(), verr.Issues)
		return
	}
	var uerr *translator.UnsupportedConversionError
	if errors.As(err, &uerr) {
		writeErrorEnvelope(w, http.StatusBadRequest, "proxy_rewriter_error", uerr.Error(), nil)
		return
	}
	writeErrorEnvelope(w, http.StatusInternalServerError, "proxy_rewriter_error", err.Error(), nil)
}

func writeErrorEnvelope(w http.ResponseWriter, status int, errType, message string, issues []apischema.Issue) {
	detail := map[string]any{
		"type":    errType,
		"message": message,
	}
	if len(issues) > 0 {
		detail["issues"] = issues
	}
	body, _ := json.Marshal(map[string]any{
		"error":      detail,
		"proxy_note": message,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
