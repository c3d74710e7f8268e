// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/modelrelay/modelrelay/internal/keypool"
	"github.com/modelrelay/modelrelay/internal/llmapi"
	"github.com/modelrelay/modelrelay/internal/proxyerr"
)

// fakePool records the lifecycle transitions the error policy requests.
type fakePool struct {
	disabled    map[string]keypool.DisableReason
	rateLimited map[string]int
	updates     []keypool.Update
	usage       int
}

func newFakePool() *fakePool {
	return &fakePool{
		disabled:    map[string]keypool.DisableReason{},
		rateLimited: map[string]int{},
	}
}

func (f *fakePool) Lease(llmapi.Service) (keypool.Key, error) {
	return keypool.Key{}, errors.New("not implemented")
}
func (f *fakePool) Disable(hash string, reason keypool.DisableReason) { f.disabled[hash] = reason }
func (f *fakePool) MarkRateLimited(hash string)                       { f.rateLimited[hash]++ }
func (f *fakePool) Update(_ string, u keypool.Update)                 { f.updates = append(f.updates, u) }
func (f *fakePool) IncrementUsage(string, int, int)                   { f.usage++ }

// fakeQueue accepts or refuses re-enqueues and counts refunds.
type fakeQueue struct {
	reenqueued int
	refunds    int
	refuse     bool
}

func (q *fakeQueue) Reenqueue(*RequestContext) error {
	if q.refuse {
		return errors.New("retry budget exhausted")
	}
	q.reenqueued++
	return nil
}
func (q *fakeQueue) RefundLastAttempt(*RequestContext) { q.refunds++ }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestContext(service llmapi.Service) *RequestContext {
	return &RequestContext{
		ID:          "req-1",
		Service:     service,
		InboundAPI:  llmapi.APIOpenAI,
		OutboundAPI: llmapi.APIOpenAI,
		Body:        []byte(`{"model":"gpt-4"}`),
		Key:         keypool.Key{Hash: "k1", Service: service},
		Log:         discardLogger(),
	}
}

func runErrorPolicy(t *testing.T, service llmapi.Service, status int, body string) (*fakePool, *fakeQueue, *httptest.ResponseRecorder, error) {
	t.Helper()
	pool := newFakePool()
	queue := &fakeQueue{}
	p := &Pipeline{Pool: pool, Queue: queue, Logger: discardLogger()}
	rc := newTestContext(service)
	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)
	res := &upstreamResult{status: status, header: http.Header{}, body: []byte(body), isJSON: true}
	err := p.handleUpstreamErrors(context.Background(), rc, res, rw)
	return pool, queue, rec, err
}

func TestHandleUpstreamErrors_PassThroughBelow400(t *testing.T) {
	pool, queue, rec, err := runErrorPolicy(t, llmapi.ServiceOpenAI, http.StatusOK, `{"ok":true}`)
	require.NoError(t, err)
	require.Empty(t, pool.disabled)
	require.Zero(t, queue.reenqueued)
	require.Empty(t, rec.Body.Bytes())
}

func TestHandleUpstreamErrors_DecisionTable(t *testing.T) {
	tests := []struct {
		name    string
		service llmapi.Service
		status  int
		body    string

		wantDisable     keypool.DisableReason
		wantRateLimited bool
		wantRetry       bool
		wantRefund      bool
		wantUpdate      func(*testing.T, []keypool.Update)
		wantNote        string
	}{
		{
			name:        "401 disables revoked",
			service:     llmapi.ServiceOpenAI,
			status:      http.StatusUnauthorized,
			body:        `{"error":{"type":"invalid_request_error","message":"Incorrect API key provided"}}`,
			wantDisable: keypool.DisableReasonRevoked,
			wantNote:    "removed from rotation",
		},
		{
			name:       "openai moderation refunds",
			service:    llmapi.ServiceOpenAI,
			status:     http.StatusBadRequest,
			body:       `{"error":{"code":"content_policy_violation","message":"flagged"}}`,
			wantRefund: true,
			wantNote:   "was not billed",
		},
		{
			name:       "azure content filter refunds",
			service:    llmapi.ServiceAzure,
			status:     http.StatusBadRequest,
			body:       `{"error":{"code":"content_filter","message":"filtered"}}`,
			wantRefund: true,
			wantNote:   "was not billed",
		},
		{
			name:        "openai billing hard limit routes to quota",
			service:     llmapi.ServiceOpenAI,
			status:      http.StatusBadRequest,
			body:        `{"error":{"type":"insufficient_quota","code":"billing_hard_limit_reached","message":"hard limit"}}`,
			wantDisable: keypool.DisableReasonQuota,
			wantNote:    "out of quota",
		},
		{
			name:      "anthropic missing preamble flags key and retries",
			service:   llmapi.ServiceAnthropic,
			status:    http.StatusBadRequest,
			body:      `{"error":{"type":"invalid_request_error","message":"prompt must start with \"\n\nHuman:\" turn"}}`,
			wantRetry: true,
			wantUpdate: func(t *testing.T, updates []keypool.Update) {
				require.Len(t, updates, 1)
				require.NotNil(t, updates[0].RequiresPreamble)
				require.True(t, *updates[0].RequiresPreamble)
			},
		},
		{
			name:        "anthropic credit exhausted disables quota",
			service:     llmapi.ServiceAnthropic,
			status:      http.StatusBadRequest,
			body:        `{"error":{"type":"invalid_request_error","message":"Your credit balance is too low to access the API"}}`,
			wantDisable: keypool.DisableReasonQuota,
			wantNote:    "out of quota",
		},
		{
			name:        "anthropic org disabled revokes",
			service:     llmapi.ServiceAnthropic,
			status:      http.StatusBadRequest,
			body:        `{"error":{"type":"invalid_request_error","message":"Your organization has been disabled."}}`,
			wantDisable: keypool.DisableReasonRevoked,
			wantNote:    "removed from rotation",
		},
		{
			name:      "anthropic multimodal permission flags key and retries",
			service:   llmapi.ServiceAnthropic,
			status:    http.StatusForbidden,
			body:      `{"error":{"type":"permission_error","message":"this key is not authorized for multimodal input"}}`,
			wantRetry: true,
			wantUpdate: func(t *testing.T, updates []keypool.Update) {
				require.Len(t, updates, 1)
				require.NotNil(t, updates[0].AllowsMultimodality)
				require.False(t, *updates[0].AllowsMultimodality)
			},
		},
		{
			name:        "anthropic other 403 revokes",
			service:     llmapi.ServiceAnthropic,
			status:      http.StatusForbidden,
			body:        `{"error":{"type":"forbidden","message":"nope"}}`,
			wantDisable: keypool.DisableReasonRevoked,
		},
		{
			name:        "aws unrecognized client revokes",
			service:     llmapi.ServiceAWS,
			status:      http.StatusForbidden,
			body:        `{"__type":"com.amazon.coral.service#UnrecognizedClientException","message":"bad sig"}`,
			wantDisable: keypool.DisableReasonRevoked,
		},
		{
			name:     "aws access denied for model keeps key",
			service:  llmapi.ServiceAWS,
			status:   http.StatusForbidden,
			body:     `{"__type":"AccessDeniedException","message":"You don't have access to the specified model ID."}`,
			wantNote: "may not exist",
		},
		{
			name:        "aws access denied otherwise revokes",
			service:     llmapi.ServiceAWS,
			status:      http.StatusForbidden,
			body:        `{"__type":"AccessDeniedException","message":"operation not allowed"}`,
			wantDisable: keypool.DisableReasonRevoked,
		},
		{
			name:        "openai insufficient quota disables",
			service:     llmapi.ServiceOpenAI,
			status:      http.StatusTooManyRequests,
			body:        `{"error":{"type":"insufficient_quota","message":"quota exceeded"}}`,
			wantDisable: keypool.DisableReasonQuota,
		},
		{
			name:        "openai access terminated revokes",
			service:     llmapi.ServiceOpenAI,
			status:      http.StatusTooManyRequests,
			body:        `{"error":{"type":"access_terminated","message":"bye"}}`,
			wantDisable: keypool.DisableReasonRevoked,
		},
		{
			name:            "openai per-day limit replies",
			service:         llmapi.ServiceOpenAI,
			status:          http.StatusTooManyRequests,
			body:            `{"error":{"type":"requests","message":"Rate limit reached on requests per day"}}`,
			wantRateLimited: true,
			wantNote:        "per-day rate limit",
		},
		{
			name:            "openai per-minute limit retries",
			service:         llmapi.ServiceOpenAI,
			status:          http.StatusTooManyRequests,
			body:            `{"error":{"type":"tokens","message":"Rate limit reached on tokens per min"}}`,
			wantRateLimited: true,
			wantRetry:       true,
		},
		{
			name:            "anthropic rate limit retries",
			service:         llmapi.ServiceAnthropic,
			status:          http.StatusTooManyRequests,
			body:            `{"error":{"type":"rate_limit_error","message":"slow down"}}`,
			wantRateLimited: true,
			wantRetry:       true,
		},
		{
			name:            "aws throttling retries",
			service:         llmapi.ServiceAWS,
			status:          http.StatusTooManyRequests,
			body:            `{"__type":"com.amazonaws#ThrottlingException","message":"throttled"}`,
			wantRateLimited: true,
			wantRetry:       true,
		},
		{
			name:     "aws model not ready replies overloaded",
			service:  llmapi.ServiceAWS,
			status:   http.StatusTooManyRequests,
			body:     `{"__type":"ModelNotReadyException","message":"warming up"}`,
			wantNote: "overloaded",
		},
		{
			name:            "mistral 429 code retries",
			service:         llmapi.ServiceMistralAI,
			status:          http.StatusTooManyRequests,
			body:            `{"error":{"code":"429","message":"too many requests"}}`,
			wantRateLimited: true,
			wantRetry:       true,
		},
		{
			name:            "google resource exhausted retries",
			service:         llmapi.ServiceGoogleAI,
			status:          http.StatusTooManyRequests,
			body:            `{"error":{"status":"RESOURCE_EXHAUSTED","message":"quota"}}`,
			wantRateLimited: true,
			wantRetry:       true,
		},
		{
			name:     "openai model not found names the model",
			service:  llmapi.ServiceOpenAI,
			status:   http.StatusNotFound,
			body:     `{"error":{"code":"model_not_found","message":"unknown model"}}`,
			wantNote: `"gpt-4"`,
		},
		{
			name:     "unmapped status replies unrecognized",
			service:  llmapi.ServiceOpenAI,
			status:   http.StatusBadGateway,
			body:     `{"error":{"message":"upstream exploded"}}`,
			wantNote: "Unrecognized error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, queue, rec, err := runErrorPolicy(t, tt.service, tt.status, tt.body)

			if tt.wantDisable != "" {
				require.Equal(t, tt.wantDisable, pool.disabled["k1"])
			} else {
				require.Empty(t, pool.disabled)
			}
			if tt.wantRateLimited {
				require.Equal(t, 1, pool.rateLimited["k1"])
			} else {
				require.Zero(t, pool.rateLimited["k1"])
			}
			if tt.wantUpdate != nil {
				tt.wantUpdate(t, pool.updates)
			} else {
				require.Empty(t, pool.updates)
			}
			if tt.wantRefund {
				require.Equal(t, 1, queue.refunds)
			} else {
				require.Zero(t, queue.refunds)
			}

			if tt.wantRetry {
				var retryable *proxyerr.RetryableError
				require.ErrorAs(t, err, &retryable)
				require.Equal(t, 1, queue.reenqueued)
				// Nothing may be written once the request is back on the queue.
				require.Empty(t, rec.Body.Bytes())
				return
			}

			var httpErr *proxyerr.HTTPError
			require.ErrorAs(t, err, &httpErr)
			require.Equal(t, tt.status, httpErr.StatusCode)
			require.Equal(t, tt.status, rec.Code)
			if tt.wantNote != "" {
				note := gjson.GetBytes(rec.Body.Bytes(), "proxy_note").String()
				require.Contains(t, note, tt.wantNote)
			}
		})
	}
}

func TestHandleUpstreamErrors_UnparseableBody(t *testing.T) {
	pool := newFakePool()
	p := &Pipeline{Pool: pool, Queue: &fakeQueue{}, Logger: discardLogger()}
	rc := newTestContext(llmapi.ServiceOpenAI)
	rec := httptest.NewRecorder()
	res := &upstreamResult{status: http.StatusBadGateway, header: http.Header{}, body: []byte("<html>bad gateway</html>")}

	err := p.handleUpstreamErrors(context.Background(), rc, res, newResponseWriter(rec))
	var httpErr *proxyerr.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "proxy_upstream_error", gjson.GetBytes(rec.Body.Bytes(), "error.type").String())
}

func TestHandleUpstreamErrors_ReenqueueRefusalBecomes503(t *testing.T) {
	pool := newFakePool()
	p := &Pipeline{Pool: pool, Queue: &fakeQueue{refuse: true}, Logger: discardLogger()}
	rc := newTestContext(llmapi.ServiceAnthropic)
	rec := httptest.NewRecorder()
	res := &upstreamResult{
		status: http.StatusTooManyRequests,
		header: http.Header{},
		body:   []byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`),
		isJSON: true,
	}

	err := p.handleUpstreamErrors(context.Background(), rc, res, newResponseWriter(rec))
	var httpErr *proxyerr.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
}

func TestRedactOrgIDs(t *testing.T) {
	orgID := "org-abcdefghijklmnopqrstuvwx"
	body := []byte(fmt.Sprintf(`{"error":{"message":"Rate limit reached for %s on requests"}}`, orgID))

	redacted := redactOrgIDs(body)
	msg := gjson.GetBytes(redacted, "error.message").String()
	require.NotContains(t, msg, orgID)
	require.Contains(t, msg, "org-xxxxxxxxxxxxxxxxxxx")

	// Bodies without an error message pass through untouched.
	plain := []byte(`{"message":"no envelope here"}`)
	require.Equal(t, plain, redactOrgIDs(plain))
}

func TestParseUpstreamError(t *testing.T) {
	e := parseUpstreamError([]byte(`{"__type":"com.amazon.coral.service#ThrottlingException","message":"slow"}`))
	require.Equal(t, "ThrottlingException", e.awsType)
	require.Equal(t, "slow", e.message)

	e = parseUpstreamError([]byte(`{"error":{"type":"t","code":"c","message":"m","status":"RESOURCE_EXHAUSTED"}}`))
	require.Equal(t, "t", e.errType)
	require.Equal(t, "c", e.code)
	require.Equal(t, "m", e.message)
	require.Equal(t, "RESOURCE_EXHAUSTED", e.googleStatus)
}
