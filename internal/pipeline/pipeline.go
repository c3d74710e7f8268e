// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pipeline executes the per-response handler chain: decode or stream
// the upstream body, apply the provider error policy, account tokens and
// usage, mirror generated images, and emit log events. Handlers run strictly
// in order; the typed errors in package proxyerr short-circuit the chain.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/keypool"
	"github.com/modelrelay/modelrelay/internal/llmapi"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/proxyerr"
)

// RequestContext is the mutable state of one request attempt. It is owned by
// the caller's HTTP handler and mutated by the transformer and the pipeline.
// The ID is stable across retries; re-enqueueing bumps RetryCount only.
type RequestContext struct {
	ID          string
	InboundAPI  llmapi.API
	OutboundAPI llmapi.API
	Service     llmapi.Service
	// Body is the current payload, post-transform.
	Body        []byte
	IsStreaming bool
	RetryCount  int
	Key         keypool.Key
	// UserToken identifies the caller for image history attribution.
	UserToken string
	// Prompt is the flattened prompt text, kept for logging and token counts.
	Prompt           string
	PromptTokens     int
	OutputTokens     int
	TokenizerInfo    string
	AnthropicVersion string
	Log              *slog.Logger
}

// Queue re-enqueues requests the error policy decided to retry and refunds
// attempts that should not count against the caller.
type Queue interface {
	Reenqueue(rc *RequestContext) error
	RefundLastAttempt(rc *RequestContext)
}

// TokenCounter counts tokens for usage accounting. Implementations may block
// on an external tokenizer.
type TokenCounter interface {
	CountTokens(ctx context.Context, service llmapi.Service, model, text string) (int, error)
}

// PromptLog is one prompt/completion pair recorded after a response resolves.
type PromptLog struct {
	RequestID    string
	Model        string
	InboundAPI   llmapi.API
	OutboundAPI  llmapi.API
	Prompt       string
	Completion   string
	PromptTokens int
	OutputTokens int
}

// PromptSink receives prompt logs. Enqueueing may block.
type PromptSink interface {
	LogPrompt(ctx context.Context, entry PromptLog) error
}

// EventSink receives per-response structured events.
type EventSink interface {
	LogEvent(ctx context.Context, rc *RequestContext, statusCode int) error
}

// ImageMirror persists generated images locally and rewrites the response to
// point at the proxy's asset host.
type ImageMirror interface {
	MirrorImages(ctx context.Context, rc *RequestContext, body []byte) ([]byte, error)
}

// Handler is one post-processing step. Handlers observe and mutate the
// decoded result; once any handler has written to the client, later handlers
// must not write.
type Handler func(ctx context.Context, rc *RequestContext, res *upstreamResult, rw *responseWriter) error

// Pipeline wires the handler chain to its collaborators.
type Pipeline struct {
	Pool    keypool.Pool
	Queue   Queue
	Counter TokenCounter
	Prompts PromptSink
	Events  EventSink
	Images  ImageMirror
	Metrics *metrics.ProxyMetrics
	Logger  *slog.Logger
	// Middleware runs after the built-in blocking handlers.
	Middleware []Handler
}

// upstreamResult is the decoded upstream response threaded through the
// post handlers.
type upstreamResult struct {
	status int
	header http.Header
	// body is the decoded payload; JSON bodies are re-marshaled bytes.
	body   []byte
	isJSON bool
	// streamed marks bodies rebuilt by the aggregator; the client response
	// has already been written and ended.
	streamed bool
	// completionText caches the extracted completion for token counting.
	completionText string
}

// HandleResponse runs the full response pipeline for one upstream response.
// It always resolves: every control-flow error is absorbed here.
func (p *Pipeline) HandleResponse(ctx context.Context, rc *RequestContext, upstream *http.Response, w http.ResponseWriter) {
	rw := newResponseWriter(w)
	err := p.run(ctx, rc, upstream, rw)
	if err == nil {
		return
	}

	var retryable *proxyerr.RetryableError
	if errors.As(err, &retryable) {
		// The request is back on the queue; nothing may be written.
		rc.Log.Info("attempt re-enqueued", slog.String("reason", retryable.Reason))
		return
	}
	var httpErr *proxyerr.HTTPError
	if errors.As(err, &httpErr) {
		// The reply was written by the error policy; just account it.
		rc.Log.Info("request terminated",
			slog.Int("statusCode", httpErr.StatusCode),
			slog.String("message", httpErr.Message))
		return
	}

	rc.Log.Error("response pipeline failed", slog.String("error", err.Error()))
	if rw.headersSent {
		return
	}
	writeJSONError(rw, http.StatusInternalServerError, "proxy_internal_error", err.Error())
}

func (p *Pipeline) run(ctx context.Context, rc *RequestContext, upstream *http.Response, rw *responseWriter) error {
	var res *upstreamResult
	var err error
	if rc.IsStreaming {
		res, err = p.streamResponse(ctx, rc, upstream, rw)
	} else {
		res, err = p.decodeBlocking(ctx, rc, upstream, rw)
	}
	if err != nil {
		return err
	}

	for _, h := range p.postHandlers(rc) {
		if err := h(ctx, rc, res, rw); err != nil {
			return err
		}
	}

	if !res.streamed && !rw.headersSent {
		rw.Header().Set("Content-Type", contentTypeFor(res))
		rw.WriteHeader(res.status)
		if _, err := rw.Write(res.body); err != nil {
			return err
		}
	}
	return nil
}

// postHandlers builds the ordered handler list. The streaming list excludes
// every handler that writes to the response: the stream owns the connection.
func (p *Pipeline) postHandlers(rc *RequestContext) []Handler {
	if rc.IsStreaming {
		return []Handler{
			p.trackKeyRateLimit,
			p.countResponseTokens,
			p.incrementUsage,
			p.logPrompt,
			p.logEvent,
		}
	}
	handlers := []Handler{
		p.trackKeyRateLimit,
		p.injectProxyInfo,
		p.handleUpstreamErrors,
		p.countResponseTokens,
		p.incrementUsage,
		p.copyHTTPHeaders,
		p.saveImage,
		p.logPrompt,
		p.logEvent,
	}
	return append(handlers, p.Middleware...)
}

func contentTypeFor(res *upstreamResult) string {
	if res.isJSON {
		return "application/json"
	}
	if ct := res.header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "text/plain; charset=utf-8"
}

// writeJSONError writes a proxy-originated error envelope.
func writeJSONError(rw *responseWriter, status int, errType, message string) {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_, _ = rw.Write(body)
}

// responseWriter tracks whether headers were sent so no handler double-writes.
type responseWriter struct {
	http.ResponseWriter
	headersSent bool
	status      int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w}
}

func (w *responseWriter) WriteHeader(code int) {
	if w.headersSent {
		return
	}
	w.headersSent = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.headersSent {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
