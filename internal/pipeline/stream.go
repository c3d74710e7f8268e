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
	"net/http"

	"github.com/modelrelay/modelrelay/internal/proxyerr"
	"github.com/modelrelay/modelrelay/internal/streaming"
)

const streamReadBufferSize = 8 << 10

// streamResponse pipes the upstream body through the stream adapter and the
// message transformer, writing to the client as events arrive and feeding
// the aggregator. It returns the aggregated final completion so the
// accounting handlers see the same shape as a blocking response.
func (p *Pipeline) streamResponse(ctx context.Context, rc *RequestContext, upstream *http.Response, rw *responseWriter) (*upstreamResult, error) {
	// Upstream refused the stream: fall back to the blocking path so the
	// error policy can inspect the body.
	if upstream.StatusCode > 201 {
		rc.IsStreaming = false
		return p.decodeBlocking(ctx, rc, upstream, rw)
	}
	defer upstream.Body.Close()

	// The queueing layer may have opened the stream already for heartbeats.
	if !rw.headersSent {
		h := rw.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		rw.WriteHeader(http.StatusOK)
		rw.flush()
	}

	adapter, err := streaming.NewAdapter(rc.Service, upstream.Header.Get("Content-Type"))
	if err != nil {
		return nil, p.failStream(rc, rw, err)
	}
	transformer := streaming.NewMessageTransformer(rc.OutboundAPI, rc.AnthropicVersion)
	agg := streaming.NewAggregator(rc.OutboundAPI)
	passthrough := rc.InboundAPI == rc.OutboundAPI

	emit := func(msgs []string) error {
		for _, msg := range msgs {
			ev, done, err := transformer.Transform(msg)
			if err != nil {
				return err
			}
			agg.Add(ev)
			if passthrough {
				if _, err := io.WriteString(rw, msg+"\n\n"); err != nil {
					return err
				}
			} else if ev != nil {
				reframed, err := streaming.ReframeEvent(rc.InboundAPI, ev)
				if err != nil {
					return err
				}
				if _, err := rw.Write(append(append([]byte("data: "), reframed...), '\n', '\n')); err != nil {
					return err
				}
			}
			rw.flush()
			if done && passthrough {
				return nil
			}
		}
		return nil
	}

	buf := make([]byte, streamReadBufferSize)
	for {
		n, readErr := upstream.Body.Read(buf)
		if n > 0 {
			msgs, err := adapter.Feed(buf[:n])
			if err != nil {
				return nil, p.failStream(rc, rw, err)
			}
			if err := emit(msgs); err != nil {
				return nil, p.failStream(rc, rw, err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, p.failStream(rc, rw, fmt.Errorf("upstream stream read failed: %w", readErr))
		}
		if err := ctx.Err(); err != nil {
			return nil, p.failStream(rc, rw, err)
		}
	}

	tail, err := adapter.End()
	if err != nil {
		return nil, p.failStream(rc, rw, err)
	}
	if err := emit(tail); err != nil {
		return nil, p.failStream(rc, rw, err)
	}
	if !passthrough {
		if _, err := io.WriteString(rw, streaming.DoneSentinel+"\n\n"); err != nil {
			return nil, err
		}
		rw.flush()
	}

	final, err := agg.FinalResponse()
	if err != nil {
		return nil, err
	}
	rc.Log.Debug("stream complete")
	return &upstreamResult{
		status:         http.StatusOK,
		header:         upstream.Header,
		body:           final,
		isJSON:         true,
		streamed:       true,
		completionText: agg.Text(),
	}, nil
}

// failStream resolves a mid-stream failure. Retryable errors re-enqueue the
// request so the next attempt continues on the already-open client stream; a
// refused re-enqueue falls through to the terminal path. Anything else
// becomes a synthetic error event followed by the terminal sentinel, and the
// original error is re-raised.
func (p *Pipeline) failStream(rc *RequestContext, rw *responseWriter, err error) error {
	var retryable *proxyerr.RetryableError
	if errors.As(err, &retryable) {
		if qerr := p.Queue.Reenqueue(rc); qerr == nil {
			return err
		}
		err = fmt.Errorf("re-enqueue refused: %w", err)
	}
	_, _ = io.WriteString(rw, streaming.ErrorEvent(rc.OutboundAPI, "The stream ended unexpectedly. The completion so far is preserved above.")+"\n\n")
	_, _ = io.WriteString(rw, streaming.DoneSentinel+"\n\n")
	rw.flush()
	return fmt.Errorf("stream failed after headers sent: %w", err)
}
