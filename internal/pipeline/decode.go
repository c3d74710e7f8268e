// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/modelrelay/modelrelay/internal/proxyerr"
)

// maxBlockingBodyBytes bounds how much of an upstream body the blocking
// decoder will buffer.
const maxBlockingBodyBytes = 32 << 20

// decodeBlocking buffers and decompresses the upstream body. JSON bodies are
// normalized through a round-trip so later handlers can rely on well-formed
// bytes; anything else passes through as-is.
func (p *Pipeline) decodeBlocking(ctx context.Context, rc *RequestContext, upstream *http.Response, rw *responseWriter) (*upstreamResult, error) {
	defer upstream.Body.Close()

	reader, err := contentDecoder(upstream.Body, upstream.Header.Get("Content-Encoding"))
	if err != nil {
		writeJSONError(rw, http.StatusInternalServerError, "proxy_decode_error", err.Error())
		return nil, &proxyerr.HTTPError{StatusCode: http.StatusInternalServerError, Message: err.Error()}
	}
	raw, err := io.ReadAll(io.LimitReader(reader, maxBlockingBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream body: %w", err)
	}

	res := &upstreamResult{
		status: upstream.StatusCode,
		header: upstream.Header,
		body:   raw,
	}
	if strings.Contains(upstream.Header.Get("Content-Type"), "application/json") {
		var obj json.RawMessage
		if err := json.Unmarshal(raw, &obj); err == nil {
			res.body = obj
			res.isJSON = true
		}
	}
	return res, nil
}

// contentDecoder wraps r with the decompressor matching the upstream's
// Content-Encoding header.
func contentDecoder(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, nil
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, nil
	case "deflate":
		return flate.NewReader(r), nil
	case "br":
		return brotli.NewReader(r), nil
	default:
		return nil, fmt.Errorf("unsupported content-encoding %q", encoding)
	}
}
