// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package proxyerr defines the typed control-flow errors that cross the
// response pipeline: the short-circuits every handler must propagate rather
// than swallow.
package proxyerr

import "fmt"

// RetryableError means the request has been scheduled for another attempt.
// No client response may be written once it is raised; the pipeline returns
// silently and the queue layer retries with retryCount incremented.
type RetryableError struct {
	Reason string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("request re-enqueued: %s", e.Reason)
}

// Retryable wraps a reason into a RetryableError.
func Retryable(format string, args ...any) error {
	return &RetryableError{Reason: fmt.Sprintf(format, args...)}
}

// HTTPError means a client-facing error response has already been written.
// The pipeline ends the response if still writable and stops; no handler may
// write again.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request terminated with status %d: %s", e.StatusCode, e.Message)
}
