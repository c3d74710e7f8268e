// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"fmt"
	"log/slog"

	"github.com/modelrelay/modelrelay/internal/pipeline"
)

// requestQueue is the request-scoped retry queue the error policy re-enqueues
// into. One attempt is in flight at a time, so capacity one suffices.
type requestQueue struct {
	logger  *slog.Logger
	pending chan *pipeline.RequestContext
}

func newRequestQueue(logger *slog.Logger) *requestQueue {
	return &requestQueue{
		logger:  logger,
		pending: make(chan *pipeline.RequestContext, 1),
	}
}

// Reenqueue implements [pipeline.Queue]. The context keeps its identity;
// only RetryCount advances.
func (q *requestQueue) Reenqueue(rc *pipeline.RequestContext) error {
	rc.RetryCount++
	select {
	case q.pending <- rc:
		return nil
	default:
		return fmt.Errorf("attempt already queued for request %s", rc.ID)
	}
}

// RefundLastAttempt implements [pipeline.Queue]. The reference gateway has
// no billing ledger; the refund is recorded for operators.
func (q *requestQueue) RefundLastAttempt(rc *pipeline.RequestContext) {
	q.logger.Info("attempt refunded", slog.String("requestID", rc.ID))
}

// next pops the re-enqueued context, if any.
func (q *requestQueue) next() (*pipeline.RequestContext, bool) {
	select {
	case rc := <-q.pending:
		return rc, true
	default:
		return nil, false
	}
}
