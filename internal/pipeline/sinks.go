// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"context"
	"log/slog"
)

// SlogPromptSink logs prompt/completion pairs through slog. Prompt text is
// truncated so a single request cannot flood the log.
type SlogPromptSink struct {
	Logger *slog.Logger
	// MaxTextLen truncates logged prompt and completion text; zero means 512.
	MaxTextLen int
}

// LogPrompt implements [PromptSink].
func (s *SlogPromptSink) LogPrompt(ctx context.Context, entry PromptLog) error {
	limit := s.MaxTextLen
	if limit <= 0 {
		limit = 512
	}
	s.Logger.InfoContext(ctx, "prompt served",
		slog.String("requestID", entry.RequestID),
		slog.String("model", entry.Model),
		slog.String("inbound", string(entry.InboundAPI)),
		slog.String("outbound", string(entry.OutboundAPI)),
		slog.String("prompt", truncate(entry.Prompt, limit)),
		slog.String("completion", truncate(entry.Completion, limit)),
		slog.Int("promptTokens", entry.PromptTokens),
		slog.Int("outputTokens", entry.OutputTokens))
	return nil
}

// SlogEventSink logs per-response events through slog.
type SlogEventSink struct {
	Logger *slog.Logger
}

// LogEvent implements [EventSink].
func (s *SlogEventSink) LogEvent(ctx context.Context, rc *RequestContext, statusCode int) error {
	s.Logger.InfoContext(ctx, "response resolved",
		slog.String("requestID", rc.ID),
		slog.String("service", string(rc.Service)),
		slog.Int("statusCode", statusCode),
		slog.Int("retryCount", rc.RetryCount),
		slog.Bool("streaming", rc.IsStreaming),
		slog.String("keyHash", rc.Key.Hash))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
