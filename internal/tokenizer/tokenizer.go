// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tokenizer counts tokens for usage accounting. OpenAI-family models
// use their exact BPE; other providers are approximated with cl100k_base,
// which is close enough for quota tracking.
package tokenizer

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/modelrelay/modelrelay/internal/llmapi"
)

const fallbackEncoding = "cl100k_base"

// Counter is a caching token counter. Safe for concurrent use.
type Counter struct {
	mu       sync.Mutex
	byModel  map[string]*tiktoken.Tiktoken
	fallback *tiktoken.Tiktoken
}

// NewCounter builds a Counter with the fallback encoding preloaded.
func NewCounter() (*Counter, error) {
	fallback, err := tiktoken.GetEncoding(fallbackEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", fallbackEncoding, err)
	}
	return &Counter{
		byModel:  make(map[string]*tiktoken.Tiktoken),
		fallback: fallback,
	}, nil
}

// CountTokens returns the token count of text for the given service and
// model.
func (c *Counter) CountTokens(ctx context.Context, service llmapi.Service, model, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	enc := c.encoderFor(service, model)
	return len(enc.Encode(text, nil, nil)), nil
}

func (c *Counter) encoderFor(service llmapi.Service, model string) *tiktoken.Tiktoken {
	if service != llmapi.ServiceOpenAI && service != llmapi.ServiceAzure {
		return c.fallback
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.byModel[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc = c.fallback
	}
	c.byModel[model] = enc
	return enc
}
