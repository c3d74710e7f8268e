// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package keypool manages upstream provider credentials. The response
// pipeline only requests state transitions; the pool owns the lifecycle and
// every method is safe for concurrent use.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/llmapi"
)

// DisableReason records why a key was pulled from rotation.
type DisableReason string

const (
	// DisableReasonRevoked marks keys the provider no longer accepts.
	DisableReasonRevoked DisableReason = "revoked"
	// DisableReasonQuota marks keys that ran out of credit.
	DisableReasonQuota DisableReason = "quota"
)

// Key is a leased credential reference handed to one request attempt.
type Key struct {
	// Hash identifies the key in logs without exposing the secret.
	Hash    string
	Secret  string
	Service llmapi.Service
	// RequiresPreamble means the provider insists on a "\n\nHuman:" opening
	// turn; the prompt flattener prepends one on retry.
	RequiresPreamble bool
	// AllowsMultimodality is cleared when the provider rejects image parts
	// for this key.
	AllowsMultimodality bool
}

// Update carries partial capability-flag changes; nil fields are untouched.
type Update struct {
	RequiresPreamble    *bool
	AllowsMultimodality *bool
}

// Pool is the credential store surface the response pipeline depends on.
type Pool interface {
	// Lease picks an available key for the service. It returns an error when
	// every key is disabled or cooling down.
	Lease(service llmapi.Service) (Key, error)
	// Disable pulls a key from rotation permanently.
	Disable(hash string, reason DisableReason)
	// MarkRateLimited puts a key on cooldown.
	MarkRateLimited(hash string)
	// Update applies capability-flag changes.
	Update(hash string, u Update)
	// IncrementUsage adds one attempt's token counts to the key's totals.
	IncrementUsage(hash string, promptTokens, outputTokens int)
}

// RateLimitCooldown is how long a rate-limited key sits out of rotation.
const RateLimitCooldown = time.Minute

type keyState struct {
	key              Key
	disabled         bool
	disableReason    DisableReason
	rateLimitedUntil time.Time
	promptTokens     int64
	outputTokens     int64
}

// MemoryPool is an in-process Pool. Keys are leased round-robin per service
// so load spreads evenly across credentials.
type MemoryPool struct {
	logger *slog.Logger

	mu     sync.Mutex
	keys   map[string]*keyState
	order  map[llmapi.Service][]string
	cursor map[llmapi.Service]int
	now    func() time.Time
}

// NewMemoryPool builds a pool over the given secrets.
func NewMemoryPool(logger *slog.Logger, keys []Key) *MemoryPool {
	p := &MemoryPool{
		logger: logger,
		keys:   make(map[string]*keyState, len(keys)),
		order:  make(map[llmapi.Service][]string),
		cursor: make(map[llmapi.Service]int),
		now:    time.Now,
	}
	for _, k := range keys {
		if k.Hash == "" {
			k.Hash = HashSecret(k.Secret)
		}
		p.keys[k.Hash] = &keyState{key: k}
		p.order[k.Service] = append(p.order[k.Service], k.Hash)
	}
	return p
}

// HashSecret derives the log-safe identifier for a credential.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}

// Lease implements [Pool.Lease].
func (p *MemoryPool) Lease(service llmapi.Service) (Key, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hashes := p.order[service]
	if len(hashes) == 0 {
		return Key{}, fmt.Errorf("no keys configured for service %s", service)
	}
	now := p.now()
	start := p.cursor[service]
	for i := 0; i < len(hashes); i++ {
		hash := hashes[(start+i)%len(hashes)]
		st := p.keys[hash]
		if st.disabled || now.Before(st.rateLimitedUntil) {
			continue
		}
		p.cursor[service] = (start + i + 1) % len(hashes)
		return st.key, nil
	}
	return Key{}, fmt.Errorf("no keys available for service %s", service)
}

// Disable implements [Pool.Disable].
func (p *MemoryPool) Disable(hash string, reason DisableReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.keys[hash]
	if !ok || st.disabled {
		return
	}
	st.disabled = true
	st.disableReason = reason
	p.logger.Warn("disabled upstream key",
		slog.String("keyHash", hash),
		slog.String("service", string(st.key.Service)),
		slog.String("reason", string(reason)))
}

// MarkRateLimited implements [Pool.MarkRateLimited].
func (p *MemoryPool) MarkRateLimited(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.keys[hash]
	if !ok {
		return
	}
	st.rateLimitedUntil = p.now().Add(RateLimitCooldown)
	p.logger.Info("rate limited upstream key",
		slog.String("keyHash", hash),
		slog.Time("until", st.rateLimitedUntil))
}

// Update implements [Pool.Update].
func (p *MemoryPool) Update(hash string, u Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.keys[hash]
	if !ok {
		return
	}
	if u.RequiresPreamble != nil {
		st.key.RequiresPreamble = *u.RequiresPreamble
	}
	if u.AllowsMultimodality != nil {
		st.key.AllowsMultimodality = *u.AllowsMultimodality
	}
}

// IncrementUsage implements [Pool.IncrementUsage].
func (p *MemoryPool) IncrementUsage(hash string, promptTokens, outputTokens int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.keys[hash]
	if !ok {
		return
	}
	st.promptTokens += int64(promptTokens)
	st.outputTokens += int64(outputTokens)
}

// Usage reports a key's accumulated token totals.
func (p *MemoryPool) Usage(hash string) (promptTokens, outputTokens int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.keys[hash]
	if !ok {
		return 0, 0
	}
	return st.promptTokens, st.outputTokens
}
