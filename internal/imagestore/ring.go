// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package imagestore mirrors generated images to local assets and keeps an
// in-memory history of what was generated.
package imagestore

import "sync/atomic"

// RingCapacity is the fixed size of the image history.
const RingCapacity = 10000

// HistoryEntry records one mirrored image. Token carries only the last five
// characters of the caller's token.
type HistoryEntry struct {
	URL         string `json:"url"`
	Prompt      string `json:"prompt"`
	InputPrompt string `json:"inputPrompt"`
	Token       string `json:"token,omitempty"`
}

// Ring is a fixed-capacity overwrite-in-place history. Writers never block
// readers: entries are stored as whole pointers and the cursor advances
// atomically, so a reader sees either an old or a new entry at each slot,
// never a torn one.
type Ring struct {
	entries []atomic.Pointer[HistoryEntry]
	cursor  atomic.Uint64
}

// NewRing builds an empty history ring.
func NewRing() *Ring {
	return &Ring{entries: make([]atomic.Pointer[HistoryEntry], RingCapacity)}
}

// Add appends an entry, overwriting the oldest slot once full.
func (r *Ring) Add(e HistoryEntry) {
	slot := (r.cursor.Add(1) - 1) % uint64(len(r.entries))
	r.entries[slot].Store(&e)
}

// LastN returns up to n most recent entries in chronological order.
func (r *Ring) LastN(n int) []HistoryEntry {
	if n <= 0 {
		return nil
	}
	if n > len(r.entries) {
		n = len(r.entries)
	}
	cursor := r.cursor.Load()
	out := make([]HistoryEntry, 0, n)
	for i := 0; i < len(r.entries) && len(out) < n; i++ {
		if uint64(i) >= cursor {
			break
		}
		slot := (cursor - 1 - uint64(i)) % uint64(len(r.entries))
		e := r.entries[slot].Load()
		if e == nil {
			break
		}
		out = append(out, *e)
	}
	// Walked newest-first; restore chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
