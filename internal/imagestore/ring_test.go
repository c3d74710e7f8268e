// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package imagestore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRing_Empty(t *testing.T) {
	r := NewRing()
	require.Empty(t, r.LastN(10))
	require.Empty(t, r.LastN(0))
	require.Empty(t, r.LastN(-1))
}

func TestRing_LastNChronological(t *testing.T) {
	r := NewRing()
	for i := 1; i <= 5; i++ {
		r.Add(HistoryEntry{URL: fmt.Sprintf("u%d", i)})
	}

	got := r.LastN(3)
	require.Len(t, got, 3)
	require.Equal(t, "u3", got[0].URL)
	require.Equal(t, "u4", got[1].URL)
	require.Equal(t, "u5", got[2].URL)

	// Asking for more than stored returns everything.
	require.Len(t, r.LastN(50), 5)
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := NewRing()
	total := RingCapacity + 10
	for i := 1; i <= total; i++ {
		r.Add(HistoryEntry{URL: fmt.Sprintf("u%d", i)})
	}

	got := r.LastN(RingCapacity)
	require.Len(t, got, RingCapacity)
	require.Equal(t, fmt.Sprintf("u%d", total-RingCapacity+1), got[0].URL)
	require.Equal(t, fmt.Sprintf("u%d", total), got[len(got)-1].URL)
}

func TestRing_ConcurrentAdds(t *testing.T) {
	r := NewRing()
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 100; i++ {
				r.Add(HistoryEntry{URL: "u"})
			}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	require.Len(t, r.LastN(800), 800)
}
