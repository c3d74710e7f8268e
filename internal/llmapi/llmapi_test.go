// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package llmapi

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAPIValid(t *testing.T) {
	for _, a := range APIs {
		require.True(t, a.Valid(), a)
	}
	require.False(t, API("").Valid())
	require.False(t, API("cohere").Valid())
}

func TestParseAPI(t *testing.T) {
	a, err := ParseAPI("openai-text")
	require.NoError(t, err)
	require.Equal(t, APIOpenAIText, a)

	_, err = ParseAPI("not-a-dialect")
	require.ErrorContains(t, err, "unknown API dialect")
}

func TestServiceValid(t *testing.T) {
	for _, s := range []Service{ServiceOpenAI, ServiceAnthropic, ServiceAWS, ServiceAzure, ServiceGoogleAI, ServiceMistralAI} {
		require.True(t, s.Valid(), s)
	}
	require.False(t, Service("replicate").Valid())
}
