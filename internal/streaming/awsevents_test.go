// Copyright ModelRelay Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package streaming

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/proxyerr"
)

// encodeChunkFrame wraps a completion payload the way Bedrock does: base64
// inside a JSON envelope inside a chunk event frame.
func encodeChunkFrame(t *testing.T, buf *bytes.Buffer, payload string) {
	t.Helper()
	e := eventstream.NewEncoder()
	envelope := []byte(`{"bytes":"` + base64.StdEncoding.EncodeToString([]byte(payload)) + `"}`)
	require.NoError(t, e.Encode(buf, eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("event")},
			{Name: ":event-type", Value: eventstream.StringValue("chunk")},
			{Name: ":content-type", Value: eventstream.StringValue("application/json")},
		},
		Payload: envelope,
	}))
}

func encodeExceptionFrame(t *testing.T, buf *bytes.Buffer, exceptionType string) {
	t.Helper()
	e := eventstream.NewEncoder()
	require.NoError(t, e.Encode(buf, eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("exception")},
			{Name: ":exception-type", Value: eventstream.StringValue(exceptionType)},
		},
		Payload: []byte(`{"message":"boom"}`),
	}))
}

func TestAWSEventStreamAdapter_ChunkFrames(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	encodeChunkFrame(t, buf, `{"completion":"Hel","stop_reason":null}`)
	encodeChunkFrame(t, buf, `{"completion":"lo","stop_reason":"stop_sequence"}`)

	a := NewAWSEventStreamAdapter()
	msgs, err := a.Feed(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, []string{
		`event: completion` + "\n" + `data: {"completion":"Hel","stop_reason":null}`,
		`event: completion` + "\n" + `data: {"completion":"lo","stop_reason":"stop_sequence"}`,
	}, msgs)

	tail, err := a.End()
	require.NoError(t, err)
	require.Empty(t, tail)
}

// A frame split across Feed calls must decode once the rest arrives.
func TestAWSEventStreamAdapter_PartialFrame(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	encodeChunkFrame(t, buf, `{"completion":"one"}`)
	encodeChunkFrame(t, buf, `{"completion":"two"}`)
	raw := buf.Bytes()

	for split := 1; split < len(raw); split++ {
		a := NewAWSEventStreamAdapter()
		first, err := a.Feed(raw[:split])
		require.NoError(t, err)
		second, err := a.Feed(raw[split:])
		require.NoError(t, err)
		require.Len(t, append(first, second...), 2, "split at %d", split)
	}
}

func TestAWSEventStreamAdapter_Throttling(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	encodeExceptionFrame(t, buf, "throttlingException")

	a := NewAWSEventStreamAdapter()
	_, err := a.Feed(buf.Bytes())
	var retryable *proxyerr.RetryableError
	require.ErrorAs(t, err, &retryable)
}

func TestAWSEventStreamAdapter_ExceptionBecomesSyntheticCompletion(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	encodeExceptionFrame(t, buf, "validationException")

	a := NewAWSEventStreamAdapter()
	msgs, err := a.Feed(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "event: completion")
	require.Contains(t, msgs[0], "**Proxy error:**")
	require.Contains(t, msgs[0], "validationException")
}
