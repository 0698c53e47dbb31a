package sse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameEncodeFullFrame(t *testing.T) {
	frame := Frame{
		ID:    "n-123",
		Event: EventNotification,
		Data:  map[string]any{"title": "Welcome"},
	}

	out, err := frame.Encode()
	require.NoError(t, err)

	text := string(out)
	require.Equal(t, "id: n-123\nevent: notification\ndata: {\"title\":\"Welcome\"}\n\n", text)
}

func TestFrameEncodeOmitsEmptyFields(t *testing.T) {
	out, err := Frame{Data: "plain"}.Encode()
	require.NoError(t, err)
	require.Equal(t, "data: plain\n\n", string(out))

	out, err = Frame{Event: "ping"}.Encode()
	require.NoError(t, err)
	require.Equal(t, "event: ping\n\n", string(out))
}

func TestFrameEncodeStringPayloadNotReencoded(t *testing.T) {
	out, err := Frame{Data: `{"already":"json"}`}.Encode()
	require.NoError(t, err)
	require.Equal(t, "data: {\"already\":\"json\"}\n\n", string(out))
}

func TestFrameEncodeUnmarshalablePayload(t *testing.T) {
	_, err := Frame{Data: make(chan int)}.Encode()
	require.Error(t, err)
	require.Contains(t, err.Error(), "encode frame data")
}

func TestCommentFrameIsNotAnEvent(t *testing.T) {
	out := Comment("heartbeat")
	require.Equal(t, ": heartbeat\n\n", string(out))
	require.True(t, strings.HasPrefix(string(out), ":"), "comment frames start with a colon")
	require.NotContains(t, string(out), "data:")
	require.NotContains(t, string(out), "event:")
}
