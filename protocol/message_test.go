package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillhost-dev/skillhost/hosterr"
	"github.com/skillhost-dev/skillhost/protocol"
)

func Test_Decode_ClassifiesByFieldPresence(t *testing.T) {
	tests := []struct {
		name string
		line string
		want func(t *testing.T, msg protocol.Message)
	}{
		{
			name: "request",
			line: `{"id":7,"method":"invoke","params":{"task":"list files"}}`,
			want: func(t *testing.T, msg protocol.Message) {
				require.NotNil(t, msg.Request)
				assert.Equal(t, uint64(7), msg.Request.ID)
				assert.Equal(t, protocol.MethodInvoke, msg.Request.Method)
				assert.JSONEq(t, `{"task":"list files"}`, string(msg.Request.Params))
			},
		},
		{
			name: "response with result",
			line: `{"id":7,"result":{"status":"ok"}}`,
			want: func(t *testing.T, msg protocol.Message) {
				require.NotNil(t, msg.Response)
				assert.Equal(t, uint64(7), msg.Response.ID)
				assert.Nil(t, msg.Response.Error)
				assert.JSONEq(t, `{"status":"ok"}`, string(msg.Response.Result))
			},
		},
		{
			name: "response with error",
			line: `{"id":9,"error":{"code":"busy","message":"one task at a time"}}`,
			want: func(t *testing.T, msg protocol.Message) {
				require.NotNil(t, msg.Response)
				require.NotNil(t, msg.Response.Error)
				assert.Equal(t, "busy", msg.Response.Error.Code)
				assert.ErrorIs(t, msg.Response.Error.Err(), hosterr.ErrBusy)
			},
		},
		{
			name: "event",
			line: `{"session_id":"s-1","kind":"progress","payload":{"text":"working"}}`,
			want: func(t *testing.T, msg protocol.Message) {
				require.NotNil(t, msg.Event)
				assert.Equal(t, "s-1", msg.Event.SessionID)
				assert.Equal(t, protocol.EventProgress, msg.Event.Kind)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := protocol.Decode([]byte(tt.line))
			require.NoError(t, err)
			tt.want(t, msg)
		})
	}
}

func Test_Decode_RejectsMalformedShapes(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", `hello world`},
		{"empty object", `{}`},
		{"id without method or result", `{"id":3}`},
		{"result and error together", `{"id":3,"result":{},"error":{"code":"x","message":"y"}}`},
		{"event missing kind", `{"session_id":"s-1","payload":{}}`},
		{"bare array", `[1,2,3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := protocol.Decode([]byte(tt.line))
			assert.ErrorIs(t, err, hosterr.ErrMalformedMessage)
		})
	}
}

func Test_Message_EncodeRoundTrip(t *testing.T) {
	params, _ := json.Marshal(protocol.InvokeParams{SessionID: "s-1", Task: "list files in /tmp"})
	msg := protocol.Message{Request: &protocol.Request{ID: 12, Method: protocol.MethodInvoke, Params: params}}

	line, err := msg.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(line), "\n")

	back, err := protocol.Decode(line)
	require.NoError(t, err)
	require.NotNil(t, back.Request)
	assert.Equal(t, msg.Request.ID, back.Request.ID)
	assert.Equal(t, msg.Request.Method, back.Request.Method)
}

func Test_Message_EncodeEmptyFails(t *testing.T) {
	_, err := protocol.Message{}.Encode()
	assert.Error(t, err)
}

func Test_EventKind_Valid(t *testing.T) {
	for _, k := range []protocol.EventKind{
		protocol.EventProgress, protocol.EventToolCall, protocol.EventToolResult,
		protocol.EventOutput, protocol.EventLog, protocol.EventDone, protocol.EventAborted,
	} {
		assert.True(t, k.Valid(), string(k))
	}
	assert.False(t, protocol.EventKind("telemetry").Valid())
}

func Test_EventKind_Terminal(t *testing.T) {
	assert.True(t, protocol.EventDone.Terminal())
	assert.True(t, protocol.EventAborted.Terminal())
	assert.False(t, protocol.EventProgress.Terminal())
	assert.False(t, protocol.EventOutput.Terminal())
}
