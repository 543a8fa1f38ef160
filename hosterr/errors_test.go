package hosterr_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillhost-dev/skillhost/hosterr"
)

func Test_TypedErrors_MatchSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"mismatch", &hosterr.MismatchError{SkillID: "coder", Field: "name", Want: "coder", Got: "other"}, hosterr.ErrProtocolMismatch},
		{"handshake", &hosterr.HandshakeError{SkillID: "coder", Reason: "no response"}, hosterr.ErrProtocolMismatch},
		{"crash", &hosterr.CrashError{SkillID: "coder", Pid: 42, ExitCode: 1}, hosterr.ErrProcessCrashed},
		{"timeout", &hosterr.TimeoutError{Op: "invoke", Budget: time.Minute}, hosterr.ErrTimeout},
		{"line too long", &hosterr.LineTooLongError{Limit: 100 * 1024}, hosterr.ErrMalformedMessage},
		{"busy", &hosterr.BusyError{SkillID: "coder", Pid: 42}, hosterr.ErrBusy},
		{"unavailable", &hosterr.UnavailableError{Kind: "uv", Reason: "not found"}, hosterr.ErrRuntimeUnavailable},
		{"too old", &hosterr.RuntimeTooOldError{Kind: "uv", Path: "/usr/bin/uv", Found: "0.3.0", Min: "0.4.0"}, hosterr.ErrRuntimeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func Test_TypedErrors_MatchThroughWrapping(t *testing.T) {
	err := fmt.Errorf("invoke coder: %w", &hosterr.TimeoutError{Op: "invoke", Budget: 5 * time.Minute})

	assert.ErrorIs(t, err, hosterr.ErrTimeout)

	var te *hosterr.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 5*time.Minute, te.Budget)
}

func Test_TypedErrors_DoNotCrossMatch(t *testing.T) {
	crash := &hosterr.CrashError{SkillID: "coder", Pid: 1, ExitCode: 9}

	assert.NotErrorIs(t, crash, hosterr.ErrTimeout)
	assert.NotErrorIs(t, crash, hosterr.ErrBusy)
	assert.NotErrorIs(t, crash, hosterr.ErrProtocolMismatch)
}

func Test_TimeoutError_ReportsTimeout(t *testing.T) {
	var ne interface{ Timeout() bool }
	require.ErrorAs(t, &hosterr.TimeoutError{Op: "probe", Budget: time.Second}, &ne)
	assert.True(t, ne.Timeout())
}

func Test_Code_RoundTrip(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{hosterr.ErrRuntimeUnavailable, hosterr.CodeRuntimeUnavailable},
		{hosterr.ErrProtocolMismatch, hosterr.CodeProtocolMismatch},
		{hosterr.ErrMalformedMessage, hosterr.CodeMalformedMessage},
		{hosterr.ErrBusy, hosterr.CodeBusy},
		{hosterr.ErrTimeout, hosterr.CodeTimeout},
		{hosterr.ErrCapabilityDenied, hosterr.CodeCapabilityDenied},
		{hosterr.ErrProcessCrashed, hosterr.CodeProcessCrashed},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.code, hosterr.Code(tt.err))

			back := hosterr.FromCode(tt.code, "details")
			assert.ErrorIs(t, back, tt.err)
			assert.Contains(t, back.Error(), "details")
		})
	}
}

func Test_Code_UnknownErrorIsInternal(t *testing.T) {
	assert.Equal(t, hosterr.CodeInternal, hosterr.Code(errors.New("boom")))
}

func Test_FromCode_UnknownCodeKeepsText(t *testing.T) {
	err := hosterr.FromCode("weird_code", "something odd")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "weird_code")
	assert.Contains(t, err.Error(), "something odd")
	assert.NotErrorIs(t, err, hosterr.ErrTimeout)
}
