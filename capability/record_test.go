package capability

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ApprovalRecord_Expired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		expires time.Time
		want    bool
	}{
		{"no expiry", time.Time{}, false},
		{"future expiry", now.Add(time.Hour), false},
		{"past expiry", now.Add(-time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ApprovalRecord{ExpiresAt: tt.expires}
			assert.Equal(t, tt.want, r.Expired(now))
		})
	}
}

func Test_ApprovalRecord_Matches(t *testing.T) {
	c := MustParse("fs-write:/tmp/**")
	r := ApprovalRecord{SkillID: "weather", Capability: c, Decision: DecisionAlways}

	assert.True(t, r.Matches("weather", c, false))
	// An escalated lookup never matches a declared-scope record
	assert.False(t, r.Matches("weather", c, true))
	assert.False(t, r.Matches("other", c, false))
	assert.False(t, r.Matches("weather", MustParse("fs-write:/var/**"), false))
}

func Test_Decision_Valid(t *testing.T) {
	assert.True(t, DecisionAlways.Valid())
	assert.True(t, DecisionOnce.Valid())
	assert.True(t, DecisionDeny.Valid())
	assert.False(t, Decision("maybe").Valid())
}

func Test_ParseMode(t *testing.T) {
	m, err := ParseMode("read-only")
	require.NoError(t, err)
	assert.Equal(t, ModeReadOnly, m)

	m, err = ParseMode("full")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)

	_, err = ParseMode("yolo")
	assert.Error(t, err)
}

func Test_Mode_Allows(t *testing.T) {
	readOnly := ModeReadOnly
	full := ModeFull

	assert.True(t, readOnly.Allows(MustParse("fs-read:/data/**")))
	assert.True(t, readOnly.Allows(MustParse("env-read:HOME")))
	assert.True(t, readOnly.Allows(MustParse("credential-read:api-key")))
	assert.False(t, readOnly.Allows(MustParse("fs-write:/tmp/**")))
	assert.False(t, readOnly.Allows(MustParse("network-egress:api.example.com:443")))
	assert.False(t, readOnly.Allows(MustParse("shell-exec:git")))

	assert.True(t, full.Allows(MustParse("shell-exec:git")))
	assert.True(t, full.Allows(MustParse("fs-write:/tmp/**")))
}

func Test_DeniedError_Is(t *testing.T) {
	err := &DeniedError{
		SkillID:    "weather",
		Capability: MustParse("shell-exec:curl"),
		Reason:     "denied by user",
	}

	assert.True(t, errors.Is(err, ErrDenied))
	assert.Contains(t, err.Error(), "shell-exec:curl")
	assert.Contains(t, err.Error(), "weather")
	assert.Contains(t, err.Error(), "denied by user")

	wrapped := fmt.Errorf("invoke failed: %w", err)
	assert.True(t, errors.Is(wrapped, ErrDenied))

	var denied *DeniedError
	require.True(t, errors.As(wrapped, &denied))
	assert.Equal(t, "weather", denied.SkillID)
}
