// internal/auth/auth_test.go
package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(lifetime time.Duration) *SessionConfig {
	return &SessionConfig{
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		Lifetime: lifetime,
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	cfg := testConfig(time.Hour)

	token, err := IssueToken("user-1", "device-9", cfg)
	require.NoError(t, err)

	session, err := VerifyToken(token, cfg)
	require.NoError(t, err)
	assert.Equal(t, "user-1", session.UserID)
	assert.Equal(t, "device-9", session.DeviceID)
	assert.True(t, session.ExpiresAt.After(time.Now()))
}

func TestVerifyExpiredToken(t *testing.T) {
	cfg := testConfig(-time.Minute)

	token, err := IssueToken("user-1", "", cfg)
	require.NoError(t, err)

	_, err = VerifyToken(token, cfg)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	cfg := testConfig(time.Hour)

	token, err := IssueToken("user-1", "", cfg)
	require.NoError(t, err)

	parts := strings.SplitN(token, ".", 2)
	tampered := parts[0] + "x." + parts[1]

	_, err = VerifyToken(tampered, cfg)
	require.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken("user-1", "", testConfig(time.Hour))
	require.NoError(t, err)

	other := &SessionConfig{Secret: []byte("another-secret-another-secret-32"), Lifetime: time.Hour}
	_, err = VerifyToken(token, other)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyMalformedToken(t *testing.T) {
	cfg := testConfig(time.Hour)

	for _, tokenString := range []string{"", "no-dot", "a.b.c.d", "!!!.###"} {
		_, err := VerifyToken(tokenString, cfg)
		assert.Error(t, err, "token: %q", tokenString)
	}
}

func TestIssueRequiresUser(t *testing.T) {
	_, err := IssueToken("", "device", testConfig(time.Hour))
	require.Error(t, err)
}
