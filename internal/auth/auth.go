// internal/auth/auth.go
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Session tokens bind a mobile client session to a user. The payload is
// userID|deviceID|issuedAt|expiresAt signed with HMAC-SHA256; no external
// identity provider is involved, the companion backend trusts whatever
// user the token carries.

var (
	ErrTokenExpired   = errors.New("session token has expired")
	ErrTokenMalformed = errors.New("malformed session token")
	ErrBadSignature   = errors.New("session token signature mismatch")
)

// SessionConfig holds the signing secret and token lifetime
type SessionConfig struct {
	Secret   []byte
	Lifetime time.Duration
}

// Session is the decoded content of a valid token
type Session struct {
	UserID    string
	DeviceID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IssueToken creates a signed session token for the given user and device
func IssueToken(userID, deviceID string, config *SessionConfig) (string, error) {
	if len(config.Secret) == 0 {
		return "", errors.New("session secret is required")
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}

	now := time.Now()
	payload := strings.Join([]string{
		userID,
		deviceID,
		strconv.FormatInt(now.Unix(), 10),
		strconv.FormatInt(now.Add(config.Lifetime).Unix(), 10),
	}, "|")

	return base64.URLEncoding.EncodeToString([]byte(payload)) + "." + sign(payload, config.Secret), nil
}

// VerifyToken validates a session token and returns the session it carries
func VerifyToken(tokenString string, config *SessionConfig) (*Session, error) {
	if len(config.Secret) == 0 {
		return nil, errors.New("session secret is required")
	}

	encodedPayload, encodedSignature, found := strings.Cut(tokenString, ".")
	if !found {
		return nil, ErrTokenMalformed
	}

	payloadBytes, err := base64.URLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	signatureBytes, err := base64.URLEncoding.DecodeString(encodedSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	h := hmac.New(sha256.New, config.Secret)
	h.Write(payloadBytes)
	if !hmac.Equal(signatureBytes, h.Sum(nil)) {
		return nil, ErrBadSignature
	}

	parts := strings.Split(string(payloadBytes), "|")
	if len(parts) != 4 {
		return nil, ErrTokenMalformed
	}

	issuedAt, err1 := strconv.ParseInt(parts[2], 10, 64)
	expiresAt, err2 := strconv.ParseInt(parts[3], 10, 64)
	if err1 != nil || err2 != nil {
		return nil, ErrTokenMalformed
	}

	session := &Session{
		UserID:    parts[0],
		DeviceID:  parts[1],
		IssuedAt:  time.Unix(issuedAt, 0),
		ExpiresAt: time.Unix(expiresAt, 0),
	}

	if time.Now().After(session.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	return session, nil
}

func sign(payload string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(payload))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// GenerateSecret produces a random signing key, used when no
// SESSION_SECRET is configured
func GenerateSecret(length int) ([]byte, error) {
	if length <= 0 {
		length = 32
	}
	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
