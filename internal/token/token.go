// Package token implements the signed session token wire format:
//
//	base64(payload_json) + "." + hex(hmac_sha256(secret, payload_b64))
//
// The signature covers the literal base64 text, not the decoded payload,
// and is compared in constant time. Timestamps are RFC 3339 strings.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gateway "github.com/wardengate/warden/internal"
)

var (
	ErrMalformed    = errors.New("malformed token")
	ErrBadSignature = errors.New("token signature mismatch")
	ErrExpired      = errors.New("token expired")
	ErrNotYetValid  = errors.New("token not yet valid")
)

// Claims is the signed token payload. Field order and names are part of the
// wire contract; every field below the optional nbf is always emitted.
type Claims struct {
	SessionID         string            `json:"session_id"`
	UserID            string            `json:"user_id"`
	Username          string            `json:"username"`
	IssuedAt          time.Time         `json:"iat"`
	ExpiresAt         time.Time         `json:"exp"`
	NotBefore         *time.Time        `json:"nbf,omitempty"`
	Roles             []string          `json:"roles"`
	Permissions       []string          `json:"permissions"`
	IPAddress         string            `json:"ip_address"`
	DeviceFingerprint string            `json:"device_fingerprint"`
	Metadata          map[string]string `json:"metadata"`
}

// FromSession builds claims for the given session.
func FromSession(sess *gateway.Session) *Claims {
	return &Claims{
		SessionID:         sess.SessionID,
		UserID:            sess.UserID,
		Username:          sess.Username,
		IssuedAt:          sess.CreatedAt,
		ExpiresAt:         sess.ExpiresAt,
		Roles:             sess.Roles,
		Permissions:       sess.Permissions,
		IPAddress:         sess.IPAddress,
		DeviceFingerprint: sess.DeviceFingerprint,
		Metadata:          sess.Metadata,
	}
}

// Session materializes a synthetic session from verified claims. It is
// never written back to the session store; the store is consulted only for
// the revocation index, so signed tokens survive store outages.
func (c *Claims) Session(now time.Time) *gateway.Session {
	return &gateway.Session{
		SessionID:         c.SessionID,
		UserID:            c.UserID,
		Username:          c.Username,
		CreatedAt:         c.IssuedAt,
		LastAccessedAt:    now,
		ExpiresAt:         c.ExpiresAt,
		Roles:             c.Roles,
		Permissions:       c.Permissions,
		IPAddress:         c.IPAddress,
		DeviceFingerprint: c.DeviceFingerprint,
		Metadata:          c.Metadata,
	}
}

// Sign serializes the claims and returns the signed token text.
func Sign(claims *Claims, secret string) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payloadB64 := base64.StdEncoding.EncodeToString(payload)
	return payloadB64 + "." + signature(payloadB64, secret), nil
}

// Verify checks the token's signature and time claims (exp, optional nbf)
// against now, returning the decoded claims on success. Revocation is the
// caller's concern: it needs the session store.
func Verify(tok, secret string, now time.Time) (*Claims, error) {
	payloadB64, sig, ok := strings.Cut(tok, ".")
	if !ok || payloadB64 == "" || sig == "" || strings.Contains(sig, ".") {
		return nil, ErrMalformed
	}

	expected := signature(payloadB64, secret)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return nil, ErrBadSignature
	}

	payload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, "bad payload encoding")
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, "bad payload json")
	}

	if claims.ExpiresAt.IsZero() || !now.Before(claims.ExpiresAt) {
		return nil, ErrExpired
	}
	if claims.NotBefore != nil && now.Before(*claims.NotBefore) {
		return nil, ErrNotYetValid
	}
	return &claims, nil
}

// signature computes the hex HMAC-SHA256 of the base64 payload text.
func signature(payloadB64, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payloadB64))
	return hex.EncodeToString(mac.Sum(nil))
}
