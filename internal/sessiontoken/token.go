// Package sessiontoken issues and verifies the short-lived tokens that bind a
// transfer session id to its shareable code.
//
// A token is base64url(<sessionId>:<code>:<expiryUnixMs>:<hex hmac-sha256>)
// where the HMAC covers the first three fields. Tokens are self-contained; the
// server keeps no per-token state.
package sessiontoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 10 * time.Minute

const (
	fieldCount = 4
	// Tokens larger than this are rejected before decoding.
	maxTokenLen = 1024
	keyInfo     = "codedrop session token v1"
)

var (
	ErrEmptySecret  = errors.New("sessiontoken: secret must not be empty")
	ErrInvalidField = errors.New("sessiontoken: session id and code must be non-empty and must not contain ':'")
)

type Option func(*Codec)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// Codec is safe for concurrent use.
type Codec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewCodec derives the signing key from secret with HKDF-SHA256 so the raw
// configured secret never keys the HMAC directly.
func NewCodec(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("sessiontoken: derive key: %w", err)
	}
	c := &Codec{
		key: key,
		ttl: DefaultTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue returns a token for (sessionID, code) and its expiry.
func (c *Codec) Issue(sessionID, code string) (string, time.Time, error) {
	if !validField(sessionID) || !validField(code) {
		return "", time.Time{}, ErrInvalidField
	}
	expiresAt := c.now().Add(c.ttl)
	payload := sessionID + ":" + code + ":" + strconv.FormatInt(expiresAt.UnixMilli(), 10)
	raw := payload + ":" + hex.EncodeToString(c.sign(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), expiresAt, nil
}

// Verify reports whether token is a valid, unexpired token for expectedCode
// and returns the session id it carries. Every rejection looks the same to the
// caller.
func (c *Codec) Verify(token, expectedCode string) (string, bool) {
	if token == "" || len(token) > maxTokenLen {
		return "", false
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", false
	}
	fields := strings.Split(string(decoded), ":")
	if len(fields) != fieldCount {
		return "", false
	}
	sessionID, code, expiryRaw, sigHex := fields[0], fields[1], fields[2], fields[3]
	if sessionID == "" {
		return "", false
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(expectedCode)) != 1 {
		return "", false
	}

	expiryMs, err := strconv.ParseInt(expiryRaw, 10, 64)
	if err != nil {
		return "", false
	}
	if c.now().UnixMilli() > expiryMs {
		return "", false
	}

	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", false
	}
	want := c.sign(sessionID + ":" + code + ":" + expiryRaw)
	if !hmac.Equal(got, want) {
		return "", false
	}
	return sessionID, true
}

func (c *Codec) sign(payload string) []byte {
	mac := hmac.New(sha256.New, c.key)
	_, _ = mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func validField(s string) bool {
	return s != "" && !strings.Contains(s, ":")
}
