package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultJWTLeeway = 30 * time.Second
	maxJWTLen        = 16 * 1024
)

type JWTOption func(*JWTVerifier)

func WithIssuer(iss string) JWTOption {
	return func(v *JWTVerifier) { v.issuer = iss }
}

func WithAudience(aud string) JWTOption {
	return func(v *JWTVerifier) { v.audience = aud }
}

func WithTimeFunc(now func() time.Time) JWTOption {
	return func(v *JWTVerifier) { v.now = now }
}

// JWTVerifier accepts HS256 tokens signed with a shared secret. exp is
// required; iss and aud are checked when configured.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewJWTVerifier(secret string, opts ...JWTOption) *JWTVerifier {
	v := &JWTVerifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *JWTVerifier) parser() *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(defaultJWTLeeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	return jwt.NewParser(opts...)
}

func (v *JWTVerifier) Verify(token string) error {
	if len(v.secret) == 0 || token == "" || len(token) > maxJWTLen {
		return ErrInvalidCredentials
	}
	_, err := v.parser().Parse(token, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
