// Package auth guards the session-creation API with optional operator
// credentials. Peers joining a transfer authenticate with session tokens
// instead; see package sessiontoken.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/codedrop/broker/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns nil, nil when cfg.AuthMode is none.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret, WithIssuer(cfg.JWTIssuer), WithAudience(cfg.JWTAudience)), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest extracts the credential from X-API-Key or the
// Authorization header (Bearer or ApiKey scheme). Both modes accept either
// header so clients do not need to know which one the server runs.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey, config.AuthModeJWT:
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}

	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v, nil
	}
	scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if ok {
		value = strings.TrimSpace(value)
		if value != "" && (strings.EqualFold(scheme, "bearer") || strings.EqualFold(scheme, "apikey")) {
			return value, nil
		}
	}
	return "", ErrMissingCredentials
}

// Middleware rejects requests without valid credentials with 401. A nil
// verifier disables the check.
func Middleware(mode config.AuthMode, v Verifier, onReject func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred, err := CredentialFromRequest(mode, r)
			if err == nil {
				err = v.Verify(cred)
			}
			if err != nil {
				onReject(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
