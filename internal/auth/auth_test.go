package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codedrop/broker/internal/config"
)

func TestCredentialFromRequest(t *testing.T) {
	cases := []struct {
		name   string
		mode   config.AuthMode
		header string
		value  string
		want   string
	}{
		{"jwt bearer", config.AuthModeJWT, "Authorization", "Bearer t", "t"},
		{"jwt x-api-key alias", config.AuthModeJWT, "X-API-Key", "t", "t"},
		{"jwt apikey scheme alias", config.AuthModeJWT, "Authorization", "ApiKey t", "t"},
		{"api_key header", config.AuthModeAPIKey, "X-API-Key", "k", "k"},
		{"api_key apikey scheme", config.AuthModeAPIKey, "Authorization", "ApiKey k", "k"},
		{"api_key bearer scheme", config.AuthModeAPIKey, "Authorization", "bearer k", "k"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, "http://example.com/api/sessions", nil)
			req.Header.Set(tc.header, tc.value)
			cred, err := CredentialFromRequest(tc.mode, req)
			if err != nil {
				t.Fatalf("err=%v", err)
			}
			if cred != tc.want {
				t.Fatalf("cred=%q, want %q", cred, tc.want)
			}
		})
	}

	t.Run("none", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "http://example.com", nil)
		req.Header.Set("X-API-Key", "x")
		cred, err := CredentialFromRequest(config.AuthModeNone, req)
		if err != nil || cred != "" {
			t.Fatalf("cred=%q err=%v, want empty", cred, err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "http://example.com", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		if _, err := CredentialFromRequest(config.AuthModeAPIKey, req); err != ErrMissingCredentials {
			t.Fatalf("err=%v, want %v", err, ErrMissingCredentials)
		}
	})
}

func TestAPIKeyVerifier(t *testing.T) {
	v := APIKeyVerifier{Expected: "secret"}
	if err := v.Verify("secret"); err != nil {
		t.Fatalf("Verify(secret)=%v, want nil", err)
	}
	for _, bad := range []string{"", "Secret", "secret2"} {
		if err := v.Verify(bad); err != ErrInvalidCredentials {
			t.Fatalf("Verify(%q)=%v, want %v", bad, err, ErrInvalidCredentials)
		}
	}
	if err := (APIKeyVerifier{}).Verify("anything"); err != ErrInvalidCredentials {
		t.Fatalf("empty expected key accepted a credential")
	}
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestJWTVerifier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewJWTVerifier("jwt-secret",
		WithIssuer("codedrop"),
		WithAudience("sessions"),
		WithTimeFunc(func() time.Time { return now }),
	)

	valid := jwt.MapClaims{
		"iss": "codedrop",
		"aud": "sessions",
		"exp": now.Add(time.Hour).Unix(),
	}
	if err := v.Verify(signHS256(t, "jwt-secret", valid)); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}

	withClaim := func(k string, val any) jwt.MapClaims {
		c := jwt.MapClaims{}
		for kk, vv := range valid {
			c[kk] = vv
		}
		if val == nil {
			delete(c, k)
		} else {
			c[k] = val
		}
		return c
	}

	cases := map[string]string{
		"wrong secret": signHS256(t, "other", valid),
		"expired":      signHS256(t, "jwt-secret", withClaim("exp", now.Add(-time.Hour).Unix())),
		"missing exp":  signHS256(t, "jwt-secret", withClaim("exp", nil)),
		"wrong issuer": signHS256(t, "jwt-secret", withClaim("iss", "someone-else")),
		"wrong aud":    signHS256(t, "jwt-secret", withClaim("aud", "admin")),
		"garbage":      "not.a.jwt",
		"empty":        "",
	}
	for name, tok := range cases {
		if err := v.Verify(tok); err != ErrInvalidCredentials {
			t.Fatalf("%s: err=%v, want %v", name, err, ErrInvalidCredentials)
		}
	}

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, valid).SignedString([]byte("jwt-secret"))
	if err != nil {
		t.Fatalf("sign hs512: %v", err)
	}
	if err := v.Verify(hs512); err != ErrInvalidCredentials {
		t.Fatalf("HS512 token accepted, want only HS256")
	}
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(config.Config{AuthMode: config.AuthModeNone})
	if err != nil || v != nil {
		t.Fatalf("none mode = (%v,%v), want (nil,nil)", v, err)
	}
	v, err = NewVerifier(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"})
	if err != nil || v.Verify("k") != nil {
		t.Fatalf("api_key verifier err=%v", err)
	}
	if _, err := NewVerifier(config.Config{AuthMode: "oauth"}); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	var rejected error
	h := Middleware(config.AuthModeAPIKey, APIKeyVerifier{Expected: "k"}, func(w http.ResponseWriter, r *http.Request, err error) {
		rejected = err
		w.WriteHeader(http.StatusUnauthorized)
	})(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	if rec.Code != http.StatusUnauthorized || !errors.Is(rejected, ErrMissingCredentials) {
		t.Fatalf("no credentials: code=%d err=%v", rec.Code, rejected)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	req.Header.Set("X-API-Key", "k")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("valid credentials: code=%d, want 204", rec.Code)
	}

	open := Middleware(config.AuthModeNone, nil, nil)(next)
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disabled auth: code=%d, want 204", rec.Code)
	}
}
