package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedGenerator(t *testing.T, now time.Time, ttl int64) *Generator {
	t.Helper()
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "shared-secret",
		TTLSeconds:     ttl,
		UsernamePrefix: "codedrop",
		Now:            func() time.Time { return now },
		IDSource:       func() (string, error) { return "fixed", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g := fixedGenerator(t, time.Unix(1_700_000_000, 0).UTC(), 3600)

	creds, err := g.Generate("session123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if creds.ExpiryUnix != 1_700_003_600 {
		t.Fatalf("ExpiryUnix=%d, want %d", creds.ExpiryUnix, 1_700_003_600)
	}
	wantUsername := "1700003600:codedrop:session123"
	if creds.Username != wantUsername {
		t.Fatalf("Username=%q, want %q", creds.Username, wantUsername)
	}
	if want := expectedCredential("shared-secret", wantUsername); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestGenerateRandom(t *testing.T) {
	g := fixedGenerator(t, time.Unix(0, 0).UTC(), 10)
	creds, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if creds.Username != "10:codedrop:fixed" {
		t.Fatalf("Username=%q", creds.Username)
	}

	def, err := NewGenerator(GeneratorConfig{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "p"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	a, _ := def.GenerateRandom()
	b, _ := def.GenerateRandom()
	if a.Username == b.Username {
		t.Fatalf("random ids repeated: %q", a.Username)
	}
	if parts := strings.Split(a.Username, ":"); len(parts) != 3 || len(parts[2]) != 32 {
		t.Fatalf("username=%q, want 3 fields with 32-char id", a.Username)
	}
}

func TestGenerate_CredentialIsBase64HMACSHA1(t *testing.T) {
	g := fixedGenerator(t, time.Unix(0, 0).UTC(), 1)
	creds, err := g.Generate("sid")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length=%d, want %d", len(decoded), sha1.Size)
	}
}

func TestValidation(t *testing.T) {
	bad := []GeneratorConfig{
		{TTLSeconds: 1, UsernamePrefix: "p"},
		{SharedSecret: "s", UsernamePrefix: "p"},
		{SharedSecret: "s", TTLSeconds: 1},
		{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "a:b"},
	}
	for i, cfg := range bad {
		if _, err := NewGenerator(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}

	g := fixedGenerator(t, time.Unix(0, 0), 1)
	for _, id := range []string{"", "a:b"} {
		if _, err := g.Generate(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("Generate(%q) err=%v, want %v", id, err, ErrInvalidID)
		}
	}
}

func expectedCredential(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
