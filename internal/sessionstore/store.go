// Package sessionstore is the source of truth for transfer session metadata
// and lifecycle status. The broker consumes it through the Store interface;
// memory and gorm (postgres, sqlite) adapters are provided.
package sessionstore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

type Mode string

const (
	ModeP2P   Mode = "p2p"
	ModeCloud Mode = "cloud"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case "", ModeP2P:
		return ModeP2P, nil
	case ModeCloud:
		return ModeCloud, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

const (
	// DefaultTTL is the horizon a session has to begin signaling.
	DefaultTTL = 10 * time.Minute

	// MaxCodeAttempts bounds code allocation retries on collision.
	MaxCodeAttempts = 16

	codeDigits = 6
)

var (
	ErrNotFound           = errors.New("session not found")
	ErrCodeSpaceExhausted = errors.New("no free session code after retries")
	ErrInvalidMode        = errors.New("invalid transfer mode")
	ErrInvalidSession     = errors.New("invalid session metadata")
)

type Session struct {
	ID          string
	Code        string
	FileName    string
	FileSize    int64
	MimeType    string
	Mode        Mode
	ObjectKey   string
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt *time.Time
}

// EffectiveStatus reports a pending session past its expiry as expired even
// if the sweep has not flipped it yet.
func (s Session) EffectiveStatus(now time.Time) Status {
	if s.Status == StatusPending && now.After(s.ExpiresAt) {
		return StatusExpired
	}
	return s.Status
}

type NewSession struct {
	FileName string
	FileSize int64
	MimeType string
	Mode     Mode
	// ObjectKeyPrefix is prepended to the session id to form ObjectKey in
	// cloud mode.
	ObjectKeyPrefix string
}

func (n NewSession) validate() error {
	if n.FileName == "" {
		return fmt.Errorf("%w: fileName is required", ErrInvalidSession)
	}
	if n.FileSize < 0 {
		return fmt.Errorf("%w: fileSize must be >= 0", ErrInvalidSession)
	}
	if n.Mode != ModeP2P && n.Mode != ModeCloud {
		return fmt.Errorf("%w: %q", ErrInvalidMode, n.Mode)
	}
	return nil
}

// Store must guarantee that no two pending sessions share a code. A code
// becomes reusable only once its previous session is purged.
type Store interface {
	CreateSession(ctx context.Context, in NewSession) (Session, error)
	// GetSessionByCode returns ErrNotFound for unknown codes. A pending
	// session past ExpiresAt is returned with Status expired.
	GetSessionByCode(ctx context.Context, code string) (Session, error)
	// MarkCompleted is idempotent: on a non-pending session it returns the
	// current record unchanged.
	MarkCompleted(ctx context.Context, sessionID string) (Session, error)
	MarkCancelled(ctx context.Context, sessionID string) (Session, error)
	// Expire flips pending sessions past ExpiresAt to expired.
	Expire(ctx context.Context) (int, error)
	// Purge deletes non-pending sessions that expired before cutoff, freeing
	// their codes.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

type CodeGenerator func() (string, error)

// RandomCode returns a uniformly random 6-digit code.
func RandomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// ValidCode reports whether code is exactly six ASCII digits.
func ValidCode(code string) bool {
	if len(code) != codeDigits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

type Option func(*options)

type options struct {
	now     func() time.Time
	newCode CodeGenerator
	ttl     time.Duration
}

func defaultOptions() options {
	return options{
		now:     time.Now,
		newCode: RandomCode,
		ttl:     DefaultTTL,
	}
}

func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithCodeGenerator(gen CodeGenerator) Option {
	return func(o *options) {
		if gen != nil {
			o.newCode = gen
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}
