package sessionstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Store. Records are lost on restart.
type Memory struct {
	opts options

	mu     sync.Mutex
	byID   map[string]*Session
	byCode map[string]string
}

var _ Store = (*Memory)(nil)

func NewMemory(opts ...Option) *Memory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Memory{
		opts:   o,
		byID:   make(map[string]*Session),
		byCode: make(map[string]string),
	}
}

func (m *Memory) CreateSession(ctx context.Context, in NewSession) (Session, error) {
	if err := in.validate(); err != nil {
		return Session{}, err
	}
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 0; attempt < MaxCodeAttempts; attempt++ {
		code, err := m.opts.newCode()
		if err != nil {
			return Session{}, err
		}
		if _, taken := m.byCode[code]; taken {
			continue
		}

		now := m.opts.now()
		s := &Session{
			ID:        uuid.NewString(),
			Code:      code,
			FileName:  in.FileName,
			FileSize:  in.FileSize,
			MimeType:  in.MimeType,
			Mode:      in.Mode,
			Status:    StatusPending,
			CreatedAt: now,
			ExpiresAt: now.Add(m.opts.ttl),
		}
		if in.Mode == ModeCloud {
			s.ObjectKey = in.ObjectKeyPrefix + s.ID
		}
		m.byID[s.ID] = s
		m.byCode[code] = s.ID
		return *s, nil
	}
	return Session{}, ErrCodeSpaceExhausted
}

func (m *Memory) GetSessionByCode(ctx context.Context, code string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byCode[code]
	if !ok {
		return Session{}, ErrNotFound
	}
	s := *m.byID[id]
	s.Status = s.EffectiveStatus(m.opts.now())
	return s, nil
}

func (m *Memory) MarkCompleted(ctx context.Context, sessionID string) (Session, error) {
	return m.finish(ctx, sessionID, StatusCompleted)
}

func (m *Memory) MarkCancelled(ctx context.Context, sessionID string) (Session, error) {
	return m.finish(ctx, sessionID, StatusCancelled)
}

func (m *Memory) finish(ctx context.Context, sessionID string, status Status) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Status != StatusPending {
		return *s, nil
	}
	s.Status = status
	if status == StatusCompleted {
		now := m.opts.now()
		s.CompletedAt = &now
	}
	return *s, nil
}

func (m *Memory) Expire(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	n := 0
	for _, s := range m.byID {
		if s.Status == StatusPending && now.After(s.ExpiresAt) {
			s.Status = StatusExpired
			n++
		}
	}
	return n, nil
}

func (m *Memory) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.byID {
		if s.Status == StatusPending || !s.ExpiresAt.Before(cutoff) {
			continue
		}
		delete(m.byID, id)
		if m.byCode[s.Code] == id {
			delete(m.byCode, s.Code)
		}
		n++
	}
	return n, nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }
