package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var ErrUnknownDriver = errors.New("unknown store driver")

type sessionRecord struct {
	ID          string     `gorm:"primaryKey;size:36"`
	Code        string     `gorm:"size:6;uniqueIndex;not null"`
	FileName    string     `gorm:"not null"`
	FileSize    int64      `gorm:"not null"`
	MimeType    string     `gorm:"not null;default:''"`
	Mode        string     `gorm:"size:8;not null"`
	ObjectKey   string     `gorm:"not null;default:''"`
	Status      string     `gorm:"size:16;index;not null"`
	CreatedAt   time.Time  `gorm:"not null"`
	ExpiresAt   time.Time  `gorm:"index;not null"`
	CompletedAt *time.Time
}

func (sessionRecord) TableName() string { return "transfer_sessions" }

func (r sessionRecord) session() Session {
	return Session{
		ID:          r.ID,
		Code:        r.Code,
		FileName:    r.FileName,
		FileSize:    r.FileSize,
		MimeType:    r.MimeType,
		Mode:        Mode(r.Mode),
		ObjectKey:   r.ObjectKey,
		Status:      Status(r.Status),
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		CompletedAt: r.CompletedAt,
	}
}

// Gorm is a Store backed by a relational database. The unique index on code
// enforces the one-pending-session-per-code invariant across processes.
type Gorm struct {
	db   *gorm.DB
	opts options
}

var _ Store = (*Gorm)(nil)

// Open connects with the named driver and migrates the schema.
func Open(driver, dsn string, opts ...Option) (*Gorm, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Serialize writers; sqlite reports SQLITE_BUSY otherwise.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return NewGorm(db, opts...)
}

func NewGorm(db *gorm.DB, opts ...Option) (*Gorm, error) {
	if err := db.AutoMigrate(&sessionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate session store: %w", err)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Gorm{db: db, opts: o}, nil
}

func (g *Gorm) CreateSession(ctx context.Context, in NewSession) (Session, error) {
	if err := in.validate(); err != nil {
		return Session{}, err
	}

	for attempt := 0; attempt < MaxCodeAttempts; attempt++ {
		code, err := g.opts.newCode()
		if err != nil {
			return Session{}, err
		}

		now := g.opts.now().UTC()
		rec := sessionRecord{
			ID:        uuid.NewString(),
			Code:      code,
			FileName:  in.FileName,
			FileSize:  in.FileSize,
			MimeType:  in.MimeType,
			Mode:      string(in.Mode),
			Status:    string(StatusPending),
			CreatedAt: now,
			ExpiresAt: now.Add(g.opts.ttl),
		}
		if in.Mode == ModeCloud {
			rec.ObjectKey = in.ObjectKeyPrefix + rec.ID
		}

		err = g.db.WithContext(ctx).Create(&rec).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		if err != nil {
			return Session{}, fmt.Errorf("create session: %w", err)
		}
		return rec.session(), nil
	}
	return Session{}, ErrCodeSpaceExhausted
}

func (g *Gorm) GetSessionByCode(ctx context.Context, code string) (Session, error) {
	var rec sessionRecord
	err := g.db.WithContext(ctx).Where("code = ?", code).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session by code: %w", err)
	}
	s := rec.session()
	s.Status = s.EffectiveStatus(g.opts.now())
	return s, nil
}

func (g *Gorm) MarkCompleted(ctx context.Context, sessionID string) (Session, error) {
	now := g.opts.now().UTC()
	return g.finish(ctx, sessionID, map[string]any{
		"status":       string(StatusCompleted),
		"completed_at": now,
	})
}

func (g *Gorm) MarkCancelled(ctx context.Context, sessionID string) (Session, error) {
	return g.finish(ctx, sessionID, map[string]any{
		"status": string(StatusCancelled),
	})
}

// finish applies updates only while the session is still pending, so a
// concurrent completion can never overwrite CompletedAt.
func (g *Gorm) finish(ctx context.Context, sessionID string, updates map[string]any) (Session, error) {
	db := g.db.WithContext(ctx)
	err := db.Model(&sessionRecord{}).
		Where("id = ? AND status = ?", sessionID, string(StatusPending)).
		Updates(updates).Error
	if err != nil {
		return Session{}, fmt.Errorf("update session %s: %w", sessionID, err)
	}

	var rec sessionRecord
	err = db.Where("id = ?", sessionID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("reload session %s: %w", sessionID, err)
	}
	return rec.session(), nil
}

func (g *Gorm) Expire(ctx context.Context) (int, error) {
	res := g.db.WithContext(ctx).Model(&sessionRecord{}).
		Where("status = ? AND expires_at < ?", string(StatusPending), g.opts.now().UTC()).
		Update("status", string(StatusExpired))
	if res.Error != nil {
		return 0, fmt.Errorf("expire sessions: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (g *Gorm) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	res := g.db.WithContext(ctx).
		Where("status <> ? AND expires_at < ?", string(StatusPending), cutoff.UTC()).
		Delete(&sessionRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge sessions: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
