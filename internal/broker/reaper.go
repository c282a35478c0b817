package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/codedrop/broker/internal/metrics"
)

const (
	DefaultReaperInterval   = 30 * time.Second
	DefaultWaitingRoomGrace = 2 * time.Minute
	DefaultRetention        = time.Hour
)

// SessionExpirer is the maintenance half of sessionstore.Store.
type SessionExpirer interface {
	Expire(ctx context.Context) (int, error)
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// KeySweeper drops idle rate-limit entries.
type KeySweeper interface {
	Sweep() int
}

type ReaperConfig struct {
	Registry *Registry
	// Store and Limiter are optional.
	Store   SessionExpirer
	Limiter KeySweeper

	Interval  time.Duration
	Grace     time.Duration
	Retention time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Reaper periodically removes abandoned and expired rooms and runs the
// session store and rate limiter housekeeping.
type Reaper struct {
	cfg ReaperConfig
}

func NewReaper(cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReaperInterval
	}
	if cfg.Grace < 0 {
		cfg.Grace = DefaultWaitingRoomGrace
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reaper{cfg: cfg}
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

type ReapStats struct {
	RoomsAbandoned  int
	RoomsExpired    int
	LimiterKeys     int
	SessionsExpired int
	SessionsPurged  int
}

func (r *Reaper) SweepOnce(ctx context.Context) ReapStats {
	now := r.cfg.Now()
	var st ReapStats

	if r.cfg.Registry != nil {
		res := r.cfg.Registry.Sweep(now, r.cfg.Grace)
		st.RoomsAbandoned, st.RoomsExpired = res.Abandoned, res.Expired
		r.cfg.Metrics.Add(metrics.RoomsReaped, uint64(res.Abandoned+res.Expired))
	}
	if r.cfg.Limiter != nil {
		st.LimiterKeys = r.cfg.Limiter.Sweep()
		r.cfg.Metrics.Add(metrics.RateLimitKeysPurged, uint64(st.LimiterKeys))
	}
	if r.cfg.Store != nil {
		n, err := r.cfg.Store.Expire(ctx)
		if err != nil {
			r.cfg.Metrics.Inc(metrics.StoreErrors)
			r.cfg.Logger.Warn("session expiry sweep failed", "err", err)
		}
		st.SessionsExpired = n
		r.cfg.Metrics.Add(metrics.SessionsExpired, uint64(n))

		n, err = r.cfg.Store.Purge(ctx, now.Add(-r.cfg.Retention))
		if err != nil {
			r.cfg.Metrics.Inc(metrics.StoreErrors)
			r.cfg.Logger.Warn("session purge failed", "err", err)
		}
		st.SessionsPurged = n
		r.cfg.Metrics.Add(metrics.SessionsPurged, uint64(n))
	}

	if st != (ReapStats{}) {
		r.cfg.Logger.Debug("reaper sweep",
			"rooms_abandoned", st.RoomsAbandoned,
			"rooms_expired", st.RoomsExpired,
			"limiter_keys", st.LimiterKeys,
			"sessions_expired", st.SessionsExpired,
			"sessions_purged", st.SessionsPurged,
		)
	}
	return st
}
