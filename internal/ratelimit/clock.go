package ratelimit

import "time"

// Clock is the time source used by the limiters. Tests inject a fake.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
