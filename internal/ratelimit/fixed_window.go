package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// Rule is a fixed-window budget: at most Max hits per Window for one key.
// A Max <= 0 disables the rule.
type Rule struct {
	Max    int
	Window time.Duration
}

// Result reports the outcome of a single Check.
type Result struct {
	Allowed   bool
	Remaining int
	// ResetIn is the time left until the key's current window resets.
	ResetIn time.Duration
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
}

// FixedWindow is a keyed fixed-window counter. Bursts straddling a window
// boundary can see up to 2*Max hits; in exchange each key costs one small
// entry and O(1) work per hit.
//
// Keys are spread over independently locked shards so unrelated keys do not
// contend on a single mutex.
type FixedWindow struct {
	clock  Clock
	shards [shardCount]shard
}

func NewFixedWindow(clock Clock) *FixedWindow {
	if clock == nil {
		clock = RealClock{}
	}
	l := &FixedWindow{clock: clock}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*windowEntry)
	}
	return l
}

func (l *FixedWindow) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// Allow applies rule to key.
func (l *FixedWindow) Allow(key string, rule Rule) Result {
	return l.Check(key, rule.Max, rule.Window)
}

// Check records one hit for key and reports whether it fits in the budget.
func (l *FixedWindow) Check(key string, max int, window time.Duration) Result {
	if max <= 0 || window <= 0 {
		return Result{Allowed: true}
	}

	now := l.clock.Now()
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !now.Before(e.resetAt) {
		s.entries[key] = &windowEntry{count: 1, resetAt: now.Add(window)}
		return Result{Allowed: true, Remaining: max - 1, ResetIn: window}
	}

	resetIn := e.resetAt.Sub(now)
	if e.count >= max {
		return Result{Allowed: false, Remaining: 0, ResetIn: resetIn}
	}
	e.count++
	return Result{Allowed: true, Remaining: max - e.count, ResetIn: resetIn}
}

// Sweep drops entries whose window has already reset and returns how many
// were removed.
func (l *FixedWindow) Sweep() int {
	now := l.clock.Now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, e := range s.entries {
			if !now.Before(e.resetAt) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys, including logically expired ones
// not yet swept.
func (l *FixedWindow) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
