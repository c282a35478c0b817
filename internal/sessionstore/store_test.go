package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// sequenceCodes hands out codes in order and repeats the last one forever.
func sequenceCodes(codes ...string) CodeGenerator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return c, nil
	}
}

type storeFactory func(t *testing.T, opts ...Option) Store

func newMemoryStore(t *testing.T, opts ...Option) Store {
	return NewMemory(opts...)
}

func newSQLiteStore(t *testing.T, opts ...Option) Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	s, err := Open(DriverSQLite, dsn, opts...)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, newStore storeFactory)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryStore) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore) })
}

func report() NewSession {
	return NewSession{FileName: "report.pdf", FileSize: 10485760, MimeType: "application/pdf", Mode: ModeP2P}
}

func TestStore_CreateAndLookup(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		clk := &testClock{t: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
		s := newStore(t, WithNow(clk.Now))
		ctx := context.Background()

		created, err := s.CreateSession(ctx, report())
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if !ValidCode(created.Code) {
			t.Fatalf("code=%q, want 6 digits", created.Code)
		}
		if created.ID == "" || created.Status != StatusPending {
			t.Fatalf("created=%+v, want id and pending", created)
		}
		if want := clk.Now().Add(DefaultTTL); !created.ExpiresAt.Equal(want) {
			t.Fatalf("expiresAt=%v, want %v", created.ExpiresAt, want)
		}

		got, err := s.GetSessionByCode(ctx, created.Code)
		if err != nil {
			t.Fatalf("GetSessionByCode: %v", err)
		}
		if got.ID != created.ID || got.FileName != "report.pdf" || got.FileSize != 10485760 || got.MimeType != "application/pdf" {
			t.Fatalf("got=%+v, want metadata of %+v", got, created)
		}

		if _, err := s.GetSessionByCode(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("unknown code err=%v, want %v", err, ErrNotFound)
		}
	})
}

func TestStore_CodeCollisionRetriesAndExhausts(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		s := newStore(t, WithCodeGenerator(sequenceCodes("111111", "111111", "222222")))
		ctx := context.Background()

		a, err := s.CreateSession(ctx, report())
		if err != nil {
			t.Fatalf("first CreateSession: %v", err)
		}
		b, err := s.CreateSession(ctx, report())
		if err != nil {
			t.Fatalf("second CreateSession: %v", err)
		}
		if a.Code != "111111" || b.Code != "222222" {
			t.Fatalf("codes=%q,%q, want 111111,222222", a.Code, b.Code)
		}

		if _, err := s.CreateSession(ctx, report()); !errors.Is(err, ErrCodeSpaceExhausted) {
			t.Fatalf("third CreateSession err=%v, want %v", err, ErrCodeSpaceExhausted)
		}
	})
}

func TestStore_MarkCompletedIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		clk := &testClock{t: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
		s := newStore(t, WithNow(clk.Now))
		ctx := context.Background()

		created, err := s.CreateSession(ctx, report())
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		clk.Advance(time.Minute)
		done, err := s.MarkCompleted(ctx, created.ID)
		if err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
		if done.Status != StatusCompleted || done.CompletedAt == nil {
			t.Fatalf("done=%+v, want completed with timestamp", done)
		}
		first := *done.CompletedAt

		clk.Advance(time.Minute)
		again, err := s.MarkCompleted(ctx, created.ID)
		if err != nil {
			t.Fatalf("second MarkCompleted: %v", err)
		}
		if again.CompletedAt == nil || !again.CompletedAt.Equal(first) {
			t.Fatalf("completedAt=%v, want unchanged %v", again.CompletedAt, first)
		}

		cancelled, err := s.MarkCancelled(ctx, created.ID)
		if err != nil {
			t.Fatalf("MarkCancelled: %v", err)
		}
		if cancelled.Status != StatusCompleted {
			t.Fatalf("status after cancel of completed session=%q, want completed", cancelled.Status)
		}

		if _, err := s.MarkCompleted(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("MarkCompleted(missing) err=%v, want %v", err, ErrNotFound)
		}
	})
}

func TestStore_MarkCancelled(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.CreateSession(ctx, report())
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		got, err := s.MarkCancelled(ctx, created.ID)
		if err != nil {
			t.Fatalf("MarkCancelled: %v", err)
		}
		if got.Status != StatusCancelled || got.CompletedAt != nil {
			t.Fatalf("got=%+v, want cancelled without completedAt", got)
		}
	})
}

func TestStore_ExpireAndPurgeFreeCode(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		clk := &testClock{t: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
		s := newStore(t, WithNow(clk.Now), WithCodeGenerator(sequenceCodes("424242")))
		ctx := context.Background()

		created, err := s.CreateSession(ctx, report())
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		clk.Advance(DefaultTTL + time.Second)
		got, err := s.GetSessionByCode(ctx, created.Code)
		if err != nil {
			t.Fatalf("GetSessionByCode: %v", err)
		}
		if got.Status != StatusExpired {
			t.Fatalf("status=%q, want expired before sweep", got.Status)
		}

		n, err := s.Expire(ctx)
		if err != nil || n != 1 {
			t.Fatalf("Expire=(%d,%v), want (1,nil)", n, err)
		}
		if n, _ := s.Expire(ctx); n != 0 {
			t.Fatalf("second Expire=%d, want 0", n)
		}

		// The code stays reserved until the expired record is purged.
		if _, err := s.CreateSession(ctx, report()); !errors.Is(err, ErrCodeSpaceExhausted) {
			t.Fatalf("CreateSession before purge err=%v, want %v", err, ErrCodeSpaceExhausted)
		}

		n, err = s.Purge(ctx, clk.Now())
		if err != nil || n != 1 {
			t.Fatalf("Purge=(%d,%v), want (1,nil)", n, err)
		}
		if _, err := s.GetSessionByCode(ctx, created.Code); !errors.Is(err, ErrNotFound) {
			t.Fatalf("lookup after purge err=%v, want %v", err, ErrNotFound)
		}

		reused, err := s.CreateSession(ctx, report())
		if err != nil {
			t.Fatalf("CreateSession after purge: %v", err)
		}
		if reused.Code != created.Code || reused.ID == created.ID {
			t.Fatalf("reused=%+v, want same code with new id", reused)
		}
	})
}

func TestStore_PurgeKeepsPending(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		clk := &testClock{t: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
		s := newStore(t, WithNow(clk.Now))
		ctx := context.Background()
		if _, err := s.CreateSession(ctx, report()); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		n, err := s.Purge(ctx, clk.Now().Add(time.Hour))
		if err != nil || n != 0 {
			t.Fatalf("Purge=(%d,%v), want (0,nil)", n, err)
		}
	})
}

func TestStore_CloudModeObjectKey(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		s := newStore(t)
		in := report()
		in.Mode = ModeCloud
		in.ObjectKeyPrefix = "uploads/"
		created, err := s.CreateSession(context.Background(), in)
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if created.Mode != ModeCloud || created.ObjectKey != "uploads/"+created.ID {
			t.Fatalf("mode=%q objectKey=%q, want cloud uploads/<id>", created.Mode, created.ObjectKey)
		}
	})
}

func TestStore_RejectsInvalidInput(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	cases := []struct {
		name string
		in   NewSession
		want error
	}{
		{"no name", NewSession{FileSize: 1, Mode: ModeP2P}, ErrInvalidSession},
		{"negative size", NewSession{FileName: "a", FileSize: -1, Mode: ModeP2P}, ErrInvalidSession},
		{"bad mode", NewSession{FileName: "a", Mode: "carrier-pigeon"}, ErrInvalidMode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.CreateSession(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
}

func TestMemory_ConcurrentCreatesYieldUniqueCodes(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	const n = 200
	codes := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := s.CreateSession(ctx, report())
			if err != nil {
				t.Errorf("CreateSession: %v", err)
				return
			}
			codes <- created.Code
		}()
	}
	wg.Wait()
	close(codes)

	seen := make(map[string]bool)
	for c := range codes {
		if seen[c] {
			t.Fatalf("duplicate pending code %q", c)
		}
		seen[c] = true
	}
}

func TestParseModeAndValidCode(t *testing.T) {
	if m, err := ParseMode(""); err != nil || m != ModeP2P {
		t.Fatalf("ParseMode(\"\")=(%q,%v), want p2p", m, err)
	}
	if m, err := ParseMode("cloud"); err != nil || m != ModeCloud {
		t.Fatalf("ParseMode(cloud)=(%q,%v), want cloud", m, err)
	}
	if _, err := ParseMode("ftp"); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("ParseMode(ftp) err=%v, want %v", err, ErrInvalidMode)
	}

	for code, want := range map[string]bool{"123456": true, "000000": true, "12345": false, "1234567": false, "12a456": false, "": false} {
		if got := ValidCode(code); got != want {
			t.Fatalf("ValidCode(%q)=%v, want %v", code, got, want)
		}
	}
}
