package broker

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakePeer struct {
	id string

	mu     sync.Mutex
	msgs   []Message
	closed bool
}

func newFakePeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(msg Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.msgs = append(p.msgs, msg)
	return true
}

func (p *fakePeer) Open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// take returns and clears everything queued so far.
func (p *fakePeer) take() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.msgs
	p.msgs = nil
	return out
}

func types(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.MessageType()
	}
	return out
}

func expectTypes(t *testing.T, p *fakePeer, want ...string) []Message {
	t.Helper()
	msgs := p.take()
	got := types(msgs)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("%s messages=%v, want %v", p.id, got, want)
	}
	return msgs
}

func expectError(t *testing.T, p *fakePeer, text string) {
	t.Helper()
	msgs := expectTypes(t, p, TypeError)
	if got := msgs[0].(ErrorMessage).Error; got != text {
		t.Fatalf("%s error=%q, want %q", p.id, got, text)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// sequentialIDs yields r1, r2, ...
func sequentialIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("r%d", n)
	}
}
