package metrics

import "sync"

// Event names counted by the broker and HTTP surface.
const (
	SessionsCreated       = "sessions_created"
	SessionLookups        = "session_lookups"
	SessionCreateRejected = "session_create_rejected"
	RateLimited           = "rate_limited"

	WSConnectionsOpened = "ws_connections_opened"
	WSConnectionsClosed = "ws_connections_closed"
	WSSendQueueOverflow = "ws_send_queue_overflow"
	WSMessageRateClosed = "ws_message_rate_closed"

	RoomsCreated        = "rooms_created"
	RoomsDeleted        = "rooms_deleted"
	RoomsReaped         = "rooms_reaped"
	JoinsAccepted       = "joins_accepted"
	JoinsRejectedAuth   = "joins_rejected_auth"
	JoinsRejectedFull   = "joins_rejected_full"
	SignalsRelayed      = "signals_relayed"
	SignalsDropped      = "signals_dropped"
	TransfersCompleted  = "transfers_completed"
	TransfersCancelled  = "transfers_cancelled"
	MultiSharesStopped  = "multi_shares_stopped"
	ProtocolErrors      = "protocol_errors"
	HandlerPanics       = "handler_panics"
	StoreErrors         = "store_errors"
	SessionsExpired     = "sessions_expired"
	SessionsPurged      = "sessions_purged"
	RateLimitKeysPurged = "rate_limit_keys_purged"
)

// Metrics is a concurrency-safe counter registry with optional gauges sampled
// at scrape time. A nil *Metrics is valid and discards everything.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]func() int
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]func() int),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// SetGauge registers fn to be sampled on every scrape under name.
func (m *Metrics) SetGauge(name string, fn func() int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = fn
	m.mu.Unlock()
}

func (m *Metrics) sampleGauges() map[string]int {
	m.mu.Lock()
	fns := make(map[string]func() int, len(m.gauges))
	for k, fn := range m.gauges {
		fns[k] = fn
	}
	m.mu.Unlock()

	out := make(map[string]int, len(fns))
	for k, fn := range fns {
		out[k] = fn()
	}
	return out
}
