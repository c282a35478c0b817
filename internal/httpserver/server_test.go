package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/codedrop/broker/internal/config"
	"github.com/codedrop/broker/internal/metrics"
	"github.com/codedrop/broker/internal/ratelimit"
	"github.com/codedrop/broker/internal/sessionstore"
	"github.com/codedrop/broker/internal/sessiontoken"
	"github.com/codedrop/broker/internal/turnrest"
)

const testTokenSecret = "httpserver-test-secret-0123456789abcdef"

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

func testConfig() config.Config {
	return config.Config{
		ListenAddr:         "127.0.0.1:0",
		LogFormat:          config.LogFormatText,
		LogLevel:           slog.LevelInfo,
		ShutdownTimeout:    2 * time.Second,
		Mode:               config.ModeDev,
		AuthMode:           config.AuthModeNone,
		CreateSessionLimit: config.RateLimit{Max: 100, Window: time.Minute},
		LookupSessionLimit: config.RateLimit{Max: 100, Window: time.Minute},
		Cloud:              config.CloudConfig{ObjectPrefix: "uploads/"},
	}
}

func testDeps(t *testing.T, clock *testClock) Deps {
	t.Helper()
	codec, err := sessiontoken.NewCodec(testTokenSecret, sessiontoken.WithNow(clock.Now))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return Deps{
		Store:   sessionstore.NewMemory(sessionstore.WithNow(clock.Now)),
		Tokens:  codec,
		Limiter: ratelimit.NewFixedWindow(clock),
		Metrics: metrics.New(),
		Now:     clock.Now,
	}
}

func startTestServer(t *testing.T, cfg config.Config, deps Deps) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, deps)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), testDeps(t, newTestClock()))

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		decodeBody(t, resp, &body)
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var got BuildInfo
		decodeBody(t, resp, &got)
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("request id", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
		req.Header.Set("X-Request-ID", "req-123")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
			t.Fatalf("X-Request-ID=%q, want req-123", got)
		}
	})
}

type unavailableStore struct {
	*sessionstore.Memory
}

func (unavailableStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyzFailsWhenStoreUnavailable(t *testing.T) {
	deps := testDeps(t, newTestClock())
	deps.Store = unavailableStore{Memory: sessionstore.NewMemory()}
	baseURL := startTestServer(t, testConfig(), deps)

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("CODEDROP_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg, testDeps(t, newTestClock()))

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}

	baseURL := startTestServer(t, cfg, testDeps(t, newTestClock()))

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q, want no-store", got)
	}

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	decodeBody(t, resp, &payload)
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
	if payload.ICEServers[1]["username"] != "user" {
		t.Fatalf("static TURN username=%v, want user", payload.ICEServers[1]["username"])
	}
}

func TestICEEndpoint_TURNRESTCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
	}

	deps := testDeps(t, newTestClock())
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:   "turn-secret",
		TTLSeconds:     600,
		UsernamePrefix: "codedrop",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0) },
		IDSource:       func() (string, error) { return "abc123", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	deps.TURN = gen

	baseURL := startTestServer(t, cfg, deps)

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var payload struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	decodeBody(t, resp, &payload)
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if payload.ICEServers[0].Username != "" {
		t.Fatalf("STUN server got credentials: %+v", payload.ICEServers[0])
	}
	turn := payload.ICEServers[1]
	if turn.Username != "1700000600:codedrop:abc123" {
		t.Fatalf("username=%q, want 1700000600:codedrop:abc123", turn.Username)
	}
	if s, _ := turn.Credential.(string); s == "" {
		t.Fatalf("credential=%v, want non-empty string", turn.Credential)
	}
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg, testDeps(t, newTestClock()))

	get := func(origin string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, baseURL+"/webrtc/ice", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if got := get("https://app.example.com").Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allowed origin: Access-Control-Allow-Origin=%q", got)
	}
	if got := get("https://evil.example.com").Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin: Access-Control-Allow-Origin=%q, want empty", got)
	}

	req, _ := http.NewRequest(http.MethodOptions, baseURL+"/api/sessions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		t.Fatalf("preflight status=%d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("preflight Access-Control-Allow-Origin=%q", got)
	}
}

func TestOriginChecker(t *testing.T) {
	check := OriginChecker(NewCORS([]string{"https://app.example.com"}))
	closed := OriginChecker(NewCORS(nil))

	cases := []struct {
		name   string
		origin string
		host   string
		check  func(*http.Request) bool
		want   bool
	}{
		{name: "no origin", origin: "", host: "broker.example.com", check: closed, want: true},
		{name: "same origin", origin: "https://broker.example.com", host: "broker.example.com", check: closed, want: true},
		{name: "cross origin closed", origin: "https://app.example.com", host: "broker.example.com", check: closed, want: false},
		{name: "allowed", origin: "https://app.example.com", host: "broker.example.com", check: check, want: true},
		{name: "not allowed", origin: "https://evil.example.com", host: "broker.example.com", check: check, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := http.NewRequest(http.MethodGet, "http://"+tc.host+"/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := tc.check(r); got != tc.want {
				t.Fatalf("check=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	deps := testDeps(t, newTestClock())
	deps.Metrics.Inc(metrics.SessionsCreated)
	deps.Metrics.SetGauge("rooms_active", func() int { return 3 })
	baseURL := startTestServer(t, testConfig(), deps)

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`codedrop_broker_events_total{event="sessions_created"} 1`,
		`codedrop_broker_gauge{name="rooms_active"} 3`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics body missing %q:\n%s", want, body)
		}
	}
}

func TestClientIP(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := ClientIP(r, false); got != "10.0.0.1" {
		t.Fatalf("ClientIP(untrusted)=%q, want 10.0.0.1", got)
	}
	if got := ClientIP(r, true); got != "203.0.113.7" {
		t.Fatalf("ClientIP(trusted)=%q, want 203.0.113.7", got)
	}
}
