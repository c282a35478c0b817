package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codedrop/broker/internal/broker"
	"github.com/codedrop/broker/internal/config"
	"github.com/codedrop/broker/internal/httpserver"
	"github.com/codedrop/broker/internal/metrics"
	"github.com/codedrop/broker/internal/ratelimit"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Broker  *broker.Broker
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// RateLimiter bounds upgrades per client with ConnectLimit. If nil,
	// upgrades are unlimited.
	RateLimiter  *httpserver.RateLimiter
	ConnectLimit ratelimit.Rule

	// CheckOrigin is passed to the upgrader. If nil, every origin is
	// accepted (tests and non-browser deployments).
	CheckOrigin func(r *http.Request) bool

	// Zero values fall back to the config package defaults.
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueSize        int
}

// Server implements GET /ws.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	peers  map[*wsPeer]struct{}
	closed bool
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Broker == nil {
		return nil, errors.New("signaling: broker is required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = config.DefaultSignalingWSPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = config.DefaultSignalingSendQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	return &Server{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
		peers: make(map[*wsPeer]struct{}),
	}, nil
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ActiveConnections returns the number of open WebSocket connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close sends a going-away close frame to every connection and refuses new
// upgrades. It does not wait for the connections to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	peers := make([]*wsPeer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) track(p *wsPeer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p] = struct{}{}
	return true
}

func (s *Server) untrack(p *wsPeer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.cfg.RateLimiter.Allow(w, r, "ws", s.cfg.ConnectLimit) {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	p := &wsPeer{
		id:   uuid.NewString(),
		srv:  s,
		conn: conn,
		send: make(chan []byte, s.cfg.SendQueueSize),
		done: make(chan struct{}),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.cfg.MaxMessagesPerSecond),
			int64(s.cfg.MaxMessagesPerSecond),
		),
	}
	p.open.Store(true)

	if !s.track(p) {
		writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer s.untrack(p)

	s.cfg.Metrics.Inc(metrics.WSConnectionsOpened)
	defer s.cfg.Metrics.Inc(metrics.WSConnectionsClosed)
	s.log.Debug("websocket connected", "peer", p.id, "remote_addr", r.RemoteAddr)

	p.run(r.Context())

	s.log.Debug("websocket disconnected", "peer", p.id)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
