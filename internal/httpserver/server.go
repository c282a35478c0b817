package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/codedrop/broker/docs"
	"github.com/codedrop/broker/internal/auth"
	"github.com/codedrop/broker/internal/cloud"
	"github.com/codedrop/broker/internal/config"
	"github.com/codedrop/broker/internal/metrics"
	"github.com/codedrop/broker/internal/ratelimit"
	"github.com/codedrop/broker/internal/sessionstore"
	"github.com/codedrop/broker/internal/sessiontoken"
	"github.com/codedrop/broker/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

const readyzPingTimeout = 2 * time.Second

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Deps are the collaborators the HTTP API serves from.
type Deps struct {
	Store  sessionstore.Store
	Tokens *sessiontoken.Codec

	// Presigner is nil when cloud mode is disabled.
	Presigner cloud.Presigner
	// Verifier guards session creation; nil disables API auth.
	Verifier auth.Verifier
	// TURN mints ephemeral TURN credentials for /webrtc/ice; optional.
	TURN *turnrest.Generator

	Limiter *ratelimit.FixedWindow
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	deps  Deps

	ready atomic.Bool

	cors    *cors.Cors
	limiter *RateLimiter

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		deps:  deps,
		cors:  NewCORS(cfg.AllowedOrigins),
		limiter: &RateLimiter{
			Limiter:    deps.Limiter,
			TrustProxy: cfg.TrustProxy,
			Metrics:    deps.Metrics,
		},
		mux: http.NewServeMux(),
	}

	s.registerRoutes()

	handler := chain(s.cors.Handler(s.mux),
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: /ws connections are long-lived.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// CORS returns the origin policy so the WebSocket upgrader can share it.
func (s *Server) CORS() *cors.Cors {
	return s.cors
}

// RateLimiter returns the per-client limiter shared with other routes.
func (s *Server) RateLimiter() *RateLimiter {
	return s.limiter
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

// RegisterOnShutdown runs f when Shutdown begins; hijacked WebSocket
// connections are not tracked by net/http and must be closed this way.
func (s *Server) RegisterOnShutdown(f func()) {
	s.srv.RegisterOnShutdown(f)
}

func (s *Server) now() time.Time {
	if s.deps.Now != nil {
		return s.deps.Now()
	}
	return time.Now()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", s.handleReadyz)

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.HandleFunc("GET /webrtc/ice", s.handleICE)
	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.deps.Metrics))
	s.mux.HandleFunc("GET /docs/", httpSwagger.Handler(httpSwagger.URL("/docs/doc.json")))

	if s.deps.Store == nil || s.deps.Tokens == nil {
		return
	}

	create := auth.Middleware(s.cfg.AuthMode, s.deps.Verifier, s.rejectUnauthorized)(
		http.HandlerFunc(s.handleCreateSession),
	)
	s.mux.HandleFunc("POST /api/sessions", s.limiter.Wrap("create", rule(s.cfg.CreateSessionLimit), create.ServeHTTP))
	s.mux.HandleFunc("GET /api/sessions/{code}", s.limiter.Wrap("lookup", rule(s.cfg.LookupSessionLimit), s.handleGetSession))
}

func rule(l config.RateLimit) ratelimit.Rule {
	return ratelimit.Rule{Max: l.Max, Window: l.Window}
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
		return
	}
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyzPingTimeout)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": "session store unavailable"})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" || len(reqID) > 128 {
				reqID = uuid.NewString()
			}
			r.Header.Set("X-Request-ID", reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over connections behind the
// request logger.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
