package httpserver

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codedrop/broker/internal/metrics"
	"github.com/codedrop/broker/internal/ratelimit"
)

// ClientIP returns the remote address of r without the port. When
// trustProxy is set the left-most X-Forwarded-For entry wins.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type rateLimitResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter"`
}

// WriteRateLimited answers 429 with the seconds until the window resets.
func WriteRateLimited(w http.ResponseWriter, resetIn time.Duration) {
	secs := int(math.Ceil(resetIn.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	WriteJSON(w, http.StatusTooManyRequests, rateLimitResponse{
		Error:      "Too many requests, please try again later",
		RetryAfter: secs,
	})
}

// RateLimiter applies per-client fixed-window rules to HTTP handlers.
type RateLimiter struct {
	Limiter    *ratelimit.FixedWindow
	TrustProxy bool
	Metrics    *metrics.Metrics
}

// Allow checks rule for the client of r under the bucket name. It writes the
// 429 response itself and returns false when the request must stop.
func (l *RateLimiter) Allow(w http.ResponseWriter, r *http.Request, bucket string, rule ratelimit.Rule) bool {
	if l == nil || l.Limiter == nil {
		return true
	}
	res := l.Limiter.Allow(bucket+":"+ClientIP(r, l.TrustProxy), rule)
	if res.Allowed {
		return true
	}
	l.Metrics.Inc(metrics.RateLimited)
	WriteRateLimited(w, res.ResetIn)
	return false
}

// Wrap guards next with rule.
func (l *RateLimiter) Wrap(bucket string, rule ratelimit.Rule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(w, r, bucket, rule) {
			return
		}
		next(w, r)
	}
}
