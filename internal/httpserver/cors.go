package httpserver

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/cors"
)

// NewCORS builds the CORS policy for ALLOWED_ORIGINS. An empty list allows
// no cross-origin browser access; same-origin pages keep working.
func NewCORS(allowedOrigins []string) *cors.Cors {
	opts := cors.Options{
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           600,
	}
	if len(allowedOrigins) == 0 {
		opts.AllowOriginFunc = func(string) bool { return false }
	} else {
		opts.AllowedOrigins = allowedOrigins
	}
	return cors.New(opts)
}

// OriginChecker returns a websocket.Upgrader CheckOrigin function applying
// the same policy as c. Requests without an Origin header (non-browser
// clients) and same-origin requests are always accepted.
func OriginChecker(c *cors.Cors) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
			return true
		}
		return c.OriginAllowed(r)
	}
}
