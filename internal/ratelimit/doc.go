// Package ratelimit contains the limiters used by the broker: a keyed
// fixed-window counter for HTTP and connection admission, and a token bucket
// for per-connection signaling message rates.
package ratelimit
