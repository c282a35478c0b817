// Package broker coordinates code-based transfer rooms: it authenticates
// join requests with session tokens, tracks which connections hold the
// sender and receiver legs of each room, and relays opaque signaling
// payloads between them until the transfer completes or a side leaves.
//
// All room state lives in a Registry guarded by a single mutex. Outbound
// notifications are enqueued while the mutex is held so every peer observes
// state changes in commit order.
package broker
