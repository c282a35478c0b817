// Package signaling serves the /ws WebSocket that browsers use to join
// transfer rooms and exchange signaling payloads.
//
// Each connection runs one read loop, which hands frames to the broker in
// arrival order, and one write loop, which drains a bounded outbound queue
// and sends keepalive pings.
package signaling
