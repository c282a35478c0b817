package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codedrop/broker/internal/broker"
	"github.com/codedrop/broker/internal/metrics"
	"github.com/codedrop/broker/internal/ratelimit"
)

const (
	wsWriteWait        = 1 * time.Second
	wsMessageWriteWait = 10 * time.Second
)

// wsPeer is one signaling connection. It implements broker.Peer.
type wsPeer struct {
	id   string
	srv  *Server
	conn *websocket.Conn

	limiter *ratelimit.TokenBucket

	// send is never closed; done tells the writer to flush and exit.
	send chan []byte
	done chan struct{}
	open atomic.Bool

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

var _ broker.Peer = (*wsPeer)(nil)

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Open() bool { return p.open.Load() }

// Send queues msg without blocking. A full queue means the client is not
// keeping up; the connection is closed rather than buffering further.
func (p *wsPeer) Send(msg broker.Message) bool {
	if !p.open.Load() {
		return false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.srv.log.Error("failed to encode signaling message", "peer", p.id, "type", msg.MessageType(), "err", err)
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		p.srv.cfg.Metrics.Inc(metrics.WSSendQueueOverflow)
		p.srv.log.Warn("signaling send queue full, closing connection", "peer", p.id)
		p.shutdown(websocket.CloseTryAgainLater, "send queue overflow")
		return false
	}
}

// shutdown marks the peer closed and asks the writer to send a close frame
// with code and reason. Only the first call has any effect.
func (p *wsPeer) shutdown(code int, reason string) {
	p.closeOnce.Do(func() {
		p.open.Store(false)
		p.closeCode = code
		p.closeReason = reason
		close(p.done)
	})
}

// run drives the connection until it ends, then releases the peer's room
// binding exactly once.
func (p *wsPeer) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writeLoop()
	}()

	p.readLoop(ctx)
	p.shutdown(websocket.CloseNormalClosure, "")
	p.srv.cfg.Broker.Disconnect(p)
	<-writerDone
}

func (p *wsPeer) readLoop(ctx context.Context) {
	idle := p.srv.cfg.IdleTimeout
	p.conn.SetReadLimit(p.srv.cfg.MaxMessageBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(idle))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				p.shutdown(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				p.shutdown(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(idle))

		// Apply the message rate limit after reading so the close frame is not
		// lost to a reset caused by unread data in the receive buffer.
		if !p.limiter.Allow(1) {
			p.srv.cfg.Metrics.Inc(metrics.WSMessageRateClosed)
			p.shutdown(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			p.shutdown(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !p.open.Load() {
			return
		}

		p.srv.cfg.Broker.Handle(ctx, p, data)
	}
}

func (p *wsPeer) writeLoop() {
	ticker := time.NewTicker(p.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case data := <-p.send:
			if err := p.write(data); err != nil {
				p.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				p.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-p.done:
			// Flush what is already queued so terminal notifications such as
			// transfer-complete reach the client before the close frame.
		drain:
			for {
				select {
				case data := <-p.send:
					if err := p.write(data); err != nil {
						return
					}
				default:
					break drain
				}
			}
			if p.closeCode != websocket.CloseAbnormalClosure {
				writeClose(p.conn, p.closeCode, p.closeReason)
			}
			return
		}
	}
}

func (p *wsPeer) write(data []byte) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsMessageWriteWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
