package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codedrop/broker/internal/metrics"
	"github.com/codedrop/broker/internal/sessionstore"
)

const defaultStoreTimeout = 5 * time.Second

// SessionStore is the part of sessionstore.Store the broker needs.
type SessionStore interface {
	GetSessionByCode(ctx context.Context, code string) (sessionstore.Session, error)
	MarkCompleted(ctx context.Context, sessionID string) (sessionstore.Session, error)
	MarkCancelled(ctx context.Context, sessionID string) (sessionstore.Session, error)
}

// TokenVerifier checks a session token against the code it was issued for
// and returns the session id it carries.
type TokenVerifier interface {
	Verify(token, expectedCode string) (string, bool)
}

type Config struct {
	Store    SessionStore
	Tokens   TokenVerifier
	Registry *Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// StoreTimeout bounds each store call made while handling a message.
	StoreTimeout time.Duration
	Now          func() time.Time
}

// Broker turns inbound client messages into registry operations.
type Broker struct {
	store        SessionStore
	tokens       TokenVerifier
	registry     *Registry
	log          *slog.Logger
	metrics      *metrics.Metrics
	storeTimeout time.Duration
	now          func() time.Time

	lookups singleflight.Group
}

func New(cfg Config) (*Broker, error) {
	if cfg.Store == nil {
		return nil, errors.New("broker: session store is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("broker: token verifier is required")
	}
	b := &Broker{
		store:        cfg.Store,
		tokens:       cfg.Tokens,
		registry:     cfg.Registry,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		storeTimeout: cfg.StoreTimeout,
		now:          cfg.Now,
	}
	if b.registry == nil {
		b.registry = NewRegistry(WithRegistryMetrics(cfg.Metrics))
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.storeTimeout <= 0 {
		b.storeTimeout = defaultStoreTimeout
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

func (b *Broker) Registry() *Registry { return b.registry }

// Handle processes one inbound frame from peer. Protocol errors are logged
// and otherwise ignored; request errors are answered with an error message.
func (b *Broker) Handle(ctx context.Context, peer Peer, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			b.metrics.Inc(metrics.HandlerPanics)
			b.log.Error("panic handling signaling message", "peer", peer.ID(), "panic", rec)
		}
	}()

	msg, err := ParseInbound(data)
	if err != nil {
		b.metrics.Inc(metrics.ProtocolErrors)
		b.log.Debug("dropping malformed signaling message", "peer", peer.ID(), "err", err)
		return
	}

	switch msg.Type {
	case TypeJoinSender, TypeJoinReceiver:
		err = b.join(ctx, peer, msg)
	case TypeSignal:
		err = b.signal(peer, msg)
	case TypeTransferComplete:
		err = b.transferComplete(ctx, peer, msg)
	case TypeSenderCancelled:
		err = b.finish(ctx, peer, msg, FinishCancelled)
	case TypeStopMultiShare:
		err = b.finish(ctx, peer, msg, FinishStopped)
	}
	if err != nil {
		b.log.Debug("signaling request rejected", "peer", peer.ID(), "type", msg.Type, "err", err)
		peer.Send(errorMessage(clientMessage(err)))
	}
}

// Disconnect releases whatever peer was bound to. The transport calls it
// once per connection; repeated calls are harmless.
func (b *Broker) Disconnect(peer Peer) {
	if b.registry.Unbind(peer) {
		b.log.Debug("peer left room", "peer", peer.ID())
	}
}

func (b *Broker) join(ctx context.Context, peer Peer, msg Inbound) error {
	if !sessionstore.ValidCode(msg.Code) || msg.Token == "" {
		b.metrics.Inc(metrics.JoinsRejectedAuth)
		return ErrUnauthorized
	}
	sessionID, ok := b.tokens.Verify(msg.Token, msg.Code)
	if !ok {
		b.metrics.Inc(metrics.JoinsRejectedAuth)
		return ErrUnauthorized
	}

	sess, err := b.session(ctx, msg.Code)
	if err != nil {
		return err
	}
	if sess.ID != sessionID {
		b.metrics.Inc(metrics.JoinsRejectedAuth)
		return ErrUnauthorized
	}

	if msg.Type == TypeJoinSender {
		err = b.registry.BindSender(peer, sess, msg.IsMultiShare)
	} else {
		err = b.registry.BindReceiver(peer, sess)
	}
	switch {
	case errors.Is(err, ErrSessionFull):
		b.metrics.Inc(metrics.JoinsRejectedFull)
		return err
	case err != nil:
		return err
	}
	b.metrics.Inc(metrics.JoinsAccepted)
	b.log.Info("peer joined room", "peer", peer.ID(), "code", msg.Code, "role", joinRole(msg.Type), "multi_share", msg.IsMultiShare)
	return nil
}

func joinRole(t string) Role {
	if t == TypeJoinSender {
		return RoleSender
	}
	return RoleReceiver
}

// session resolves code to a joinable session. A live room answers without
// touching the store; otherwise concurrent lookups for one code share a
// single store call.
func (b *Broker) session(ctx context.Context, code string) (SessionInfo, error) {
	if sess, ok := b.registry.Session(code); ok {
		return sess, nil
	}

	v, err, _ := b.lookups.Do(code, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.storeTimeout)
		defer cancel()
		b.metrics.Inc(metrics.SessionLookups)
		return b.store.GetSessionByCode(ctx, code)
	})
	if errors.Is(err, sessionstore.ErrNotFound) {
		return SessionInfo{}, ErrSessionNotFound
	}
	if err != nil {
		b.metrics.Inc(metrics.StoreErrors)
		b.log.Warn("session lookup failed", "code", code, "err", err)
		return SessionInfo{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sess := v.(sessionstore.Session)
	if sess.EffectiveStatus(b.now()) != sessionstore.StatusPending {
		return SessionInfo{}, ErrSessionNotFound
	}
	return SessionInfo{
		ID:        sess.ID,
		Code:      sess.Code,
		FileName:  sess.FileName,
		FileSize:  sess.FileSize,
		MimeType:  sess.MimeType,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

func (b *Broker) signal(peer Peer, msg Inbound) error {
	delivered, err := b.registry.Route(peer, msg.Code, msg.Data, msg.TargetReceiverID)
	if err != nil {
		return err
	}
	if delivered {
		b.metrics.Inc(metrics.SignalsRelayed)
	} else {
		b.metrics.Inc(metrics.SignalsDropped)
	}
	return nil
}

func (b *Broker) transferComplete(ctx context.Context, peer Peer, msg Inbound) error {
	leg, err := b.bound(peer, msg.Code)
	if err != nil {
		return err
	}
	if leg.MultiShare {
		if leg.Role == RoleSender {
			// Senders end a multi-share session with stop-multi-share.
			return nil
		}
		return b.registry.MarkReceiverComplete(peer, msg.Code)
	}
	if leg.State != StateConnected {
		return ErrPeerNotConnected
	}
	return b.finishBound(ctx, peer, leg, FinishCompleted)
}

func (b *Broker) finish(ctx context.Context, peer Peer, msg Inbound, kind FinishKind) error {
	leg, err := b.bound(peer, msg.Code)
	if err != nil {
		return err
	}
	if leg.Role != RoleSender {
		return ErrNotSender
	}
	if kind == FinishStopped && !leg.MultiShare {
		return ErrNotMultiShare
	}
	return b.finishBound(ctx, peer, leg, kind)
}

func (b *Broker) bound(peer Peer, code string) (LegInfo, error) {
	leg, err := b.registry.Lookup(peer)
	if err != nil {
		return LegInfo{}, err
	}
	if code != "" && code != leg.Code {
		return LegInfo{}, ErrRoomNotFound
	}
	return leg, nil
}

// finishBound records the terminal status, then tears the room down. The
// room is removed even when the store write fails; the session then stays
// pending until the expiry sweep flips it.
func (b *Broker) finishBound(ctx context.Context, peer Peer, leg LegInfo, kind FinishKind) error {
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()

	var (
		err     error
		counter string
	)
	switch kind {
	case FinishCancelled:
		_, err = b.store.MarkCancelled(ctx, leg.SessionID)
		counter = metrics.TransfersCancelled
	case FinishStopped:
		_, err = b.store.MarkCompleted(ctx, leg.SessionID)
		counter = metrics.MultiSharesStopped
	default:
		_, err = b.store.MarkCompleted(ctx, leg.SessionID)
		counter = metrics.TransfersCompleted
	}
	if err != nil {
		b.metrics.Inc(metrics.StoreErrors)
		b.log.Warn("failed to record session outcome", "session_id", leg.SessionID, "err", err)
	}

	if err := b.registry.Finish(peer, leg.SessionID, kind); err != nil {
		return err
	}
	b.metrics.Inc(counter)
	b.log.Info("room closed", "code", leg.Code, "session_id", leg.SessionID, "by", leg.Role, "outcome", counter)
	return nil
}
