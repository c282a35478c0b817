package broker

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codedrop/broker/internal/metrics"
)

const DefaultMaxReceivers = 4

type legRef struct {
	code       string
	role       Role
	receiverID string
}

// LegInfo describes the room binding of one connection.
type LegInfo struct {
	Code       string
	SessionID  string
	Role       Role
	ReceiverID string
	MultiShare bool
	State      State
}

// FinishKind selects how Finish tears a room down.
type FinishKind int

const (
	// FinishCompleted ends a single-receiver transfer; both legs are told.
	FinishCompleted FinishKind = iota
	// FinishCancelled is the sender aborting; receivers are told.
	FinishCancelled
	// FinishStopped ends a multi-share session; receivers are told.
	FinishStopped
)

// Registry holds every live room. All mutation happens under mu, and
// notifications are queued on peers before mu is released.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
	legs  map[string]legRef
	// finished maps ended session ids to their expiry; joins for them are
	// refused until Sweep forgets them.
	finished map[string]time.Time
	gen      uint64

	maxReceivers int
	now          func() time.Time
	newID        func() string
	metrics      *metrics.Metrics
}

type RegistryOption func(*Registry)

func WithMaxReceivers(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxReceivers = n
		}
	}
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithReceiverIDSource(fn func() string) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		rooms:        make(map[string]*room),
		legs:         make(map[string]legRef),
		finished:     make(map[string]time.Time),
		maxReceivers: DefaultMaxReceivers,
		now:          time.Now,
		newID:        defaultReceiverID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func defaultReceiverID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (r *Registry) MaxReceivers() int { return r.maxReceivers }

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Session returns the session bound to a live room for code. Binding with
// the result fails with ErrRoomNotFound once that room is gone, even if a
// new room for the code exists by then.
func (r *Registry) Session(code string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return SessionInfo{}, false
	}
	sess := rm.session
	sess.room = rm.gen
	return sess, true
}

// State returns the derived state of the room for code.
func (r *Registry) State(code string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return StateEmpty, false
	}
	return rm.state(), true
}

// Lookup returns the binding of peer, or ErrRoomNotFound.
func (r *Registry) Lookup(peer Peer) (LegInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, rm, err := r.legLocked(peer, "")
	if err != nil {
		return LegInfo{}, err
	}
	return r.legInfo(ref, rm), nil
}

func (r *Registry) legLocked(peer Peer, code string) (legRef, *room, error) {
	ref, ok := r.legs[peer.ID()]
	if !ok {
		return legRef{}, nil, ErrRoomNotFound
	}
	if code != "" && code != ref.code {
		return legRef{}, nil, ErrRoomNotFound
	}
	rm, ok := r.rooms[ref.code]
	if !ok {
		return legRef{}, nil, ErrRoomNotFound
	}
	return ref, rm, nil
}

func (r *Registry) legInfo(ref legRef, rm *room) LegInfo {
	return LegInfo{
		Code:       ref.code,
		SessionID:  rm.session.ID,
		Role:       ref.role,
		ReceiverID: ref.receiverID,
		MultiShare: rm.multiShare,
		State:      rm.state(),
	}
}

// roomForJoinLocked returns the room for sess, creating it when absent. A
// sess read from a live room only ever binds to that same room.
func (r *Registry) roomForJoinLocked(peer Peer, sess SessionInfo) (*room, bool, error) {
	if _, bound := r.legs[peer.ID()]; bound {
		return nil, false, ErrAlreadyJoined
	}
	if _, done := r.finished[sess.ID]; done {
		return nil, false, ErrSessionNotFound
	}
	rm, ok := r.rooms[sess.Code]
	if !ok {
		if sess.room != 0 {
			return nil, false, ErrRoomNotFound
		}
		r.gen++
		return newRoom(sess, r.gen, r.now()), true, nil
	}
	if sess.room != 0 && sess.room != rm.gen {
		return nil, false, ErrRoomNotFound
	}
	if rm.session.ID != sess.ID {
		return nil, false, ErrSessionNotFound
	}
	return rm, false, nil
}

func (r *Registry) insertLocked(rm *room) {
	r.rooms[rm.session.Code] = rm
	r.metrics.Inc(metrics.RoomsCreated)
}

// BindSender attaches peer as the sender of the room for sess.
func (r *Registry) BindSender(peer Peer, sess SessionInfo, multiShare bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, created, err := r.roomForJoinLocked(peer, sess)
	if err != nil {
		return err
	}
	if rm.sender != nil {
		return ErrSenderPresent
	}
	if created {
		r.insertLocked(rm)
	}

	rm.sender = peer
	rm.multiShare = multiShare
	r.legs[peer.ID()] = legRef{code: sess.Code, role: RoleSender}
	peer.Send(rm.joined(RoleSender, ""))

	waiting := rm.receiver
	if waiting == nil {
		return nil
	}
	if !multiShare {
		peer.Send(event(TypePeerConnected))
		waiting.Send(event(TypePeerConnected))
		return nil
	}

	// Promote the early receiver into the multi-share table.
	rm.receiver = nil
	id := r.newID()
	rm.receivers[id] = &receiverLeg{peer: waiting, joinedAt: r.now()}
	r.legs[waiting.ID()] = legRef{code: sess.Code, role: RoleReceiver, receiverID: id}
	waiting.Send(rm.joined(RoleReceiver, id))
	waiting.Send(event(TypePeerConnected))
	peer.Send(ReceiverEventMessage{Type: TypeMultiPeerConnected, ReceiverID: id})
	peer.Send(rm.countUpdate(r.maxReceivers))
	return nil
}

// BindReceiver attaches peer as a receiver of the room for sess.
func (r *Registry) BindReceiver(peer Peer, sess SessionInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, created, err := r.roomForJoinLocked(peer, sess)
	if err != nil {
		return err
	}

	if rm.multiShare {
		if len(rm.receivers) >= r.maxReceivers {
			return ErrSessionFull
		}
		id := r.newID()
		rm.receivers[id] = &receiverLeg{peer: peer, joinedAt: r.now()}
		r.legs[peer.ID()] = legRef{code: sess.Code, role: RoleReceiver, receiverID: id}
		peer.Send(rm.joined(RoleReceiver, id))
		peer.Send(event(TypePeerConnected))
		rm.sender.Send(ReceiverEventMessage{Type: TypeMultiPeerConnected, ReceiverID: id})
		rm.sender.Send(rm.countUpdate(r.maxReceivers))
		return nil
	}

	if rm.receiver != nil {
		return ErrReceiverPresent
	}
	if created {
		r.insertLocked(rm)
	}
	rm.receiver = peer
	r.legs[peer.ID()] = legRef{code: sess.Code, role: RoleReceiver}
	peer.Send(rm.joined(RoleReceiver, ""))
	if rm.sender != nil {
		rm.sender.Send(event(TypePeerConnected))
		peer.Send(event(TypePeerConnected))
	}
	return nil
}

// Unbind detaches peer from its room and notifies the remaining legs. It
// reports whether peer was bound; calling it again is a no-op.
func (r *Registry) Unbind(peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.legs[peer.ID()]
	if !ok {
		return false
	}
	delete(r.legs, peer.ID())
	rm, ok := r.rooms[ref.code]
	if !ok {
		return true
	}

	switch {
	case ref.role == RoleSender:
		if rm.sender != peer {
			return true
		}
		rm.sender = nil
		for _, p := range rm.receiverPeers() {
			p.Send(event(TypePeerDisconnected))
		}
		r.deleteRoomLocked(ref.code)
		return true

	case ref.receiverID != "":
		leg, ok := rm.receivers[ref.receiverID]
		if !ok || leg.peer != peer {
			return true
		}
		delete(rm.receivers, ref.receiverID)
		if rm.sender != nil {
			rm.sender.Send(ReceiverEventMessage{Type: TypeMultiPeerDisconnected, ReceiverID: ref.receiverID})
			rm.sender.Send(rm.countUpdate(r.maxReceivers))
		}

	default:
		if rm.receiver != peer {
			return true
		}
		rm.receiver = nil
		if rm.sender != nil {
			rm.sender.Send(event(TypePeerDisconnected))
		}
	}

	if len(rm.peers()) == 0 {
		r.deleteRoomLocked(ref.code)
	}
	return true
}

// MarkReceiverComplete flags a multi-share receiver as done and pushes a
// count update to the sender.
func (r *Registry) MarkReceiverComplete(peer Peer, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, rm, err := r.legLocked(peer, code)
	if err != nil {
		return err
	}
	if !rm.multiShare || ref.receiverID == "" {
		return ErrNotMultiShare
	}
	leg, ok := rm.receivers[ref.receiverID]
	if !ok {
		return ErrRoomNotFound
	}
	leg.transferComplete = true
	if rm.sender != nil {
		rm.sender.Send(rm.countUpdate(r.maxReceivers))
	}
	return nil
}

// Route relays an opaque signal payload to the opposite leg. It reports
// false without error when the target is absent and the payload was dropped.
func (r *Registry) Route(peer Peer, code string, data json.RawMessage, targetReceiverID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, rm, err := r.legLocked(peer, code)
	if err != nil {
		return false, err
	}

	var target Peer
	msg := SignalMessage{Type: TypeSignal, Data: data}
	switch {
	case ref.role == RoleSender && rm.multiShare:
		if leg, ok := rm.receivers[targetReceiverID]; ok {
			target = leg.peer
		}
	case ref.role == RoleSender:
		target = rm.receiver
	default:
		target = rm.sender
		msg.FromReceiverID = ref.receiverID
	}
	if target == nil {
		return false, nil
	}
	return target.Send(msg), nil
}

// Finish tears down the room of peer after a terminal event. sessionID must
// still match the room so a stale request cannot end a newer session.
func (r *Registry) Finish(peer Peer, sessionID string, kind FinishKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, rm, err := r.legLocked(peer, "")
	if err != nil {
		return err
	}
	if rm.session.ID != sessionID {
		return ErrRoomNotFound
	}

	switch kind {
	case FinishCompleted:
		if rm.multiShare {
			return ErrNotSender
		}
		if rm.state() != StateConnected {
			return ErrPeerNotConnected
		}
		for _, p := range rm.peers() {
			p.Send(event(TypeTransferComplete))
		}
	case FinishCancelled:
		if ref.role != RoleSender {
			return ErrNotSender
		}
		for _, p := range rm.receiverPeers() {
			p.Send(event(TypeSenderCancelled))
		}
	case FinishStopped:
		if ref.role != RoleSender {
			return ErrNotSender
		}
		if !rm.multiShare {
			return ErrNotMultiShare
		}
		for _, p := range rm.receiverPeers() {
			p.Send(event(TypeSessionStopped))
		}
	}
	r.finished[rm.session.ID] = rm.session.ExpiresAt
	r.deleteRoomLocked(ref.code)
	return nil
}

// DeleteRoom removes the room for code, sending notice (if non-nil) to every
// bound leg first.
func (r *Registry) DeleteRoom(code string, notice Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[code]
	if !ok {
		return false
	}
	if notice != nil {
		for _, p := range rm.peers() {
			p.Send(notice)
		}
	}
	r.deleteRoomLocked(code)
	return true
}

func (r *Registry) deleteRoomLocked(code string) {
	rm, ok := r.rooms[code]
	if !ok {
		return
	}
	for _, p := range rm.peers() {
		if ref, ok := r.legs[p.ID()]; ok && ref.code == code {
			delete(r.legs, p.ID())
		}
	}
	delete(r.rooms, code)
	r.metrics.Inc(metrics.RoomsDeleted)
}

// SweepResult counts what one Sweep removed.
type SweepResult struct {
	Abandoned int
	Expired   int
}

// Sweep deletes rooms with no open leg, and waiting rooms whose session
// expired more than grace ago. Running it repeatedly is safe.
func (r *Registry) Sweep(now time.Time, grace time.Duration) SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, expiresAt := range r.finished {
		if now.After(expiresAt.Add(grace)) {
			delete(r.finished, id)
		}
	}

	var res SweepResult
	for code, rm := range r.rooms {
		if !rm.anyOpen() {
			r.deleteRoomLocked(code)
			res.Abandoned++
			continue
		}
		if rm.waiting() && now.After(rm.session.ExpiresAt.Add(grace)) {
			for _, p := range rm.peers() {
				p.Send(errorMessage(msgSessionExpired))
			}
			r.deleteRoomLocked(code)
			res.Expired++
		}
	}
	return res
}
