package broker

import (
	"sort"
	"time"
)

type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// State is derived from which legs are bound; it is never stored.
type State int

const (
	StateEmpty State = iota
	StateSenderOnly
	StateReceiverOnly
	StateConnected
	StateMultiShare
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateSenderOnly:
		return "sender-only"
	case StateReceiverOnly:
		return "receiver-only"
	case StateConnected:
		return "connected"
	case StateMultiShare:
		return "multi-share"
	default:
		return "unknown"
	}
}

// Peer is one live connection. Send must not block and must not call back
// into the broker; it returns false when the message could not be queued.
type Peer interface {
	ID() string
	Send(msg Message) bool
	Open() bool
}

// SessionInfo is the subset of a stored session a room needs.
type SessionInfo struct {
	ID        string
	Code      string
	FileName  string
	FileSize  int64
	MimeType  string
	ExpiresAt time.Time

	// room is the generation of the live room this was read from, zero when
	// it came from the store.
	room uint64
}

type receiverLeg struct {
	peer             Peer
	transferComplete bool
	joinedAt         time.Time
}

type room struct {
	session   SessionInfo
	gen       uint64
	createdAt time.Time

	sender Peer
	// receiver is the single-mode receiver, or a receiver waiting for a sender
	// that has not yet chosen a mode.
	receiver Peer

	multiShare bool
	receivers  map[string]*receiverLeg
}

func newRoom(sess SessionInfo, gen uint64, now time.Time) *room {
	sess.room = 0
	return &room{
		session:   sess,
		gen:       gen,
		createdAt: now,
		receivers: make(map[string]*receiverLeg),
	}
}

func (r *room) state() State {
	switch {
	case r.multiShare:
		return StateMultiShare
	case r.sender != nil && r.receiver != nil:
		return StateConnected
	case r.sender != nil:
		return StateSenderOnly
	case r.receiver != nil:
		return StateReceiverOnly
	default:
		return StateEmpty
	}
}

// waiting reports whether the room is still waiting for its counterpart.
func (r *room) waiting() bool {
	switch r.state() {
	case StateSenderOnly, StateReceiverOnly, StateEmpty:
		return true
	case StateMultiShare:
		return len(r.receivers) == 0
	default:
		return false
	}
}

// peers returns every bound leg, sender first.
func (r *room) peers() []Peer {
	out := make([]Peer, 0, 2+len(r.receivers))
	if r.sender != nil {
		out = append(out, r.sender)
	}
	if r.receiver != nil {
		out = append(out, r.receiver)
	}
	for _, id := range r.receiverIDs() {
		out = append(out, r.receivers[id].peer)
	}
	return out
}

func (r *room) receiverPeers() []Peer {
	out := make([]Peer, 0, 1+len(r.receivers))
	if r.receiver != nil {
		out = append(out, r.receiver)
	}
	for _, id := range r.receiverIDs() {
		out = append(out, r.receivers[id].peer)
	}
	return out
}

func (r *room) anyOpen() bool {
	for _, p := range r.peers() {
		if p.Open() {
			return true
		}
	}
	return false
}

// receiverIDs lists multi-share receivers in join order.
func (r *room) receiverIDs() []string {
	ids := make([]string, 0, len(r.receivers))
	for id := range r.receivers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.receivers[ids[i]], r.receivers[ids[j]]
		if !a.joinedAt.Equal(b.joinedAt) {
			return a.joinedAt.Before(b.joinedAt)
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (r *room) countUpdate(maxReceivers int) ReceiverCountMessage {
	ids := r.receiverIDs()
	statuses := make([]ReceiverStatus, 0, len(ids))
	for _, id := range ids {
		statuses = append(statuses, ReceiverStatus{ID: id, TransferComplete: r.receivers[id].transferComplete})
	}
	return ReceiverCountMessage{
		Type:         TypeReceiverCountUpdate,
		Count:        len(statuses),
		MaxReceivers: maxReceivers,
		Receivers:    statuses,
	}
}

func (r *room) joined(role Role, receiverID string) JoinedMessage {
	return JoinedMessage{
		Type:         TypeJoined,
		Role:         role,
		IsMultiShare: r.multiShare,
		ReceiverID:   receiverID,
		FileName:     r.session.FileName,
		FileSize:     r.session.FileSize,
		MimeType:     r.session.MimeType,
	}
}
