package broker

import "errors"

var (
	ErrUnauthorized     = errors.New("invalid or expired session token")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionFull      = errors.New("session is full")
	ErrRoomNotFound     = errors.New("room not found")
	ErrSenderPresent    = errors.New("sender already connected")
	ErrReceiverPresent  = errors.New("receiver already connected")
	ErrAlreadyJoined    = errors.New("connection already joined a room")
	ErrNotSender        = errors.New("only the sender may end the session")
	ErrNotMultiShare    = errors.New("room is not in multi-share mode")
	ErrPeerNotConnected = errors.New("no peer connected")
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Text shown to clients. Token and lookup failures stay generic so a client
// cannot tell a bad signature from an unknown code.
const (
	msgUnauthorized     = "Invalid or expired session token"
	msgSessionNotFound  = "Session not found"
	msgSessionFull      = "Session is full"
	msgRoomNotFound     = "Room not found"
	msgSenderPresent    = "Session already has a sender"
	msgReceiverPresent  = "Session already has a receiver"
	msgAlreadyJoined    = "Already joined a session"
	msgNotSender        = "Only the sender can end the session"
	msgNotMultiShare    = "Session is not in multi-share mode"
	msgPeerNotConnected = "No peer connected"
	msgStoreUnavailable = "Session lookup failed, try again"
	msgSessionExpired   = "Session expired"
	msgInternal         = "Internal error"
)

func clientMessage(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return msgUnauthorized
	case errors.Is(err, ErrSessionNotFound):
		return msgSessionNotFound
	case errors.Is(err, ErrSessionFull):
		return msgSessionFull
	case errors.Is(err, ErrRoomNotFound):
		return msgRoomNotFound
	case errors.Is(err, ErrSenderPresent):
		return msgSenderPresent
	case errors.Is(err, ErrReceiverPresent):
		return msgReceiverPresent
	case errors.Is(err, ErrAlreadyJoined):
		return msgAlreadyJoined
	case errors.Is(err, ErrNotSender):
		return msgNotSender
	case errors.Is(err, ErrNotMultiShare):
		return msgNotMultiShare
	case errors.Is(err, ErrPeerNotConnected):
		return msgPeerNotConnected
	case errors.Is(err, ErrStoreUnavailable):
		return msgStoreUnavailable
	default:
		return msgInternal
	}
}
