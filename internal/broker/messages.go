package broker

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message types.
const (
	TypeJoinSender       = "join-sender"
	TypeJoinReceiver     = "join-receiver"
	TypeSignal           = "signal"
	TypeTransferComplete = "transfer-complete"
	TypeStopMultiShare   = "stop-multi-share"
	TypeSenderCancelled  = "sender-cancelled"
)

// Outbound-only message types.
const (
	TypeJoined                = "joined"
	TypePeerConnected         = "peer-connected"
	TypeMultiPeerConnected    = "multi-peer-connected"
	TypeReceiverCountUpdate   = "receiver-count-update"
	TypeSessionStopped        = "session-stopped"
	TypePeerDisconnected      = "peer-disconnected"
	TypeMultiPeerDisconnected = "multi-peer-disconnected"
	TypeError                 = "error"
)

var errProtocol = errors.New("protocol error")

// Inbound is the union of every client message. Unknown fields are ignored.
type Inbound struct {
	Type             string          `json:"type"`
	Code             string          `json:"code,omitempty"`
	Token            string          `json:"token,omitempty"`
	IsMultiShare     bool            `json:"isMultiShare,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	TargetReceiverID string          `json:"targetReceiverId,omitempty"`
}

// ParseInbound decodes one client frame. Errors wrap errProtocol; callers
// log them and keep the connection open.
func ParseInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", errProtocol, err)
	}
	switch msg.Type {
	case TypeJoinSender, TypeJoinReceiver, TypeTransferComplete, TypeStopMultiShare, TypeSenderCancelled:
	case TypeSignal:
		if len(msg.Data) == 0 {
			return Inbound{}, fmt.Errorf("%w: signal without data", errProtocol)
		}
	case "":
		return Inbound{}, fmt.Errorf("%w: missing type", errProtocol)
	default:
		return Inbound{}, fmt.Errorf("%w: unknown type %q", errProtocol, msg.Type)
	}
	return msg, nil
}

// Message is anything the broker sends to a peer. Values marshal to the wire
// form with encoding/json.
type Message interface {
	MessageType() string
}

type JoinedMessage struct {
	Type         string `json:"type"`
	Role         Role   `json:"role"`
	IsMultiShare bool   `json:"isMultiShare"`
	ReceiverID   string `json:"receiverId,omitempty"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	MimeType     string `json:"mimeType"`
}

func (m JoinedMessage) MessageType() string { return m.Type }

// EventMessage carries no payload: peer-connected, transfer-complete,
// session-stopped, sender-cancelled and peer-disconnected.
type EventMessage struct {
	Type string `json:"type"`
}

func (m EventMessage) MessageType() string { return m.Type }

// ReceiverEventMessage is multi-peer-connected or multi-peer-disconnected.
type ReceiverEventMessage struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiverId"`
}

func (m ReceiverEventMessage) MessageType() string { return m.Type }

type ReceiverStatus struct {
	ID               string `json:"id"`
	TransferComplete bool   `json:"transferComplete"`
}

type ReceiverCountMessage struct {
	Type         string           `json:"type"`
	Count        int              `json:"count"`
	MaxReceivers int              `json:"maxReceivers"`
	Receivers    []ReceiverStatus `json:"receivers"`
}

func (m ReceiverCountMessage) MessageType() string { return m.Type }

type SignalMessage struct {
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
	FromReceiverID string          `json:"fromReceiverId,omitempty"`
}

func (m SignalMessage) MessageType() string { return m.Type }

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (m ErrorMessage) MessageType() string { return m.Type }

func event(t string) EventMessage { return EventMessage{Type: t} }

func errorMessage(text string) ErrorMessage { return ErrorMessage{Type: TypeError, Error: text} }
