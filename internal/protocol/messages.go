// Package protocol defines the JSON wire messages exchanged between
// clients and the signaling relay. Every frame is a single JSON object
// whose "type" field selects the shape.
package protocol

import (
	"encoding/json"

	"github.com/meet60/meet60/internal/domain"
)

const (
	TypeWelcome     = "welcome"
	TypeJoin        = "join"
	TypePeersInRoom = "peers-in-room"
	TypePeerJoin    = "peer-join"
	TypePeerLeave   = "peer-leave"
	TypeLeave       = "leave"
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeICE         = "ice"
)

// Envelope is the first-pass decode of any inbound frame.
type Envelope struct {
	Type string `json:"type"`
}

// Welcome assigns session identity on connect (relay to client).
type Welcome struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Join enters a room (client to relay).
type Join struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName,omitempty"`
}

// PeersInRoom is the full roster snapshot delivered to a joiner,
// excluding the joiner itself.
type PeersInRoom struct {
	Type  string        `json:"type"`
	Peers []domain.Peer `json:"peers"`
}

// PeerJoin announces a new member to everyone already in the room.
type PeerJoin struct {
	Type        string        `json:"type"`
	PeerID      domain.PeerID `json:"peerId"`
	DisplayName string        `json:"displayName"`
}

// PeerLeave announces a departure to the remaining members.
type PeerLeave struct {
	Type   string        `json:"type"`
	PeerID domain.PeerID `json:"peerId"`
}

// Signal carries offer/answer/ice payloads through the relay. Clients
// set Target; the relay re-tags the message with the true sender in
// From before delivery, overriding anything the client supplied.
type Signal struct {
	Type    string          `json:"type"`
	Target  string          `json:"target,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// SDP is the payload of offer and answer signals.
type SDP struct {
	SDP string `json:"sdp"`
}
