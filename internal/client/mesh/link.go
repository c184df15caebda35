package mesh

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meet60/meet60/internal/domain"
)

type Role int

const (
	RoleNone Role = iota
	RoleOfferer
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleResponder:
		return "responder"
	default:
		return "none"
	}
}

type LinkState int

const (
	LinkNew LinkState = iota
	LinkTracksAttached
	LinkOffering
	LinkAwaitingOffer
	LinkNegotiating
	LinkConnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkTracksAttached:
		return "tracks-attached"
	case LinkOffering:
		return "offering"
	case LinkAwaitingOffer:
		return "awaiting-offer"
	case LinkNegotiating:
		return "negotiating"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Link is the connection record for one remote peer. All negotiation
// steps for the same link are serialized by its mutex; links for
// different peers proceed independently.
type Link struct {
	peerID    domain.PeerID
	transport MediaTransport

	mu         sync.Mutex
	role       Role
	state      LinkState
	remoteSet  bool
	negotiated bool // first description round completed
	connected  bool // transport reached connected at least once
	pending    []webrtc.ICECandidateInit
	deadline   *time.Timer
}

func (l *Link) PeerID() domain.PeerID { return l.peerID }

func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) Role() Role {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role
}

// PendingCandidates reports how many candidates are queued waiting for
// the remote description.
func (l *Link) PendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Link) setConnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LinkClosed {
		return
	}
	l.connected = true
	l.state = LinkConnected
	l.stopDeadlineLocked()
}

// settleLocked ends a negotiation round once descriptions are applied.
// The transport only reports connected on its first transition, so a
// link that already connected goes straight back to that state instead
// of waiting for a callback that will never fire. Caller holds l.mu.
func (l *Link) settleLocked() {
	if l.connected {
		l.state = LinkConnected
		l.stopDeadlineLocked()
		return
	}
	l.state = LinkNegotiating
}

// close tears the link down. Idempotent.
func (l *Link) close() {
	l.mu.Lock()
	if l.state == LinkClosed {
		l.mu.Unlock()
		return
	}
	l.state = LinkClosed
	l.stopDeadlineLocked()
	l.pending = nil
	l.mu.Unlock()
	_ = l.transport.Close()
}

func (l *Link) stopDeadlineLocked() {
	if l.deadline != nil {
		l.deadline.Stop()
		l.deadline = nil
	}
}
