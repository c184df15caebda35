package core

import "github.com/meet60/meet60/internal/domain"

// Frame is a marshaled signal message ready for the wire.
type Frame []byte

// SessionID identifies one live relay connection. It is assigned on
// connect and dies with the connection.
type SessionID string

// SignalConnection is the transport endpoint of one participant.
//
// Delivery is best effort and at most once: TrySend never blocks and
// returns an error when the peer cannot accept the frame right now.
// Dropped frames are never retried.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// MemberSession binds a participant's identity to its transport.
// This is what a room stores and fans out to.
type MemberSession interface {
	Peer() *domain.Peer
	Signal() SignalConnection
}

// PublishResult reports delivery stats of a room broadcast.
type PublishResult struct {
	SentTo  int
	Skipped int
}

// RoomService is the membership set of one room. It owns the set but
// never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int

	// MembersSnapshot lists members excluding the given session, in no
	// particular order. Pass "" to include everyone.
	MembersSnapshot(except SessionID) []domain.Peer

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID)
	Member(sid SessionID) (MemberSession, bool)

	// Broadcast fans a frame out to every member except from. Members
	// whose transport is not writable are skipped without error.
	Broadcast(from SessionID, data Frame) PublishResult
}
