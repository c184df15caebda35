package core

import "github.com/meet60/meet60/internal/domain"

// memberSession implements MemberSession by pairing identity + transport.
type memberSession struct {
	peer *domain.Peer
	conn SignalConnection
}

func NewMemberSession(peer *domain.Peer, conn SignalConnection) MemberSession {
	return &memberSession{peer: peer, conn: conn}
}

func (m *memberSession) Peer() *domain.Peer       { return m.peer }
func (m *memberSession) Signal() SignalConnection { return m.conn }
