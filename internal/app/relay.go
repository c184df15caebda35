package app

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/meet60/meet60/internal/core"
	"github.com/meet60/meet60/internal/domain"
	"github.com/meet60/meet60/internal/protocol"
)

// Relay is the authoritative room registry plus the message-routing
// rules of the signaling protocol. Rooms are created lazily on first
// join and deleted when their last member leaves.
//
// Delivery is best effort throughout: a member whose transport is not
// writable is skipped, a missing target is dropped, and no error is
// ever surfaced to the sender.
type Relay struct {
	Registry *Registry

	mu    sync.Mutex
	rooms map[domain.RoomID]core.RoomService
}

func NewRelay(reg *Registry) *Relay {
	return &Relay{
		Registry: reg,
		rooms:    make(map[domain.RoomID]core.RoomService),
	}
}

// Connect registers a freshly accepted session before any room
// activity. The adapter has already sent the welcome frame.
func (r *Relay) Connect(sid core.SessionID, sess core.MemberSession) {
	r.Registry.Bind(sid, sess)
}

// Join puts the session into the room, creating it if absent. The
// joiner receives the current roster excluding itself and everyone
// else receives a peer-join announcement; these are always two
// distinct deliveries. Joining the same room twice only refreshes the
// roster, it never re-announces. Joining a new room while still in
// another leaves the old room first.
func (r *Relay) Join(sid core.SessionID, roomID domain.RoomID, displayName string) {
	sess, ok := r.Registry.Get(sid)
	if !ok {
		log.Warn().Str("module", "app.relay").Str("sid", string(sid)).Msg("join from unknown session")
		return
	}

	if current, ok := r.Registry.RoomOf(sid); ok {
		if current == roomID {
			// Idempotent re-join: refresh the roster, nothing else.
			r.mu.Lock()
			room, ok := r.rooms[roomID]
			r.mu.Unlock()
			if ok {
				r.sendRoster(sid, sess, room)
			}
			return
		}
		r.Leave(sid)
	}

	*sess.Peer() = domain.NewPeer(domain.PeerID(sid), displayName)

	// Membership changes and the empty-room check in Leave serialize
	// through r.mu, so a room can never be deleted between its lookup
	// and the AddMember.
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = core.NewRoom(roomID)
		r.rooms[roomID] = room
		log.Info().Str("module", "app.relay").Str("room", string(roomID)).Msg("room created")
	}
	room.AddMember(sid, sess)
	r.Registry.SetRoom(sid, roomID)
	r.mu.Unlock()
	log.Info().Str("module", "app.relay").Str("sid", string(sid)).Str("room", string(roomID)).Msg("joined room")

	r.sendRoster(sid, sess, room)

	announce, ok := marshal(protocol.PeerJoin{
		Type:        protocol.TypePeerJoin,
		PeerID:      sess.Peer().ID,
		DisplayName: sess.Peer().DisplayName,
	})
	if ok {
		room.Broadcast(sid, announce)
	}
}

// Leave detaches the session from its room, announces the departure to
// the remaining members, and deletes the room once empty. Safe to call
// any number of times; it is a no-op when the session has no room.
func (r *Relay) Leave(sid core.SessionID) {
	roomID, ok := r.Registry.RoomOf(sid)
	if !ok {
		return
	}

	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if ok {
		room.RemoveMember(sid)
		if room.MemberCount() == 0 {
			delete(r.rooms, roomID)
			log.Info().Str("module", "app.relay").Str("room", string(roomID)).Msg("room deleted")
		}
	}
	r.Registry.ClearRoom(sid)
	r.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("module", "app.relay").Str("sid", string(sid)).Str("room", string(roomID)).Msg("left room")

	if announce, ok := marshal(protocol.PeerLeave{
		Type:   protocol.TypePeerLeave,
		PeerID: domain.PeerID(sid),
	}); ok {
		room.Broadcast(sid, announce)
	}
}

// Disconnect handles transport close: leave the room (announcing the
// departure exactly once) and forget the session entirely.
func (r *Relay) Disconnect(sid core.SessionID) {
	r.Leave(sid)
	r.Registry.Unbind(sid)
}

// Forward relays an offer, answer, or ice message to the unique room
// member whose id equals target, re-tagged with the true sender id.
// The message is silently dropped when the sender has no room, the
// target is not a member of the same room, or the target's transport
// is not writable.
func (r *Relay) Forward(sid core.SessionID, msgType string, target core.SessionID, payload json.RawMessage) {
	roomID, ok := r.Registry.RoomOf(sid)
	if !ok {
		log.Debug().Str("module", "app.relay").Str("sid", string(sid)).Str("type", msgType).Msg("forward from roomless session dropped")
		return
	}

	r.mu.Lock()
	room, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}

	dest, ok := room.Member(target)
	if !ok {
		log.Debug().Str("module", "app.relay").Str("sid", string(sid)).Str("target", string(target)).Str("type", msgType).Msg("forward target not in room, dropped")
		return
	}

	frame, ok := marshal(protocol.Signal{
		Type:    msgType,
		From:    string(sid),
		Payload: payload,
	})
	if !ok {
		return
	}
	if err := dest.Signal().TrySend(frame); err != nil {
		log.Debug().Str("module", "app.relay").Str("target", string(target)).Str("type", msgType).Msg("forward target unwritable, dropped")
	}
}

// RoomCount reports the number of live rooms.
func (r *Relay) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Relay) sendRoster(sid core.SessionID, sess core.MemberSession, room core.RoomService) {
	peers := room.MembersSnapshot(sid)
	if peers == nil {
		peers = []domain.Peer{}
	}
	if frame, ok := marshal(protocol.PeersInRoom{Type: protocol.TypePeersInRoom, Peers: peers}); ok {
		_ = sess.Signal().TrySend(frame)
	}
}

func marshal(v any) (core.Frame, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("marshal frame")
		return nil, false
	}
	return b, true
}
