package client

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meet60/meet60/internal/client/mesh"
	"github.com/meet60/meet60/internal/domain"
	"github.com/meet60/meet60/internal/protocol"
)

// SessionState is where the controller is in the join lifecycle.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateConnecting
	StateJoined
	StateLeaving
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// ControllerOptions wires the controller's collaborators.
type ControllerOptions struct {
	// Dial opens the signaling channel with the controller's handlers
	// installed. Called at most once per connection.
	Dial func(h Handlers) Transport

	NewTransport       mesh.TransportFactory
	OnRemoteMedia      func(mesh.RemoteMedia)
	NegotiationTimeout time.Duration
}

// Controller owns one client session: the signaling channel, the room
// roster, and the peer mesh. It reacts to relay announcements by
// opening and tearing down media links.
type Controller struct {
	dial func(h Handlers) Transport
	mesh *mesh.Orchestrator

	mu      sync.Mutex
	state   SessionState
	channel Transport
	roomID  domain.RoomID
	selfID  domain.PeerID
	roster  map[domain.PeerID]domain.Peer
}

func NewController(opts ControllerOptions) *Controller {
	c := &Controller{
		dial:   opts.Dial,
		roster: make(map[domain.PeerID]domain.Peer),
	}
	c.mesh = mesh.New(mesh.Options{
		Signals:            c,
		NewTransport:       opts.NewTransport,
		OnRemoteMedia:      opts.OnRemoteMedia,
		NegotiationTimeout: opts.NegotiationTimeout,
	})
	return c
}

// Join connects to the relay if needed and enters the room. Joining a
// different room while already in one tears down the current mesh
// first; the relay performs the matching room switch on its side.
func (c *Controller) Join(ctx context.Context, roomID domain.RoomID, displayName string) error {
	c.mu.Lock()
	if c.state == StateJoined && c.roomID != roomID {
		c.roster = make(map[domain.PeerID]domain.Peer)
		c.mu.Unlock()
		c.mesh.Close()
		c.mu.Lock()
	}
	needConnect := c.channel == nil
	if needConnect {
		c.state = StateConnecting
		c.channel = c.dial(c.handlers())
	}
	ch := c.channel
	c.mu.Unlock()

	if needConnect {
		if err := ch.Connect(ctx); err != nil {
			c.reset()
			return err
		}
		if err := ch.OnceOpen(ctx); err != nil {
			c.reset()
			return err
		}
	}

	join := protocol.Join{Type: protocol.TypeJoin, RoomID: string(roomID), DisplayName: displayName}
	if err := ch.Send(join); err != nil {
		c.reset()
		return err
	}

	c.mu.Lock()
	c.state = StateJoined
	c.roomID = roomID
	c.mu.Unlock()
	log.Info().Str("module", "session").Str("room", string(roomID)).Msg("joined")
	return nil
}

// Leave exits the current room but keeps the signaling channel open,
// so a later Join reuses the connection and identity.
func (c *Controller) Leave() {
	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return
	}
	c.state = StateLeaving
	ch := c.channel
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Send(protocol.Envelope{Type: protocol.TypeLeave}); err != nil {
			log.Debug().Err(err).Str("module", "session").Msg("leave frame not sent")
		}
	}
	c.mesh.Close()

	c.mu.Lock()
	c.roster = make(map[domain.PeerID]domain.Peer)
	c.roomID = ""
	c.state = StateIdle
	c.mu.Unlock()
	log.Info().Str("module", "session").Msg("left room")
}

// Close leaves the room and tears down the signaling channel.
func (c *Controller) Close() {
	c.Leave()
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

func (c *Controller) reset() {
	c.mu.Lock()
	c.state = StateIdle
	c.channel = nil
	c.roomID = ""
	c.roster = make(map[domain.PeerID]domain.Peer)
	c.mu.Unlock()
}

func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) SelfID() domain.PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Roster returns the known members of the current room, sorted by id.
// The local client is not part of its own roster.
func (c *Controller) Roster() []domain.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Peer, 0, len(c.roster))
	for _, p := range c.roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mesh exposes the peer connection table.
func (c *Controller) Mesh() *mesh.Orchestrator { return c.mesh }

// Publish attaches an outgoing track to every current and future link
// and renegotiates the links that already exist.
func (c *Controller) Publish(t mesh.LocalTrack) {
	c.mesh.AddLocalTrack(t)
	c.renegotiateAll()
}

// StartShare publishes a screen capture track mid-call.
func (c *Controller) StartShare(track webrtc.TrackLocal) {
	c.Publish(mesh.LocalTrack{Track: track, Kind: mesh.StreamScreen})
}

// StopShare detaches all screen senders and renegotiates.
func (c *Controller) StopShare() {
	c.mesh.RemoveLocalTracks(mesh.StreamScreen)
	c.renegotiateAll()
}

// SwitchInput swaps the capture device behind every non-screen sender
// of the given media kind. No renegotiation happens; remote peers keep
// receiving on the same sender.
func (c *Controller) SwitchInput(mediaKind string, track webrtc.TrackLocal) error {
	return c.mesh.ReplaceLocalTrack(mediaKind, track)
}

func (c *Controller) renegotiateAll() {
	for _, p := range c.Roster() {
		if err := c.mesh.Negotiate(p.ID); err != nil {
			log.Debug().Err(err).Str("module", "session").Str("peer", string(p.ID)).Msg("renegotiate skipped")
		}
	}
}

func (c *Controller) handlers() Handlers {
	return Handlers{
		OnWelcome: func(id domain.PeerID) {
			c.mu.Lock()
			c.selfID = id
			c.mu.Unlock()
			c.mesh.SetSelfID(id)
			log.Info().Str("module", "session").Str("id", string(id)).Msg("identity assigned")
		},

		OnPeersInRoom: func(peers []domain.Peer) {
			c.mu.Lock()
			c.roster = make(map[domain.PeerID]domain.Peer, len(peers))
			for _, p := range peers {
				c.roster[p.ID] = p
			}
			c.mu.Unlock()
			// Existing members offer to us; links open on their offers.
		},

		OnPeerJoin: func(peer domain.Peer) {
			if peer.ID == c.SelfID() {
				return
			}
			c.mu.Lock()
			c.roster[peer.ID] = peer
			c.mu.Unlock()

			if _, err := c.mesh.CreateOrGet(peer.ID, true); err != nil {
				log.Warn().Err(err).Str("module", "session").Str("peer", string(peer.ID)).Msg("link setup failed")
				return
			}
			if err := c.mesh.Negotiate(peer.ID); err != nil {
				log.Warn().Err(err).Str("module", "session").Str("peer", string(peer.ID)).Msg("offer failed")
			}
		},

		OnPeerLeave: func(id domain.PeerID) {
			c.mu.Lock()
			delete(c.roster, id)
			c.mu.Unlock()
			c.mesh.RemovePeer(id)
		},

		OnOffer:  c.mesh.HandleOffer,
		OnAnswer: c.mesh.HandleAnswer,
		OnICE:    c.mesh.HandleCandidate,

		OnClose: func(err error) {
			log.Warn().Err(err).Str("module", "session").Msg("signaling channel lost")
			c.mesh.Close()
			c.reset()
		},
	}
}

// SendOffer implements the mesh signal sender. Delivery is best
// effort; a frame the channel cannot take is dropped.
func (c *Controller) SendOffer(target domain.PeerID, sdp string) {
	c.signal(protocol.TypeOffer, target, protocol.SDP{SDP: sdp})
}

func (c *Controller) SendAnswer(target domain.PeerID, sdp string) {
	c.signal(protocol.TypeAnswer, target, protocol.SDP{SDP: sdp})
}

func (c *Controller) SendCandidate(target domain.PeerID, cand webrtc.ICECandidateInit) {
	c.signal(protocol.TypeICE, target, cand)
}

func (c *Controller) signal(kind string, target domain.PeerID, payload any) {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Debug().Err(err).Str("module", "session").Str("type", kind).Msg("signal payload not encodable")
		return
	}
	sig := protocol.Signal{Type: kind, Target: string(target), Payload: raw}
	if err := ch.Send(sig); err != nil {
		log.Debug().Err(err).Str("module", "session").Str("type", kind).Str("target", string(target)).Msg("signal dropped")
	}
}
