// Package rtc backs the mesh transport interface with pion peer
// connections.
package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meet60/meet60/internal/client/mesh"
	"github.com/meet60/meet60/internal/config"
	"github.com/meet60/meet60/internal/domain"
)

// ICEConfig builds the pion configuration from the client settings.
// STUN servers are always included; a TURN server is added only when
// configured.
func ICEConfig(cfg *config.Config) webrtc.Configuration {
	servers := []webrtc.ICEServer{}
	if len(cfg.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}
	if cfg.TURNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.TURNServer},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// NewFactory returns a transport factory that opens one peer
// connection per remote peer.
func NewFactory(cfg webrtc.Configuration) mesh.TransportFactory {
	return func(peerID domain.PeerID) (mesh.MediaTransport, error) {
		return newConnection(cfg, peerID)
	}
}

// Connection adapts one *webrtc.PeerConnection to the mesh transport
// interface. Callbacks must be registered before negotiation starts.
type Connection struct {
	peerID domain.PeerID
	pc     *webrtc.PeerConnection

	mu      sync.Mutex
	senders []*trackSender

	onICE       func(webrtc.ICECandidateInit)
	onTrack     func(mesh.RemoteMedia)
	onConnected func()
}

func newConnection(cfg webrtc.Configuration, peerID domain.PeerID) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{peerID: peerID, pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(c.peerID)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		if c.onTrack != nil {
			c.onTrack(mesh.RemoteMedia{
				From:     c.peerID,
				StreamID: track.StreamID(),
				TrackID:  track.ID(),
				Kind:     track.Kind().String(),
				Label:    track.Msid(),
				Track:    track,
			})
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(c.peerID)).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(c.peerID)).Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateConnected && c.onConnected != nil {
			c.onConnected()
		}
	})

	return c, nil
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

// SetRemoteDescription applies a remote description. An offer arriving
// while our own offer is still outstanding rolls the local one back
// first, so the call never fails on signaling-state grounds.
func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if desc.Type == webrtc.SDPTypeOffer && c.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := c.pc.SetLocalDescription(rollback); err != nil {
			return err
		}
		log.Debug().Str("module", "webrtc").Str("peer", string(c.peerID)).Msg("rolled back local offer")
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(cand)
}

func (c *Connection) AddTrack(t mesh.LocalTrack) (mesh.Sender, error) {
	sender, err := c.pc.AddTrack(t.Track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)

	ts := &trackSender{kind: t.Kind, sender: sender}
	c.mu.Lock()
	c.senders = append(c.senders, ts)
	c.mu.Unlock()
	return ts, nil
}

func (c *Connection) RemoveSender(s mesh.Sender) error {
	ts, ok := s.(*trackSender)
	if !ok {
		return errors.New("sender does not belong to this connection")
	}
	c.mu.Lock()
	for i, existing := range c.senders {
		if existing == ts {
			c.senders = append(c.senders[:i], c.senders[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if err := c.pc.RemoveTrack(ts.sender); err != nil {
		return err
	}
	return ts.sender.Stop()
}

func (c *Connection) Senders() []mesh.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mesh.Sender, len(c.senders))
	for i, s := range c.senders {
		out[i] = s
	}
	return out
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }
func (c *Connection) OnTrack(fn func(mesh.RemoteMedia))               { c.onTrack = fn }
func (c *Connection) OnConnected(fn func())                           { c.onConnected = fn }

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.peerID)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("peer", string(c.peerID)).Msg("closed")
	return nil
}

// drainRTCP keeps reading sender reports until the sender stops.
// Interceptors never run if the RTCP stream is left unread.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// trackSender is one outgoing attachment. pion has no browser-style
// SetParameters, so the encoding ceilings are held here for the media
// producer to consult when pacing frames.
type trackSender struct {
	kind   mesh.StreamKind
	sender *webrtc.RTPSender

	mu     sync.Mutex
	params mesh.EncodingParams
}

func (s *trackSender) StreamKind() mesh.StreamKind { return s.kind }

func (s *trackSender) MediaKind() string {
	track := s.sender.Track()
	if track == nil {
		return ""
	}
	return track.Kind().String()
}

func (s *trackSender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(track)
}

func (s *trackSender) SetEncodingParams(p mesh.EncodingParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	return nil
}

func (s *trackSender) EncodingParams() mesh.EncodingParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}
