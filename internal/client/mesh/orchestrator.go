package mesh

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meet60/meet60/internal/domain"
)

var (
	ErrNoLink     = errors.New("no link for peer")
	ErrLinkClosed = errors.New("link closed")
)

type Options struct {
	Signals      SignalSender
	NewTransport TransportFactory

	// OnRemoteMedia receives remote tracks for the rendering surface.
	// Optional.
	OnRemoteMedia func(RemoteMedia)

	// NegotiationTimeout force-closes a link stuck before connected.
	// Zero disables the timer.
	NegotiationTimeout time.Duration
}

// Orchestrator owns the connection table: exactly one Link per
// currently-known remote peer. It decides offer/answer roles, queues
// out-of-order candidates, and keeps local tracks attached to every
// live link.
type Orchestrator struct {
	signals      SignalSender
	newTransport TransportFactory
	onRemote     func(RemoteMedia)
	timeout      time.Duration

	mu     sync.Mutex
	selfID domain.PeerID
	links  map[domain.PeerID]*Link
	local  []LocalTrack
}

func New(opts Options) *Orchestrator {
	return &Orchestrator{
		signals:      opts.Signals,
		newTransport: opts.NewTransport,
		onRemote:     opts.OnRemoteMedia,
		timeout:      opts.NegotiationTimeout,
		links:        make(map[domain.PeerID]*Link),
	}
}

// SetSelfID records the identity assigned by the relay's welcome. It
// is the tie-break key for offer glare.
func (o *Orchestrator) SetSelfID(id domain.PeerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.selfID = id
}

func (o *Orchestrator) SelfID() domain.PeerID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selfID
}

func (o *Orchestrator) LinkCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.links)
}

func (o *Orchestrator) Link(peerID domain.PeerID) (*Link, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.links[peerID]
	return l, ok
}

// CreateOrGet returns the link for peerID, creating it if absent. All
// currently-held local tracks are attached before any offer or answer
// can be produced. Idempotent per peer.
func (o *Orchestrator) CreateOrGet(peerID domain.PeerID, willOffer bool) (*Link, error) {
	o.mu.Lock()
	if l, ok := o.links[peerID]; ok {
		o.mu.Unlock()
		return l, nil
	}
	tracks := make([]LocalTrack, len(o.local))
	copy(tracks, o.local)
	o.mu.Unlock()

	transport, err := o.newTransport(peerID)
	if err != nil {
		return nil, err
	}

	l := &Link{peerID: peerID, transport: transport, state: LinkNew}

	transport.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		o.signals.SendCandidate(peerID, cand)
	})
	transport.OnTrack(func(m RemoteMedia) {
		m.From = peerID
		log.Info().Str("module", "mesh").Str("peer", string(peerID)).Str("kind", m.Kind).Str("stream", m.StreamID).Msg("remote track")
		if o.onRemote != nil {
			o.onRemote(m)
		}
	})
	transport.OnConnected(func() {
		log.Info().Str("module", "mesh").Str("peer", string(peerID)).Msg("link connected")
		l.setConnected()
	})

	for _, t := range tracks {
		o.attach(l, t)
	}

	l.mu.Lock()
	l.state = LinkTracksAttached
	if willOffer {
		l.role = RoleOfferer
	} else {
		l.role = RoleResponder
		l.state = LinkAwaitingOffer
	}
	l.mu.Unlock()

	o.mu.Lock()
	// A concurrent CreateOrGet may have won the race; keep the first.
	if existing, ok := o.links[peerID]; ok {
		o.mu.Unlock()
		l.close()
		return existing, nil
	}
	o.links[peerID] = l
	// Tracks published while the link was being built missed both the
	// snapshot above and AddLocalTrack's link iteration.
	attached := make(map[webrtc.TrackLocal]bool, len(tracks))
	for _, t := range tracks {
		attached[t.Track] = true
	}
	var late []LocalTrack
	for _, t := range o.local {
		if !attached[t.Track] {
			late = append(late, t)
		}
	}
	o.mu.Unlock()

	for _, t := range late {
		o.attach(l, t)
	}

	log.Info().Str("module", "mesh").Str("peer", string(peerID)).Str("role", l.Role().String()).Msg("link created")
	return l, nil
}

// Negotiate produces and sends an offer toward the peer. Only one
// negotiation round runs at a time per link; a concurrent call while
// already offering or negotiating is a no-op.
func (o *Orchestrator) Negotiate(peerID domain.PeerID) error {
	l, ok := o.Link(peerID)
	if !ok {
		return ErrNoLink
	}

	l.mu.Lock()
	switch l.state {
	case LinkClosed:
		l.mu.Unlock()
		return ErrLinkClosed
	case LinkOffering, LinkNegotiating:
		l.mu.Unlock()
		return nil
	}

	offer, err := l.transport.CreateOffer()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := l.transport.SetLocalDescription(offer); err != nil {
		fatal := !l.negotiated
		l.mu.Unlock()
		if fatal {
			o.discard(l)
		}
		return err
	}
	l.role = RoleOfferer
	l.state = LinkOffering
	o.armDeadlineLocked(l)
	l.mu.Unlock()

	o.signals.SendOffer(peerID, offer.SDP)
	return nil
}

// HandleOffer runs the responder path: apply the remote description,
// flush queued candidates in arrival order, answer, and send it back.
func (o *Orchestrator) HandleOffer(from domain.PeerID, sdp string) {
	l, err := o.CreateOrGet(from, false)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("offer: transport create")
		return
	}

	l.mu.Lock()
	if l.state == LinkClosed {
		l.mu.Unlock()
		return
	}
	if l.state == LinkOffering {
		// Glare: both sides produced an offer. The lexicographically
		// smaller session id keeps the offerer role.
		if o.SelfID() < from {
			log.Warn().Str("module", "mesh").Str("peer", string(from)).Msg("offer glare, keeping offerer role")
			l.mu.Unlock()
			return
		}
		log.Warn().Str("module", "mesh").Str("peer", string(from)).Msg("offer glare, yielding to peer")
		l.role = RoleResponder
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := l.transport.SetRemoteDescription(remote); err != nil {
		fatal := !l.negotiated
		l.mu.Unlock()
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(from)).Bool("fatal", fatal).Msg("offer: set remote description")
		if fatal {
			o.discard(l)
		}
		return
	}
	l.remoteSet = true
	o.flushPendingLocked(l)

	answer, err := l.transport.CreateAnswer()
	if err != nil {
		l.mu.Unlock()
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("offer: create answer")
		return
	}
	if err := l.transport.SetLocalDescription(answer); err != nil {
		l.mu.Unlock()
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("offer: set local description")
		return
	}
	l.negotiated = true
	l.settleLocked()
	if l.state == LinkNegotiating {
		o.armDeadlineLocked(l)
	}
	l.mu.Unlock()

	o.signals.SendAnswer(from, answer.SDP)
}

// HandleAnswer applies a remote answer, but only when this link is
// actually waiting for one; anything else is dropped.
func (o *Orchestrator) HandleAnswer(from domain.PeerID, sdp string) {
	l, ok := o.Link(from)
	if !ok {
		log.Debug().Str("module", "mesh").Str("peer", string(from)).Msg("answer without link dropped")
		return
	}

	l.mu.Lock()
	if l.state != LinkOffering {
		state := l.state
		l.mu.Unlock()
		log.Debug().Str("module", "mesh").Str("peer", string(from)).Str("state", state.String()).Msg("unexpected answer dropped")
		return
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := l.transport.SetRemoteDescription(remote); err != nil {
		fatal := !l.negotiated
		l.mu.Unlock()
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(from)).Bool("fatal", fatal).Msg("answer: set remote description")
		if fatal {
			o.discard(l)
		}
		return
	}
	l.remoteSet = true
	l.negotiated = true
	o.flushPendingLocked(l)
	l.settleLocked()
	l.mu.Unlock()
}

// HandleCandidate applies the candidate immediately when the remote
// description is already set, otherwise queues it. Queued candidates
// are flushed in arrival order. A bad candidate is logged and ignored,
// never fatal.
func (o *Orchestrator) HandleCandidate(from domain.PeerID, cand webrtc.ICECandidateInit) {
	l, ok := o.Link(from)
	if !ok {
		log.Debug().Str("module", "mesh").Str("peer", string(from)).Msg("candidate without link dropped")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LinkClosed {
		return
	}
	if !l.remoteSet {
		l.pending = append(l.pending, cand)
		return
	}
	if err := l.transport.AddICECandidate(cand); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(from)).Msg("candidate rejected")
	}
}

// RemovePeer closes and discards the link. No further messages for
// the peer are processed afterwards.
func (o *Orchestrator) RemovePeer(peerID domain.PeerID) {
	o.mu.Lock()
	l, ok := o.links[peerID]
	delete(o.links, peerID)
	o.mu.Unlock()
	if !ok {
		return
	}
	l.close()
	log.Info().Str("module", "mesh").Str("peer", string(peerID)).Msg("link removed")
}

// Close tears down every link, for session leave.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	links := make([]*Link, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.links = make(map[domain.PeerID]*Link)
	o.mu.Unlock()

	for _, l := range links {
		l.close()
	}
}

// flushPendingLocked applies the queued candidates in original arrival
// order. Caller holds l.mu.
func (o *Orchestrator) flushPendingLocked(l *Link) {
	for _, cand := range l.pending {
		if err := l.transport.AddICECandidate(cand); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", string(l.peerID)).Msg("queued candidate rejected")
		}
	}
	l.pending = nil
}

// armDeadlineLocked starts the negotiation watchdog. Caller holds l.mu.
func (o *Orchestrator) armDeadlineLocked(l *Link) {
	if o.timeout <= 0 {
		return
	}
	l.stopDeadlineLocked()
	l.deadline = time.AfterFunc(o.timeout, func() {
		state := l.State()
		if state != LinkOffering && state != LinkNegotiating && state != LinkAwaitingOffer {
			return
		}
		log.Warn().Str("module", "mesh").Str("peer", string(l.peerID)).Str("state", state.String()).Dur("timeout", o.timeout).Msg("negotiation deadline exceeded, closing link")
		o.RemovePeer(l.peerID)
	})
}

// discard closes a failed link and forgets it. Used when the initial
// description application fails, which is fatal to that link only.
func (o *Orchestrator) discard(l *Link) {
	o.mu.Lock()
	if current, ok := o.links[l.peerID]; ok && current == l {
		delete(o.links, l.peerID)
	}
	o.mu.Unlock()
	l.close()
}
