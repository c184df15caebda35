package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/meet60/meet60/internal/client/mesh"
	"github.com/meet60/meet60/internal/domain"
	"github.com/meet60/meet60/internal/protocol"
)

// fakeChannel stands in for the websocket channel. OnceOpen plays the
// relay's part and hands out the identity.
type fakeChannel struct {
	selfID domain.PeerID

	mu        sync.Mutex
	handlers  Handlers
	connected bool
	closed    bool
	sent      []any
}

func (f *fakeChannel) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeChannel) OnceOpen(context.Context) error {
	if f.handlers.OnWelcome != nil {
		f.handlers.OnWelcome(f.selfID)
	}
	return nil
}

func (f *fakeChannel) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeChannel) frames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeChannel) signalsOf(kind string) []protocol.Signal {
	var out []protocol.Signal
	for _, v := range f.frames() {
		if sig, ok := v.(protocol.Signal); ok && sig.Type == kind {
			out = append(out, sig)
		}
	}
	return out
}

func (f *fakeChannel) joins() []protocol.Join {
	var out []protocol.Join
	for _, v := range f.frames() {
		if j, ok := v.(protocol.Join); ok {
			out = append(out, j)
		}
	}
	return out
}

// fakeMedia is a minimal transport double for wiring the mesh under
// the controller.
type fakeMedia struct {
	peer domain.PeerID

	mu      sync.Mutex
	senders []*fakeMediaSender
	closed  bool

	onICE       func(webrtc.ICECandidateInit)
	onTrack     func(mesh.RemoteMedia)
	onConnected func()
}

type fakeMediaSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	kind     mesh.StreamKind
	params   mesh.EncodingParams
	replaced int
}

func (s *fakeMediaSender) StreamKind() mesh.StreamKind { return s.kind }

func (s *fakeMediaSender) MediaKind() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track.Kind().String()
}

func (s *fakeMediaSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

func (s *fakeMediaSender) SetEncodingParams(p mesh.EncodingParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	return nil
}

func (s *fakeMediaSender) EncodingParams() mesh.EncodingParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (f *fakeMedia) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (f *fakeMedia) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (f *fakeMedia) SetLocalDescription(webrtc.SessionDescription) error  { return nil }
func (f *fakeMedia) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (f *fakeMedia) AddICECandidate(webrtc.ICECandidateInit) error        { return nil }

func (f *fakeMedia) AddTrack(t mesh.LocalTrack) (mesh.Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeMediaSender{track: t.Track, kind: t.Kind}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakeMedia) RemoveSender(s mesh.Sender) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.senders {
		if existing == s {
			f.senders = append(f.senders[:i], f.senders[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeMedia) Senders() []mesh.Sender {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mesh.Sender, len(f.senders))
	for i, s := range f.senders {
		out[i] = s
	}
	return out
}

func (f *fakeMedia) OnICECandidate(fn func(webrtc.ICECandidateInit)) { f.onICE = fn }
func (f *fakeMedia) OnTrack(fn func(mesh.RemoteMedia))               { f.onTrack = fn }
func (f *fakeMedia) OnConnected(fn func())                           { f.onConnected = fn }

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type sessionHarness struct {
	ctl        *Controller
	ch         *fakeChannel
	mu         sync.Mutex
	transports map[domain.PeerID]*fakeMedia
}

func newSessionHarness(selfID domain.PeerID) *sessionHarness {
	h := &sessionHarness{
		ch:         &fakeChannel{selfID: selfID},
		transports: make(map[domain.PeerID]*fakeMedia),
	}
	h.ctl = NewController(ControllerOptions{
		Dial: func(handlers Handlers) Transport {
			h.ch.handlers = handlers
			return h.ch
		},
		NewTransport: func(peerID domain.PeerID) (mesh.MediaTransport, error) {
			ft := &fakeMedia{peer: peerID}
			h.mu.Lock()
			h.transports[peerID] = ft
			h.mu.Unlock()
			return ft, nil
		},
	})
	return h
}

func (h *sessionHarness) join(t *testing.T, room domain.RoomID) {
	t.Helper()
	if err := h.ctl.Join(context.Background(), room, "tester"); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func (h *sessionHarness) transport(t *testing.T, peerID domain.PeerID) *fakeMedia {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	ft, ok := h.transports[peerID]
	if !ok {
		t.Fatalf("no transport for %s", peerID)
	}
	return ft
}

func TestJoinHandshake(t *testing.T) {
	h := newSessionHarness("me")

	if h.ctl.State() != StateIdle {
		t.Fatalf("state=%s, want idle before join", h.ctl.State())
	}
	h.join(t, "standup")

	if h.ctl.State() != StateJoined {
		t.Fatalf("state=%s, want joined", h.ctl.State())
	}
	if h.ctl.SelfID() != "me" {
		t.Fatalf("SelfID=%q, want relay-assigned identity", h.ctl.SelfID())
	}
	if h.ctl.Mesh().SelfID() != "me" {
		t.Fatalf("mesh SelfID=%q, want propagated identity", h.ctl.Mesh().SelfID())
	}

	joins := h.ch.joins()
	if len(joins) != 1 {
		t.Fatalf("join frames=%d, want 1", len(joins))
	}
	if joins[0].RoomID != "standup" || joins[0].DisplayName != "tester" {
		t.Fatalf("join=%+v", joins[0])
	}
}

func TestJoinerWaitsForOffers(t *testing.T) {
	h := newSessionHarness("me")
	h.join(t, "standup")

	h.ch.handlers.OnPeersInRoom([]domain.Peer{
		{ID: "alice", DisplayName: "Alice"},
		{ID: "bob", DisplayName: "Bob"},
	})

	if got := len(h.ctl.Roster()); got != 2 {
		t.Fatalf("roster=%d, want 2", got)
	}
	if h.ctl.Mesh().LinkCount() != 0 {
		t.Fatalf("joiner opened links before any offer arrived")
	}
	if got := len(h.ch.signalsOf(protocol.TypeOffer)); got != 0 {
		t.Fatalf("joiner sent %d offers, want 0", got)
	}

	// Existing members offer; we answer.
	h.ch.handlers.OnOffer("alice", "v=0 from alice")
	answers := h.ch.signalsOf(protocol.TypeAnswer)
	if len(answers) != 1 || answers[0].Target != "alice" {
		t.Fatalf("answers=%+v, want one toward alice", answers)
	}
	var body protocol.SDP
	if err := json.Unmarshal(answers[0].Payload, &body); err != nil || body.SDP == "" {
		t.Fatalf("answer payload=%s err=%v", answers[0].Payload, err)
	}
}

func TestMemberOffersToJoiner(t *testing.T) {
	h := newSessionHarness("me")
	h.join(t, "standup")

	h.ch.handlers.OnPeerJoin(domain.Peer{ID: "carol", DisplayName: "Carol"})

	if got := len(h.ctl.Roster()); got != 1 {
		t.Fatalf("roster=%d, want 1", got)
	}
	offers := h.ch.signalsOf(protocol.TypeOffer)
	if len(offers) != 1 || offers[0].Target != "carol" {
		t.Fatalf("offers=%+v, want one toward carol", offers)
	}
	if _, ok := h.ctl.Mesh().Link("carol"); !ok {
		t.Fatalf("no link opened toward the joiner")
	}

	// Candidates surfaced by the transport go out as ice signals.
	ft := h.transport(t, "carol")
	ft.onICE(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	ice := h.ch.signalsOf(protocol.TypeICE)
	if len(ice) != 1 || ice[0].Target != "carol" {
		t.Fatalf("ice=%+v, want one toward carol", ice)
	}
}

func TestPeerLeaveDropsLink(t *testing.T) {
	h := newSessionHarness("me")
	h.join(t, "standup")
	h.ch.handlers.OnPeerJoin(domain.Peer{ID: "carol"})

	h.ch.handlers.OnPeerLeave("carol")

	if got := len(h.ctl.Roster()); got != 0 {
		t.Fatalf("roster=%d after leave, want 0", got)
	}
	if h.ctl.Mesh().LinkCount() != 0 {
		t.Fatalf("link survived peer departure")
	}
	ft := h.transport(t, "carol")
	ft.mu.Lock()
	closed := ft.closed
	ft.mu.Unlock()
	if !closed {
		t.Fatalf("transport not closed on departure")
	}
}

func TestLeaveKeepsChannelForRejoin(t *testing.T) {
	h := newSessionHarness("me")
	h.join(t, "standup")
	h.ch.handlers.OnPeerJoin(domain.Peer{ID: "carol"})

	h.ctl.Leave()

	if h.ctl.State() != StateIdle {
		t.Fatalf("state=%s after leave, want idle", h.ctl.State())
	}
	if len(h.ctl.Roster()) != 0 || h.ctl.Mesh().LinkCount() != 0 {
		t.Fatalf("leave did not clear roster and links")
	}

	leaves := 0
	for _, v := range h.ch.frames() {
		if env, ok := v.(protocol.Envelope); ok && env.Type == protocol.TypeLeave {
			leaves++
		}
	}
	if leaves != 1 {
		t.Fatalf("leave frames=%d, want 1", leaves)
	}
	if h.ch.closed {
		t.Fatalf("leave must keep the signaling channel open")
	}

	// Leaving twice is a no-op.
	h.ctl.Leave()

	h.join(t, "retro")
	if got := len(h.ch.joins()); got != 2 {
		t.Fatalf("join frames=%d after rejoin, want 2", got)
	}
}

func TestJoinOtherRoomTearsDownMesh(t *testing.T) {
	h := newSessionHarness("me")
	h.join(t, "standup")
	h.ch.handlers.OnPeerJoin(domain.Peer{ID: "carol"})

	h.join(t, "retro")

	if h.ctl.Mesh().LinkCount() != 0 {
		t.Fatalf("links from the old room survived the switch")
	}
	if got := len(h.ctl.Roster()); got != 0 {
		t.Fatalf("roster=%d after switch, want 0 until the new snapshot", got)
	}
	if got := len(h.ch.joins()); got != 2 {
		t.Fatalf("join frames=%d, want 2", got)
	}
}

func TestCloseShutsChannel(t *testing.T) {
	h := newSessionHarness("me")
	h.join(t, "standup")

	h.ctl.Close()

	if !h.ch.closed {
		t.Fatalf("channel left open after Close")
	}
	if h.ctl.State() != StateIdle {
		t.Fatalf("state=%s, want idle", h.ctl.State())
	}
}

func TestShareLifecycleRenegotiates(t *testing.T) {
	h := newSessionHarness("me")
	h.join(t, "standup")
	h.ch.handlers.OnPeerJoin(domain.Peer{ID: "carol"})
	h.ch.handlers.OnAnswer("carol", "v=0 answer")
	ft := h.transport(t, "carol")
	ft.onConnected()
	baseline := len(h.ch.signalsOf(protocol.TypeOffer))

	screen := &staticTrack{id: "screen", kind: webrtc.RTPCodecTypeVideo}
	h.ctl.StartShare(screen)

	if got := len(ft.Senders()); got != 1 {
		t.Fatalf("senders=%d after share start, want 1", got)
	}
	if got := len(h.ch.signalsOf(protocol.TypeOffer)); got != baseline+1 {
		t.Fatalf("offers=%d, want renegotiation after share start", got)
	}

	// Complete the start-share round; stopping the share must then
	// renegotiate again to drop the screen sender remotely.
	h.ch.handlers.OnAnswer("carol", "v=0 answer")

	h.ctl.StopShare()
	if got := len(ft.Senders()); got != 0 {
		t.Fatalf("senders=%d after share stop, want 0", got)
	}
	if got := len(h.ch.signalsOf(protocol.TypeOffer)); got != baseline+2 {
		t.Fatalf("offers=%d, want renegotiation after share stop", got)
	}
}

func TestSwitchInputIsSilent(t *testing.T) {
	h := newSessionHarness("me")
	h.join(t, "standup")
	h.ctl.Publish(mesh.LocalTrack{
		Track: &staticTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo},
		Kind:  mesh.StreamCamera,
	})
	h.ch.handlers.OnPeerJoin(domain.Peer{ID: "carol"})
	framesBefore := len(h.ch.frames())

	if err := h.ctl.SwitchInput("video", &staticTrack{id: "cam2", kind: webrtc.RTPCodecTypeVideo}); err != nil {
		t.Fatalf("SwitchInput: %v", err)
	}

	if got := len(h.ch.frames()); got != framesBefore {
		t.Fatalf("device switch produced %d extra frames, want 0", got-framesBefore)
	}
	ft := h.transport(t, "carol")
	sender := ft.Senders()[0].(*fakeMediaSender)
	if sender.replaced != 1 {
		t.Fatalf("sender replaced %d times, want 1", sender.replaced)
	}
}

type staticTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *staticTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *staticTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *staticTrack) ID() string                            { return t.id }
func (t *staticTrack) RID() string                           { return "" }
func (t *staticTrack) StreamID() string                      { return "s-" + t.id }
func (t *staticTrack) Kind() webrtc.RTPCodecType             { return t.kind }
