// Package mesh drives one media connection per remote peer: role
// assignment, offer/answer exchange, candidate queueing, and track
// lifecycle across the whole connection table.
package mesh

import (
	"github.com/pion/webrtc/v4"

	"github.com/meet60/meet60/internal/domain"
)

type StreamKind string

const (
	StreamCamera StreamKind = "camera"
	StreamScreen StreamKind = "screen"
	StreamMic    StreamKind = "mic"
)

// LocalTrack pairs an outgoing media track with how it was produced.
type LocalTrack struct {
	Track webrtc.TrackLocal
	Kind  StreamKind
}

// HighMotion reports whether the content gets the higher bitrate
// ceiling (screen capture does, camera does not).
func (t LocalTrack) HighMotion() bool { return t.Kind == StreamScreen }

// MediaKind returns "audio" or "video".
func (t LocalTrack) MediaKind() string { return t.Track.Kind().String() }

// EncodingParams are the outgoing-quality ceilings for a video sender.
// Producers are expected to honor them when pacing frames.
type EncodingParams struct {
	MaxFramerate          uint32
	MaxBitrate            uint64 // bits per second, zero means no override
	DegradationPreference string
}

// Sender is one outgoing track attachment on a single transport.
type Sender interface {
	StreamKind() StreamKind
	MediaKind() string

	// ReplaceTrack swaps the underlying media source without
	// renegotiation or interruption on the remote end.
	ReplaceTrack(track webrtc.TrackLocal) error

	SetEncodingParams(EncodingParams) error
	EncodingParams() EncodingParams
}

// RemoteMedia is the {stream, label, kind, from} tuple handed to the
// rendering surface when a remote track arrives.
type RemoteMedia struct {
	From     domain.PeerID
	StreamID string
	TrackID  string
	Kind     string
	Label    string
	Track    *webrtc.TrackRemote
}

// MediaTransport is one direct media connection toward a single remote
// peer. Implementations wrap the platform transport primitive (pion
// RTCPeerConnection in production).
type MediaTransport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	AddTrack(t LocalTrack) (Sender, error)
	RemoveSender(s Sender) error
	Senders() []Sender

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(RemoteMedia))
	OnConnected(func())

	Close() error
}

// TransportFactory builds the transport for one remote peer.
type TransportFactory func(peerID domain.PeerID) (MediaTransport, error)

// SignalSender delivers negotiation messages toward one peer through
// the relay. Best effort, at most once, no delivery guarantee.
type SignalSender interface {
	SendOffer(target domain.PeerID, sdp string)
	SendAnswer(target domain.PeerID, sdp string)
	SendCandidate(target domain.PeerID, cand webrtc.ICECandidateInit)
}
