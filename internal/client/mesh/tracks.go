package mesh

import (
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Outgoing-quality ceilings, tuned for smooth 60 fps meetings. Screen
// content is high motion and gets twice the camera budget.
const (
	MaxFramerate     = 60
	CameraMaxBitrate = 3_000_000
	ScreenMaxBitrate = 6_000_000

	degradationPreference = "maintain-framerate"
)

// EncodingFor returns the quality ceilings for a local track. Audio
// tracks receive no override.
func EncodingFor(t LocalTrack) EncodingParams {
	if t.MediaKind() != "video" {
		return EncodingParams{}
	}
	params := EncodingParams{
		MaxFramerate:          MaxFramerate,
		MaxBitrate:            CameraMaxBitrate,
		DegradationPreference: degradationPreference,
	}
	if t.HighMotion() {
		params.MaxBitrate = ScreenMaxBitrate
	}
	return params
}

// AddLocalTrack attaches the track to every live link and remembers it
// for links created later. It does not trigger renegotiation by
// itself; the transport supports mid-session addition.
func (o *Orchestrator) AddLocalTrack(t LocalTrack) {
	o.mu.Lock()
	o.local = append(o.local, t)
	links := o.snapshotLocked()
	o.mu.Unlock()

	for _, l := range links {
		o.attach(l, t)
	}
}

// RemoveLocalTracks detaches every local track of the given stream
// kind from all live links, for stopping a screen share.
func (o *Orchestrator) RemoveLocalTracks(kind StreamKind) {
	o.mu.Lock()
	kept := o.local[:0]
	for _, t := range o.local {
		if t.Kind != kind {
			kept = append(kept, t)
		}
	}
	o.local = kept
	links := o.snapshotLocked()
	o.mu.Unlock()

	for _, l := range links {
		for _, s := range l.transport.Senders() {
			if s.StreamKind() != kind {
				continue
			}
			if err := l.transport.RemoveSender(s); err != nil {
				log.Warn().Err(err).Str("module", "mesh").Str("peer", string(l.peerID)).Msg("remove sender")
			}
		}
	}
}

// ReplaceLocalTrack swaps the media source of the given kind ("audio"
// or "video") on every live link, excluding screen-share senders. Used
// for device switching; no renegotiation, no visible interruption.
func (o *Orchestrator) ReplaceLocalTrack(mediaKind string, track webrtc.TrackLocal) error {
	o.mu.Lock()
	for i, t := range o.local {
		if t.Kind != StreamScreen && t.MediaKind() == mediaKind {
			o.local[i].Track = track
		}
	}
	links := o.snapshotLocked()
	o.mu.Unlock()

	var errs []error
	for _, l := range links {
		for _, s := range l.transport.Senders() {
			if s.StreamKind() == StreamScreen || s.MediaKind() != mediaKind {
				continue
			}
			if err := s.ReplaceTrack(track); err != nil {
				log.Error().Err(err).Str("module", "mesh").Str("peer", string(l.peerID)).Str("kind", mediaKind).Msg("replace track")
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// attach adds one track to one link and applies the quality ceilings.
// Attachment failures degrade that one link, never the session.
func (o *Orchestrator) attach(l *Link, t LocalTrack) {
	s, err := l.transport.AddTrack(t)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(l.peerID)).Str("kind", string(t.Kind)).Msg("add track")
		return
	}
	if params := EncodingFor(t); params != (EncodingParams{}) {
		if err := s.SetEncodingParams(params); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Str("peer", string(l.peerID)).Msg("tune sender")
		}
	}
}

// snapshotLocked copies the live link set so cross-peer operations
// survive a peer leaving mid-iteration. Caller holds o.mu.
func (o *Orchestrator) snapshotLocked() []*Link {
	links := make([]*Link, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	return links
}
