package media

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"github.com/meet60/meet60/internal/client/mesh"
)

// TrackStats is a point-in-time view of one inbound track.
type TrackStats struct {
	Packets uint64
	Bytes   uint64
	Lost    uint64
}

// Sink drains inbound tracks and keeps per-track packet statistics.
// It is the receiving end of a headless client; nothing is rendered.
type Sink struct {
	mu     sync.Mutex
	tracks map[string]*trackCounter
}

func NewSink() *Sink {
	return &Sink{tracks: make(map[string]*trackCounter)}
}

// HandleTrack starts draining one remote track. It satisfies the
// remote-media callback and returns immediately.
func (s *Sink) HandleTrack(m mesh.RemoteMedia) {
	key := fmt.Sprintf("%s/%s/%s", m.From, m.Kind, m.TrackID)

	s.mu.Lock()
	c := &trackCounter{}
	s.tracks[key] = c
	s.mu.Unlock()

	log.Info().
		Str("module", "media").
		Str("peer", string(m.From)).
		Str("kind", m.Kind).
		Str("stream", m.StreamID).
		Msg("draining remote track")

	go func() {
		for {
			pkt, _, err := m.Track.ReadRTP()
			if err != nil {
				log.Debug().Err(err).Str("module", "media").Str("track", key).Msg("track ended")
				return
			}
			c.account(pkt)
		}
	}()
}

// Snapshot returns current statistics for every known track.
func (s *Sink) Snapshot() map[string]TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TrackStats, len(s.tracks))
	for key, c := range s.tracks {
		out[key] = c.snapshot()
	}
	return out
}

type trackCounter struct {
	mu      sync.Mutex
	stats   TrackStats
	started bool
	lastSeq uint16
}

// account folds one packet into the counters. Loss is estimated from
// sequence number gaps, with uint16 wraparound handled by the
// subtraction itself.
func (c *trackCounter) account(pkt *rtp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Packets++
	c.stats.Bytes += uint64(len(pkt.Payload))

	if c.started {
		gap := pkt.SequenceNumber - c.lastSeq
		if gap > 1 && gap < 1<<15 {
			c.stats.Lost += uint64(gap - 1)
		}
	}
	c.started = true
	c.lastSeq = pkt.SequenceNumber
}

func (c *trackCounter) snapshot() TrackStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
