// Package media provides headless track producers and consumers for
// the command line client: an IVF file source for publishing and an
// RTP sink for receiving.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog/log"

	"github.com/meet60/meet60/internal/client/mesh"
)

// FileSource streams an IVF file as an outgoing video track, paced by
// the file's timebase and capped at the encoding framerate ceiling.
// The file loops until the context is cancelled.
type FileSource struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	track    *webrtc.TrackLocalStaticSample
	kind     mesh.StreamKind
	interval time.Duration
}

func NewFileSource(path string, kind mesh.StreamKind) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("not an IVF file: %w", err)
	}

	var mimeType string
	switch header.FourCC {
	case "VP80":
		mimeType = webrtc.MimeTypeVP8
	case "VP90":
		mimeType = webrtc.MimeTypeVP9
	case "AV01":
		mimeType = webrtc.MimeTypeAV1
	default:
		f.Close()
		return nil, fmt.Errorf("unsupported codec %q", header.FourCC)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		string(kind), "meet60-"+string(kind),
	)
	if err != nil {
		f.Close()
		return nil, err
	}

	interval := time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	src := &FileSource{file: f, reader: reader, track: track, kind: kind, interval: interval}

	params := mesh.EncodingFor(src.Track())
	if params.MaxFramerate > 0 {
		floor := time.Second / time.Duration(params.MaxFramerate)
		if interval < floor {
			src.interval = floor
		}
	}
	return src, nil
}

// Track returns the outgoing track for publishing through the session.
func (s *FileSource) Track() mesh.LocalTrack {
	return mesh.LocalTrack{Track: s.track, Kind: s.kind}
}

// Stream feeds frames into the track until the context is cancelled
// or the file cannot be read.
func (s *FileSource) Stream(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, _, err := s.reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if err := s.rewind(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := s.track.WriteSample(pionmedia.Sample{Data: frame, Duration: s.interval}); err != nil {
			return err
		}
	}
}

func (s *FileSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := ivfreader.NewWith(s.file)
	if err != nil {
		return err
	}
	s.reader = reader
	log.Debug().Str("module", "media").Str("kind", string(s.kind)).Msg("source looped")
	return nil
}

func (s *FileSource) Close() error { return s.file.Close() }
