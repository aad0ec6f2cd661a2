// Package media owns the local tracks a participant sends.
package media

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoTrack = errors.New("media: no local track of that kind")
	ErrClosed  = errors.New("media: source closed")
)

const streamID = "meet-local"

type feed struct {
	capture Capture
	track   *LocalTrack
}

// LocalSource pumps every capture into its own local track. At most one
// track per kind is sent; a screen share takes the video slot and keeps the
// camera aside until it ends.
type LocalSource struct {
	logger zerolog.Logger
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[webrtc.RTPCodecType]*feed
	enabled map[webrtc.RTPCodecType]bool
	camera  *feed
	sharing bool
	subs    []func([]webrtc.TrackLocal)
	n       int
	closed  bool
}

func NewLocalSource(captures ...Capture) (*LocalSource, error) {
	s := &LocalSource{
		logger:  log.With().Str("module", "media").Logger(),
		active:  make(map[webrtc.RTPCodecType]*feed),
		enabled: make(map[webrtc.RTPCodecType]bool),
	}
	for _, c := range captures {
		f, err := s.start(c)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		s.mu.Lock()
		if old, ok := s.active[c.Kind()]; ok {
			s.stop(old)
		}
		s.active[c.Kind()] = f
		s.enabled[c.Kind()] = true
		s.mu.Unlock()
	}
	return s, nil
}

// Tracks returns the tracks currently sent, audio first.
func (s *LocalSource) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracksLocked()
}

func (s *LocalSource) tracksLocked() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, 2)
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if f, ok := s.active[kind]; ok {
			out = append(out, f.track.Track)
		}
	}
	return out
}

func (s *LocalSource) Has(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[kind]
	return ok
}

// SetEnabled mutes or unmutes kind. The setting survives a screen share.
func (s *LocalSource) SetEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.active[kind]
	if !ok {
		return ErrNoTrack
	}
	s.enabled[kind] = enabled
	apply(f.track, enabled)
	if kind == webrtc.RTPCodecTypeVideo && s.camera != nil {
		apply(s.camera.track, enabled)
	}
	return nil
}

func (s *LocalSource) Enabled(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[kind]
	return ok && s.enabled[kind]
}

// ShareScreen sends c in place of the camera. Sharing again replaces the
// previous share.
func (s *LocalSource) ShareScreen(c Capture) error {
	if c.Kind() != webrtc.RTPCodecTypeVideo {
		return fmt.Errorf("media: screen share must be video, got %s", c.Kind())
	}
	f, err := s.start(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.stop(f)
		return ErrClosed
	}
	cur := s.active[webrtc.RTPCodecTypeVideo]
	if s.sharing {
		if cur != nil {
			s.stop(cur)
		}
	} else {
		s.camera = cur
	}
	s.sharing = true
	if _, ok := s.enabled[webrtc.RTPCodecTypeVideo]; !ok {
		s.enabled[webrtc.RTPCodecTypeVideo] = true
	}
	apply(f.track, s.enabled[webrtc.RTPCodecTypeVideo])
	s.active[webrtc.RTPCodecTypeVideo] = f
	s.logger.Info().Str("track_id", f.track.Track.ID()).Msg("screen share started")
	s.notifyLocked()
	s.mu.Unlock()
	return nil
}

// StopShare puts the camera back. It reports whether a share was running.
func (s *LocalSource) StopShare() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sharing {
		return false
	}
	if screen, ok := s.active[webrtc.RTPCodecTypeVideo]; ok {
		s.stop(screen)
	}
	if s.camera != nil {
		s.active[webrtc.RTPCodecTypeVideo] = s.camera
	} else {
		delete(s.active, webrtc.RTPCodecTypeVideo)
	}
	s.camera = nil
	s.sharing = false
	s.logger.Info().Msg("screen share stopped")
	s.notifyLocked()
	return true
}

func (s *LocalSource) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharing
}

// OnTracksChanged registers fn to run with the new track set after a share
// starts or stops. fn runs with the source locked and must not call back.
func (s *LocalSource) OnTracksChanged(fn func([]webrtc.TrackLocal)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Track returns the local track sent for kind.
func (s *LocalSource) Track(kind webrtc.RTPCodecType) (*LocalTrack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.active[kind]
	if !ok {
		return nil, false
	}
	return f.track, true
}

func (s *LocalSource) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for kind, f := range s.active {
		s.stop(f)
		delete(s.active, kind)
	}
	if s.camera != nil {
		s.stop(s.camera)
		s.camera = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *LocalSource) notifyLocked() {
	tracks := s.tracksLocked()
	for _, fn := range s.subs {
		fn(tracks)
	}
}

func (s *LocalSource) start(c Capture) (*feed, error) {
	s.mu.Lock()
	s.n++
	id := fmt.Sprintf("%s-%d", c.Kind(), s.n)
	s.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticRTP(c.Codec(), id, streamID)
	if err != nil {
		return nil, err
	}
	f := &feed{capture: c, track: NewLocalTrack(track)}
	s.wg.Add(1)
	go s.pump(f)
	return f, nil
}

func (s *LocalSource) stop(f *feed) {
	f.track.MarkStopped()
	if err := f.capture.Close(); err != nil {
		s.logger.Debug().Err(err).Str("track_id", f.track.Track.ID()).Msg("close capture")
	}
}

// pump reads packets from the capture and writes them to the local track
// until the capture ends.
func (s *LocalSource) pump(f *feed) {
	defer s.wg.Done()
	logger := s.logger.With().Str("track_id", f.track.Track.ID()).Logger()
	for {
		pkt, _, err := f.capture.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error().Err(err).Msg("capture read error, stopping")
			}
			f.track.MarkStopped()
			return
		}
		if f.track.State() == TrackStateStopped {
			return
		}
		if err := f.track.WriteRTP(pkt); err != nil {
			logger.Warn().Err(err).Msg("write RTP")
		}
	}
}

func apply(lt *LocalTrack, enabled bool) {
	if enabled {
		lt.MarkLive()
	} else {
		lt.MarkMuted()
	}
}
