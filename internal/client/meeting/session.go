// Package meeting is the participant facade: it joins a meeting through the
// relay, keeps the roster, and wires remote participants to the peer
// manager and the local media source.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/client/media"
	"github.com/dkeye/Meet/internal/client/peer"
	"github.com/dkeye/Meet/internal/client/signaling"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrMediaUnavailable = errors.New("meeting: local media unavailable")
	ErrMeetingNotFound  = errors.New("meeting: not found")
	ErrNotStarted       = errors.New("meeting: not started")
	ErrLeft             = errors.New("meeting: left")
)

// Relay is the signaling connection. *signaling.Client implements it.
type Relay interface {
	Connect(ctx context.Context) error
	Send(m protocol.Message) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Config struct {
	Name string
	// MeetingID joins an existing meeting. Empty creates a new one.
	MeetingID domain.MeetingID
	Audio     bool
	Video     bool

	Peer      peer.Options
	Transport peer.TransportFactory
	Captures  func() ([]media.Capture, error)
	Relay     func(h signaling.Handlers) Relay
	// StartTimeout bounds the wait for the relay's welcome.
	StartTimeout time.Duration
}

// Events are delivered on internal goroutines and must not block.
type Events struct {
	OnRoster       func([]domain.Participant)
	OnChat         func(protocol.Chat)
	OnMedia        func(remote domain.ParticipantID, track peer.RemoteTrack)
	OnMediaRemoved func(remote domain.ParticipantID)
	OnError        func(*protocol.Error)
	// OnEnded fires once when the session stops for a reason other than
	// Leave.
	OnEnded func(err error)
}

type Session struct {
	cfg    Config
	ev     Events
	logger zerolog.Logger

	media *media.LocalSource
	relay Relay

	mu       sync.Mutex
	meeting  domain.MeetingID
	self     domain.ParticipantID
	peers    *peer.Manager
	roster   []domain.Participant
	audio    bool
	video    bool
	starting chan error
	left     bool
	ended    sync.Once
}

func New(cfg Config, ev Events) *Session {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	return &Session{
		cfg:    cfg,
		ev:     ev,
		logger: log.With().Str("module", "meeting").Logger(),
		audio:  cfg.Audio,
		video:  cfg.Video,
	}
}

// Start opens local media, connects to the relay, and creates or joins the
// meeting. Media failures are fatal and never retried.
func (s *Session) Start(ctx context.Context) error {
	caps, err := s.cfg.Captures()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	src, err := media.NewLocalSource(caps...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	s.media = src
	s.applyLocal(webrtc.RTPCodecTypeAudio, s.cfg.Audio)
	s.applyLocal(webrtc.RTPCodecTypeVideo, s.cfg.Video)
	src.OnTracksChanged(func(tracks []webrtc.TrackLocal) {
		if pm := s.manager(); pm != nil {
			pm.SetTracks(tracks)
		}
	})

	s.relay = s.cfg.Relay(signaling.Handlers{
		OnMessage:      s.dispatch,
		OnDisconnected: s.onDisconnected,
		OnReconnected:  s.onReconnected,
	})

	started := make(chan error, 1)
	s.mu.Lock()
	s.starting = started
	s.mu.Unlock()

	if err := s.relay.Connect(ctx); err != nil {
		src.Close()
		return err
	}
	if err := s.relay.Send(s.enter()); err != nil {
		s.shutdown()
		return err
	}

	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()
	select {
	case err = <-started:
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = errors.New("meeting: no answer from relay")
	case <-s.relay.Done():
		err = s.relay.Err()
	}
	if err != nil {
		s.shutdown()
		return err
	}
	go s.watch()
	return nil
}

// enter is the request that puts this participant in its meeting.
func (s *Session) enter() protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.meeting
	if id == "" {
		id = s.cfg.MeetingID
	}
	if id == "" {
		return &protocol.CreateSession{Name: s.cfg.Name, Audio: s.audio, Video: s.video}
	}
	return &protocol.JoinSession{MeetingID: id, Name: s.cfg.Name, Audio: s.audio, Video: s.video}
}

func (s *Session) MeetingID() domain.MeetingID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meeting
}

func (s *Session) Self() domain.ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Roster lists the other participants in join order.
func (s *Session) Roster() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Participant(nil), s.roster...)
}

// PeerState reports the negotiation state with remote.
func (s *Session) PeerState(remote domain.ParticipantID) (peer.State, bool) {
	pm := s.manager()
	if pm == nil {
		return peer.Closed, false
	}
	return pm.State(remote)
}

func (s *Session) SetAudio(enabled bool) error {
	return s.setMedia(domain.FieldAudio, webrtc.RTPCodecTypeAudio, enabled)
}

func (s *Session) SetVideo(enabled bool) error {
	return s.setMedia(domain.FieldVideo, webrtc.RTPCodecTypeVideo, enabled)
}

func (s *Session) setMedia(field domain.MediaField, kind webrtc.RTPCodecType, enabled bool) error {
	if err := s.ready(); err != nil {
		return err
	}
	s.applyLocal(kind, enabled)
	s.mu.Lock()
	if field == domain.FieldAudio {
		s.audio = enabled
	} else {
		s.video = enabled
	}
	s.mu.Unlock()
	return s.relay.Send(&protocol.StateChange{Field: field, Enabled: enabled})
}

func (s *Session) applyLocal(kind webrtc.RTPCodecType, enabled bool) {
	if err := s.media.SetEnabled(kind, enabled); err != nil && !errors.Is(err, media.ErrNoTrack) {
		s.logger.Warn().Err(err).Str("kind", kind.String()).Msg("toggle local track")
	}
}

// SendChat posts text to everyone in the meeting. source tells typed text
// from gesture or caption transcripts.
func (s *Session) SendChat(text, source string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if source == "" {
		source = protocol.SourceKeyboard
	}
	return s.relay.Send(&protocol.Chat{Text: text, Source: source})
}

// ShareScreen sends c instead of the camera and renegotiates every peer.
func (s *Session) ShareScreen(c media.Capture) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.media.ShareScreen(c)
}

func (s *Session) StopShare() bool {
	if s.ready() != nil {
		return false
	}
	return s.media.StopShare()
}

// Leave exits the meeting and releases every connection. It is safe to call
// more than once.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.left || s.relay == nil {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	s.mu.Unlock()

	if err := s.relay.Send(&protocol.LeaveSession{}); err != nil {
		s.logger.Debug().Err(err).Msg("leave not delivered")
	}
	s.shutdown()
	return nil
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.left:
		return ErrLeft
	case s.self == "":
		return ErrNotStarted
	}
	return nil
}

func (s *Session) manager() *peer.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers
}

func (s *Session) shutdown() {
	s.mu.Lock()
	s.left = true
	pm := s.peers
	s.peers = nil
	s.roster = nil
	s.mu.Unlock()

	if pm != nil {
		pm.Close()
	}
	if s.relay != nil {
		_ = s.relay.Close()
	}
	if s.media != nil {
		s.media.Close()
	}
}

// watch ends the session when the relay gives up.
func (s *Session) watch() {
	<-s.relay.Done()
	err := s.relay.Err()
	if err == nil {
		return
	}
	s.logger.Error().Err(err).Msg("relay lost")
	s.end(err)
}

func (s *Session) end(err error) {
	s.ended.Do(func() {
		s.mu.Lock()
		left := s.left
		s.mu.Unlock()
		if left {
			return
		}
		s.shutdown()
		if s.ev.OnEnded != nil {
			s.ev.OnEnded(err)
		}
	})
}
