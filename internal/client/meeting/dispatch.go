package meeting

import (
	"github.com/dkeye/Meet/internal/client/peer"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
)

// dispatch runs on the relay's read goroutine.
func (s *Session) dispatch(m protocol.Message) {
	switch m := m.(type) {
	case *protocol.SessionCreated:
		s.welcome(m.MeetingID, m.Self, nil)
	case *protocol.SessionJoined:
		s.welcome(m.MeetingID, m.Self, m.Participants)
	case *protocol.SessionLeft:
		s.logger.Info().Str("meeting", string(m.MeetingID)).Msg("left meeting")
	case *protocol.PresenceJoin:
		s.presenceJoin(m.Participant)
	case *protocol.PresenceLeave:
		s.presenceLeave(m.ID)
	case *protocol.StateChange:
		s.stateChange(m)
	case *protocol.Chat:
		if s.ev.OnChat != nil {
			s.ev.OnChat(*m)
		}
	case *protocol.Offer:
		if pm := s.manager(); pm != nil {
			pm.HandleOffer(m.From, m.SDP)
		}
	case *protocol.Answer:
		if pm := s.manager(); pm != nil {
			pm.HandleAnswer(m.From, m.SDP)
		}
	case *protocol.ICECandidate:
		if pm := s.manager(); pm != nil {
			pm.HandleCandidate(m.From, m.Candidate)
		}
	case *protocol.Error:
		s.onError(m)
	case *protocol.Ping:
		if err := s.relay.Send(&protocol.Pong{}); err != nil {
			s.logger.Debug().Err(err).Msg("pong")
		}
	case *protocol.Pong:
	default:
		s.logger.Debug().Str("kind", string(m.Kind())).Msg("unexpected message")
	}
}

// welcome installs a fresh peer manager for the handle the relay assigned.
// The joiner offers to everyone already present.
func (s *Session) welcome(id domain.MeetingID, self domain.ParticipantID, present []domain.Participant) {
	pm := peer.NewManager(self, peer.SignalerFunc(s.relay.Send), s.cfg.Transport, s.cfg.Peer, peer.Events{
		OnMedia:        s.ev.OnMedia,
		OnMediaRemoved: s.ev.OnMediaRemoved,
	})
	pm.SetTracks(s.media.Tracks())

	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		pm.Close()
		return
	}
	old := s.peers
	s.meeting, s.self, s.peers = id, self, pm
	s.roster = append([]domain.Participant(nil), present...)
	started := s.starting
	s.starting = nil
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.logger.Info().Str("meeting", string(id)).Str("self", string(self)).Int("present", len(present)).Msg("in meeting")
	for _, p := range present {
		pm.Connect(p.ID)
	}
	s.notifyRoster()
	if started != nil {
		started <- nil
	}
}

func (s *Session) presenceJoin(p domain.Participant) {
	s.mu.Lock()
	pm := s.peers
	if pm == nil || p.ID == s.self {
		s.mu.Unlock()
		return
	}
	replaced := false
	for i := range s.roster {
		if s.roster[i].ID == p.ID {
			s.roster[i] = p
			replaced = true
		}
	}
	if !replaced {
		s.roster = append(s.roster, p)
	}
	s.mu.Unlock()

	// The newcomer offers; this side only prepares a context.
	pm.Add(p.ID)
	s.notifyRoster()
}

func (s *Session) presenceLeave(id domain.ParticipantID) {
	s.mu.Lock()
	pm := s.peers
	for i := range s.roster {
		if s.roster[i].ID == id {
			s.roster = append(s.roster[:i], s.roster[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if pm != nil {
		pm.Remove(id)
	}
	s.notifyRoster()
}

func (s *Session) stateChange(m *protocol.StateChange) {
	s.mu.Lock()
	changed := false
	for i := range s.roster {
		if s.roster[i].ID == m.From {
			changed = s.roster[i].Set(m.Field, m.Enabled) == nil
		}
	}
	s.mu.Unlock()
	if changed {
		s.notifyRoster()
	}
}

func (s *Session) onError(e *protocol.Error) {
	s.mu.Lock()
	started := s.starting
	if started != nil && (e.Code == protocol.CodeNotFound || e.Code == protocol.CodeInternal) {
		s.starting = nil
	} else {
		started = nil
	}
	rejoining := s.self == "" && s.meeting != ""
	s.mu.Unlock()

	switch {
	case started != nil && e.Code == protocol.CodeNotFound:
		started <- ErrMeetingNotFound
	case started != nil:
		started <- e
	case rejoining && e.Code == protocol.CodeNotFound:
		// The meeting emptied while we were away.
		go s.end(ErrMeetingNotFound)
	default:
		s.logger.Warn().Str("code", string(e.Code)).Str("message", e.Message).Msg("relay error")
		if s.ev.OnError != nil {
			s.ev.OnError(e)
		}
	}
}

// onDisconnected drops every peer: the handle they knew is gone.
func (s *Session) onDisconnected(err error) {
	s.mu.Lock()
	pm := s.peers
	s.peers = nil
	s.self = ""
	s.roster = nil
	s.mu.Unlock()

	s.logger.Warn().Err(err).Msg("relay connection lost, peers closed")
	if pm != nil {
		pm.Close()
	}
	s.notifyRoster()
}

// onReconnected re-enters the same meeting under a fresh handle.
func (s *Session) onReconnected() {
	if err := s.relay.Send(s.enter()); err != nil {
		s.logger.Warn().Err(err).Msg("rejoin")
	}
}

func (s *Session) notifyRoster() {
	if s.ev.OnRoster != nil {
		s.ev.OnRoster(s.Roster())
	}
}
