package orch

import (
	"errors"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Create opens a meeting owned by ms, leaving any meeting it was in.
func (o *Orchestrator) Create(ms core.MemberSession, req *protocol.CreateSession) error {
	o.kickFromCurrent(ms.ID())
	applyProfile(ms.Meta(), req.Name, req.Audio, req.Video)

	m, err := o.Registry.CreateSession(ms)
	if err != nil {
		return err
	}
	log.Info().Str("module", "orch").Str("pid", string(ms.ID())).Str("meeting", string(m.ID)).Msg("created meeting")
	o.Reply(ms, &protocol.SessionCreated{MeetingID: m.ID, Self: ms.ID()})

	o.Records.MeetingCreated(m.ID, m.CreatedAt)
	o.Records.ParticipantJoined(m.ID, *ms.Meta(), m.CreatedAt)
	return nil
}

// Join adds ms to an existing meeting. The joiner receives the roster and
// every other member receives presenceJoin.
func (o *Orchestrator) Join(ms core.MemberSession, req *protocol.JoinSession) error {
	if cur, ok := o.Registry.MeetingOf(ms.ID()); ok && cur == req.MeetingID {
		o.Reply(ms, &protocol.SessionJoined{MeetingID: cur, Self: ms.ID(), Participants: o.rosterExcept(cur, ms.ID())})
		return nil
	}
	o.kickFromCurrent(ms.ID())
	applyProfile(ms.Meta(), req.Name, req.Audio, req.Video)

	welcome := func(existing []domain.Participant) core.Frame {
		return o.frame(&protocol.SessionJoined{MeetingID: req.MeetingID, Self: ms.ID(), Participants: existing})
	}
	announce := o.frame(&protocol.PresenceJoin{Participant: *ms.Meta()})

	_, res, err := o.Registry.JoinSession(req.MeetingID, ms, welcome, announce)
	if errors.Is(err, app.ErrNotFound) {
		return &protocol.Error{Code: protocol.CodeNotFound, Message: "meeting " + string(req.MeetingID) + " does not exist"}
	}
	if err != nil {
		return err
	}
	log.Info().Str("module", "orch").Str("pid", string(ms.ID())).Str("meeting", string(req.MeetingID)).Int("notified", res.SendTo).Msg("joined meeting")
	o.Records.ParticipantJoined(req.MeetingID, *ms.Meta(), o.now())
	o.applyPolicy(req.MeetingID, res)
	return nil
}

// Leave is an explicit leave: the socket stays open and the member gets
// sessionLeft. Leaving when not in a meeting is a no-op.
func (o *Orchestrator) Leave(ms core.MemberSession) error {
	res := o.leave(ms.ID())
	if !res.Removed {
		log.Debug().Str("module", "orch").Str("pid", string(ms.ID())).Msg("leave outside a meeting ignored")
		return nil
	}
	o.Reply(ms, &protocol.SessionLeft{MeetingID: res.Meeting})
	return nil
}

// Disconnect is the implicit leave run when a connection ends.
func (o *Orchestrator) Disconnect(pid domain.ParticipantID) {
	res := o.leave(pid)
	if res.Removed {
		log.Info().Str("module", "orch").Str("pid", string(pid)).Str("meeting", string(res.Meeting)).Msg("disconnected member left")
	}
}

func (o *Orchestrator) leave(pid domain.ParticipantID) app.LeaveResult {
	res := o.Registry.LeaveSession(pid, o.frame(&protocol.PresenceLeave{ID: pid}))
	if !res.Removed {
		return res
	}
	at := o.now()
	o.Records.ParticipantLeft(res.Meeting, pid, at)
	if res.Ended {
		o.Records.MeetingEnded(res.Meeting, at)
	}
	o.applyPolicy(res.Meeting, res.Publish)
	return res
}

func (o *Orchestrator) kickFromCurrent(pid domain.ParticipantID) {
	if res := o.leave(pid); res.Removed {
		log.Info().Str("module", "orch").Str("pid", string(pid)).Str("from_meeting", string(res.Meeting)).Msg("kicked from meeting")
	}
}

func (o *Orchestrator) rosterExcept(id domain.MeetingID, pid domain.ParticipantID) []domain.Participant {
	v, ok := o.Registry.Lookup(id)
	if !ok {
		return nil
	}
	out := v.Participants[:0]
	for _, p := range v.Participants {
		if p.ID != pid {
			out = append(out, p)
		}
	}
	return out
}

// applyProfile is only called while ms is outside any meeting.
func applyProfile(p *domain.Participant, name string, audio, video bool) {
	p.Name = domain.NormalizeName(name)
	p.Audio = audio
	p.Video = video
}
