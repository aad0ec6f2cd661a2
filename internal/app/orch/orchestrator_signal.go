package orch

import (
	"strings"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/dkeye/Meet/internal/store"
	"github.com/rs/zerolog/log"
)

// StateChange records a media toggle and tells everyone else.
func (o *Orchestrator) StateChange(ms core.MemberSession, req *protocol.StateChange) error {
	out := *req
	out.From = ms.ID()
	res := o.Registry.SetState(ms.ID(), req.Field, req.Enabled, o.frame(&out))
	if id, ok := o.Registry.MeetingOf(ms.ID()); ok {
		o.applyPolicy(id, res)
	}
	return nil
}

// Chat stamps the sender and server time and fans the message out.
func (o *Orchestrator) Chat(ms core.MemberSession, req *protocol.Chat) error {
	id, ok := o.Registry.MeetingOf(ms.ID())
	if !ok {
		return &protocol.Error{Code: protocol.CodeNotInSession, Message: "chat outside a meeting"}
	}
	out := *req
	out.From = ms.ID()
	out.Name = ms.Meta().Name
	out.Text = strings.TrimSpace(req.Text)
	out.SentAt = o.now().UTC()

	_, res, ok := o.Registry.Broadcast(ms.ID(), o.frame(&out))
	if !ok {
		return &protocol.Error{Code: protocol.CodeNotInSession, Message: "chat outside a meeting"}
	}
	o.applyPolicy(id, res)
	o.Records.ChatPosted(id, store.ChatRecord{From: out.From, Name: out.Name, Text: out.Text, Source: out.Source, SentAt: out.SentAt})
	return nil
}

// Route unicasts an offer, answer or candidate. The payload is forwarded
// untouched; only the sender handle is stamped. A destination that is gone
// or in another meeting drops the message silently.
func (o *Orchestrator) Route(ms core.MemberSession, req protocol.Routed) error {
	meeting, ok := o.Registry.MeetingOf(ms.ID())
	if !ok {
		return &protocol.Error{Code: protocol.CodeNotInSession, Message: string(req.Kind()) + " outside a meeting"}
	}
	stamped := req.FromSender(ms.ID())
	f := o.frame(stamped)
	if f == nil {
		return &protocol.Error{Code: protocol.CodeInternal, Message: "encode failed"}
	}
	to := req.Destination()
	target, err := o.Registry.SendTo(ms.ID(), to, f)
	switch {
	case target == nil:
		log.Debug().Str("module", "orch").Str("from", string(ms.ID())).Str("to", string(to)).Str("kind", string(req.Kind())).Msg("destination gone, dropped")
	case err != nil:
		log.Warn().Err(err).Str("module", "orch").Str("to", string(to)).Msg("unicast not delivered")
		o.applyPolicy(meeting, core.PublishResult{Dropped: []core.MemberSession{target}})
	}
	return nil
}
