package signal

import (
	"errors"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handle adapts a typed orchestrator call to the dispatch table.
func handle[T protocol.Message](fn func(core.MemberSession, T) error) handlerFunc {
	return func(ms core.MemberSession, m protocol.Message) error {
		return fn(ms, m.(T))
	}
}

func (ctl *SignalWSController) handlerTable() map[protocol.Kind]handlerFunc {
	o := ctl.Orch
	route := func(ms core.MemberSession, m protocol.Message) error {
		return o.Route(ms, m.(protocol.Routed))
	}
	return map[protocol.Kind]handlerFunc{
		protocol.KindCreateSession: handle(o.Create),
		protocol.KindJoinSession:   handle(o.Join),
		protocol.KindLeaveSession: handle(func(ms core.MemberSession, _ *protocol.LeaveSession) error {
			return o.Leave(ms)
		}),
		protocol.KindStateChange:  handle(o.StateChange),
		protocol.KindChat:         handle(o.Chat),
		protocol.KindOffer:        route,
		protocol.KindAnswer:       route,
		protocol.KindICECandidate: route,
		protocol.KindPing:         handle(ctl.handlePing),
		protocol.KindPong:         func(core.MemberSession, protocol.Message) error { return nil },
	}
}

func (ctl *SignalWSController) handlePing(ms core.MemberSession, _ *protocol.Ping) error {
	ctl.Orch.Reply(ms, &protocol.Pong{})
	return nil
}

func (ctl *SignalWSController) replyErr(ms core.MemberSession, err error) {
	var perr *protocol.Error
	switch {
	case errors.As(err, &perr):
		ctl.Orch.Reply(ms, perr)
	case errors.Is(err, app.ErrIDExhausted):
		log.Error().Err(err).Str("module", "signal").Msg("create failed")
		ctl.Orch.ReplyError(ms, protocol.CodeInternal, "could not allocate a meeting id")
	default:
		log.Error().Err(err).Str("module", "signal").Str("pid", string(ms.ID())).Msg("handler failed")
		ctl.Orch.ReplyError(ms, protocol.CodeInternal, err.Error())
	}
}
