package orch

import (
	"time"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/dkeye/Meet/internal/store"
	"github.com/rs/zerolog/log"
)

// Orchestrator applies relay rules on top of the registry. It decides who
// receives what; the transport adapter only decodes and dispatches.
type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy
	// Records is optional; nil disables meeting history.
	Records *store.Async

	now func() time.Time
}

func New(reg *app.Registry, policy app.Policy, records *store.Async) *Orchestrator {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &Orchestrator{Registry: reg, Policy: policy, Records: records, now: time.Now}
}

// Reply encodes m and queues it on the member's own connection.
func (o *Orchestrator) Reply(ms core.MemberSession, m protocol.Message) {
	f, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("kind", string(m.Kind())).Msg("encode reply")
		return
	}
	if err := ms.Signal().TrySend(f); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("pid", string(ms.ID())).Msg("reply not delivered")
	}
}

// ReplyError sends an error event to the member only.
func (o *Orchestrator) ReplyError(ms core.MemberSession, code protocol.ErrorCode, msg string) {
	o.Reply(ms, &protocol.Error{Code: code, Message: msg})
}

func (o *Orchestrator) frame(m protocol.Message) core.Frame {
	f, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("kind", string(m.Kind())).Msg("encode announce")
		return nil
	}
	return f
}

// applyPolicy handles members that could not keep up with a fan-out.
func (o *Orchestrator) applyPolicy(meeting domain.MeetingID, res core.PublishResult) {
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(meeting, slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("pid", string(slow.ID())).Msg("kicking slow member")
			// Closing the socket ends its read pump, which runs the leave path.
			slow.Signal().Close()
		case app.DropFrame:
			log.Debug().Str("module", "orch").Str("pid", string(slow.ID())).Msg("dropped frame for slow member")
		case app.NoAction:
		}
	}
}
