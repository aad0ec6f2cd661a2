package peer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/rs/zerolog/log"
)

type (
	evOffer           struct{}
	evRemoteOffer     struct{ sdp json.RawMessage }
	evRemoteAnswer    struct{ sdp json.RawMessage }
	evRemoteCandidate struct{ candidate json.RawMessage }
	evTracks          struct{}
	evLocalCandidate  struct {
		gen       uint64
		candidate json.RawMessage
	}
	evLink struct {
		gen   uint64
		state LinkState
	}
	evTrack struct {
		gen   uint64
		track RemoteTrack
	}
	evTimer struct {
		gen  uint64
		seq  uint64
		kind timerKind
	}
)

type timerKind int

const (
	timerRetry timerKind = iota
	timerFallback
	timerAnswer
	timerGrace
)

type armedTimer struct {
	seq uint64
	t   *time.Timer
}

// negotiator is one negotiation context. Everything below the queue fields
// is owned by the run goroutine.
type negotiator struct {
	m      *Manager
	remote domain.ParticipantID
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	qmu     sync.Mutex
	queue   []any
	wake    chan struct{}
	stopped bool

	gen       uint64
	seq       uint64
	transport Transport
	opCtx     context.Context
	opCancel  context.CancelFunc
	remoteSet bool
	pending   []json.RawMessage
	// renegotiate remembers a change that could not be offered yet.
	renegotiate bool
	link        LinkState
	timers      map[timerKind]armedTimer
	tile        bool
	// closedSent is set while the last reported state is Closed.
	closedSent bool
}

func newNegotiator(m *Manager, remote domain.ParticipantID) *negotiator {
	ctx, cancel := context.WithCancel(context.Background())
	n := &negotiator{
		m:      m,
		remote: remote,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		timers: make(map[timerKind]armedTimer),
	}
	// Closed until the first transport exists.
	n.state.Store(int32(Closed))
	return n
}

func (n *negotiator) currentState() State { return State(n.state.Load()) }

// post never blocks. Events for a finished context are discarded.
func (n *negotiator) post(ev any) {
	n.qmu.Lock()
	if n.stopped {
		n.qmu.Unlock()
		return
	}
	n.queue = append(n.queue, ev)
	n.qmu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *negotiator) drain() []any {
	n.qmu.Lock()
	defer n.qmu.Unlock()
	q := n.queue
	n.queue = nil
	return q
}

// shutdown cancels any in-flight operation and ends the context.
func (n *negotiator) shutdown() { n.cancel() }

func (n *negotiator) run() {
	defer n.finish()
	if !n.open() {
		return
	}
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.wake:
		}
		for _, ev := range n.drain() {
			if n.ctx.Err() != nil {
				return
			}
			n.handle(ev)
		}
	}
}

func (n *negotiator) handle(ev any) {
	switch ev := ev.(type) {
	case evOffer:
		n.initiate(false)
	case evRemoteOffer:
		n.onRemoteOffer(ev.sdp)
	case evRemoteAnswer:
		n.onRemoteAnswer(ev.sdp)
	case evRemoteCandidate:
		n.onRemoteCandidate(ev.candidate)
	case evTracks:
		n.onTracks()
	case evLocalCandidate:
		if ev.gen == n.gen {
			n.send(&protocol.ICECandidate{To: n.remote, Candidate: ev.candidate})
		}
	case evLink:
		n.onLink(ev)
	case evTrack:
		if ev.gen == n.gen {
			n.tile = true
			if n.m.events.OnMedia != nil {
				n.m.events.OnMedia(n.remote, ev.track)
			}
		}
	case evTimer:
		n.onTimer(ev)
	}
}

// open starts a fresh generation with a new transport in Idle.
func (n *negotiator) open() bool {
	n.gen++
	gen := n.gen
	t, err := n.m.factory(n.remote, TransportEvents{
		OnICECandidate: func(c json.RawMessage) { n.post(evLocalCandidate{gen: gen, candidate: c}) },
		OnLinkState:    func(s LinkState) { n.post(evLink{gen: gen, state: s}) },
		OnTrack:        func(tr RemoteTrack) { n.post(evTrack{gen: gen, track: tr}) },
	})
	if err != nil {
		log.Error().Err(err).Str("module", "peer").Str("remote", string(n.remote)).Msg("create transport")
		return false
	}
	n.transport = t
	n.opCtx, n.opCancel = context.WithCancel(n.ctx)
	n.remoteSet = false
	n.pending = nil
	n.renegotiate = false
	n.link = LinkNew
	if _, err := t.SetTracks(n.m.localTracks()); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("remote", string(n.remote)).Msg("attach local tracks")
	}
	n.setState(Idle)
	return true
}

// release tears the current generation down without ending the context.
func (n *negotiator) release() {
	for kind := range n.timers {
		n.stop(kind)
	}
	if n.opCancel != nil {
		n.opCancel()
	}
	if n.transport != nil {
		if err := n.transport.Close(); err != nil {
			log.Debug().Err(err).Str("module", "peer").Str("remote", string(n.remote)).Msg("close transport")
		}
		n.transport = nil
	}
}

// reset replaces the transport with a fresh one. It ends the context when
// the reset budget is spent.
func (n *negotiator) reset(reason string) bool {
	if !n.m.resets.Allow(n.remote) {
		log.Warn().Str("module", "peer").Str("remote", string(n.remote)).Str("reason", reason).Msg("reset budget exhausted, giving up")
		n.cancel()
		return false
	}
	log.Info().Str("module", "peer").Str("remote", string(n.remote)).Str("reason", reason).Uint64("gen", n.gen).Msg("resetting negotiation")
	n.release()
	if !n.open() {
		n.cancel()
		return false
	}
	return true
}

// fail handles an operation error: reset and offer again after RetryDelay.
func (n *negotiator) fail(op string, err error) {
	log.Warn().Err(err).Str("module", "peer").Str("remote", string(n.remote)).Str("op", op).Msg("negotiation failed")
	if n.reset(op) {
		n.arm(timerRetry, n.m.opts.RetryDelay)
	}
}

// scheduleOffer arms the tie-broken offer after a glare or a recreation.
func (n *negotiator) scheduleOffer() {
	if n.m.leads(n.remote) {
		n.arm(timerRetry, n.m.opts.RetryDelay)
	} else {
		n.arm(timerFallback, n.m.opts.FallbackDelay)
	}
}

func (n *negotiator) stale() bool {
	return n.ctx.Err() != nil || n.opCtx.Err() != nil
}

func (n *negotiator) initiate(iceRestart bool) {
	switch s := n.currentState(); {
	case s == HaveLocalOffer:
		n.renegotiate = true
		return
	case !s.canOffer():
		return
	}
	n.stop(timerRetry)
	n.stop(timerFallback)

	sdp, err := n.transport.CreateOffer(n.opCtx, iceRestart)
	if n.stale() {
		return
	}
	if err != nil {
		n.fail("create offer", err)
		return
	}
	n.renegotiate = false
	n.setState(HaveLocalOffer)
	n.send(&protocol.Offer{To: n.remote, SDP: sdp})
	n.arm(timerAnswer, n.m.opts.FailureGrace)
}

func (n *negotiator) onRemoteOffer(sdp json.RawMessage) {
	switch n.currentState() {
	case HaveLocalOffer:
		log.Info().Str("module", "peer").Str("remote", string(n.remote)).Bool("leads", n.m.leads(n.remote)).Msg("glare")
		if n.reset("glare") {
			n.scheduleOffer()
		}
		return
	case Idle, Stable:
	default:
		return
	}

	n.setState(HaveRemoteOffer)
	answer, err := n.transport.AcceptOffer(n.opCtx, sdp)
	if n.stale() {
		return
	}
	if err != nil {
		n.fail("accept offer", err)
		return
	}
	n.remoteSet = true
	n.send(&protocol.Answer{To: n.remote, SDP: answer})
	n.enterStable()
}

func (n *negotiator) onRemoteAnswer(sdp json.RawMessage) {
	if n.currentState() != HaveLocalOffer {
		log.Warn().Str("module", "peer").Str("remote", string(n.remote)).Str("state", n.currentState().String()).Msg("answer in wrong state")
		if n.reset("unexpected answer") {
			n.arm(timerRetry, n.m.opts.RetryDelay)
		}
		return
	}
	err := n.transport.AcceptAnswer(n.opCtx, sdp)
	if n.stale() {
		return
	}
	if err != nil {
		n.fail("accept answer", err)
		return
	}
	n.remoteSet = true
	n.enterStable()
}

func (n *negotiator) enterStable() {
	n.setState(Stable)
	n.stop(timerRetry)
	n.stop(timerFallback)
	n.stop(timerAnswer)

	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		n.apply(c)
	}
	if n.renegotiate {
		n.initiate(false)
	}
}

func (n *negotiator) onRemoteCandidate(c json.RawMessage) {
	if n.remoteSet {
		n.apply(c)
		return
	}
	n.pending = append(n.pending, c)
}

// apply adds one remote candidate. Failures are logged only: a candidate
// left over from a replaced generation is expected to be rejected.
func (n *negotiator) apply(c json.RawMessage) {
	if err := n.transport.AddICECandidate(c); err != nil {
		log.Debug().Err(err).Str("module", "peer").Str("remote", string(n.remote)).Msg("add ice candidate")
	}
}

func (n *negotiator) onTracks() {
	changed, err := n.transport.SetTracks(n.m.localTracks())
	if err != nil {
		n.fail("set tracks", err)
		return
	}
	if !changed {
		return
	}
	switch n.currentState() {
	case Stable:
		n.initiate(false)
	case Idle, HaveLocalOffer:
		n.renegotiate = true
	}
}

func (n *negotiator) onLink(ev evLink) {
	if ev.gen != n.gen {
		return
	}
	n.link = ev.state
	log.Debug().Str("module", "peer").Str("remote", string(n.remote)).Str("link", ev.state.String()).Msg("link state")
	switch {
	case ev.state == LinkConnected:
		n.stop(timerGrace)
	case ev.state.broken():
		if _, armed := n.timers[timerGrace]; armed {
			return
		}
		n.arm(timerGrace, n.m.opts.FailureGrace)
		if n.currentState() == Stable {
			n.initiate(true)
		}
	}
}

func (n *negotiator) onTimer(ev evTimer) {
	armed, ok := n.timers[ev.kind]
	if ev.gen != n.gen || !ok || armed.seq != ev.seq {
		return
	}
	delete(n.timers, ev.kind)

	switch ev.kind {
	case timerRetry, timerFallback:
		n.initiate(false)
	case timerAnswer:
		if _, graceArmed := n.timers[timerGrace]; graceArmed || n.currentState() != HaveLocalOffer {
			return
		}
		if n.reset("no answer") {
			n.scheduleOffer()
		}
	case timerGrace:
		if !n.link.broken() {
			return
		}
		log.Info().Str("module", "peer").Str("remote", string(n.remote)).Dur("grace", n.m.opts.FailureGrace).Msg("link did not recover, closing")
		n.release()
		n.setState(Closed)
		n.dropTile()
		if !n.m.resets.Allow(n.remote) {
			log.Warn().Str("module", "peer").Str("remote", string(n.remote)).Msg("reset budget exhausted, not recreating")
			n.cancel()
			return
		}
		if !n.open() {
			n.cancel()
			return
		}
		n.scheduleOffer()
	}
}

func (n *negotiator) arm(kind timerKind, d time.Duration) {
	n.stop(kind)
	n.seq++
	gen, seq := n.gen, n.seq
	n.timers[kind] = armedTimer{
		seq: seq,
		t:   time.AfterFunc(d, func() { n.post(evTimer{gen: gen, seq: seq, kind: kind}) }),
	}
}

func (n *negotiator) stop(kind timerKind) {
	if a, ok := n.timers[kind]; ok {
		a.t.Stop()
		delete(n.timers, kind)
	}
}

func (n *negotiator) send(m protocol.Message) {
	if err := n.m.signal.Send(m); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("remote", string(n.remote)).Str("kind", string(m.Kind())).Msg("signal send failed")
	}
}

func (n *negotiator) setState(s State) {
	n.state.Store(int32(s))
	n.closedSent = s == Closed
	log.Debug().Str("module", "peer").Str("remote", string(n.remote)).Uint64("gen", n.gen).Str("state", s.String()).Msg("state")
	if n.m.events.OnState != nil {
		n.m.events.OnState(n.remote, s)
	}
}

func (n *negotiator) dropTile() {
	if !n.tile {
		return
	}
	n.tile = false
	if n.m.events.OnMediaRemoved != nil {
		n.m.events.OnMediaRemoved(n.remote)
	}
}

// finish runs once when the context ends for good.
func (n *negotiator) finish() {
	n.qmu.Lock()
	n.stopped = true
	n.queue = nil
	n.qmu.Unlock()

	n.cancel()
	n.release()
	n.dropTile()
	if !n.closedSent {
		n.setState(Closed)
	}
	n.m.forget(n)
}
