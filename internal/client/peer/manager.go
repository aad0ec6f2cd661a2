// Package peer keeps one negotiation context per remote participant and
// drives each through offer/answer, candidate buffering and recovery.
//
// Every context runs on its own goroutine and consumes its events in arrival
// order. Contexts never share negotiation state; the only shared input is the
// set of local tracks, which changes on explicit user action.
package peer

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/ratelimit"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Manager struct {
	self    domain.ParticipantID
	opts    Options
	factory TransportFactory
	signal  Signaler
	events  Events
	resets  *ratelimit.Window[domain.ParticipantID]

	mu     sync.Mutex
	peers  map[domain.ParticipantID]*negotiator
	tracks []webrtc.TrackLocal
	closed bool
	wg     sync.WaitGroup
}

func NewManager(self domain.ParticipantID, sig Signaler, factory TransportFactory, opts Options, ev Events) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		self:    self,
		opts:    opts,
		factory: factory,
		signal:  sig,
		events:  ev,
		resets:  ratelimit.NewWindow[domain.ParticipantID](opts.MaxResets, opts.ResetWindow),
		peers:   make(map[domain.ParticipantID]*negotiator),
	}
}

func (m *Manager) Self() domain.ParticipantID { return m.self }

// Add creates a context for a participant that announced itself. The newer
// joiner offers, so nothing is sent.
func (m *Manager) Add(remote domain.ParticipantID) {
	m.ensure(remote)
}

// Connect creates a context and offers to remote. Used by the joiner for
// every member of the roster.
func (m *Manager) Connect(remote domain.ParticipantID) {
	if n := m.ensure(remote); n != nil {
		n.post(evOffer{})
	}
}

// Remove closes the context for a participant that left.
func (m *Manager) Remove(remote domain.ParticipantID) {
	m.mu.Lock()
	n, ok := m.peers[remote]
	delete(m.peers, remote)
	m.mu.Unlock()
	if ok {
		n.shutdown()
	}
	m.resets.Forget(remote)
}

func (m *Manager) HandleOffer(from domain.ParticipantID, sdp json.RawMessage) {
	if n := m.ensure(from); n != nil {
		n.post(evRemoteOffer{sdp: sdp})
	}
}

func (m *Manager) HandleAnswer(from domain.ParticipantID, sdp json.RawMessage) {
	n, ok := m.lookup(from)
	if !ok {
		log.Debug().Str("module", "peer").Str("from", string(from)).Msg("answer for unknown participant dropped")
		return
	}
	n.post(evRemoteAnswer{sdp: sdp})
}

func (m *Manager) HandleCandidate(from domain.ParticipantID, candidate json.RawMessage) {
	n, ok := m.lookup(from)
	if !ok {
		log.Debug().Str("module", "peer").Str("from", string(from)).Msg("candidate for unknown participant dropped")
		return
	}
	n.post(evRemoteCandidate{candidate: candidate})
}

// SetTracks replaces the local tracks on every context. Contexts that are
// already connected renegotiate.
func (m *Manager) SetTracks(tracks []webrtc.TrackLocal) {
	m.mu.Lock()
	m.tracks = append([]webrtc.TrackLocal(nil), tracks...)
	peers := make([]*negotiator, 0, len(m.peers))
	for _, n := range m.peers {
		peers = append(peers, n)
	}
	m.mu.Unlock()
	for _, n := range peers {
		n.post(evTracks{})
	}
}

func (m *Manager) localTracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), m.tracks...)
}

// State reports the signaling state of the context for remote.
func (m *Manager) State(remote domain.ParticipantID) (State, bool) {
	n, ok := m.lookup(remote)
	if !ok {
		return Closed, false
	}
	return n.currentState(), true
}

// Peers lists the participants that have a context.
func (m *Manager) Peers() []domain.ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

// Close shuts every context down and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	peers := m.peers
	m.peers = make(map[domain.ParticipantID]*negotiator)
	m.mu.Unlock()

	for _, n := range peers {
		n.shutdown()
	}
	m.wg.Wait()
}

func (m *Manager) ensure(remote domain.ParticipantID) *negotiator {
	if remote == "" || remote == m.self {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if n, ok := m.peers[remote]; ok {
		return n
	}
	n := newNegotiator(m, remote)
	m.peers[remote] = n
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		n.run()
	}()
	return n
}

func (m *Manager) lookup(remote domain.ParticipantID) (*negotiator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.peers[remote]
	return n, ok
}

// forget drops n from the table if it is still the registered context.
func (m *Manager) forget(n *negotiator) {
	m.mu.Lock()
	if m.peers[n.remote] == n {
		delete(m.peers, n.remote)
	}
	m.mu.Unlock()
}

// leads reports whether this side re-offers first after a glare or a
// recreation. The smaller handle leads.
func (m *Manager) leads(remote domain.ParticipantID) bool {
	return m.self < remote
}
