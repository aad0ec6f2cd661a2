package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type fakeTrack struct{ id string }

func (f fakeTrack) ID() string                { return f.id }
func (f fakeTrack) StreamID() string          { return "stream-" + f.id }
func (f fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

type fakeTransport struct {
	mu         sync.Mutex
	owner      domain.ParticipantID
	remote     domain.ParticipantID
	index      int
	ev         TransportEvents
	offers     int
	restarts   int
	remoteDesc json.RawMessage
	candidates []string
	tracks     []string
	closed     bool
	emitTrack  bool
	failAccept bool
}

func (f *fakeTransport) CreateOffer(ctx context.Context, iceRestart bool) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrTransportClosed
	}
	f.offers++
	if iceRestart {
		f.restarts++
	}
	return json.RawMessage(fmt.Sprintf(`{"type":"offer","sdp":"%s-%d-%d"}`, f.owner, f.index, f.offers)), nil
}

func (f *fakeTransport) AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if f.failAccept {
		f.mu.Unlock()
		return nil, errors.New("malformed offer")
	}
	f.remoteDesc = offer
	emit := f.emitTrack
	f.mu.Unlock()
	if emit {
		go f.ev.OnTrack(fakeTrack{id: string(f.remote)})
	}
	return json.RawMessage(fmt.Sprintf(`{"type":"answer","sdp":"%s-%d"}`, f.owner, f.index)), nil
}

func (f *fakeTransport) AcceptAnswer(ctx context.Context, answer json.RawMessage) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrTransportClosed
	}
	f.remoteDesc = answer
	emit := f.emitTrack
	f.mu.Unlock()
	if emit {
		go f.ev.OnTrack(fakeTrack{id: string(f.remote)})
	}
	return nil
}

func (f *fakeTransport) AddICECandidate(c json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteDesc == nil {
		return errors.New("no remote description")
	}
	f.candidates = append(f.candidates, string(c))
	return nil
}

func (f *fakeTransport) SetTracks(tracks []webrtc.TrackLocal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID()
	}
	changed := fmt.Sprint(ids) != fmt.Sprint(f.tracks)
	f.tracks = ids
	return changed, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) snapshot() (offers, restarts int, candidates []string, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.restarts, append([]string(nil), f.candidates...), f.closed
}

type fakeFactory struct {
	mu         sync.Mutex
	owner      domain.ParticipantID
	emitTrack  bool
	failAccept bool
	// gate, when set, holds New until it is closed.
	gate chan struct{}
	made map[domain.ParticipantID][]*fakeTransport
}

func newFactory(owner domain.ParticipantID) *fakeFactory {
	return &fakeFactory{owner: owner, made: make(map[domain.ParticipantID][]*fakeTransport)}
}

func (f *fakeFactory) New(remote domain.ParticipantID, ev TransportEvents) (Transport, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{
		owner:      f.owner,
		remote:     remote,
		index:      len(f.made[remote]),
		ev:         ev,
		emitTrack:  f.emitTrack,
		failAccept: f.failAccept,
	}
	f.made[remote] = append(f.made[remote], t)
	return t, nil
}

func (f *fakeFactory) transports(remote domain.ParticipantID) []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTransport(nil), f.made[remote]...)
}

func (f *fakeFactory) last(remote domain.ParticipantID) *fakeTransport {
	ts := f.transports(remote)
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

type sentLog struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (s *sentLog) Send(m protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *sentLog) offers() []*protocol.Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Offer
	for _, m := range s.msgs {
		if o, ok := m.(*protocol.Offer); ok {
			out = append(out, o)
		}
	}
	return out
}

func (s *sentLog) answers() []*protocol.Answer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Answer
	for _, m := range s.msgs {
		if a, ok := m.(*protocol.Answer); ok {
			out = append(out, a)
		}
	}
	return out
}

// recorder collects UI events.
type recorder struct {
	mu      sync.Mutex
	states  map[domain.ParticipantID][]State
	tiles   map[domain.ParticipantID]int
	media   map[domain.ParticipantID]int
	removed map[domain.ParticipantID]int
}

func newRecorder() *recorder {
	return &recorder{
		states:  make(map[domain.ParticipantID][]State),
		tiles:   make(map[domain.ParticipantID]int),
		media:   make(map[domain.ParticipantID]int),
		removed: make(map[domain.ParticipantID]int),
	}
}

func (r *recorder) events() Events {
	return Events{
		OnMedia: func(remote domain.ParticipantID, _ RemoteTrack) {
			r.mu.Lock()
			r.media[remote]++
			r.tiles[remote] = 1
			r.mu.Unlock()
		},
		OnMediaRemoved: func(remote domain.ParticipantID) {
			r.mu.Lock()
			r.removed[remote]++
			delete(r.tiles, remote)
			r.mu.Unlock()
		},
		OnState: func(remote domain.ParticipantID, s State) {
			r.mu.Lock()
			r.states[remote] = append(r.states[remote], s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) removedCount(p domain.ParticipantID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed[p]
}

func (r *recorder) mediaCount(p domain.ParticipantID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.media[p]
}

func (r *recorder) tileCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tiles)
}

func (r *recorder) sawState(p domain.ParticipantID, s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states[p] {
		if got == s {
			return true
		}
	}
	return false
}

func fastOptions() Options {
	return Options{
		RetryDelay:    30 * time.Millisecond,
		FallbackDelay: 150 * time.Millisecond,
		FailureGrace:  200 * time.Millisecond,
		MaxResets:     5,
		ResetWindow:   time.Minute,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stateIs(m *Manager, p domain.ParticipantID, want State) func() bool {
	return func() bool {
		s, ok := m.State(p)
		return ok && s == want
	}
}

// relay connects managers in memory. While held, messages queue up.
type relay struct {
	mu      sync.Mutex
	peers   map[domain.ParticipantID]*Manager
	held    bool
	backlog []func()
}

func newRelay() *relay {
	return &relay{peers: make(map[domain.ParticipantID]*Manager)}
}

func (r *relay) signaler(from domain.ParticipantID) Signaler {
	return SignalerFunc(func(m protocol.Message) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		deliver := r.route(from, m)
		if r.held {
			r.backlog = append(r.backlog, deliver)
			return nil
		}
		deliver()
		return nil
	})
}

func (r *relay) route(from domain.ParticipantID, m protocol.Message) func() {
	return func() {
		switch m := m.(type) {
		case *protocol.Offer:
			r.peers[m.To].HandleOffer(from, m.SDP)
		case *protocol.Answer:
			r.peers[m.To].HandleAnswer(from, m.SDP)
		case *protocol.ICECandidate:
			r.peers[m.To].HandleCandidate(from, m.Candidate)
		}
	}
}

func (r *relay) hold() {
	r.mu.Lock()
	r.held = true
	r.mu.Unlock()
}

func (r *relay) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held = false
	for _, d := range r.backlog {
		d()
	}
	r.backlog = nil
}
