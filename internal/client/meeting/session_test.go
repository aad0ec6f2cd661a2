package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	httpadapter "github.com/dkeye/Meet/internal/adapters/http"
	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/client/media"
	"github.com/dkeye/Meet/internal/client/peer"
	"github.com/dkeye/Meet/internal/client/signaling"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// stubTransport negotiates instantly and never carries media.
type stubTransport struct {
	mu     sync.Mutex
	offers int
	tracks []string
}

func (s *stubTransport) CreateOffer(context.Context, bool) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers++
	return json.RawMessage(`{"type":"offer","sdp":"stub"}`), nil
}

func (s *stubTransport) AcceptOffer(context.Context, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"stub"}`), nil
}

func (s *stubTransport) AcceptAnswer(context.Context, json.RawMessage) error { return nil }
func (s *stubTransport) AddICECandidate(json.RawMessage) error               { return nil }
func (s *stubTransport) Close() error                                        { return nil }

func (s *stubTransport) SetTracks(tracks []webrtc.TrackLocal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID()
	}
	changed := fmt.Sprint(ids) != fmt.Sprint(s.tracks)
	s.tracks = ids
	return changed, nil
}

type stubFactory struct {
	mu   sync.Mutex
	made map[domain.ParticipantID][]*stubTransport
}

func newStubFactory() *stubFactory {
	return &stubFactory{made: make(map[domain.ParticipantID][]*stubTransport)}
}

func (f *stubFactory) New(remote domain.ParticipantID, _ peer.TransportEvents) (peer.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &stubTransport{}
	f.made[remote] = append(f.made[remote], t)
	return t, nil
}

func (f *stubFactory) offers(remote domain.ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.made[remote] {
		t.mu.Lock()
		n += t.offers
		t.mu.Unlock()
	}
	return n
}

type chatLog struct {
	mu   sync.Mutex
	msgs []protocol.Chat
}

func (c *chatLog) add(m protocol.Chat) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *chatLog) all() []protocol.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Chat(nil), c.msgs...)
}

func newRelayURL(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := &config.Config{
		Mode:         "release",
		StaticPath:   t.TempDir(),
		ReadLimit:    1 << 16,
		PingPeriod:   time.Minute,
		WriteWait:    time.Second,
		SendBuffer:   64,
		Secret:       "test-secret",
		RateLimit:    1000,
		RateInterval: time.Second,
	}
	srv := httptest.NewServer(httpadapter.SetupRouter(ctx, cfg, orch.New(app.NewRegistry(), nil, nil)))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
}

func syntheticCaptures() ([]media.Capture, error) {
	return []media.Capture{media.NewSyntheticAudio(), media.NewSyntheticVideo("camera")}, nil
}

type participant struct {
	*Session
	factory *stubFactory
	chat    *chatLog
	ended   chan error
}

func start(t *testing.T, url, name string, id domain.MeetingID) (*participant, error) {
	t.Helper()
	p := &participant{factory: newStubFactory(), chat: &chatLog{}, ended: make(chan error, 1)}
	p.Session = New(Config{
		Name:      name,
		MeetingID: id,
		Audio:     true,
		Video:     true,
		Peer: peer.Options{
			RetryDelay:    30 * time.Millisecond,
			FallbackDelay: 150 * time.Millisecond,
			FailureGrace:  time.Second,
		},
		Transport: p.factory.New,
		Captures:  syntheticCaptures,
		Relay: func(h signaling.Handlers) Relay {
			return signaling.New(signaling.Options{URL: url, Tiers: []time.Duration{10 * time.Millisecond}}, h)
		},
		StartTimeout: 3 * time.Second,
	}, Events{
		OnChat:  p.chat.add,
		OnEnded: func(err error) { p.ended <- err },
	})
	err := p.Start(context.Background())
	if err == nil {
		t.Cleanup(func() { _ = p.Leave() })
	}
	return p, err
}

func mustStart(t *testing.T, url, name string, id domain.MeetingID) *participant {
	t.Helper()
	p, err := start(t, url, name, id)
	if err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	return p
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

func stable(p *participant, remote domain.ParticipantID) func() bool {
	return func() bool {
		s, ok := p.PeerState(remote)
		return ok && s == peer.Stable
	}
}

func rosterIDs(p *participant) []domain.ParticipantID {
	var out []domain.ParticipantID
	for _, r := range p.Roster() {
		out = append(out, r.ID)
	}
	return out
}

func TestCreateJoinAndNegotiate(t *testing.T) {
	url := newRelayURL(t)
	alice := mustStart(t, url, "alice", "")
	id := alice.MeetingID()
	if !id.Valid() {
		t.Fatalf("meeting id %q invalid", id)
	}

	bob := mustStart(t, url, "bob", domain.MeetingID(strings.ToLower(string(id))))
	if bob.MeetingID() != id {
		t.Fatalf("bob in %q, want %q", bob.MeetingID(), id)
	}
	if r := bob.Roster(); len(r) != 1 || r[0].ID != alice.Self() || r[0].Name != "alice" {
		t.Fatalf("bob roster=%+v", r)
	}
	waitFor(t, "alice sees bob", func() bool {
		ids := rosterIDs(alice)
		return len(ids) == 1 && ids[0] == bob.Self()
	})

	waitFor(t, "alice stable", stable(alice, bob.Self()))
	waitFor(t, "bob stable", stable(bob, alice.Self()))
	if n := bob.factory.offers(alice.Self()); n != 1 {
		t.Fatalf("bob made %d offers, want 1 (the joiner offers)", n)
	}
	if n := alice.factory.offers(bob.Self()); n != 0 {
		t.Fatalf("alice made %d offers, want 0", n)
	}
}

func TestThreeParticipantsFullMesh(t *testing.T) {
	url := newRelayURL(t)
	a := mustStart(t, url, "a", "")
	b := mustStart(t, url, "b", a.MeetingID())
	c := mustStart(t, url, "c", a.MeetingID())

	all := []*participant{a, b, c}
	for _, x := range all {
		for _, y := range all {
			if x == y {
				continue
			}
			waitFor(t, fmt.Sprintf("%s->%s stable", x.cfg.Name, y.cfg.Name), stable(x, y.Self()))
		}
	}
}

func TestJoinUnknownMeeting(t *testing.T) {
	url := newRelayURL(t)
	_, err := start(t, url, "bob", "ZZZZZZ")
	if !errors.Is(err, ErrMeetingNotFound) {
		t.Fatalf("err=%v, want %v", err, ErrMeetingNotFound)
	}
}

func TestMediaUnavailableIsFatal(t *testing.T) {
	dialed := false
	s := New(Config{
		Captures: func() ([]media.Capture, error) { return nil, media.ErrUnavailable },
		Relay: func(signaling.Handlers) Relay {
			dialed = true
			return nil
		},
	}, Events{})
	if err := s.Start(context.Background()); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("err=%v, want %v", err, ErrMediaUnavailable)
	}
	if dialed {
		t.Fatal("relay dialed despite media failure")
	}
}

func TestStateChangeAndChat(t *testing.T) {
	url := newRelayURL(t)
	alice := mustStart(t, url, "alice", "")
	bob := mustStart(t, url, "bob", alice.MeetingID())
	waitFor(t, "alice sees bob", func() bool { return len(alice.Roster()) == 1 })

	if err := bob.SetAudio(false); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob muted in alice's roster", func() bool {
		r := alice.Roster()
		return len(r) == 1 && !r[0].Audio && r[0].Video
	})

	if err := bob.SendChat("hello", ""); err != nil {
		t.Fatal(err)
	}
	if err := bob.SendChat("wave", protocol.SourceGesture); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "chat", func() bool { return len(alice.chat.all()) == 2 })
	got := alice.chat.all()
	if got[0].From != bob.Self() || got[0].Name != "bob" || got[0].Source != protocol.SourceKeyboard {
		t.Fatalf("chat[0]=%+v", got[0])
	}
	if got[1].Text != "wave" || got[1].Source != protocol.SourceGesture {
		t.Fatalf("chat[1]=%+v", got[1])
	}
}

func TestLeaveRemovesPeer(t *testing.T) {
	url := newRelayURL(t)
	alice := mustStart(t, url, "alice", "")
	bob := mustStart(t, url, "bob", alice.MeetingID())
	bobID := bob.Self()
	waitFor(t, "stable", stable(alice, bobID))

	if err := bob.Leave(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice drops bob", func() bool {
		_, ok := alice.PeerState(bobID)
		return len(alice.Roster()) == 0 && !ok
	})
	if err := bob.SendChat("still here?", ""); !errors.Is(err, ErrLeft) {
		t.Fatalf("err=%v, want %v", err, ErrLeft)
	}
	select {
	case err := <-bob.ended:
		t.Fatalf("OnEnded fired after Leave: %v", err)
	default:
	}
}

func TestShareScreenRenegotiates(t *testing.T) {
	url := newRelayURL(t)
	alice := mustStart(t, url, "alice", "")
	bob := mustStart(t, url, "bob", alice.MeetingID())
	waitFor(t, "stable", stable(alice, bob.Self()))

	if err := alice.ShareScreen(media.NewSyntheticVideo("screen")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "alice re-offers", func() bool { return alice.factory.offers(bob.Self()) == 1 })
	waitFor(t, "stable again", stable(alice, bob.Self()))

	if !alice.StopShare() {
		t.Fatal("no share to stop")
	}
	waitFor(t, "alice re-offers camera", func() bool { return alice.factory.offers(bob.Self()) == 2 })
}

// fakeRelay answers enter requests with scripted replies.
type fakeRelay struct {
	h     signaling.Handlers
	reply func(n int, m protocol.Message) protocol.Message

	mu      sync.Mutex
	sent    []protocol.Message
	enters  int
	done    chan struct{}
	closeMu sync.Once
}

func (f *fakeRelay) Connect(context.Context) error { return nil }

func (f *fakeRelay) Send(m protocol.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	var reply protocol.Message
	switch m.(type) {
	case *protocol.CreateSession, *protocol.JoinSession:
		f.enters++
		reply = f.reply(f.enters, m)
	}
	f.mu.Unlock()
	if reply != nil {
		go f.h.OnMessage(reply)
	}
	return nil
}

func (f *fakeRelay) Done() <-chan struct{} { return f.done }
func (f *fakeRelay) Err() error            { return nil }

func (f *fakeRelay) Close() error {
	f.closeMu.Do(func() { close(f.done) })
	return nil
}

func (f *fakeRelay) sentKinds() []protocol.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Kind, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Kind()
	}
	return out
}

func (f *fakeRelay) lastJoin() *protocol.JoinSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if j, ok := f.sent[i].(*protocol.JoinSession); ok {
			return j
		}
	}
	return nil
}

func startFake(t *testing.T, reply func(n int, m protocol.Message) protocol.Message, ended chan error) (*Session, *fakeRelay) {
	t.Helper()
	fr := &fakeRelay{reply: reply, done: make(chan struct{})}
	s := New(Config{
		Name:      "carol",
		MeetingID: "ABC123",
		Audio:     true,
		Transport: newStubFactory().New,
		Captures:  func() ([]media.Capture, error) { return []media.Capture{media.NewSyntheticAudio()}, nil },
		Relay: func(h signaling.Handlers) Relay {
			fr.h = h
			return fr
		},
	}, Events{OnEnded: func(err error) { ended <- err }})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Leave() })
	return s, fr
}

func TestReconnectRejoinsSameMeeting(t *testing.T) {
	zed := domain.Participant{ID: "zed", Name: "zed", Audio: true}
	s, fr := startFake(t, func(n int, m protocol.Message) protocol.Message {
		j := m.(*protocol.JoinSession)
		return &protocol.SessionJoined{
			MeetingID:    j.MeetingID,
			Self:         domain.ParticipantID(fmt.Sprintf("carol-%d", n)),
			Participants: []domain.Participant{zed},
		}
	}, make(chan error, 1))

	if s.Self() != "carol-1" {
		t.Fatalf("self=%q", s.Self())
	}
	waitFor(t, "context for zed", func() bool { _, ok := s.PeerState("zed"); return ok })

	fr.h.OnDisconnected(errors.New("network"))
	if s.Self() != "" || len(s.Roster()) != 0 {
		t.Fatalf("after disconnect self=%q roster=%v", s.Self(), s.Roster())
	}
	if _, ok := s.PeerState("zed"); ok {
		t.Fatal("peer context survived the disconnect")
	}

	fr.h.OnReconnected()
	waitFor(t, "rejoined", func() bool { return s.Self() == "carol-2" })
	if j := fr.lastJoin(); j.MeetingID != "ABC123" || j.Name != "carol" || j.Video {
		t.Fatalf("rejoin=%+v", j)
	}
	if r := s.Roster(); len(r) != 1 || r[0].ID != "zed" {
		t.Fatalf("roster=%v", r)
	}
	waitFor(t, "context for zed again", func() bool { _, ok := s.PeerState("zed"); return ok })
}

func TestRejoinAfterMeetingEnded(t *testing.T) {
	ended := make(chan error, 1)
	_, fr := startFake(t, func(n int, m protocol.Message) protocol.Message {
		if n > 1 {
			return &protocol.Error{Code: protocol.CodeNotFound, Message: "meeting not found"}
		}
		return &protocol.SessionJoined{MeetingID: "ABC123", Self: "carol-1"}
	}, ended)

	fr.h.OnDisconnected(errors.New("network"))
	fr.h.OnReconnected()
	select {
	case err := <-ended:
		if !errors.Is(err, ErrMeetingNotFound) {
			t.Fatalf("err=%v, want %v", err, ErrMeetingNotFound)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	select {
	case <-fr.Done():
	default:
		t.Fatal("relay not closed")
	}
}

func TestLeaveSendsLeaveSession(t *testing.T) {
	s, fr := startFake(t, func(int, protocol.Message) protocol.Message {
		return &protocol.SessionJoined{MeetingID: "ABC123", Self: "carol-1"}
	}, make(chan error, 1))
	if err := s.Leave(); err != nil {
		t.Fatal(err)
	}
	if err := s.Leave(); err != nil {
		t.Fatal(err)
	}
	kinds := fr.sentKinds()
	if kinds[len(kinds)-1] != protocol.KindLeaveSession {
		t.Fatalf("sent=%v, want leaveSession last", kinds)
	}
}
