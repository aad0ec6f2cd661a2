package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/client/peer"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type observed struct {
	mu         sync.Mutex
	candidates chan json.RawMessage
	links      []peer.LinkState
	tracks     []peer.RemoteTrack
}

func newObserved() *observed {
	return &observed{candidates: make(chan json.RawMessage, 64)}
}

func (o *observed) events() peer.TransportEvents {
	return peer.TransportEvents{
		OnICECandidate: func(c json.RawMessage) { o.candidates <- c },
		OnLinkState: func(s peer.LinkState) {
			o.mu.Lock()
			o.links = append(o.links, s)
			o.mu.Unlock()
		},
		OnTrack: func(tr peer.RemoteTrack) {
			o.mu.Lock()
			o.tracks = append(o.tracks, tr)
			o.mu.Unlock()
		},
	}
}

func (o *observed) connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.links {
		if s == peer.LinkConnected {
			return true
		}
	}
	return false
}

func (o *observed) trackKinds() []webrtc.RTPCodecType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]webrtc.RTPCodecType, len(o.tracks))
	for i, tr := range o.tracks {
		out[i] = tr.Kind()
	}
	return out
}

func newTestTransport(t *testing.T, o *observed) *Transport {
	t.Helper()
	api, err := NewAPI(Settings{IncludeLoopback: true})
	if err != nil {
		t.Fatal(err)
	}
	tr, err := NewTransport(api, webrtc.Configuration{}, "remote", o.events())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func newAudioTrack(t *testing.T, id string) *webrtc.TrackLocalStaticRTP {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "local")
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func forward(ctx context.Context, from *observed, to *Transport) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-from.candidates:
				_ = to.AddICECandidate(c)
			}
		}
	}()
}

func eventually(t *testing.T, what string, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTransportsConnectAndCarryMedia(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	oa, ob := newObserved(), newObserved()
	a, b := newTestTransport(t, oa), newTestTransport(t, ob)

	audio := newAudioTrack(t, "mic")
	changed, err := a.SetTracks([]webrtc.TrackLocal{audio})
	if err != nil || !changed {
		t.Fatalf("SetTracks changed=%v err=%v", changed, err)
	}

	ctx := context.Background()
	offer, err := a.CreateOffer(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	answer, err := b.AcceptOffer(ctx, offer)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.AcceptAnswer(ctx, answer); err != nil {
		t.Fatal(err)
	}

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	forward(fctx, oa, b)
	forward(fctx, ob, a)

	eventually(t, "a connected", 10*time.Second, oa.connected)
	eventually(t, "b connected", 10*time.Second, ob.connected)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		var seq uint16
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				seq++
				_ = audio.WriteRTP(&rtp.Packet{
					Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 960},
					Payload: []byte{0xf8, 0xff, 0xfe},
				})
			}
		}
	}()

	eventually(t, "remote audio track", 10*time.Second, func() bool {
		kinds := ob.trackKinds()
		return len(kinds) == 1 && kinds[0] == webrtc.RTPCodecTypeAudio
	})
}

func TestSetTracksReportsChanges(t *testing.T) {
	tr := newTestTransport(t, newObserved())
	first, second := newAudioTrack(t, "mic"), newAudioTrack(t, "mic-2")

	steps := []struct {
		name   string
		tracks []webrtc.TrackLocal
		want   bool
	}{
		{"nothing to nothing", nil, false},
		{"add", []webrtc.TrackLocal{first}, true},
		{"same again", []webrtc.TrackLocal{first}, false},
		{"replace", []webrtc.TrackLocal{second}, true},
		{"remove", nil, true},
		{"re-add", []webrtc.TrackLocal{first}, true},
	}
	for _, s := range steps {
		got, err := tr.SetTracks(s.tracks)
		if err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		if got != s.want {
			t.Fatalf("%s: changed=%v, want %v", s.name, got, s.want)
		}
	}
	if n := len(tr.senders); n != 1 {
		t.Fatalf("senders=%d, want 1 (replace reuses the sender)", n)
	}
}

func TestRejectsWrongDescriptions(t *testing.T) {
	tr := newTestTransport(t, newObserved())
	ctx := context.Background()

	if _, err := tr.AcceptOffer(ctx, json.RawMessage(`{"type":"answer","sdp":"v=0"}`)); err == nil {
		t.Fatal("answer accepted as offer")
	}
	if _, err := tr.AcceptOffer(ctx, json.RawMessage(`not json`)); err == nil {
		t.Fatal("garbage accepted")
	}
	if err := tr.AcceptAnswer(ctx, json.RawMessage(`{"type":"offer","sdp":"v=0"}`)); err == nil {
		t.Fatal("offer accepted as answer")
	}
	if err := tr.AddICECandidate(json.RawMessage(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}`)); err == nil {
		t.Fatal("candidate accepted without remote description")
	}
}

func TestClosedTransport(t *testing.T) {
	tr := newTestTransport(t, newObserved())
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := tr.CreateOffer(context.Background(), false); !errors.Is(err, peer.ErrTransportClosed) {
		t.Fatalf("CreateOffer err=%v", err)
	}
	if _, err := tr.SetTracks(nil); !errors.Is(err, peer.ErrTransportClosed) {
		t.Fatalf("SetTracks err=%v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	tr := newTestTransport(t, newObserved())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.CreateOffer(ctx, false); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

func TestLinkStateMapping(t *testing.T) {
	cases := map[webrtc.ICEConnectionState]peer.LinkState{
		webrtc.ICEConnectionStateNew:          peer.LinkNew,
		webrtc.ICEConnectionStateChecking:     peer.LinkChecking,
		webrtc.ICEConnectionStateConnected:    peer.LinkConnected,
		webrtc.ICEConnectionStateCompleted:    peer.LinkConnected,
		webrtc.ICEConnectionStateDisconnected: peer.LinkDisconnected,
		webrtc.ICEConnectionStateFailed:       peer.LinkFailed,
		webrtc.ICEConnectionStateClosed:       peer.LinkClosed,
	}
	for in, want := range cases {
		if got := linkState(in); got != want {
			t.Errorf("%s -> %s, want %s", in, got, want)
		}
	}
}

func TestConfigurationDefaultsToPublicSTUN(t *testing.T) {
	cfg := Configuration(nil)
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("cfg=%+v", cfg)
	}
	cfg = Configuration([]string{"stun:example.org:3478"})
	if cfg.ICEServers[0].URLs[0] != "stun:example.org:3478" {
		t.Fatalf("cfg=%+v", cfg)
	}
}
