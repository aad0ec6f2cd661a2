package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/Meet/internal/client/peer"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var kinds = [...]webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}

// Transport is a peer.Transport backed by a pion PeerConnection. Candidates
// trickle: descriptions are returned as soon as they are applied.
type Transport struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	logger zerolog.Logger

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	sent    map[webrtc.RTPCodecType]webrtc.TrackLocal
	closed  bool
}

var _ peer.Transport = (*Transport)(nil)

// NewFactory returns a peer.TransportFactory building transports from api.
func NewFactory(api *webrtc.API, cfg webrtc.Configuration) peer.TransportFactory {
	return func(remote domain.ParticipantID, ev peer.TransportEvents) (peer.Transport, error) {
		return NewTransport(api, cfg, remote, ev)
	}
}

func NewTransport(api *webrtc.API, cfg webrtc.Configuration, remote domain.ParticipantID, ev peer.TransportEvents) (*Transport, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	// Always receive both kinds, even before anything is sent.
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	t := &Transport{
		pc:      pc,
		remote:  remote,
		logger:  log.With().Str("module", "webrtc").Str("remote", string(remote)).Logger(),
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		sent:    make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || ev.OnICECandidate == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			t.logger.Error().Err(err).Msg("encode candidate")
			return
		}
		ev.OnICECandidate(raw)
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		if ev.OnLinkState != nil {
			ev.OnLinkState(linkState(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			t.requestKeyframe(track)
		}
		if ev.OnTrack != nil {
			ev.OnTrack(track)
		}
		go t.drain(track)
	})

	return t, nil
}

func (t *Transport) CreateOffer(ctx context.Context, iceRestart bool) (json.RawMessage, error) {
	if err := t.usable(ctx); err != nil {
		return nil, err
	}
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(offer)
}

func (t *Transport) AcceptOffer(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	if err := t.usable(ctx); err != nil {
		return nil, err
	}
	offer, err := decodeDescription(raw, webrtc.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(answer)
}

func (t *Transport) AcceptAnswer(ctx context.Context, raw json.RawMessage) error {
	if err := t.usable(ctx); err != nil {
		return err
	}
	answer, err := decodeDescription(raw, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	return t.pc.SetRemoteDescription(answer)
}

func (t *Transport) AddICECandidate(raw json.RawMessage) error {
	if err := t.usable(context.Background()); err != nil {
		return err
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return t.pc.AddICECandidate(c)
}

// SetTracks sends at most one track per kind. The first track of a kind is
// added to the receive-only transceiver, later ones replace it in place.
func (t *Transport) SetTracks(tracks []webrtc.TrackLocal) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, peer.ErrTransportClosed
	}

	want := make(map[webrtc.RTPCodecType]webrtc.TrackLocal, len(kinds))
	for _, tr := range tracks {
		want[tr.Kind()] = tr
	}

	changed := false
	for _, kind := range kinds {
		tr := want[kind]
		if t.sent[kind] == tr {
			continue
		}
		if sender, ok := t.senders[kind]; ok {
			if err := sender.ReplaceTrack(tr); err != nil {
				return changed, err
			}
		} else if tr != nil {
			sender, err := t.pc.AddTrack(tr)
			if err != nil {
				return changed, err
			}
			t.senders[kind] = sender
			go drainRTCP(sender)
		}
		t.sent[kind] = tr
		changed = true
	}
	return changed, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if err := t.pc.Close(); err != nil {
		t.logger.Error().Err(err).Msg("close error")
		return err
	}
	t.logger.Info().Msg("closed")
	return nil
}

func (t *Transport) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return peer.ErrTransportClosed
	}
	return nil
}

// drain consumes inbound RTP so the interceptors keep producing reports.
func (t *Transport) drain(track *webrtc.TrackRemote) {
	var packets int
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			t.logger.Debug().Err(err).Str("track_id", track.ID()).Int("packets", packets).Msg("remote track ended")
			return
		}
		packets++
	}
}

// requestKeyframe asks the sender for a full frame so a fresh tile does not
// wait for the next periodic keyframe.
func (t *Transport) requestKeyframe(track *webrtc.TrackRemote) {
	pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
	if err := t.pc.WriteRTCP(pli); err != nil {
		t.logger.Debug().Err(err).Str("track_id", track.ID()).Msg("send PLI")
	}
}

func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

func decodeDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return sd, fmt.Errorf("decode description: %w", err)
	}
	if sd.Type != want {
		return sd, fmt.Errorf("description type %q, want %q", sd.Type, want)
	}
	return sd, nil
}

func linkState(s webrtc.ICEConnectionState) peer.LinkState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return peer.LinkChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return peer.LinkConnected
	case webrtc.ICEConnectionStateDisconnected:
		return peer.LinkDisconnected
	case webrtc.ICEConnectionStateFailed:
		return peer.LinkFailed
	case webrtc.ICEConnectionStateClosed:
		return peer.LinkClosed
	default:
		return peer.LinkNew
	}
}
