package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/randutil"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var ErrUnavailable = errors.New("media: local capture unavailable")

// Capture is a local device producing RTP. *webrtc.TrackRemote has the same
// ReadRTP shape, so a received track can be looped back as a capture.
type Capture interface {
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecCapability
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	Close() error
}

// Capture modes accepted by Open.
const (
	ModeSynthetic = "synthetic"
	ModeAudioOnly = "audio"
	ModeNone      = "none"
)

// OpenCaptures opens the devices for mode. ModeNone opens nothing and the
// participant only receives.
func OpenCaptures(mode string) ([]Capture, error) {
	switch mode {
	case ModeSynthetic, "":
		return []Capture{NewSyntheticAudio(), NewSyntheticVideo("camera")}, nil
	case ModeAudioOnly:
		return []Capture{NewSyntheticAudio()}, nil
	case ModeNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrUnavailable, mode)
	}
}

// Synthetic generates paced packets with a fixed payload. It stands in for
// a camera or microphone in headless participants and tests.
type Synthetic struct {
	kind     webrtc.RTPCodecType
	codec    webrtc.RTPCodecCapability
	label    string
	interval time.Duration
	clock    uint32
	payload  []byte

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	ticker *time.Ticker
	seq    uint16
	ts     uint32
}

func NewSyntheticAudio() *Synthetic {
	// 20ms Opus frames of silence.
	return newSynthetic(webrtc.RTPCodecTypeAudio,
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"microphone", 20*time.Millisecond, 960, []byte{0xf8, 0xff, 0xfe})
}

// NewSyntheticVideo emits about 30 frames per second. label tells a camera
// from a screen share in logs.
func NewSyntheticVideo(label string) *Synthetic {
	return newSynthetic(webrtc.RTPCodecTypeVideo,
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		label, 33*time.Millisecond, 3000, []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a})
}

func newSynthetic(kind webrtc.RTPCodecType, codec webrtc.RTPCodecCapability, label string, interval time.Duration, step uint32, payload []byte) *Synthetic {
	rng := randutil.NewMathRandomGenerator()
	ctx, cancel := context.WithCancel(context.Background())
	return &Synthetic{
		kind:     kind,
		codec:    codec,
		label:    label,
		interval: interval,
		clock:    step,
		payload:  payload,
		ctx:      ctx,
		cancel:   cancel,
		seq:      uint16(rng.Uint32()),
		ts:       rng.Uint32(),
	}
}

func (s *Synthetic) Kind() webrtc.RTPCodecType        { return s.kind }
func (s *Synthetic) Codec() webrtc.RTPCodecCapability { return s.codec }
func (s *Synthetic) Label() string                    { return s.label }

// ReadRTP blocks until the next packet is due. After Close it returns io.EOF.
// Only one goroutine may read.
func (s *Synthetic) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	s.once.Do(func() { s.ticker = time.NewTicker(s.interval) })
	if s.ctx.Err() != nil {
		s.ticker.Stop()
		return nil, nil, io.EOF
	}
	select {
	case <-s.ctx.Done():
		s.ticker.Stop()
		return nil, nil, io.EOF
	case <-s.ticker.C:
	}
	s.seq++
	s.ts += s.clock
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         s.kind == webrtc.RTPCodecTypeVideo,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
		},
		Payload: s.payload,
	}, interceptor.Attributes{}, nil
}

func (s *Synthetic) Close() error {
	s.cancel()
	return nil
}
