package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateLive TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateMuted:
		return "muted"
	case TrackStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LocalTrack is one outgoing track. Muting keeps the track negotiated and
// drops packets instead, so toggling needs no renegotiation.
type LocalTrack struct {
	Track *webrtc.TrackLocalStaticRTP

	state   atomic.Int32 // zero is TrackStateLive
	written atomic.Uint64
	dropped atomic.Uint64
}

func NewLocalTrack(track *webrtc.TrackLocalStaticRTP) *LocalTrack {
	return &LocalTrack{Track: track}
}

func (lt *LocalTrack) State() TrackState { return TrackState(lt.state.Load()) }

func (lt *LocalTrack) MarkLive() {
	lt.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateLive))
}

func (lt *LocalTrack) MarkMuted() {
	lt.state.CompareAndSwap(int32(TrackStateLive), int32(TrackStateMuted))
}

func (lt *LocalTrack) MarkStopped() { lt.state.Store(int32(TrackStateStopped)) }

// WriteRTP forwards pkt unless the track is muted or stopped.
func (lt *LocalTrack) WriteRTP(pkt *rtp.Packet) error {
	if lt.State() != TrackStateLive {
		lt.dropped.Add(1)
		return nil
	}
	if err := lt.Track.WriteRTP(pkt); err != nil {
		return err
	}
	lt.written.Add(1)
	return nil
}

// Stats returns how many packets were forwarded and dropped.
func (lt *LocalTrack) Stats() (written, dropped uint64) {
	return lt.written.Load(), lt.dropped.Load()
}
