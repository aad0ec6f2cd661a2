package rtc

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Settings tune the ICE agent of every transport built from one API.
type Settings struct {
	// IncludeLoopback gathers 127.0.0.1 candidates, needed when both peers
	// run on the same host.
	IncludeLoopback bool
	PortMin         uint16
	PortMax         uint16
}

// NewAPI builds a pion API with the default codecs and interceptors, logging
// through zerolog.
func NewAPI(s Settings) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(log.Logger)}
	se.SetIncludeLoopbackCandidate(s.IncludeLoopback)
	if s.PortMin != 0 && s.PortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(s.PortMin, s.PortMax); err != nil {
			return nil, err
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// Configuration returns the peer connection config for the given STUN/TURN
// URLs. With none, the public Google STUN server is used.
func Configuration(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}
