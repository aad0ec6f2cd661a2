package peer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/protocol"
	"github.com/pion/webrtc/v4"
)

var ErrTransportClosed = errors.New("transport closed")

// Transport is the media connection behind one negotiation context.
// Descriptions and candidates are opaque JSON blobs as they travel on the
// wire; only the implementation interprets them.
type Transport interface {
	// CreateOffer creates and applies a local offer.
	CreateOffer(ctx context.Context, iceRestart bool) (json.RawMessage, error)
	// AcceptOffer applies a remote offer and returns the applied answer.
	AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	AcceptAnswer(ctx context.Context, answer json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	// SetTracks makes the sent tracks match tracks, one per kind. It reports
	// whether anything changed.
	SetTracks(tracks []webrtc.TrackLocal) (bool, error)
	Close() error
}

// RemoteTrack is the part of an inbound track the manager needs.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// TransportEvents are installed when a transport is created. Callbacks may
// run on any goroutine.
type TransportEvents struct {
	OnICECandidate func(candidate json.RawMessage)
	OnLinkState    func(LinkState)
	OnTrack        func(RemoteTrack)
}

type TransportFactory func(remote domain.ParticipantID, ev TransportEvents) (Transport, error)

// Signaler sends negotiation messages through the relay.
type Signaler interface {
	Send(m protocol.Message) error
}

type SignalerFunc func(m protocol.Message) error

func (f SignalerFunc) Send(m protocol.Message) error { return f(m) }

// Events report what the UI layer should render. Callbacks run on the
// negotiating goroutine of the participant they concern and must not block.
type Events struct {
	// OnMedia fires for each remote track. A participant has at most one
	// tile; later tracks update it.
	OnMedia func(remote domain.ParticipantID, track RemoteTrack)
	// OnMediaRemoved fires once when a participant's tile goes away.
	OnMediaRemoved func(remote domain.ParticipantID)
	OnState        func(remote domain.ParticipantID, s State)
}
