// Package protocol models the signaling wire surface shared by the relay and
// its clients. Every frame is a JSON object {"type": <kind>, "data": {...}}.
//
// The package does not depend on any WebRTC library: session descriptions and
// ICE candidates travel as opaque json.RawMessage values.
package protocol

type Kind string

const (
	KindCreateSession  Kind = "createSession"
	KindJoinSession    Kind = "joinSession"
	KindLeaveSession   Kind = "leaveSession"
	KindSessionCreated Kind = "sessionCreated"
	KindSessionJoined  Kind = "sessionJoined"
	KindSessionLeft    Kind = "sessionLeft"
	KindPresenceJoin   Kind = "presenceJoin"
	KindPresenceLeave  Kind = "presenceLeave"
	KindStateChange    Kind = "stateChange"
	KindChat           Kind = "chatMessage"
	KindOffer          Kind = "offer"
	KindAnswer         Kind = "answer"
	KindICECandidate   Kind = "iceCandidate"
	KindError          Kind = "error"
	KindPing           Kind = "ping"
	KindPong           Kind = "pong"
)

// factories is the closed set of kinds. Decode rejects anything else.
var factories = map[Kind]func() Message{
	KindCreateSession:  func() Message { return &CreateSession{} },
	KindJoinSession:    func() Message { return &JoinSession{} },
	KindLeaveSession:   func() Message { return &LeaveSession{} },
	KindSessionCreated: func() Message { return &SessionCreated{} },
	KindSessionJoined:  func() Message { return &SessionJoined{} },
	KindSessionLeft:    func() Message { return &SessionLeft{} },
	KindPresenceJoin:   func() Message { return &PresenceJoin{} },
	KindPresenceLeave:  func() Message { return &PresenceLeave{} },
	KindStateChange:    func() Message { return &StateChange{} },
	KindChat:           func() Message { return &Chat{} },
	KindOffer:          func() Message { return &Offer{} },
	KindAnswer:         func() Message { return &Answer{} },
	KindICECandidate:   func() Message { return &ICECandidate{} },
	KindError:          func() Message { return &Error{} },
	KindPing:           func() Message { return &Ping{} },
	KindPong:           func() Message { return &Pong{} },
}

// clientKinds are the kinds a client may send to the relay.
var clientKinds = []Kind{
	KindCreateSession,
	KindJoinSession,
	KindLeaveSession,
	KindStateChange,
	KindChat,
	KindOffer,
	KindAnswer,
	KindICECandidate,
	KindPing,
}

// ClientKinds returns the kinds a relay must be able to handle.
func ClientKinds() []Kind {
	out := make([]Kind, len(clientKinds))
	copy(out, clientKinds)
	return out
}

func IsClientKind(k Kind) bool {
	for _, c := range clientKinds {
		if c == k {
			return true
		}
	}
	return false
}

func (k Kind) Known() bool {
	_, ok := factories[k]
	return ok
}
