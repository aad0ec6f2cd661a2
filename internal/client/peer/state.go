package peer

// State is the signaling state of one negotiation context.
type State int

const (
	Idle State = iota
	HaveLocalOffer
	HaveRemoteOffer
	Stable
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case HaveLocalOffer:
		return "have-local-offer"
	case HaveRemoteOffer:
		return "have-remote-offer"
	case Stable:
		return "stable"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// canOffer reports whether a local offer may start from s.
func (s State) canOffer() bool { return s == Idle || s == Stable }

// LinkState is the connectivity of a transport as reported by ICE.
type LinkState int

const (
	LinkNew LinkState = iota
	LinkChecking
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (l LinkState) String() string {
	switch l {
	case LinkNew:
		return "new"
	case LinkChecking:
		return "checking"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (l LinkState) broken() bool { return l == LinkDisconnected || l == LinkFailed }
