package presence

import "github.com/sangaman/raiden/matrix"

// Reachability is this node's belief about whether a peer can receive
// messages right now.
type Reachability uint8

const (
	// ReachabilityUnknown means no presence information was observed yet.
	ReachabilityUnknown Reachability = iota
	// ReachabilityReachable means at least one of the peer's users is
	// online or unavailable.
	ReachabilityReachable
	// ReachabilityUnreachable means every known user of the peer is
	// offline.
	ReachabilityUnreachable
)

// String returns a log-friendly name.
func (r Reachability) String() string {
	switch r {
	case ReachabilityReachable:
		return "reachable"
	case ReachabilityUnreachable:
		return "unreachable"
	}
	return "unknown"
}

// presenceCountsAsReachable reports whether a presence state keeps an
// address reachable. "Unavailable" (idle) users still receive messages.
func presenceCountsAsReachable(state matrix.PresenceState) bool {
	return state == matrix.PresenceOnline || state == matrix.PresenceUnavailable
}
