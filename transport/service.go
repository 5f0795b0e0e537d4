package transport

import (
	"github.com/sangaman/raiden/crypto"
	"github.com/sangaman/raiden/message"
)

// NetworkState is the channel-level view of a peer's connectivity, derived
// from address reachability.
type NetworkState uint8

const (
	NetworkStateUnknown NetworkState = iota
	NetworkStateReachable
	NetworkStateUnreachable
)

// String returns a log-friendly name.
func (s NetworkState) String() string {
	switch s {
	case NetworkStateReachable:
		return "reachable"
	case NetworkStateUnreachable:
		return "unreachable"
	}
	return "unknown"
}

// StateChange is a transport-originated event for the application state
// machine. The variant set is closed.
type StateChange interface {
	isStateChange()
}

// ActionChangeNodeNetworkState reports that a peer's network state changed.
type ActionChangeNodeNetworkState struct {
	Address crypto.Address
	State   NetworkState
}

func (ActionChangeNodeNetworkState) isStateChange() {}

// ActionUpdateTransportAuthData carries the session credentials to persist
// for reconnection, formatted "<user id>/<access token>".
type ActionUpdateTransportAuthData struct {
	AuthData string
}

func (ActionUpdateTransportAuthData) isStateChange() {}

// Service is the application layer the transport delivers to. The payment
// state machine implements it; the transport never interprets channel
// semantics itself.
type Service interface {
	// Address is the node's own address.
	Address() crypto.Address

	// Sign attaches the node's signature to an outbound message, e.g. a
	// generated delivery acknowledgement.
	Sign(msg message.Message) error

	// OnMessage delivers a fully validated inbound message, including
	// acknowledgements.
	OnMessage(msg message.Message)

	// HandleAndTrackStateChanges accepts network-state and auth-data
	// state changes.
	HandleAndTrackStateChanges(changes []StateChange)

	// MessageQueues is the upstream channel-queue view. A retryable
	// message missing from its queue has been acknowledged or superseded
	// and is dropped from the retry queues.
	MessageQueues() map[QueueIdentifier][]message.Retryable
}
