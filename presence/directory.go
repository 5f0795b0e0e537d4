package presence

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sangaman/raiden/crypto"
	"github.com/sangaman/raiden/matrix"
)

// ReachabilityCallback is invoked synchronously whenever an address's
// reachability verdict changes. It must not block on network I/O.
type ReachabilityCallback func(address crypto.Address, reachability Reachability)

// PresenceCallback is invoked synchronously for every accepted presence
// change of a validated user.
type PresenceCallback func(user matrix.User, state matrix.PresenceState)

// Directory is the address directory: it whitelists peer addresses,
// associates validated user identifiers with them, and classifies each
// address's reachability from presence events.
type Directory struct {
	client matrix.Client

	reachabilityChanged ReachabilityCallback
	presenceChanged     PresenceCallback

	mu           sync.RWMutex
	known        map[crypto.Address]struct{}
	userIDs      map[crypto.Address]map[string]struct{}
	userPresence map[string]matrix.PresenceState
	reachability map[crypto.Address]Reachability
	ownUserID    string
	started      bool
}

// NewDirectory creates a directory bound to a client. Both callbacks are
// optional.
func NewDirectory(client matrix.Client, reachabilityChanged ReachabilityCallback, presenceChanged PresenceCallback) *Directory {
	return &Directory{
		client:              client,
		reachabilityChanged: reachabilityChanged,
		presenceChanged:     presenceChanged,
		known:               make(map[crypto.Address]struct{}),
		userIDs:             make(map[crypto.Address]map[string]struct{}),
		userPresence:        make(map[string]matrix.PresenceState),
		reachability:        make(map[crypto.Address]Reachability),
	}
}

// Start subscribes to presence events. The client must be logged in.
func (d *Directory) Start() {
	d.mu.Lock()
	d.started = true
	d.ownUserID = d.client.UserID()
	d.mu.Unlock()

	d.client.OnPresence(d.handlePresenceEvent)
	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"user_id":  d.client.UserID(),
	}).Debug("Address directory started")
}

// Stop makes the directory ignore further presence events.
func (d *Directory) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
}

// AddAddress whitelists an address for inbound handling. Idempotent, and
// callable before Start.
func (d *Directory) AddAddress(address crypto.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.known[address]; ok {
		return
	}
	d.known[address] = struct{}{}
	logrus.WithFields(logrus.Fields{
		"function": "AddAddress",
		"address":  address.Checksum(),
	}).Debug("Whitelisted address")
}

// IsAddressKnown reports whether the address has been whitelisted.
func (d *Directory) IsAddressKnown(address crypto.Address) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.known[address]
	return ok
}

// KnownAddresses returns all whitelisted addresses.
func (d *Directory) KnownAddresses() []crypto.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addresses := make([]crypto.Address, 0, len(d.known))
	for addr := range d.known {
		addresses = append(addresses, addr)
	}
	return addresses
}

// AddUserIDsForAddress associates candidate user ids with an address. The
// caller is expected to have validated their proofs already.
func (d *Directory) AddUserIDsForAddress(address crypto.Address, userIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set := d.userIDs[address]
	if set == nil {
		set = make(map[string]struct{})
		d.userIDs[address] = set
	}
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
}

// UserIDsForAddress returns the user ids known to belong to an address.
func (d *Directory) UserIDsForAddress(address crypto.Address) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.userIDs[address]))
	for id := range d.userIDs[address] {
		ids = append(ids, id)
	}
	return ids
}

// AddressReachability returns the cached reachability verdict, Unknown if
// the address was never observed.
func (d *Directory) AddressReachability(address crypto.Address) Reachability {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reachability[address]
}

// ForceUserPresence overrides the cached presence of one user without
// contacting the network. Used to paper over missed presence events, e.g.
// when a message just arrived from a peer believed offline. The caller
// still needs RefreshAddressPresence for the override to take effect on
// the address verdict.
func (d *Directory) ForceUserPresence(user matrix.User, state matrix.PresenceState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userPresence[user.ID] = state
}

// RefreshAddressPresence recomputes the reachability of an address from the
// per-user presence cache and fires the reachability callback on change.
func (d *Directory) RefreshAddressPresence(address crypto.Address) {
	d.mu.Lock()
	composite := ReachabilityUnreachable
	for id := range d.userIDs[address] {
		if presenceCountsAsReachable(d.userPresence[id]) {
			composite = ReachabilityReachable
			break
		}
	}
	changed := d.reachability[address] != composite
	d.reachability[address] = composite
	callback := d.reachabilityChanged
	d.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"function":     "RefreshAddressPresence",
			"address":      address.Checksum(),
			"reachability": composite,
		}).Debug("Address reachability changed")
		if callback != nil {
			callback(address, composite)
		}
	}
}

// handlePresenceEvent processes one presence event from the network. Events
// for our own user, for users without a valid proof, or for addresses that
// were never whitelisted are ignored.
func (d *Directory) handlePresenceEvent(event *matrix.PresenceEvent) {
	d.mu.RLock()
	started := d.started
	own := d.ownUserID
	d.mu.RUnlock()
	if !started || event.UserID == own {
		return
	}

	address, err := AddressFromUserID(event.UserID)
	if err != nil {
		return
	}
	if !d.IsAddressKnown(address) {
		return
	}

	user := d.client.GetUser(event.UserID)
	validated, ok := ValidateUserSignature(user)
	if !ok || validated != address {
		logrus.WithFields(logrus.Fields{
			"function": "handlePresenceEvent",
			"user_id":  event.UserID,
		}).Debug("Ignoring presence of user with invalid proof")
		return
	}

	d.mu.Lock()
	set := d.userIDs[address]
	if set == nil {
		set = make(map[string]struct{})
		d.userIDs[address] = set
	}
	set[user.ID] = struct{}{}
	unchanged := d.userPresence[user.ID] == event.Presence
	d.userPresence[user.ID] = event.Presence
	presenceCallback := d.presenceChanged
	d.mu.Unlock()

	if unchanged {
		return
	}
	if presenceCallback != nil {
		presenceCallback(user, event.Presence)
	}
	d.RefreshAddressPresence(address)
}
