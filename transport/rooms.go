package transport

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sangaman/raiden/crypto"
	"github.com/sangaman/raiden/matrix"
	"github.com/sangaman/raiden/presence"
)

const (
	roomPrefix    = "raiden"
	roomSeparator = "_"
)

// makeRoomAlias builds the canonical room alias local part, e.g.
// raiden_1_discovery or raiden_1_0xaaa..._0xbbb... .
func makeRoomAlias(chainID int64, parts ...string) string {
	return roomPrefix + roomSeparator + fmt.Sprintf("%d", chainID) + roomSeparator +
		strings.Join(parts, roomSeparator)
}

// serverNameOf extracts the host part of a server URL.
func serverNameOf(serverURL string) string {
	parsed, err := url.Parse(serverURL)
	if err != nil || parsed.Host == "" {
		return serverURL
	}
	return parsed.Host
}

// transientRoomCode reports whether a request error is of the "not found
// here, try elsewhere" class.
func transientRoomCode(err error) bool {
	var reqErr *matrix.RequestError
	if !errors.As(err, &reqErr) {
		return false
	}
	switch reqErr.Code {
	case 403, 404, 500:
		return true
	}
	return false
}

// joinGlobalRoom joins or creates a global public room with the given
// alias local part. It tries the client's own server first, then each of
// the fallback servers, aliasing the room locally when found elsewhere;
// if the room exists nowhere it is created. Exhausting every attempt is a
// fatal configuration/connectivity error.
func joinGlobalRoom(client matrix.Client, name string, servers []string) (matrix.Room, error) {
	ownServer := serverNameOf(client.HomeserverURL())

	names := []string{ownServer}
	seen := map[string]bool{ownServer: true}
	for _, s := range servers {
		server := serverNameOf(s)
		if server != "" && !seen[server] {
			seen[server] = true
			names = append(names, server)
		}
	}

	ownAlias := fmt.Sprintf("#%s:%s", name, ownServer)

	for _, server := range names {
		alias := fmt.Sprintf("#%s:%s", name, server)
		room, err := client.JoinRoom(alias)
		if err != nil {
			if transientRoomCode(err) {
				logrus.WithFields(logrus.Fields{
					"function": "joinGlobalRoom",
					"alias":    alias,
					"error":    err,
				}).Debug("Could not join global room")
				continue
			}
			return nil, fmt.Errorf("failed to join global room %s: %w", alias, err)
		}
		if !containsString(room.Aliases(), ownAlias) {
			// joined elsewhere, alias it in our server
			if err := room.AddAlias(ownAlias); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "joinGlobalRoom",
					"alias":    ownAlias,
					"error":    err,
				}).Warn("Failed to alias global room locally")
			}
		}
		return room, nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "joinGlobalRoom",
		"room":     name,
	}).Debug("Could not join any global room, trying to create one")

	for attempt := 0; attempt < joinRetries; attempt++ {
		room, err := client.CreateRoom(name, nil, true)
		if err == nil {
			return room, nil
		}
		var reqErr *matrix.RequestError
		if !errors.As(err, &reqErr) || (reqErr.Code != 400 && reqErr.Code != 409) {
			return nil, fmt.Errorf("failed to create global room %s: %w", name, err)
		}
		// creation raced with a peer, the room should be joinable now
		room, err = client.JoinRoom(ownAlias)
		if err == nil {
			return room, nil
		}
		if !transientRoomCode(err) {
			return nil, fmt.Errorf("failed to join global room %s: %w", ownAlias, err)
		}
	}
	return nil, fmt.Errorf("could neither join nor create global room %s", name)
}

// globalRoom returns the resolved room for a configured global suffix,
// joining it lazily when a send targets a not-yet-joined room.
func (t *Transport) globalRoom(suffix string) (matrix.Room, error) {
	alias := makeRoomAlias(t.config.ChainID, suffix)

	t.globalRoomsMu.Lock()
	defer t.globalRoomsMu.Unlock()
	if room, ok := t.globalRooms[alias]; ok {
		return room, nil
	}
	room, err := joinGlobalRoom(t.client, alias, t.config.AvailableServers)
	if err != nil {
		return nil, err
	}
	t.globalRooms[alias] = room
	return room, nil
}

// isGlobalRoom reports whether any of the room's aliases names a
// configured global room. Global room identity is disjoint from per-peer
// room identity; the node must never listen on a global room as a
// direct-message room.
func (t *Transport) isGlobalRoom(room matrix.Room) bool {
	for _, suffix := range t.config.GlobalRooms {
		for _, alias := range room.Aliases() {
			if strings.Contains(alias, suffix) {
				return true
			}
		}
	}
	return false
}

// roomForAddress guarantees a shared room with the peer exists before a
// send: the persisted mapping is consulted first (skipping any stale
// global rooms), otherwise a room is created or joined, the peer invited,
// and the choice persisted. Returns nil when no room could be resolved;
// that is a soft failure and the retry worker tries again next wake.
func (t *Transport) roomForAddress(address crypto.Address) matrix.Room {
	if t.isStopped() {
		return nil
	}

	for _, roomID := range t.roomIDsForAddress(address, nil) {
		room, ok := t.client.Room(roomID)
		if !ok {
			continue
		}
		if t.isGlobalRoom(room) {
			t.log().WithFields(logrus.Fields{
				"function": "roomForAddress",
				"room_id":  roomID,
				"peer":     address.Checksum(),
			}).Warn("Ignoring global room for peer")
			continue
		}
		return room
	}

	// No room yet: discover the peer's users and set one up.
	addressHex := address.Normalized()
	var peers []matrix.User
	for _, user := range t.client.SearchUserDirectory(addressHex) {
		if validated, ok := presence.ValidateUserSignature(user); ok && validated == address {
			peers = append(peers, user)
		}
	}
	if len(peers) == 0 {
		t.log().WithFields(logrus.Fields{
			"function":     "roomForAddress",
			"peer_address": address.Checksum(),
		}).Error("No valid peer found")
		return nil
	}
	peerIDs := make([]string, len(peers))
	for i, user := range peers {
		peerIDs[i] = user.ID
	}

	var room matrix.Room
	if t.config.PrivateRooms {
		room = t.getPrivateRoom(peerIDs)
	} else {
		pair := []string{addressHex, t.service.Address().Normalized()}
		sort.Strings(pair)
		room = t.getPublicRoom(makeRoomAlias(t.config.ChainID, pair...), peerIDs)
	}
	if room == nil {
		return nil
	}

	t.waitForPeerJoin(room, address, peerIDs)

	t.directory.AddUserIDsForAddress(address, peerIDs...)
	t.setRoomIDForAddress(address, room.ID())
	if !room.HasListeners() {
		room.OnMessage(t.handleRoomEvent)
	}

	t.log().WithFields(logrus.Fields{
		"function":     "roomForAddress",
		"peer_address": address.Checksum(),
		"room_id":      room.ID(),
	}).Debug("Resolved peer room")
	return room
}

// getPrivateRoom creates an anonymous, invite-only room and invites the
// peer's users.
func (t *Transport) getPrivateRoom(inviteeIDs []string) matrix.Room {
	room, err := t.client.CreateRoom("", inviteeIDs, false)
	if err != nil {
		t.log().WithFields(logrus.Fields{
			"function": "getPrivateRoom",
			"invitees": inviteeIDs,
			"error":    err,
		}).Error("Failed to create private room")
		return nil
	}
	return room
}

// getPublicRoom joins or creates a canonically named public room and
// invites the peer's users. When neither join nor create succeeds under
// the canonical name, an unnamed public room is created as a last resort.
func (t *Transport) getPublicRoom(roomName string, inviteeIDs []string) matrix.Room {
	fullAlias := fmt.Sprintf("#%s:%s", roomName, t.serverName)

	for attempt := 0; attempt < joinRetries; attempt++ {
		room, err := t.client.JoinRoom(fullAlias)
		if err == nil {
			// invite any of the peer's users not in the room yet
			members := map[string]bool{}
			if joined, err := room.JoinedMembers(true); err == nil {
				for _, member := range joined {
					members[member.ID] = true
				}
			}
			for _, invitee := range inviteeIDs {
				if !members[invitee] {
					if err := room.InviteUser(invitee); err != nil {
						t.log().WithFields(logrus.Fields{
							"function": "getPublicRoom",
							"invitee":  invitee,
							"error":    err,
						}).Warn("Failed to invite user to public room")
					}
				}
			}
			return room
		}
		t.log().WithFields(logrus.Fields{
			"function":  "getPublicRoom",
			"room_name": fullAlias,
			"error":     err,
		}).Debug("No existing public room, trying to create")

		room, err = t.client.CreateRoom(roomName, inviteeIDs, true)
		if err == nil {
			return room
		}
		// 409 means the peer created it meanwhile, retry the join
		t.log().WithFields(logrus.Fields{
			"function":  "getPublicRoom",
			"room_name": roomName,
			"error":     err,
		}).Debug("Error creating room, retrying")
	}

	room, err := t.client.CreateRoom("", inviteeIDs, true)
	if err != nil {
		t.log().WithFields(logrus.Fields{
			"function": "getPublicRoom",
			"error":    err,
		}).Error("Could not create nor join any room for peer")
		return nil
	}
	t.log().WithFields(logrus.Fields{
		"function": "getPublicRoom",
		"room_id":  room.ID(),
	}).Warn("Could not create nor join a named room, created an unnamed one")
	return room
}

// waitForPeerJoin polls with bounded exponential backoff until one of the
// invited peer users joins the room, so messages are not sent into an
// empty room. On exhaustion the send proceeds anyway with a liveness
// warning; delivery is then not guaranteed this cycle.
func (t *Transport) waitForPeerJoin(room matrix.Room, address crypto.Address, peerIDs []string) {
	wanted := make(map[string]bool, len(peerIDs))
	for _, id := range peerIDs {
		wanted[id] = true
	}
	for _, id := range t.directory.UserIDsForAddress(address) {
		wanted[id] = true
	}

	joined := func() error {
		members, err := room.JoinedMembers(true)
		if err != nil {
			return err
		}
		for _, member := range members {
			if wanted[member.ID] {
				return nil
			}
		}
		return fmt.Errorf("peer %s has not joined room %s", address.Checksum(), room.ID())
	}

	if joined() == nil {
		return
	}
	t.log().WithFields(logrus.Fields{
		"function":     "waitForPeerJoin",
		"room_id":      room.ID(),
		"peer_address": address.Checksum(),
	}).Debug("Waiting for peer to join from invite")

	err := retryWithBackoff(t.stopCh, joinRetries, roomJoinRetryInterval,
		roomJoinRetryIntervalMultiplier, joined)
	if err != nil {
		t.log().WithFields(logrus.Fields{
			"function":     "waitForPeerJoin",
			"room_id":      room.ID(),
			"peer_address": address.Checksum(),
		}).Error("Peer has not joined from invite yet, should join eventually")
	}
}

// maybeInviteUser re-invites a known peer user into the peer's current
// room after a presence change, papering over lost invites.
func (t *Transport) maybeInviteUser(user matrix.User) {
	address, ok := presence.ValidateUserSignature(user)
	if !ok {
		return
	}
	roomIDs := t.roomIDsForAddress(address, nil)
	if len(roomIDs) == 0 {
		return
	}
	room, joined := t.client.Room(roomIDs[0])
	if !joined {
		return
	}
	members, err := room.JoinedMembers(false)
	if err != nil {
		return
	}
	for _, member := range members {
		if member.ID == user.ID {
			return
		}
	}
	t.log().WithFields(logrus.Fields{
		"function":     "maybeInviteUser",
		"peer_address": address.Checksum(),
		"user_id":      user.ID,
		"room_id":      room.ID(),
	}).Debug("Inviting user")
	if err := room.InviteUser(user.ID); err != nil {
		t.log().WithFields(logrus.Fields{
			"function":     "maybeInviteUser",
			"peer_address": address.Checksum(),
			"user_id":      user.ID,
			"error":        err,
		}).Warn("Exception inviting user, maybe their server is not healthy")
	}
}

// handleInvite joins rooms invited by whitelisted partners. Invites
// arriving while the transport is still starting are queued and replayed
// once startup completes, in original order.
func (t *Transport) handleInvite(roomID string, state matrix.InviteState) {
	if t.isStopped() {
		return
	}
	if t.isStarting() {
		t.inviteMu.Lock()
		t.inviteQueue = append(t.inviteQueue, queuedInvite{roomID: roomID, state: state})
		t.inviteMu.Unlock()
		t.log().WithFields(logrus.Fields{
			"function": "handleInvite",
			"room_id":  roomID,
		}).Debug("Queueing invite")
		return
	}

	log := t.log().WithFields(logrus.Fields{
		"function": "handleInvite",
		"room_id":  roomID,
	})
	log.Debug("Got invite")

	ownUserID := t.client.UserID()
	var inviteEvent *matrix.StateEvent
	for i, ev := range state.Events {
		if ev.Type == matrix.EventTypeMember &&
			ev.Content["membership"] == matrix.MembershipInvite &&
			ev.StateKey == ownUserID {
			inviteEvent = &state.Events[i]
			break
		}
	}
	if inviteEvent == nil {
		log.Debug("Invite: no invite event found")
		return
	}
	sender := inviteEvent.Sender

	var senderJoinEvent *matrix.StateEvent
	for i, ev := range state.Events {
		if ev.Type == matrix.EventTypeMember &&
			ev.Content["membership"] == matrix.MembershipJoin &&
			ev.StateKey == sender {
			senderJoinEvent = &state.Events[i]
			break
		}
	}

	user := t.client.GetUser(sender)
	if senderJoinEvent != nil {
		if displayName := senderJoinEvent.Content["displayname"]; displayName != "" {
			user.DisplayName = displayName
		}
	}
	peerAddress, ok := presence.ValidateUserSignature(user)
	if !ok {
		log.Debug("Got invited to a room by invalid signed user - ignoring")
		return
	}
	if !t.directory.IsAddressKnown(peerAddress) {
		log.Debug("Got invited by a non-whitelisted user - ignoring")
		return
	}
	if senderJoinEvent == nil {
		log.Debug("Invite: no sender join event")
		return
	}

	privateRoom := false
	for _, ev := range state.Events {
		if ev.Type == matrix.EventTypeJoinRules {
			privateRoom = ev.Content["join_rule"] == matrix.JoinRuleInvite
			break
		}
	}

	var room matrix.Room
	err := retryWithBackoff(t.stopCh, joinRetries, roomJoinRetryInterval, 2, func() error {
		joined, err := t.client.JoinRoom(roomID)
		if err != nil {
			return err
		}
		room = joined
		return nil
	})
	if err != nil {
		log.WithField("error", err).Error("Failed to join room from invite")
		return
	}

	// room state may not be populated yet, carry the join rule over from
	// the invite
	room.SetInviteOnly(privateRoom)
	if !room.HasListeners() {
		room.OnMessage(t.handleRoomEvent)
	}
	t.setRoomIDForAddress(peerAddress, roomID)

	log.WithFields(logrus.Fields{
		"inviting_address": peerAddress.Checksum(),
	}).Debug("Joined from invite")
}

// inventoryRooms attaches the message listener to every pre-existing
// non-global room. Messages from not-yet-whitelisted senders are filtered
// by the handler itself.
func (t *Transport) inventoryRooms() {
	for _, room := range t.client.Rooms() {
		if t.isGlobalRoom(room) {
			continue
		}
		if !room.HasListeners() {
			room.OnMessage(t.handleRoomEvent)
		}
		t.log().WithFields(logrus.Fields{
			"function": "inventoryRooms",
			"room_id":  room.ID(),
			"aliases":  room.Aliases(),
		}).Debug("Found room")
	}
}
