package transport

import (
	"github.com/sirupsen/logrus"

	"github.com/sangaman/raiden/crypto"
)

// roomMappingKey is the account-wide storage key holding the persisted
// address -> room-id list mapping.
const roomMappingKey = "network.raiden.rooms"

// maxRoomIDsPerAddress caps the per-address room history. Rooms beyond the
// cap are forgotten, oldest first.
const maxRoomIDsPerAddress = 10

// roomIDsForAddress reads the persisted room ids for an address, most
// recently used first, filtered to rooms the client is currently joined
// to. With filterPrivate only invite-only rooms are returned; passing nil
// applies the configured room privacy policy.
func (t *Transport) roomIDsForAddress(address crypto.Address, filterPrivate *bool) []string {
	t.accountDataMu.Lock()
	defer t.accountDataMu.Unlock()
	return t.roomIDsForAddressLocked(address, filterPrivate)
}

func (t *Transport) roomIDsForAddressLocked(address crypto.Address, filterPrivate *bool) []string {
	stored := t.client.AccountData(roomMappingKey)[address.Checksum()]

	private := t.config.PrivateRooms
	if filterPrivate != nil {
		private = *filterPrivate
	}

	var roomIDs []string
	for _, roomID := range stored {
		room, joined := t.client.Room(roomID)
		if !joined {
			continue
		}
		if private && !room.InviteOnly() {
			continue
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs
}

// setRoomIDForAddress pushes a room id to the front of the persisted list
// for an address. An empty room id clears the list. The read-check-write
// cycle is atomic under the account-data lock.
func (t *Transport) setRoomIDForAddress(address crypto.Address, roomID string) {
	addressHex := address.Checksum()

	t.accountDataMu.Lock()
	defer t.accountDataMu.Unlock()

	mapping := t.client.AccountData(roomMappingKey)

	changed := false
	if roomID == "" {
		_, changed = mapping[addressHex]
		delete(mapping, addressHex)
	} else {
		// Keep public rooms on the list even when privacy is required.
		keepAll := false
		existing := t.roomIDsForAddressLocked(address, &keepAll)
		roomIDs := append([]string{roomID}, withoutString(existing, roomID)...)
		if len(roomIDs) > maxRoomIDsPerAddress {
			roomIDs = roomIDs[:maxRoomIDsPerAddress]
		}
		if !equalStrings(mapping[addressHex], roomIDs) {
			mapping[addressHex] = roomIDs
			changed = true
		}
	}

	if !changed {
		return
	}
	if err := t.client.SetAccountData(roomMappingKey, mapping); err != nil {
		t.log().WithFields(logrus.Fields{
			"function": "setRoomIDForAddress",
			"address":  addressHex,
			"error":    err,
		}).Error("Failed to persist room mapping")
		return
	}
	t.log().WithFields(logrus.Fields{
		"function": "setRoomIDForAddress",
		"address":  addressHex,
		"room_id":  roomID,
	}).Debug("Updated room mapping")
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func withoutString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
