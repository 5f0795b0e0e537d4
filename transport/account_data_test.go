package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sangaman/raiden/matrix"
)

func newMappingFixture(t *testing.T, privateRooms bool) (*Transport, *matrix.MemoryClient) {
	t.Helper()
	hub := matrix.NewHub()
	client := hub.Client("https://one.test")
	signer := newTestSigner(t)
	require.NoError(t, loginOrRegister(client, signer, "", ""))

	tr, err := New(client, signer, Config{
		Server:       "https://one.test",
		PrivateRooms: privateRooms,
	})
	require.NoError(t, err)
	t.Cleanup(tr.Stop)
	return tr, client
}

func createRooms(t *testing.T, client *matrix.MemoryClient, n int, public bool) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		room, err := client.CreateRoom("", nil, public)
		require.NoError(t, err)
		ids[i] = room.ID()
	}
	return ids
}

func TestRoomMappingMostRecentFirst(t *testing.T) {
	tr, client := newMappingFixture(t, false)
	address := testAddress(t)
	ids := createRooms(t, client, 3, true)

	for _, id := range ids {
		tr.setRoomIDForAddress(address, id)
	}
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, tr.roomIDsForAddress(address, nil))

	// re-setting an older room moves it to the front without duplicating
	tr.setRoomIDForAddress(address, ids[1])
	assert.Equal(t, []string{ids[1], ids[2], ids[0]}, tr.roomIDsForAddress(address, nil))

	// re-setting the current front is a no-op
	tr.setRoomIDForAddress(address, ids[1])
	assert.Equal(t, []string{ids[1], ids[2], ids[0]}, tr.roomIDsForAddress(address, nil))
}

func TestRoomMappingCapped(t *testing.T) {
	tr, client := newMappingFixture(t, false)
	address := testAddress(t)
	ids := createRooms(t, client, maxRoomIDsPerAddress+2, true)

	for _, id := range ids {
		tr.setRoomIDForAddress(address, id)
	}

	stored := tr.roomIDsForAddress(address, nil)
	require.Len(t, stored, maxRoomIDsPerAddress)
	assert.Equal(t, ids[len(ids)-1], stored[0], "newest room must be first")
	assert.NotContains(t, stored, ids[0], "oldest rooms must be forgotten")
	assert.NotContains(t, stored, ids[1])
}

func TestRoomMappingCleared(t *testing.T) {
	tr, client := newMappingFixture(t, false)
	address := testAddress(t)
	ids := createRooms(t, client, 2, true)

	for _, id := range ids {
		tr.setRoomIDForAddress(address, id)
	}
	require.NotEmpty(t, tr.roomIDsForAddress(address, nil))

	tr.setRoomIDForAddress(address, "")
	assert.Empty(t, tr.roomIDsForAddress(address, nil))
}

func TestRoomMappingSkipsUnjoinedRooms(t *testing.T) {
	tr, client := newMappingFixture(t, false)
	address := testAddress(t)
	ids := createRooms(t, client, 1, true)

	require.NoError(t, client.SetAccountData(roomMappingKey, map[string][]string{
		address.Checksum(): {"!gone:one.test", ids[0]},
	}))
	assert.Equal(t, ids, tr.roomIDsForAddress(address, nil))
}

func TestRoomMappingPrivateFilter(t *testing.T) {
	tr, client := newMappingFixture(t, true)
	address := testAddress(t)
	publicID := createRooms(t, client, 1, true)[0]
	privateID := createRooms(t, client, 1, false)[0]

	tr.setRoomIDForAddress(address, publicID)
	tr.setRoomIDForAddress(address, privateID)

	// the configured policy returns only invite-only rooms
	assert.Equal(t, []string{privateID}, tr.roomIDsForAddress(address, nil))

	// but the public room stays on the persisted list
	all := false
	assert.Equal(t, []string{privateID, publicID}, tr.roomIDsForAddress(address, &all))
}

func TestRoomMappingIsolatedPerAddress(t *testing.T) {
	tr, client := newMappingFixture(t, false)
	first := testAddress(t)
	second := testAddress(t)
	ids := createRooms(t, client, 2, true)

	tr.setRoomIDForAddress(first, ids[0])
	tr.setRoomIDForAddress(second, ids[1])

	assert.Equal(t, []string{ids[0]}, tr.roomIDsForAddress(first, nil))
	assert.Equal(t, []string{ids[1]}, tr.roomIDsForAddress(second, nil))
}

func TestStringHelpers(t *testing.T) {
	list := []string{"a", "b", "c"}
	assert.True(t, containsString(list, "b"))
	assert.False(t, containsString(list, "d"))

	assert.Equal(t, []string{"a", "c"}, withoutString(list, "b"))
	assert.Equal(t, list, withoutString(list, "d"))

	assert.True(t, equalStrings(list, []string{"a", "b", "c"}))
	assert.False(t, equalStrings(list, []string{"a", "b"}))
	assert.False(t, equalStrings(list, []string{"a", "b", "d"}))
	assert.True(t, equalStrings(nil, nil))
}
