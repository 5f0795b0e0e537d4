package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sangaman/raiden/crypto"
	"github.com/sangaman/raiden/matrix"
)

// registerPeer registers a proof-of-keys user for a fresh identity and
// returns the client together with its signer.
func registerPeer(t *testing.T, hub *matrix.Hub, server string) (*matrix.MemoryClient, *crypto.LocalSigner) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signer := crypto.NewLocalSigner(kp)

	client := hub.Client(server)
	require.NoError(t, client.Register(signer.Address().Normalized(), "pw"))

	displayName, err := MakeDisplayName(signer, client.UserID())
	require.NoError(t, err)
	require.NoError(t, client.SetDisplayName(displayName))
	return client, signer
}

func TestAddressFromUserID(t *testing.T) {
	addr, err := AddressFromUserID("@0x1234567890abcdef1234567890abcdef12345678:one.example")
	require.NoError(t, err)
	assert.Equal(t, "0x1234567890abcdef1234567890abcdef12345678", addr.Normalized())

	// deterministic random suffix variant
	_, err = AddressFromUserID("@0x1234567890abcdef1234567890abcdef12345678.0a1b2c3d:one.example")
	require.NoError(t, err)

	for _, bad := range []string{
		"@alice:one.example",
		"0x1234567890abcdef1234567890abcdef12345678",
		"@0x1234:one.example",
		"",
	} {
		_, err := AddressFromUserID(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestValidateUserSignature(t *testing.T) {
	hub := matrix.NewHub()
	client, signer := registerPeer(t, hub, "https://one.example")

	user := client.GetUser(client.UserID())
	addr, ok := ValidateUserSignature(user)
	require.True(t, ok)
	assert.Equal(t, signer.Address(), addr)

	// forged display name from a different key
	otherKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	forged, err := MakeDisplayName(crypto.NewLocalSigner(otherKP), user.ID)
	require.NoError(t, err)
	_, ok = ValidateUserSignature(matrix.User{ID: user.ID, DisplayName: forged})
	assert.False(t, ok, "proof from a key not matching the embedded address must fail")

	_, ok = ValidateUserSignature(matrix.User{ID: user.ID, DisplayName: "garbage"})
	assert.False(t, ok)
	_, ok = ValidateUserSignature(matrix.User{ID: "@alice:one.example", DisplayName: user.DisplayName})
	assert.False(t, ok)
}

func TestDirectoryReachabilityTransitions(t *testing.T) {
	hub := matrix.NewHub()
	peerClient, peerSigner := registerPeer(t, hub, "https://one.example")
	ownClient, _ := registerPeer(t, hub, "https://two.example")

	var transitions []Reachability
	dir := NewDirectory(ownClient, func(_ crypto.Address, r Reachability) {
		transitions = append(transitions, r)
	}, nil)
	dir.Start()
	defer dir.Stop()

	peer := peerSigner.Address()
	assert.Equal(t, ReachabilityUnknown, dir.AddressReachability(peer))

	// presence for a non-whitelisted address is ignored
	require.NoError(t, peerClient.SetPresence(matrix.PresenceOnline))
	assert.Equal(t, ReachabilityUnknown, dir.AddressReachability(peer))

	dir.AddAddress(peer)
	require.NoError(t, peerClient.SetPresence(matrix.PresenceOffline))
	assert.Equal(t, ReachabilityUnreachable, dir.AddressReachability(peer))

	require.NoError(t, peerClient.SetPresence(matrix.PresenceOnline))
	assert.Equal(t, ReachabilityReachable, dir.AddressReachability(peer))

	// idle users still count as reachable
	require.NoError(t, peerClient.SetPresence(matrix.PresenceUnavailable))
	assert.Equal(t, ReachabilityReachable, dir.AddressReachability(peer))

	require.NoError(t, peerClient.SetPresence(matrix.PresenceOffline))
	assert.Equal(t, ReachabilityUnreachable, dir.AddressReachability(peer))

	assert.Equal(t, []Reachability{
		ReachabilityUnreachable,
		ReachabilityReachable,
		ReachabilityUnreachable,
	}, transitions)
}

func TestDirectoryForceAndRefresh(t *testing.T) {
	hub := matrix.NewHub()
	peerClient, peerSigner := registerPeer(t, hub, "https://one.example")
	ownClient, _ := registerPeer(t, hub, "https://two.example")

	dir := NewDirectory(ownClient, nil, nil)
	dir.Start()
	defer dir.Stop()

	peer := peerSigner.Address()
	dir.AddAddress(peer)
	dir.AddUserIDsForAddress(peer, peerClient.UserID())

	// force alone does not change the verdict
	dir.ForceUserPresence(matrix.User{ID: peerClient.UserID()}, matrix.PresenceOnline)
	assert.Equal(t, ReachabilityUnknown, dir.AddressReachability(peer))

	dir.RefreshAddressPresence(peer)
	assert.Equal(t, ReachabilityReachable, dir.AddressReachability(peer))
}

func TestDirectoryIgnoresInvalidProofs(t *testing.T) {
	hub := matrix.NewHub()
	ownClient, _ := registerPeer(t, hub, "https://two.example")

	// peer with an address-shaped user id but no valid display name proof
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	imposter := crypto.NewLocalSigner(kp)
	peerClient := hub.Client("https://one.example")
	require.NoError(t, peerClient.Register(imposter.Address().Normalized(), "pw"))
	require.NoError(t, peerClient.SetDisplayName("not a proof"))

	dir := NewDirectory(ownClient, nil, nil)
	dir.Start()
	defer dir.Stop()
	dir.AddAddress(imposter.Address())

	require.NoError(t, peerClient.SetPresence(matrix.PresenceOnline))
	assert.Equal(t, ReachabilityUnknown, dir.AddressReachability(imposter.Address()))
}

func TestDirectoryStoppedIgnoresEvents(t *testing.T) {
	hub := matrix.NewHub()
	peerClient, peerSigner := registerPeer(t, hub, "https://one.example")
	ownClient, _ := registerPeer(t, hub, "https://two.example")

	dir := NewDirectory(ownClient, nil, nil)
	dir.Start()
	dir.AddAddress(peerSigner.Address())
	dir.Stop()

	require.NoError(t, peerClient.SetPresence(matrix.PresenceOnline))
	assert.Equal(t, ReachabilityUnknown, dir.AddressReachability(peerSigner.Address()))
}

func TestDirectoryUserIDBookkeeping(t *testing.T) {
	hub := matrix.NewHub()
	ownClient, _ := registerPeer(t, hub, "https://two.example")
	dir := NewDirectory(ownClient, nil, nil)

	var addr crypto.Address
	addr[0] = 1
	assert.False(t, dir.IsAddressKnown(addr))
	dir.AddAddress(addr)
	dir.AddAddress(addr) // idempotent
	assert.True(t, dir.IsAddressKnown(addr))
	assert.Len(t, dir.KnownAddresses(), 1)

	dir.AddUserIDsForAddress(addr, "@a:x", "@b:x")
	dir.AddUserIDsForAddress(addr, "@a:x")
	assert.ElementsMatch(t, []string{"@a:x", "@b:x"}, dir.UserIDsForAddress(addr))
}
