package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sangaman/raiden/matrix"
	"github.com/sangaman/raiden/presence"
)

func TestLoginOrRegisterFresh(t *testing.T) {
	hub := matrix.NewHub()
	client := hub.Client("https://one.test")
	signer := newTestSigner(t)

	require.NoError(t, loginOrRegister(client, signer, "", ""))
	assert.Equal(t, "@"+signer.Address().Normalized()+":one.test", client.UserID())
	assert.NotEmpty(t, client.AccessToken())

	// the display name is the proof of keys peers verify
	user := client.GetUser(client.UserID())
	address, ok := presence.ValidateUserSignature(user)
	require.True(t, ok)
	assert.Equal(t, signer.Address(), address)
}

func TestLoginOrRegisterResumesAccount(t *testing.T) {
	hub := matrix.NewHub()
	signer := newTestSigner(t)

	first := hub.Client("https://one.test")
	require.NoError(t, loginOrRegister(first, signer, "", ""))

	// same identity, fresh client: logs into the existing account
	second := hub.Client("https://one.test")
	require.NoError(t, loginOrRegister(second, signer, "", ""))
	assert.Equal(t, first.UserID(), second.UserID())
}

func TestLoginOrRegisterReusesCredentials(t *testing.T) {
	hub := matrix.NewHub()
	signer := newTestSigner(t)

	first := hub.Client("https://one.test")
	require.NoError(t, loginOrRegister(first, signer, "", ""))
	userID, token := first.UserID(), first.AccessToken()

	second := hub.Client("https://one.test")
	require.NoError(t, loginOrRegister(second, signer, userID, token))
	assert.Equal(t, userID, second.UserID())
	assert.Equal(t, token, second.AccessToken(), "valid previous credentials must be reused as-is")
}

func TestLoginOrRegisterDiscardsStaleCredentials(t *testing.T) {
	hub := matrix.NewHub()
	signer := newTestSigner(t)

	first := hub.Client("https://one.test")
	require.NoError(t, loginOrRegister(first, signer, "", ""))
	userID := first.UserID()

	second := hub.Client("https://one.test")
	require.NoError(t, loginOrRegister(second, signer, userID, "not-the-token"))
	assert.Equal(t, userID, second.UserID())
	assert.NotEqual(t, "not-the-token", second.AccessToken())
}

func TestLoginOrRegisterSuffixOnSquattedUsername(t *testing.T) {
	hub := matrix.NewHub()
	signer := newTestSigner(t)
	base := signer.Address().Normalized()

	squatter := hub.Client("https://one.test")
	require.NoError(t, squatter.Register(base, "unrelated-password"))

	client := hub.Client("https://one.test")
	require.NoError(t, loginOrRegister(client, signer, "", ""))

	localPart := strings.TrimPrefix(strings.SplitN(client.UserID(), ":", 2)[0], "@")
	assert.True(t, strings.HasPrefix(localPart, base+"."), "squatted base name must get a suffix, got %s", localPart)

	// the suffixed identity still carries a valid proof of keys
	address, ok := presence.ValidateUserSignature(client.GetUser(client.UserID()))
	require.True(t, ok)
	assert.Equal(t, signer.Address(), address)
}

func TestLoginOrRegisterSuffixIsDeterministic(t *testing.T) {
	hub := matrix.NewHub()
	signer := newTestSigner(t)
	base := signer.Address().Normalized()

	squatter := hub.Client("https://one.test")
	require.NoError(t, squatter.Register(base, "unrelated-password"))

	first := hub.Client("https://one.test")
	require.NoError(t, loginOrRegister(first, signer, "", ""))

	// a later session derives the same suffix and resumes the account
	second := hub.Client("https://one.test")
	require.NoError(t, loginOrRegister(second, signer, "", ""))
	assert.Equal(t, first.UserID(), second.UserID())
}

func TestParseAuthData(t *testing.T) {
	tests := []struct {
		name     string
		authData string
		userID   string
		token    string
	}{
		{"valid", "@0xabc:one.test/token123", "@0xabc:one.test", "token123"},
		{"empty", "", "", ""},
		{"no separator", "@0xabc:one.test", "", ""},
		{"too many separators", "@0xabc:one.test/token/extra", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, token := parseAuthData(tt.authData)
			assert.Equal(t, tt.userID, userID)
			assert.Equal(t, tt.token, token)
		})
	}
}
