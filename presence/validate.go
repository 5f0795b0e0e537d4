package presence

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/sangaman/raiden/crypto"
	"github.com/sangaman/raiden/matrix"
)

// userIDPattern matches the user ids the transport registers:
// @0x<40 hex>(.<8 hex suffix>)?:server
var userIDPattern = regexp.MustCompile(`^@(0x[0-9a-f]{40})(\.[0-9a-f]{8})?:`)

// AddressFromUserID extracts the address claimed by a user id. The claim is
// untrusted until ValidateUserSignature confirms it.
func AddressFromUserID(userID string) (crypto.Address, error) {
	match := userIDPattern.FindStringSubmatch(strings.ToLower(userID))
	if match == nil {
		return crypto.Address{}, fmt.Errorf("user id %q does not embed an address", userID)
	}
	return crypto.ParseAddress(match[1])
}

// MakeDisplayName builds the proof-of-keys display name for a user id: the
// signer's public key and its signature over the full user id, hex encoded
// and colon separated. Any peer can verify the proof offline.
func MakeDisplayName(signer crypto.Signer, userID string) (string, error) {
	sig, err := signer.Sign([]byte(userID))
	if err != nil {
		return "", fmt.Errorf("failed to sign user id: %w", err)
	}
	return hex.EncodeToString(signer.PublicKey()) + ":" + hex.EncodeToString(sig), nil
}

// ValidateUserSignature checks a user's display-name proof-of-keys and
// returns the proven address. The proof is valid when the signature over
// the user id verifies and the derived address matches the one embedded in
// the user id. Returns false for any malformed or forged proof; it never
// errors, since invalid users are simply excluded.
func ValidateUserSignature(user matrix.User) (crypto.Address, bool) {
	claimed, err := AddressFromUserID(user.ID)
	if err != nil {
		return crypto.Address{}, false
	}

	parts := strings.SplitN(user.DisplayName, ":", 2)
	if len(parts) != 2 {
		return crypto.Address{}, false
	}
	pub, err := hex.DecodeString(parts[0])
	if err != nil {
		return crypto.Address{}, false
	}
	sig, err := hex.DecodeString(parts[1])
	if err != nil {
		return crypto.Address{}, false
	}
	if !crypto.Verify(pub, []byte(user.ID), sig) {
		return crypto.Address{}, false
	}

	derived := crypto.AddressFromPublicKey(pub)
	if derived != claimed {
		return crypto.Address{}, false
	}
	return derived, true
}
