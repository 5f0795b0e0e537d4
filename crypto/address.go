package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

// AddressSize is the size of a peer address in bytes.
const AddressSize = 20

// Address is the stable cryptographic identity of a peer. Federated-network
// user identifiers are untrusted until a signature proves they belong to an
// address.
type Address [AddressSize]byte

// ZeroAddress is the all-zero address, never valid as a peer identity.
var ZeroAddress Address

var errInvalidAddress = errors.New("invalid address")

// AddressFromPublicKey derives the address for an Ed25519 public key: the
// last 20 bytes of the Keccak-256 digest of the key.
func AddressFromPublicKey(pub ed25519.PublicKey) Address {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub)
	digest := h.Sum(nil)

	var addr Address
	copy(addr[:], digest[len(digest)-AddressSize:])
	return addr
}

// ParseAddress parses a 0x-prefixed hex address, case-insensitively.
func ParseAddress(s string) (Address, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return Address{}, errInvalidAddress
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil || len(raw) != AddressSize {
		return Address{}, errInvalidAddress
	}
	var addr Address
	copy(addr[:], raw)
	return addr, nil
}

// IsValid reports whether the address is usable as a peer identity.
func (a Address) IsValid() bool {
	return a != ZeroAddress
}

// Normalized returns the lower-case 0x-prefixed hex form.
func (a Address) Normalized() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Checksum returns the mixed-case checksummed form of the address: a hex
// digit is upper-cased when the corresponding nibble of the Keccak-256
// digest of the lower-case hex string is >= 8.
func (a Address) Checksum() string {
	lower := hex.EncodeToString(a[:])

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := make([]byte, len(lower))
	for i, c := range []byte(lower) {
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if c >= 'a' && nibble&0x0f >= 8 {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// String implements fmt.Stringer using the checksummed form.
func (a Address) String() string {
	return a.Checksum()
}
