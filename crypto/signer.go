package crypto

import (
	"crypto/ed25519"

	"github.com/sirupsen/logrus"
)

// Signer produces signatures on behalf of the node's identity. The payment
// state machine owns the real signer; the transport only needs this narrow
// surface for login proofs and delivery acknowledgements.
type Signer interface {
	// Sign signs arbitrary data with the identity key.
	Sign(data []byte) ([]byte, error)

	// Address returns the address the signatures prove ownership of.
	Address() Address

	// PublicKey returns the verifying key to embed alongside signatures.
	PublicKey() ed25519.PublicKey
}

// LocalSigner implements Signer over an in-process key pair.
type LocalSigner struct {
	keyPair *KeyPair
	address Address
}

// NewLocalSigner wraps a key pair as a Signer.
func NewLocalSigner(kp *KeyPair) *LocalSigner {
	signer := &LocalSigner{
		keyPair: kp,
		address: kp.Address(),
	}
	logrus.WithFields(logrus.Fields{
		"function": "NewLocalSigner",
		"address":  signer.address.Checksum(),
	}).Debug("Created local signer")
	return signer
}

// Sign signs data with the local private key.
func (s *LocalSigner) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.keyPair.Private, data), nil
}

// Address returns the address derived from the local public key.
func (s *LocalSigner) Address() Address {
	return s.address
}

// PublicKey returns the local public key.
func (s *LocalSigner) PublicKey() ed25519.PublicKey {
	return s.keyPair.Public
}
