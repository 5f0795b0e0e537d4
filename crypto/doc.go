// Package crypto implements the identity primitives used by the transport.
//
// Peers are identified by 20-byte addresses derived from Ed25519 public
// keys. Addresses are rendered either normalized (lower-case hex) or with a
// mixed-case checksum for display and persistence keys. Signing is used to
// prove ownership of a federated-network user identifier: the proof carries
// the public key, so verifiers derive the address instead of recovering it.
package crypto
