// Package message defines the protocol messages moved by the transport and
// their wire form.
//
// The transport does not interpret payment semantics. It only distinguishes
// message kinds enough to route them: retryable messages stay queued until
// acknowledged or superseded, transport-internal messages (Delivered, Ping,
// Pong) are sent once and dropped, and to-device messages bypass rooms
// entirely.
//
// Messages travel as newline-separated single-line JSON blobs inside one
// room event. Every message is signed; the envelope carries the sender
// address, the Ed25519 public key and the signature, so a receiver verifies
// the signature and derives the sender address without key recovery.
package message
