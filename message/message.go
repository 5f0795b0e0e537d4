package message

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"

	"github.com/sangaman/raiden/crypto"
)

// Kind identifies the concrete message variant.
type Kind uint8

const (
	// KindDelivered acknowledges receipt of a retryable message. Sent once,
	// never retried.
	KindDelivered Kind = iota
	// KindProcessed signals that the payment layer fully handled a message.
	KindProcessed
	// KindPing is a transport-internal liveness probe.
	KindPing
	// KindPong answers a Ping.
	KindPong
	// KindChannelMessage is a generic signed payment-channel message.
	KindChannelMessage
	// KindToDevice is delivered through device events, outside any room.
	KindToDevice
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindDelivered:
		return "Delivered"
	case KindProcessed:
		return "Processed"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindChannelMessage:
		return "ChannelMessage"
	case KindToDevice:
		return "ToDevice"
	}
	return "Unknown"
}

// Message is one signed protocol message. The variant set is closed: all
// implementations live in this package.
type Message interface {
	Kind() Kind
	Sender() crypto.Address

	envelope() *Envelope
}

// Retryable is a message that stays in a retry queue until acknowledged at
// the protocol layer.
type Retryable interface {
	Message
	MessageID() uint64
}

// Envelope carries the authentication data shared by every message.
type Envelope struct {
	SenderAddress crypto.Address
	PublicKey     ed25519.PublicKey
	Signature     []byte
}

// Sender returns the claimed (and, after validation, proven) sender address.
func (e *Envelope) Sender() crypto.Address {
	return e.SenderAddress
}

func (e *Envelope) envelope() *Envelope {
	return e
}

// Delivered acknowledges a retryable message. Transport-internal.
type Delivered struct {
	Envelope
	DeliveredMessageID uint64
}

// Kind implements Message.
func (*Delivered) Kind() Kind { return KindDelivered }

// Processed reports protocol-layer completion for a message. Retryable.
type Processed struct {
	Envelope
	ID uint64
}

// Kind implements Message.
func (*Processed) Kind() Kind { return KindProcessed }

// MessageID implements Retryable.
func (p *Processed) MessageID() uint64 { return p.ID }

// Ping is a transport-internal liveness probe.
type Ping struct {
	Envelope
	Nonce uint64
}

// Kind implements Message.
func (*Ping) Kind() Kind { return KindPing }

// Pong answers a Ping.
type Pong struct {
	Envelope
	Nonce uint64
}

// Kind implements Message.
func (*Pong) Kind() Kind { return KindPong }

// ChannelMessage is a generic retryable payment-channel message. The payload
// is opaque to the transport.
type ChannelMessage struct {
	Envelope
	ID        uint64
	ChannelID uint64
	Payload   string
}

// Kind implements Message.
func (*ChannelMessage) Kind() Kind { return KindChannelMessage }

// MessageID implements Retryable.
func (m *ChannelMessage) MessageID() uint64 { return m.ID }

// ToDevice is delivered through device events without retries.
type ToDevice struct {
	Envelope
	ID uint64
}

// Kind implements Message.
func (*ToDevice) Kind() Kind { return KindToDevice }

// IsInternal reports whether the message is transport-internal and must not
// be submitted through the asynchronous send path.
func IsInternal(m Message) bool {
	switch m.Kind() {
	case KindDelivered, KindPing, KindPong:
		return true
	}
	return false
}

// IsOneShot reports whether the message is sent at most once and then
// removed from its retry queue.
func IsOneShot(m Message) bool {
	return IsInternal(m)
}

// RandomMessageID returns a fresh random message identifier.
func RandomMessageID() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint64(buf[:])
}
