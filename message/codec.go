package message

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sangaman/raiden/crypto"
)

// wireMessage is the flat JSON form shared by all variants. Unused fields
// are omitted, so every message serializes to one compact line.
type wireMessage struct {
	Type               string `json:"type"`
	MessageID          uint64 `json:"message_identifier,omitempty"`
	DeliveredMessageID uint64 `json:"delivered_message_identifier,omitempty"`
	ChannelID          uint64 `json:"channel_identifier,omitempty"`
	Nonce              uint64 `json:"nonce,omitempty"`
	Payload            string `json:"payload,omitempty"`
	Sender             string `json:"sender,omitempty"`
	PublicKey          string `json:"public_key,omitempty"`
	Signature          string `json:"signature,omitempty"`
}

func toWire(m Message) wireMessage {
	env := m.envelope()
	w := wireMessage{
		Type:      m.Kind().String(),
		Sender:    env.SenderAddress.Normalized(),
		PublicKey: hex.EncodeToString(env.PublicKey),
		Signature: hex.EncodeToString(env.Signature),
	}
	switch msg := m.(type) {
	case *Delivered:
		w.DeliveredMessageID = msg.DeliveredMessageID
	case *Processed:
		w.MessageID = msg.ID
	case *Ping:
		w.Nonce = msg.Nonce
	case *Pong:
		w.Nonce = msg.Nonce
	case *ChannelMessage:
		w.MessageID = msg.ID
		w.ChannelID = msg.ChannelID
		w.Payload = msg.Payload
	case *ToDevice:
		w.MessageID = msg.ID
	}
	return w
}

func fromWire(w wireMessage) (Message, error) {
	var env Envelope
	if w.Sender != "" {
		addr, err := crypto.ParseAddress(w.Sender)
		if err != nil {
			return nil, fmt.Errorf("invalid sender address %q: %w", w.Sender, err)
		}
		env.SenderAddress = addr
	}
	pub, err := hex.DecodeString(w.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	sig, err := hex.DecodeString(w.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	env.PublicKey = pub
	env.Signature = sig

	switch w.Type {
	case "Delivered":
		return &Delivered{Envelope: env, DeliveredMessageID: w.DeliveredMessageID}, nil
	case "Processed":
		return &Processed{Envelope: env, ID: w.MessageID}, nil
	case "Ping":
		return &Ping{Envelope: env, Nonce: w.Nonce}, nil
	case "Pong":
		return &Pong{Envelope: env, Nonce: w.Nonce}, nil
	case "ChannelMessage":
		return &ChannelMessage{
			Envelope:  env,
			ID:        w.MessageID,
			ChannelID: w.ChannelID,
			Payload:   w.Payload,
		}, nil
	case "ToDevice":
		return &ToDevice{Envelope: env, ID: w.MessageID}, nil
	}
	return nil, fmt.Errorf("unknown message type %q", w.Type)
}

// signingPayload is the canonical byte form covered by the signature: the
// wire JSON with the signature field cleared.
func signingPayload(m Message) ([]byte, error) {
	w := toWire(m)
	w.Signature = ""
	return json.Marshal(w)
}

// Sign fills the envelope of m with the signer's identity and signature.
func Sign(m Message, signer crypto.Signer) error {
	env := m.envelope()
	env.SenderAddress = signer.Address()
	env.PublicKey = signer.PublicKey()
	env.Signature = nil

	payload, err := signingPayload(m)
	if err != nil {
		return fmt.Errorf("failed to encode message for signing: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("failed to sign message: %w", err)
	}
	env.Signature = sig
	return nil
}

// Serialize encodes a signed message as one line of JSON.
func Serialize(m Message) (string, error) {
	data, err := json.Marshal(toWire(m))
	if err != nil {
		return "", fmt.Errorf("failed to serialize %s message: %w", m.Kind(), err)
	}
	return string(data), nil
}

// validate checks the envelope: the signature must verify under the carried
// public key, and the address derived from that key must match both the
// claimed sender and the expected peer.
func validate(m Message, expected crypto.Address) error {
	env := m.envelope()
	derived := crypto.AddressFromPublicKey(env.PublicKey)
	if derived != env.SenderAddress {
		return fmt.Errorf("sender %s does not match public key address %s",
			env.SenderAddress.Checksum(), derived.Checksum())
	}
	if derived != expected {
		return fmt.Errorf("message from %s inside conversation with %s",
			derived.Checksum(), expected.Checksum())
	}

	sig := env.Signature
	env.Signature = nil
	payload, err := signingPayload(m)
	env.Signature = sig
	if err != nil {
		return fmt.Errorf("failed to encode message for verification: %w", err)
	}
	if !crypto.Verify(env.PublicKey, payload, sig) {
		return fmt.Errorf("invalid signature from %s", derived.Checksum())
	}
	return nil
}

// ValidateAndParse parses a newline-separated event body into validated
// messages from the expected sender. Malformed or badly signed lines are
// dropped with a debug note, never raised.
func ValidateAndParse(body string, expected crypto.Address) []Message {
	var messages []Message
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var w wireMessage
		if err := json.Unmarshal([]byte(line), &w); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ValidateAndParse",
				"error":    err,
			}).Debug("Dropping undecodable message line")
			continue
		}
		m, err := fromWire(w)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ValidateAndParse",
				"error":    err,
			}).Debug("Dropping malformed message")
			continue
		}
		if err := validate(m, expected); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ValidateAndParse",
				"expected": expected.Checksum(),
				"error":    err,
			}).Debug("Dropping message with invalid proof")
			continue
		}
		messages = append(messages, m)
	}
	return messages
}
