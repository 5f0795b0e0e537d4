package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sangaman/raiden/crypto"
	"github.com/sangaman/raiden/matrix"
	"github.com/sangaman/raiden/message"
	"github.com/sangaman/raiden/transport"
)

// demoService is a minimal payment-service stand-in: it records handed-up
// messages and exposes the upstream queue view the retry workers prune
// against.
type demoService struct {
	signer crypto.Signer

	mu     sync.Mutex
	queues map[transport.QueueIdentifier][]message.Retryable

	messages chan message.Message
}

func newDemoService(signer crypto.Signer) *demoService {
	return &demoService{
		signer:   signer,
		queues:   make(map[transport.QueueIdentifier][]message.Retryable),
		messages: make(chan message.Message, 16),
	}
}

func (s *demoService) Address() crypto.Address { return s.signer.Address() }

func (s *demoService) Sign(msg message.Message) error {
	return message.Sign(msg, s.signer)
}

func (s *demoService) OnMessage(msg message.Message) {
	// a Delivered ack completes the send: drop the acknowledged message
	// from the upstream queue so the retry worker stops resending it
	if delivered, ok := msg.(*message.Delivered); ok {
		s.mu.Lock()
		for id, queue := range s.queues {
			kept := queue[:0]
			for _, queued := range queue {
				if queued.MessageID() != delivered.DeliveredMessageID {
					kept = append(kept, queued)
				}
			}
			s.queues[id] = kept
		}
		s.mu.Unlock()
	}
	select {
	case s.messages <- msg:
	default:
	}
}

func (s *demoService) HandleAndTrackStateChanges(changes []transport.StateChange) {
	for _, change := range changes {
		switch action := change.(type) {
		case transport.ActionChangeNodeNetworkState:
			logrus.WithFields(logrus.Fields{
				"node":  action.Address.Checksum(),
				"state": action.State,
			}).Info("Network state change")
		case transport.ActionUpdateTransportAuthData:
			logrus.WithField("auth_data", action.AuthData).Debug("Auth data updated")
		}
	}
}

func (s *demoService) MessageQueues() map[transport.QueueIdentifier][]message.Retryable {
	s.mu.Lock()
	defer s.mu.Unlock()
	queues := make(map[transport.QueueIdentifier][]message.Retryable, len(s.queues))
	for id, msgs := range s.queues {
		queues[id] = append([]message.Retryable(nil), msgs...)
	}
	return queues
}

func (s *demoService) enqueue(id transport.QueueIdentifier, msg message.Retryable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[id] = append(s.queues[id], msg)
}

type demoNode struct {
	name      string
	client    *matrix.MemoryClient
	transport *transport.Transport
	service   *demoService
}

func newDemoNode(hub *matrix.Hub, serverURL, name string, cfg transport.Config) (*demoNode, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	signer := crypto.NewLocalSigner(kp)

	cfg.Server = serverURL
	client := hub.Client(serverURL)
	tr, err := transport.New(client, signer, cfg)
	if err != nil {
		return nil, err
	}
	node := &demoNode{name: name, client: client, transport: tr, service: newDemoService(signer)}
	if err := tr.Start(node.service, ""); err != nil {
		return nil, fmt.Errorf("starting node %s: %w", name, err)
	}
	return node, nil
}

func (n *demoNode) address() crypto.Address { return n.service.Address() }

func awaitMessage(s *demoService, kind message.Kind, timeout time.Duration) (message.Message, error) {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-s.messages:
			if msg.Kind() == kind {
				return msg, nil
			}
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for a %s message", kind)
		}
	}
}

func runDemo(cmd *cobra.Command, cfg transport.Config) error {
	hub := matrix.NewHub()

	alice, err := newDemoNode(hub, "https://one.demo", "alice", cfg)
	if err != nil {
		return err
	}
	defer alice.transport.Stop()
	bob, err := newDemoNode(hub, "https://one.demo", "bob", cfg)
	if err != nil {
		return err
	}
	defer bob.transport.Stop()

	logrus.WithFields(logrus.Fields{
		"alice": alice.address().Checksum(),
		"bob":   bob.address().Checksum(),
	}).Info("Nodes started")

	alice.transport.StartHealthCheck(bob.address())
	bob.transport.StartHealthCheck(alice.address())

	// presence set during startup predates the peer's whitelist;
	// re-announce so both directories observe it
	if err := alice.client.SetPresence(matrix.PresenceOnline); err != nil {
		return err
	}
	if err := bob.client.SetPresence(matrix.PresenceOnline); err != nil {
		return err
	}

	msg := &message.ChannelMessage{
		ID:        message.RandomMessageID(),
		ChannelID: 1,
		Payload:   "demo-transfer",
	}
	if err := alice.service.Sign(msg); err != nil {
		return err
	}
	queueID := transport.QueueIdentifier{Recipient: bob.address(), ChannelID: 1}
	alice.service.enqueue(queueID, msg)
	if err := alice.transport.SendAsync(queueID, msg); err != nil {
		return err
	}

	received, err := awaitMessage(bob.service, message.KindChannelMessage, 10*time.Second)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "bob received message %d from %s\n",
		received.(*message.ChannelMessage).ID, received.Sender().Checksum())

	ack, err := awaitMessage(alice.service, message.KindDelivered, 10*time.Second)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "alice received delivery ack for message %d\n",
		ack.(*message.Delivered).DeliveredMessageID)
	return nil
}
