package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sangaman/raiden/crypto"
	"github.com/sangaman/raiden/matrix"
	"github.com/sangaman/raiden/message"
	"github.com/sangaman/raiden/presence"
)

// Transport lifecycle states.
const (
	stateCreated int32 = iota
	stateStarting
	stateRunning
	stateStopped
)

type queuedInvite struct {
	roomID string
	state  matrix.InviteState
}

// Transport coordinates reliable message delivery for one node: it owns
// the per-peer retry queues, the global broadcast worker, the address
// directory and the room resolver, and routes every inbound and outbound
// message.
type Transport struct {
	config Config
	client matrix.Client
	signer crypto.Signer
	uuid   uuid.UUID

	serverName string
	directory  *presence.Directory
	service    Service

	state    atomic.Int32
	stopCh   chan struct{}
	stopDone chan struct{}

	// workersMu orders worker launches against Stop: once draining is
	// set no goroutine may Add to workers, so Wait cannot race a late
	// Add from an event callback.
	workersMu sync.Mutex
	draining  bool
	workers   sync.WaitGroup

	retriersMu sync.Mutex
	retriers   map[crypto.Address]*retryQueue

	globalRoomsMu    sync.Mutex
	globalRooms      map[string]matrix.Room
	globalSend       chan globalMessage
	globalNotify     chan struct{}
	globalDrained    chan struct{}
	prioritizeGlobal atomic.Bool

	// roomLock serializes room existence checks and creation so two
	// concurrent sends cannot create duplicate rooms for one peer.
	roomLock      sync.Mutex
	accountDataMu sync.Mutex
	healthMu      sync.Mutex

	inviteMu    sync.Mutex
	inviteQueue []queuedInvite

	fatalMu  sync.Mutex
	fatalErr error

	logEntry atomic.Value // *logrus.Entry
}

// New creates a transport bound to a client and a signing identity. The
// transport does not touch the network until Start.
func New(client matrix.Client, signer crypto.Signer, config Config) (*Transport, error) {
	config = config.withDefaults()
	if _, err := config.availableServers(); err != nil {
		return nil, err
	}

	t := &Transport{
		config:        config,
		client:        client,
		signer:        signer,
		uuid:          uuid.New(),
		serverName:    serverNameOf(client.HomeserverURL()),
		stopCh:        make(chan struct{}),
		stopDone:      make(chan struct{}),
		retriers:      make(map[crypto.Address]*retryQueue),
		globalRooms:   make(map[string]matrix.Room),
		globalSend:    make(chan globalMessage, globalSendBuffer),
		globalNotify:  make(chan struct{}, 1),
		globalDrained: make(chan struct{}),
	}
	t.prioritizeGlobal.Store(true)
	t.logEntry.Store(logrus.WithFields(logrus.Fields{
		"transport_uuid": t.uuid.String(),
	}))

	t.directory = presence.NewDirectory(client, t.addressReachabilityChanged, t.userPresenceChanged)

	client.OnInvite(t.handleInvite)
	client.OnToDevice(t.handleToDeviceEvent)
	return t, nil
}

func (t *Transport) log() *logrus.Entry {
	return t.logEntry.Load().(*logrus.Entry)
}

func (t *Transport) isRunning() bool  { return t.state.Load() == stateRunning }
func (t *Transport) isStarting() bool { return t.state.Load() == stateStarting }

// isStopped reports whether events should be ignored: before Start and
// after Stop.
func (t *Transport) isStopped() bool {
	s := t.state.Load()
	return s == stateCreated || s == stateStopped
}

// spawn runs fn on a tracked goroutine. It reports false without running
// fn once shutdown has begun, so the tracking Add can never race the
// Wait in Stop.
func (t *Transport) spawn(fn func()) bool {
	t.workersMu.Lock()
	defer t.workersMu.Unlock()
	if t.draining {
		return false
	}
	t.workers.Add(1)
	go func() {
		defer t.workers.Done()
		fn()
	}()
	return true
}

// FatalError returns the protocol violation or connectivity failure that
// halted the transport, if any. The shutdown triggered by a fatal error
// runs on a background goroutine; call Stop to wait for it.
func (t *Transport) FatalError() error {
	t.fatalMu.Lock()
	defer t.fatalMu.Unlock()
	return t.fatalErr
}

// fatal records a fatal condition and halts the transport. Only the first
// fatal error is kept.
func (t *Transport) fatal(err error) {
	t.fatalMu.Lock()
	if t.fatalErr == nil {
		t.fatalErr = err
	}
	t.fatalMu.Unlock()

	t.log().WithFields(logrus.Fields{
		"function": "fatal",
		"error":    err,
	}).Error("Fatal transport error, stopping")
	go t.Stop()
}

// Start authenticates with the network, joins the configured global
// rooms, starts all workers, announces presence and replays invites
// queued during startup. It must be called exactly once.
func (t *Transport) Start(service Service, prevAuthData string) error {
	if !t.state.CompareAndSwap(stateCreated, stateStarting) {
		return errors.New("transport already started")
	}
	t.service = service
	t.log().Debug("Transport starting")

	prevUserID, prevAccessToken := parseAuthData(prevAuthData)
	if err := loginOrRegister(t.client, t.signer, prevUserID, prevAccessToken); err != nil {
		return fmt.Errorf("failed to establish identity: %w", err)
	}
	t.logEntry.Store(logrus.WithFields(logrus.Fields{
		"current_user":   t.client.UserID(),
		"node":           service.Address().Checksum(),
		"transport_uuid": t.uuid.String(),
	}))

	for _, suffix := range t.config.GlobalRooms {
		alias := makeRoomAlias(t.config.ChainID, suffix)
		room, err := joinGlobalRoom(t.client, alias, t.config.AvailableServers)
		if err != nil {
			return fmt.Errorf("failed to join global room %s: %w", alias, err)
		}
		t.globalRoomsMu.Lock()
		t.globalRooms[alias] = room
		t.globalRoomsMu.Unlock()
	}

	t.inventoryRooms()
	t.directory.Start()

	if err := t.client.SetPresence(matrix.PresenceOnline); err != nil {
		t.log().WithField("error", err).Warn("Failed to announce presence")
	}

	t.spawn(t.globalSendWorker)

	t.state.Store(stateRunning)

	service.HandleAndTrackStateChanges([]StateChange{
		ActionUpdateTransportAuthData{
			AuthData: t.client.UserID() + "/" + t.client.AccessToken(),
		},
	})

	// handle any invites which arrived while we were starting
	t.spawn(t.processQueuedInvites)

	t.log().Debug("Transport started")
	return nil
}

func (t *Transport) processQueuedInvites() {
	t.inviteMu.Lock()
	queued := t.inviteQueue
	t.inviteQueue = nil
	t.inviteMu.Unlock()

	if len(queued) == 0 {
		return
	}
	t.log().WithFields(logrus.Fields{
		"function":       "processQueuedInvites",
		"queued_invites": len(queued),
	}).Debug("Processing queued invites")
	for _, invite := range queued {
		t.handleInvite(invite.roomID, invite.state)
	}
}

// Stop signals every worker, waits for them to exit, marks presence
// offline and releases the network session. Safe to call concurrently
// with in-flight sends; a concurrent or repeated call waits for the
// in-flight teardown to complete before returning.
func (t *Transport) Stop() {
	previous := t.state.Swap(stateStopped)
	if previous == stateStopped {
		<-t.stopDone
		return
	}
	defer close(t.stopDone)
	t.log().Debug("Transport stopping")

	close(t.stopCh)

	t.workersMu.Lock()
	t.draining = true
	t.workersMu.Unlock()

	t.retriersMu.Lock()
	for _, retrier := range t.retriers {
		retrier.wake()
	}
	t.retriersMu.Unlock()

	t.workers.Wait()

	t.retriersMu.Lock()
	t.retriers = make(map[crypto.Address]*retryQueue)
	t.retriersMu.Unlock()

	t.directory.Stop()
	if previous == stateRunning {
		if err := t.client.SetPresence(matrix.PresenceOffline); err != nil {
			t.log().WithField("error", err).Warn("Failed to mark presence offline")
		}
	}
	t.client.Stop()
	t.log().Debug("Transport stopped")
}

// Whitelist registers a peer address to receive communications from. May
// be called before Start so events generated during startup are handled.
func (t *Transport) Whitelist(address crypto.Address) {
	t.log().WithFields(logrus.Fields{
		"function": "Whitelist",
		"address":  address.Checksum(),
	}).Debug("Whitelist")
	t.directory.AddAddress(address)
}

// StartHealthCheck begins status monitoring for a peer: it whitelists the
// address, discovers its signature-valid users and refreshes the
// reachability verdict.
func (t *Transport) StartHealthCheck(address crypto.Address) {
	t.Whitelist(address)

	t.healthMu.Lock()
	defer t.healthMu.Unlock()

	var userIDs []string
	for _, user := range t.client.SearchUserDirectory(address.Normalized()) {
		if validated, ok := presence.ValidateUserSignature(user); ok && validated == address {
			userIDs = append(userIDs, user.ID)
		}
	}
	t.log().WithFields(logrus.Fields{
		"function":     "StartHealthCheck",
		"peer_address": address.Checksum(),
		"user_ids":     userIDs,
	}).Debug("Healthcheck")

	t.directory.AddUserIDsForAddress(address, userIDs...)
	t.directory.RefreshAddressPresence(address)
}

// SendAsync queues a message for delivery to the recipient in the given
// queue. It may be called before Start; sending begins once the transport
// is running and the recipient is reachable.
func (t *Transport) SendAsync(queueID QueueIdentifier, msg message.Message) error {
	if !queueID.Recipient.IsValid() {
		return fmt.Errorf("invalid recipient address %s", queueID.Recipient.Checksum())
	}
	if message.IsInternal(msg) {
		return fmt.Errorf("do not use SendAsync for %s messages", msg.Kind())
	}
	t.log().WithFields(logrus.Fields{
		"function": "SendAsync",
		"receiver": queueID.Recipient.Checksum(),
		"queue":    queueID.String(),
	}).Debug("Send async")

	return t.retrier(queueID.Recipient).Enqueue(queueID, msg)
}

// SendGlobal enqueues a message onto one of the global rooms, addressed by
// its configured suffix. These rooms are not listened on, so the message
// is sent fire-and-forget by the global worker. Safe to call before
// Start.
func (t *Transport) SendGlobal(roomSuffix string, msg message.Message) {
	t.globalSend <- globalMessage{roomSuffix: roomSuffix, msg: msg}
	select {
	case t.globalNotify <- struct{}{}:
	default:
	}
}

// SendToDevice delivers a message to all known devices of a peer, without
// retries.
func (t *Transport) SendToDevice(address crypto.Address, msg message.Message) error {
	text, err := message.Serialize(msg)
	if err != nil {
		return err
	}
	contents := make(map[string]string)
	for _, userID := range t.directory.UserIDsForAddress(address) {
		contents[userID] = text
	}
	return t.client.SendToDevice(matrix.EventTypeToDevice, contents)
}

// retrier returns (lazily constructing and starting) the retry queue for
// a recipient. Queues are always started immediately so Stop never blocks
// on a worker that was never running; the worker itself checks the
// transport state.
func (t *Transport) retrier(receiver crypto.Address) *retryQueue {
	t.retriersMu.Lock()
	defer t.retriersMu.Unlock()
	if q, ok := t.retriers[receiver]; ok {
		return q
	}
	q := newRetryQueue(t, receiver)
	t.retriers[receiver] = q
	return q
}

// sendRaw resolves the recipient's room and submits one text blob to it.
// A missing room is a soft failure; the retry worker tries again on its
// next wake.
func (t *Transport) sendRaw(receiver crypto.Address, data string) {
	t.roomLock.Lock()
	room := t.roomForAddress(receiver)
	t.roomLock.Unlock()
	if room == nil {
		t.log().WithFields(logrus.Fields{
			"function": "sendRaw",
			"receiver": receiver.Checksum(),
		}).Error("No room for receiver")
		return
	}
	if err := room.SendText(data); err != nil {
		t.log().WithFields(logrus.Fields{
			"function": "sendRaw",
			"receiver": receiver.Checksum(),
			"room_id":  room.ID(),
			"error":    err,
		}).Error("Failed to send to room")
	}
}

// handleRoomEvent handles text messages sent to listening rooms.
func (t *Transport) handleRoomEvent(room matrix.Room, event *matrix.MessageEvent) {
	if event.Type != matrix.EventTypeMessage ||
		event.Content.MsgType != matrix.MsgTypeText ||
		!t.isRunning() {
		return
	}
	if event.Sender == t.client.UserID() {
		return
	}

	user := t.client.GetUser(event.Sender)
	peerAddress, ok := presence.ValidateUserSignature(user)
	if !ok {
		t.log().WithFields(logrus.Fields{
			"function":  "handleRoomEvent",
			"peer_user": event.Sender,
			"room_id":   room.ID(),
		}).Debug("Message from user with invalid display name signature")
		return
	}
	if !t.directory.IsAddressKnown(peerAddress) {
		t.log().WithFields(logrus.Fields{
			"function":       "handleRoomEvent",
			"sender_address": peerAddress.Checksum(),
			"room_id":        room.ID(),
		}).Debug("Message from non-whitelisted peer - ignoring")
		return
	}

	roomIDs := t.roomIDsForAddress(peerAddress, nil)

	if !containsString(roomIDs, room.ID()) && t.config.PrivateRooms && !room.InviteOnly() {
		t.log().WithFields(logrus.Fields{
			"function":     "handleRoomEvent",
			"peer_address": peerAddress.Checksum(),
			"room_id":      room.ID(),
			"reason":       "required private room, but received message in a public",
		}).Debug("Ignoring invalid message")
		return
	}

	if len(roomIDs) == 0 || room.ID() != roomIDs[0] {
		// Nodes must never listen on global rooms.
		if t.isGlobalRoom(room) {
			t.fatal(fmt.Errorf("received message in global room %v", room.Aliases()))
			return
		}
		t.log().WithFields(logrus.Fields{
			"function":     "handleRoomEvent",
			"peer_address": peerAddress.Checksum(),
			"room_id":      room.ID(),
		}).Debug("Received message triggered new comms room for peer")
		t.setRoomIDForAddress(peerAddress, room.ID())
	}

	// The peer just spoke to us; correct stale reachability without
	// waiting for the next presence event.
	if t.directory.AddressReachability(peerAddress) != presence.ReachabilityReachable {
		t.log().WithFields(logrus.Fields{
			"function":     "handleRoomEvent",
			"peer_address": peerAddress.Checksum(),
			"user_id":      event.Sender,
		}).Debug("Forcing presence update")
		t.directory.ForceUserPresence(user, matrix.PresenceOnline)
		t.directory.RefreshAddressPresence(peerAddress)
	}

	messages := message.ValidateAndParse(event.Content.Body, peerAddress)
	if len(messages) == 0 {
		return
	}
	t.log().WithFields(logrus.Fields{
		"function": "handleRoomEvent",
		"sender":   peerAddress.Checksum(),
		"room_id":  room.ID(),
		"messages": len(messages),
	}).Debug("Incoming messages")

	for _, msg := range messages {
		switch m := msg.(type) {
		case *message.Delivered:
			t.receiveDelivered(m)
		default:
			if retryable, ok := msg.(message.Retryable); ok {
				t.receiveMessage(retryable)
			} else {
				t.log().WithFields(logrus.Fields{
					"function": "handleRoomEvent",
					"kind":     msg.Kind().String(),
				}).Warn("Received invalid message")
			}
		}
	}
}

func (t *Transport) receiveDelivered(delivered *message.Delivered) {
	t.log().WithFields(logrus.Fields{
		"function": "receiveDelivered",
		"sender":   delivered.Sender().Checksum(),
		"msg_id":   delivered.DeliveredMessageID,
	}).Debug("Delivered message received")
	t.service.OnMessage(delivered)
}

// receiveMessage acknowledges a retryable message on the sender's global
// sub-queue, then forwards it to the application layer.
func (t *Transport) receiveMessage(msg message.Retryable) {
	t.log().WithFields(logrus.Fields{
		"function": "receiveMessage",
		"sender":   msg.Sender().Checksum(),
		"msg_id":   msg.MessageID(),
	}).Debug("Message received")

	delivered := &message.Delivered{DeliveredMessageID: msg.MessageID()}
	if err := t.service.Sign(delivered); err != nil {
		t.log().WithFields(logrus.Fields{
			"function": "receiveMessage",
			"error":    err,
		}).Error("Failed to sign delivery acknowledgement")
		return
	}
	if err := t.retrier(msg.Sender()).EnqueueGlobal(delivered); err != nil {
		t.log().WithFields(logrus.Fields{
			"function": "receiveMessage",
			"error":    err,
		}).Error("Failed to enqueue delivery acknowledgement")
	}
	t.service.OnMessage(msg)
}

// handleToDeviceEvent handles device-directed messages: same validation
// as room messages, forwarded without acknowledgement.
func (t *Transport) handleToDeviceEvent(event *matrix.ToDeviceEvent) {
	if event.Type != matrix.EventTypeToDevice || !t.isRunning() ||
		event.Sender == t.client.UserID() {
		return
	}

	user := t.client.GetUser(event.Sender)
	peerAddress, ok := presence.ValidateUserSignature(user)
	if !ok {
		t.log().WithFields(logrus.Fields{
			"function":  "handleToDeviceEvent",
			"peer_user": event.Sender,
		}).Debug("Device message from user with invalid display name signature")
		return
	}
	if !t.directory.IsAddressKnown(peerAddress) {
		t.log().WithFields(logrus.Fields{
			"function":       "handleToDeviceEvent",
			"sender_address": peerAddress.Checksum(),
		}).Debug("Device message from non-whitelisted peer - ignoring")
		return
	}

	if t.directory.AddressReachability(peerAddress) != presence.ReachabilityReachable {
		t.directory.ForceUserPresence(user, matrix.PresenceOnline)
		t.directory.RefreshAddressPresence(peerAddress)
	}

	messages := message.ValidateAndParse(event.Content["body"], peerAddress)
	for _, msg := range messages {
		if msg.Kind() != message.KindToDevice {
			t.log().WithFields(logrus.Fields{
				"function": "handleToDeviceEvent",
				"kind":     msg.Kind().String(),
			}).Warn("Received device message of invalid type")
			continue
		}
		t.service.OnMessage(msg)
	}
}

// addressReachabilityChanged runs synchronously from the presence event
// path: it wakes the peer's retry worker when the peer comes back and
// emits a channel-level network state change.
func (t *Transport) addressReachabilityChanged(address crypto.Address, reachability presence.Reachability) {
	var state NetworkState
	switch reachability {
	case presence.ReachabilityReachable:
		state = NetworkStateReachable
		t.retriersMu.Lock()
		retrier := t.retriers[address]
		t.retriersMu.Unlock()
		if retrier != nil {
			retrier.wake()
		}
	case presence.ReachabilityUnreachable:
		state = NetworkStateUnreachable
	default:
		state = NetworkStateUnknown
	}

	if t.service != nil {
		t.service.HandleAndTrackStateChanges([]StateChange{
			ActionChangeNodeNetworkState{Address: address, State: state},
		})
	}
}

// userPresenceChanged schedules an invite check for the user off the
// event path.
func (t *Transport) userPresenceChanged(user matrix.User, _ matrix.PresenceState) {
	if !t.isRunning() {
		return
	}
	t.spawn(func() { t.maybeInviteUser(user) })
}
