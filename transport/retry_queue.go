package transport

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sangaman/raiden/crypto"
	"github.com/sangaman/raiden/message"
	"github.com/sangaman/raiden/presence"
)

// retryQueue batches and resends pending messages for one recipient. One
// worker goroutine runs per recipient for the lifetime of the transport.
type retryQueue struct {
	transport *Transport
	receiver  crypto.Address

	mu      sync.Mutex
	pending []*pendingMessage
	notify  chan struct{}
}

func newRetryQueue(t *Transport, receiver crypto.Address) *retryQueue {
	q := &retryQueue{
		transport: t,
		receiver:  receiver,
		notify:    make(chan struct{}, 1),
	}
	t.spawn(q.loop)
	return q
}

// Enqueue adds a message to be sent, rejecting exact duplicates, and wakes
// the worker. The message must already be signed.
func (q *retryQueue) Enqueue(queueID QueueIdentifier, msg message.Message) error {
	if queueID.Recipient != q.receiver {
		return fmt.Errorf("message for %s enqueued on retry queue of %s",
			queueID.Recipient.Checksum(), q.receiver.Checksum())
	}
	text, err := message.Serialize(msg)
	if err != nil {
		return err
	}

	q.mu.Lock()
	for _, data := range q.pending {
		if data.queueID == queueID && data.text == text {
			q.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "Enqueue",
				"receiver": q.receiver.Checksum(),
				"queue":    queueID.String(),
			}).Warn("Message already in queue - ignoring")
			return nil
		}
	}
	cfg := q.transport.config
	q.pending = append(q.pending, &pendingMessage{
		queueID:     queueID,
		msg:         msg,
		text:        text,
		nextTimeout: ExponentialTimeouts(cfg.RetriesBeforeBackoff, cfg.RetryInterval, cfg.RetryInterval*10),
	})
	q.mu.Unlock()

	q.wake()
	return nil
}

// EnqueueGlobal enqueues a message on the recipient's global sub-queue,
// used for delivery acknowledgements.
func (q *retryQueue) EnqueueGlobal(msg message.Message) error {
	return q.Enqueue(GlobalQueueIdentifier(q.receiver), msg)
}

// wake notifies the worker to check the queue.
func (q *retryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *retryQueue) loop() {
	for {
		q.checkAndSend()

		select {
		case <-q.transport.stopCh:
			return
		case <-q.notify:
		case <-time.After(q.transport.config.RetryInterval):
		}
	}
}

// checkAndSend composes every pending message that is due, prunes
// messages that are done, and sends the composed batch. The send happens
// outside q.mu: delivery may run the peer's inbound handler on this
// goroutine, and that handler enqueues acknowledgements on its own retry
// queues.
func (q *retryQueue) checkAndSend() {
	t := q.transport
	if !t.isRunning() {
		logrus.WithFields(logrus.Fields{
			"function": "checkAndSend",
			"receiver": q.receiver.Checksum(),
		}).Debug("Can't retry, transport not running")
		return
	}

	// During startup global messages have to be sent first.
	if t.prioritizeGlobal.Load() {
		select {
		case <-t.globalDrained:
		case <-t.stopCh:
			return
		}
	}

	if r := t.directory.AddressReachability(q.receiver); r != presence.ReachabilityReachable {
		logrus.WithFields(logrus.Fields{
			"function": "checkAndSend",
			"partner":  q.receiver.Checksum(),
			"status":   r,
		}).Debug("Partner not reachable, skipping")
		return
	}

	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}

	// Sort a copy by channel identifier so the global/unordered queue goes
	// first; within one queue the enqueue order is preserved. The pending
	// slice itself keeps insertion order.
	ordered := append([]*pendingMessage(nil), q.pending...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].queueID.ChannelID < ordered[j].queueID.ChannelID
	})

	now := time.Now()
	var texts []string
	for _, data := range ordered {
		if data.dueToSend(now) {
			texts = append(texts, data.text)
		}
	}

	// Prune after composing, so one-shot messages go out at least once.
	queues := t.service.MessageQueues()
	kept := q.pending[:0]
	for _, data := range q.pending {
		if keep, reason := shouldKeepPending(data, queues); keep {
			kept = append(kept, data)
		} else if reason != "" {
			logrus.WithFields(logrus.Fields{
				"function": "checkAndSend",
				"queue":    data.queueID.String(),
				"reason":   reason,
			}).Debug("Stopping message send retry")
		}
	}
	q.pending = kept
	q.mu.Unlock()

	if len(texts) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "checkAndSend",
			"receiver": q.receiver.Checksum(),
			"messages": len(texts),
		}).Debug("Sending batched messages")
		t.sendRaw(q.receiver, strings.Join(texts, "\n"))
	}
}

// shouldKeepPending decides whether a message stays queued: one-shot
// messages leave after their first send, retryable messages leave once
// their upstream queue is gone or no longer contains them.
func shouldKeepPending(data *pendingMessage, queues map[QueueIdentifier][]message.Retryable) (bool, string) {
	if message.IsOneShot(data.msg) {
		return false, ""
	}
	queue, ok := queues[data.queueID]
	if !ok {
		return false, "upstream queue is gone"
	}
	retryable, ok := data.msg.(message.Retryable)
	if !ok {
		return false, "message is not retryable"
	}
	for _, queued := range queue {
		if queued.MessageID() == retryable.MessageID() {
			return true, ""
		}
	}
	return false, "message was removed from upstream queue"
}
