package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sangaman/raiden/message"
)

// globalSendBuffer bounds the number of global messages buffered before
// the worker drains them; SendGlobal blocks when it is full.
const globalSendBuffer = 1024

type globalMessage struct {
	roomSuffix string
	msg        message.Message
}

// globalSendWorker drains the shared global submission queue, batching
// pending messages per target room and performing one send per room per
// drain cycle. After the first drain the per-peer queues stop blocking on
// global delivery.
func (t *Transport) globalSendWorker() {
	for {
		t.drainGlobalQueue()

		t.markGlobalDrained()

		select {
		case <-t.stopCh:
			return
		case <-t.globalNotify:
		case <-time.After(t.config.RetryInterval):
		}
	}
}

func (t *Transport) drainGlobalQueue() {
	perRoom := make(map[string][]message.Message)
	var order []string
	for {
		select {
		case gm := <-t.globalSend:
			if _, seen := perRoom[gm.roomSuffix]; !seen {
				order = append(order, gm.roomSuffix)
			}
			perRoom[gm.roomSuffix] = append(perRoom[gm.roomSuffix], gm.msg)
		default:
			for _, suffix := range order {
				if err := t.sendGlobalBatch(suffix, perRoom[suffix]); err != nil {
					t.fatal(err)
					return
				}
			}
			return
		}
	}
}

// sendGlobalBatch serializes and concatenates one room's pending messages
// and submits them as a single send.
func (t *Transport) sendGlobalBatch(suffix string, msgs []message.Message) error {
	// An unknown target room is a programming error, not a transient
	// condition.
	if !t.config.isGlobalRoomSuffix(suffix) {
		return fmt.Errorf("send global called on non-global room %q, known global rooms: %v",
			suffix, t.config.GlobalRooms)
	}

	texts := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		text, err := message.Serialize(msg)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "sendGlobalBatch",
				"room":     suffix,
				"error":    err,
			}).Error("Dropping unserializable global message")
			continue
		}
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return nil
	}

	room, err := t.globalRoom(suffix)
	if err != nil {
		return err
	}
	t.log().WithFields(logrus.Fields{
		"function": "sendGlobalBatch",
		"room":     suffix,
		"messages": len(texts),
	}).Debug("Send global")
	if err := room.SendText(strings.Join(texts, "\n")); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendGlobalBatch",
			"room":     suffix,
			"error":    err,
		}).Error("Failed to send global batch")
	}
	return nil
}

// markGlobalDrained stops prioritizing global messages after the initial
// queue has been emptied once.
func (t *Transport) markGlobalDrained() {
	if t.prioritizeGlobal.CompareAndSwap(true, false) {
		close(t.globalDrained)
	}
}
