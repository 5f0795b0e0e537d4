package transport

import (
	"fmt"
	"time"

	"github.com/sangaman/raiden/crypto"
	"github.com/sangaman/raiden/message"
)

// ChannelIDGlobal is the reserved channel identifier denoting the
// unordered/broadcast sub-queue of a recipient (e.g. for delivery
// acknowledgements). It sorts ahead of every channel-scoped queue.
const ChannelIDGlobal uint64 = 0

// QueueIdentifier names one logical outbound queue: a recipient plus the
// canonical identifier of the channel, or ChannelIDGlobal.
type QueueIdentifier struct {
	Recipient crypto.Address
	ChannelID uint64
}

// String implements fmt.Stringer.
func (q QueueIdentifier) String() string {
	return fmt.Sprintf("queue{recipient: %s, channel: %d}", q.Recipient.Checksum(), q.ChannelID)
}

// GlobalQueueIdentifier returns the global sub-queue identifier for a
// recipient.
func GlobalQueueIdentifier(recipient crypto.Address) QueueIdentifier {
	return QueueIdentifier{Recipient: recipient, ChannelID: ChannelIDGlobal}
}

// pendingMessage is one queued outbound message, owned by a single retry
// worker. Its resend timer is private: each message retries on its own
// backoff schedule, independent of the rest of the queue.
type pendingMessage struct {
	queueID QueueIdentifier
	msg     message.Message
	text    string

	nextTimeout func() time.Duration
	nextSend    time.Time
}

// dueToSend reports whether the message should go out now. It returns true
// on the first call and then at most once per elapsed backoff interval,
// advancing the timer as a side effect.
func (p *pendingMessage) dueToSend(now time.Time) bool {
	if !p.nextSend.IsZero() && now.Before(p.nextSend) {
		return false
	}
	p.nextSend = now.Add(p.nextTimeout())
	return true
}
