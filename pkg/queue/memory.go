package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	helixconnect "github.com/helix-data/helix-connect-go"
	"github.com/helix-data/helix-connect-go/pkg/log"
)

// Verify MemoryQueue implements the notification queue interface.
var _ helixconnect.NotificationQueue = (*MemoryQueue)(nil)

const (
	defaultVisibilityTimeout = 30 * time.Second

	// pollInterval is how often a blocked Receive re-checks for messages.
	pollInterval = 5 * time.Millisecond
)

// MemoryQueue is an in-memory implementation of a NotificationQueue with
// SQS-like visibility semantics: a received message becomes invisible for
// VisibilityTimeout and is redelivered with a fresh receipt handle if not
// acknowledged in time.
// NOTE: It should not be used in production and is for testing only!
type MemoryQueue struct {
	sync.Mutex

	VisibilityTimeout time.Duration

	messages []*memoryMessage
}

type memoryMessage struct {
	id      string
	body    string
	receipt string

	// invisibleUntil is zero until first delivery.
	invisibleUntil time.Time
}

// NewMemoryQueue returns a new in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		VisibilityTimeout: defaultVisibilityTimeout,
	}
}

// Send enqueues a message body and returns its id.
func (q *MemoryQueue) Send(body string) string {
	q.Lock()
	defer q.Unlock()

	m := &memoryMessage{
		id:   uuid.NewString(),
		body: body,
	}
	q.messages = append(q.messages, m)

	return m.id
}

// Receive blocks up to wait for at least one visible message, returning up to
// maxMessages. Delivered messages get a fresh receipt handle and stay
// invisible for VisibilityTimeout. An expired wait returns an empty slice and
// no error.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]helixconnect.QueueMessage, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}

	deadline := time.Now().Add(wait)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgs := q.receiveNow(maxMessages)
		if len(msgs) > 0 || !time.Now().Before(deadline) {
			return msgs, nil
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *MemoryQueue) receiveNow(maxMessages int) []helixconnect.QueueMessage {
	q.Lock()
	defer q.Unlock()

	now := time.Now()
	out := make([]helixconnect.QueueMessage, 0, maxMessages)

	for _, m := range q.messages {
		if len(out) == maxMessages {
			break
		}

		if now.Before(m.invisibleUntil) {
			continue
		}

		m.invisibleUntil = now.Add(q.VisibilityTimeout)
		m.receipt = uuid.NewString()

		out = append(out, helixconnect.QueueMessage{
			ID:            m.id,
			Body:          m.body,
			ReceiptHandle: m.receipt,
		})
	}

	return out
}

// Acknowledge deletes the message identified by receiptHandle. A stale handle
// (already acknowledged, or superseded by a redelivery) is a benign no-op.
func (q *MemoryQueue) Acknowledge(_ context.Context, receiptHandle string) error {
	q.Lock()
	defer q.Unlock()

	for i, m := range q.messages {
		if m.receipt == receiptHandle {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}

	log.Debugf("ack for unknown receipt handle, ignoring\n")

	return nil
}

// Len reports the number of messages not yet acknowledged, visible or not.
func (q *MemoryQueue) Len() int {
	q.Lock()
	defer q.Unlock()

	return len(q.messages)
}
