package helixconnect

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueue is a scripted NotificationQueue. Receive blocks until a message
// is pushed, the wait elapses, or the context is canceled; messages are
// delivered once and redelivery is simulated by pushing again.
type fakeQueue struct {
	mu       sync.Mutex
	messages []QueueMessage
	acked    []string
	pushes   int

	receiveErr error
	ackErr     error

	signal chan struct{}
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{signal: make(chan struct{}, 16)}
}

func (q *fakeQueue) push(body string) string {
	q.mu.Lock()
	q.pushes++
	id := "m-" + strconv.Itoa(q.pushes)
	msg := QueueMessage{ID: id, Body: body, ReceiptHandle: "rh-" + id}
	q.messages = append(q.messages, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return msg.ReceiptHandle
}

func (q *fakeQueue) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]QueueMessage, error) {
	deadline := time.After(wait)

	for {
		q.mu.Lock()

		if q.receiveErr != nil {
			err := q.receiveErr
			q.mu.Unlock()

			return nil, err
		}

		if len(q.messages) > 0 {
			n := maxMessages
			if n > len(q.messages) {
				n = len(q.messages)
			}

			out := append([]QueueMessage(nil), q.messages[:n]...)
			q.messages = append([]QueueMessage(nil), q.messages[n:]...)
			q.mu.Unlock()

			return out, nil
		}

		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-q.signal:
		}
	}
}

func (q *fakeQueue) Acknowledge(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ackErr != nil {
		return q.ackErr
	}

	q.acked = append(q.acked, receiptHandle)

	return nil
}

func (q *fakeQueue) ackedHandles() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]string(nil), q.acked...)
}

func notificationJSON(eventID, datasetID, version string) string {
	return fmt.Sprintf(`{"eventId":%q,"datasetId":%q,"version":%q,"publishedAt":%q}`,
		eventID, datasetID, version, time.Now().UTC().Format(time.RFC3339))
}

func newTestPoller(queue NotificationQueue, opts ...Option) *NotificationPoller {
	base := []Option{
		WithPollWait(50 * time.Millisecond),
		WithMaxRetries(2),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
		WithDedupWindow(time.Minute, 64),
	}

	return NewNotificationPoller(queue, NewConfig(append(base, opts...)...))
}

func TestNotificationPoller_PollParsesRecords(t *testing.T) {
	queue := newFakeQueue()
	poller := newTestPoller(queue)

	defer poller.Close()

	queue.push(notificationJSON("e-1", "orders", "2024-06-01"))
	queue.push(notificationJSON("e-2", "payments", "2024-06-02"))

	records, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "e-1", records[0].EventID)
	assert.Equal(t, "orders", records[0].DatasetID)
	assert.Equal(t, "2024-06-01", records[0].Version)
	assert.False(t, records[0].PublishedAt.IsZero())
	assert.WithinDuration(t, time.Now(), records[0].DeliveredAt, time.Minute)
	assert.NotEmpty(t, records[0].ReceiptHandle)
	assert.Empty(t, records[0].LocalPath)

	assert.Equal(t, "e-2", records[1].EventID)
	assert.Empty(t, queue.ackedHandles(), "polling must not acknowledge")
}

func TestNotificationPoller_PollEmptyTimeout(t *testing.T) {
	poller := newTestPoller(newFakeQueue(), WithPollWait(30*time.Millisecond))

	defer poller.Close()

	start := time.Now()

	records, err := poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestNotificationPoller_PollDiscardsMalformed(t *testing.T) {
	queue := newFakeQueue()
	poller := newTestPoller(queue)

	defer poller.Close()

	badHandle := queue.push(`{"this is not json`)
	incompleteHandle := queue.push(`{"eventId":"e-1"}`)
	queue.push(notificationJSON("e-2", "orders", "2024-06-01"))

	records, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "e-2", records[0].EventID)

	acked := queue.ackedHandles()
	assert.Contains(t, acked, badHandle, "poison messages are consumed")
	assert.Contains(t, acked, incompleteHandle)
	assert.NotContains(t, acked, records[0].ReceiptHandle)
}

func TestNotificationPoller_AcknowledgeEntersDedupWindow(t *testing.T) {
	queue := newFakeQueue()
	poller := newTestPoller(queue)
	ctx := context.Background()

	defer poller.Close()

	queue.push(notificationJSON("e-1", "orders", "2024-06-01"))

	records, err := poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, poller.Acknowledge(ctx, records[0]))
	assert.Len(t, queue.ackedHandles(), 1)

	// The same event redelivers; it is filtered and consumed.
	queue.push(notificationJSON("e-1", "orders", "2024-06-01"))

	records, err = poller.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Len(t, queue.ackedHandles(), 2)
}

func TestNotificationPoller_UnackedEventsAreNotFiltered(t *testing.T) {
	queue := newFakeQueue()
	poller := newTestPoller(queue)
	ctx := context.Background()

	defer poller.Close()

	queue.push(notificationJSON("e-1", "orders", "2024-06-01"))

	records, err := poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Never acknowledged, so the redelivery must come through again.
	queue.push(notificationJSON("e-1", "orders", "2024-06-01"))

	records, err = poller.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "e-1", records[0].EventID)
}

func TestNotificationPoller_SameBatchDuplicatesFiltered(t *testing.T) {
	queue := newFakeQueue()
	poller := newTestPoller(queue)

	defer poller.Close()

	queue.push(notificationJSON("e-1", "orders", "2024-06-01"))
	queue.push(notificationJSON("e-1", "orders", "2024-06-01"))

	records, err := poller.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)

	// The extra copy stays unacknowledged so it can redeliver if the kept
	// copy is never processed.
	assert.Empty(t, queue.ackedHandles())
}

func TestNotificationPoller_PollReceiveError(t *testing.T) {
	queue := newFakeQueue()
	queue.receiveErr = errors.New(genericErrorMessage)

	poller := newTestPoller(queue)

	defer poller.Close()

	records, err := poller.Poll(context.Background())
	assert.Nil(t, records)
	assert.ErrorContains(t, err, genericErrorMessage)
}

func TestNotificationPoller_ListenAcksAfterHandler(t *testing.T) {
	queue := newFakeQueue()
	poller := newTestPoller(queue)

	defer poller.Close()

	h1 := queue.push(notificationJSON("e-1", "orders", "2024-06-01"))
	h2 := queue.push(notificationJSON("e-2", "orders", "2024-06-02"))

	handled := make(chan NotificationRecord, 4)

	listener, err := poller.Listen(context.Background(), func(_ context.Context, record NotificationRecord) error {
		handled <- record
		return nil
	})
	require.NoError(t, err)

	defer listener.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for handler")
		}
	}

	assert.Eventually(t, func() bool {
		return len(queue.ackedHandles()) == 2
	}, time.Second, 5*time.Millisecond)

	assert.ElementsMatch(t, []string{h1, h2}, queue.ackedHandles())

	listener.Stop()

	select {
	case <-listener.Done():
	default:
		t.Fatal("Done must be closed after Stop returns")
	}

	assert.NoError(t, listener.Err())
}

func TestNotificationPoller_ListenHandlerErrorsDoNotAck(t *testing.T) {
	queue := newFakeQueue()
	poller := newTestPoller(queue)

	defer poller.Close()

	queue.push(notificationJSON("e-1", "orders", "2024-06-01"))

	failures := make(chan error, 4)

	listener, err := poller.Listen(context.Background(),
		func(_ context.Context, _ NotificationRecord) error {
			return errors.New(genericErrorMessage)
		},
		WithErrorHandler(func(_ NotificationRecord, err error) {
			failures <- err
		}),
	)
	require.NoError(t, err)

	defer listener.Stop()

	select {
	case err := <-failures:
		assert.ErrorContains(t, err, genericErrorMessage)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error handler")
	}

	assert.Empty(t, queue.ackedHandles(), "failed records must stay on the queue")
}

func TestNotificationPoller_ListenContainsHandlerPanic(t *testing.T) {
	queue := newFakeQueue()
	poller := newTestPoller(queue)

	defer poller.Close()

	queue.push(notificationJSON("e-1", "orders", "2024-06-01"))

	failures := make(chan error, 4)
	handled := make(chan string, 4)

	var paniced int32

	listener, err := poller.Listen(context.Background(),
		func(_ context.Context, record NotificationRecord) error {
			if record.EventID == "e-1" && atomic.CompareAndSwapInt32(&paniced, 0, 1) {
				panic("boom")
			}

			handled <- record.EventID

			return nil
		},
		WithErrorHandler(func(_ NotificationRecord, err error) {
			failures <- err
		}),
	)
	require.NoError(t, err)

	defer listener.Stop()

	select {
	case err := <-failures:
		assert.ErrorContains(t, err, "handler panic")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for panic report")
	}

	assert.Empty(t, queue.ackedHandles(), "panicked delivery must not be acknowledged")

	// The unacknowledged message redelivers once its visibility lapses. The
	// event was never acknowledged, so the duplicate filter lets it through;
	// this time the handler succeeds and the listener survives to ack it.
	queue.push(notificationJSON("e-1", "orders", "2024-06-01"))

	select {
	case id := <-handled:
		assert.Equal(t, "e-1", id)
	case <-time.After(time.Second):
		t.Fatal("listener did not survive the panic")
	}

	assert.Eventually(t, func() bool {
		return len(queue.ackedHandles()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestNotificationPoller_ListenStopsOnPersistentReceiveFailure(t *testing.T) {
	queue := newFakeQueue()
	queue.receiveErr = errors.New(genericErrorMessage)

	poller := newTestPoller(queue)

	defer poller.Close()

	listener, err := poller.Listen(context.Background(),
		func(_ context.Context, _ NotificationRecord) error { return nil })
	require.NoError(t, err)

	select {
	case <-listener.Done():
	case <-time.After(time.Second):
		t.Fatal("listener did not stop on receive failure")
	}

	assert.ErrorContains(t, listener.Err(), genericErrorMessage)
}

func TestNotificationPoller_ListenStopIsIdempotent(t *testing.T) {
	poller := newTestPoller(newFakeQueue())

	defer poller.Close()

	listener, err := poller.Listen(context.Background(),
		func(_ context.Context, _ NotificationRecord) error { return nil })
	require.NoError(t, err)

	listener.Stop()
	listener.Stop()

	select {
	case <-listener.Done():
	default:
		t.Fatal("Done must be closed after Stop")
	}

	assert.NoError(t, listener.Err())
}

func TestNotificationPoller_ListenRejectsNilHandler(t *testing.T) {
	poller := newTestPoller(newFakeQueue())

	defer poller.Close()

	listener, err := poller.Listen(context.Background(), nil)
	assert.Nil(t, listener)
	assert.Error(t, err)
}

func TestNotificationPoller_ListenAutoDownload(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(store)
	ctx := context.Background()

	payload := makePayload(50)

	_, err := engine.Upload(ctx, "orders/2024-06-01", bytes.NewReader(payload))
	require.NoError(t, err)

	outputDir := filepath.Join(t.TempDir(), "downloads")

	queue := newFakeQueue()
	poller := NewNotificationPoller(queue,
		NewConfig(
			WithPollWait(50*time.Millisecond),
			WithBackoff(time.Millisecond, 2*time.Millisecond),
			WithAutoDownload(outputDir),
		),
		WithDownloadEngine(engine),
	)

	defer poller.Close()

	queue.push(notificationJSON("e-1", "orders", "2024-06-01"))

	handled := make(chan NotificationRecord, 1)

	listener, err := poller.Listen(ctx, func(_ context.Context, record NotificationRecord) error {
		handled <- record
		return nil
	})
	require.NoError(t, err)

	defer listener.Stop()

	var record NotificationRecord

	select {
	case record = <-handled:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}

	wantPath := filepath.Join(outputDir, "orders_2024-06-01")
	assert.Equal(t, wantPath, record.LocalPath)

	got, err := os.ReadFile(wantPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	assert.Eventually(t, func() bool {
		return len(queue.ackedHandles()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNotificationPoller_ListenAutoDownloadFailureDoesNotAck(t *testing.T) {
	engine, _ := newTestEngine(newFakeStore())

	queue := newFakeQueue()
	poller := NewNotificationPoller(queue,
		NewConfig(
			WithPollWait(50*time.Millisecond),
			WithBackoff(time.Millisecond, 2*time.Millisecond),
			WithAutoDownload(filepath.Join(t.TempDir(), "downloads")),
		),
		WithDownloadEngine(engine),
	)

	defer poller.Close()

	queue.push(notificationJSON("e-1", "orders", "missing-version"))

	failures := make(chan error, 1)
	handlerCalls := make(chan struct{}, 1)

	listener, err := poller.Listen(context.Background(),
		func(_ context.Context, _ NotificationRecord) error {
			handlerCalls <- struct{}{}
			return nil
		},
		WithErrorHandler(func(_ NotificationRecord, err error) {
			failures <- err
		}),
	)
	require.NoError(t, err)

	defer listener.Stop()

	select {
	case err := <-failures:
		assert.ErrorContains(t, err, "auto-downloading dataset")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error handler")
	}

	assert.Empty(t, queue.ackedHandles())
	assert.Empty(t, handlerCalls, "handler must not run when the download fails")
}

func TestNotificationPoller_ListenReapsGoroutines(t *testing.T) {
	poller := newTestPoller(newFakeQueue())

	defer poller.Close()

	before := runtime.NumGoroutine()

	listeners := make([]*Listener, 0, 5)

	for i := 0; i < 5; i++ {
		listener, err := poller.Listen(context.Background(),
			func(_ context.Context, _ NotificationRecord) error { return nil })
		require.NoError(t, err)

		listeners = append(listeners, listener)
	}

	assert.Greater(t, runtime.NumGoroutine(), before)

	for _, listener := range listeners {
		listener.Stop()
	}

	// Allow a little slack for unrelated runtime goroutines winding down.
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, time.Second, 10*time.Millisecond, "listener goroutines must exit after Stop")
}
