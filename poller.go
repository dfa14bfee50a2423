package helixconnect

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/cache"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/helix-data/helix-connect-go/pkg/log"
)

var (
	pollTimer        = metrics.GetOrRegisterTimer(MetricsPrefix+".poller.poll", nil)
	duplicateCounter = metrics.GetOrRegisterCounter(MetricsPrefix+".poller.duplicates", nil)
	poisonCounter    = metrics.GetOrRegisterCounter(MetricsPrefix+".poller.poison", nil)
)

// QueueMessage is one raw message delivered by a NotificationQueue. The body
// is an opaque string at this layer; the poller interprets it.
type QueueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// NotificationRecord is one parsed dataset-availability event. The receipt
// handle must be passed back to Acknowledge once the event has been
// processed; an unacknowledged event redelivers after the queue's visibility
// timeout.
type NotificationRecord struct {
	EventID       string
	DatasetID     string
	Version       string
	PublishedAt   time.Time
	DeliveredAt   time.Time
	ReceiptHandle string

	// LocalPath is where the dataset was auto-downloaded, when the poller is
	// configured to do so. Empty otherwise.
	LocalPath string
}

// notificationBody is the wire form of a notification payload.
type notificationBody struct {
	EventID     string    `json:"eventId"`
	DatasetID   string    `json:"datasetId"`
	Version     string    `json:"version"`
	PublishedAt time.Time `json:"publishedAt"`
}

// NotificationHandler processes one record. Returning nil acknowledges the
// record; returning an error leaves it on the queue to redeliver.
type NotificationHandler func(ctx context.Context, record NotificationRecord) error

// ErrorHandler observes records that could not be processed. It must not
// block; the listener delivers sequentially.
type ErrorHandler func(record NotificationRecord, err error)

// NotificationPoller receives dataset-availability events from a
// NotificationQueue, filters redelivered duplicates, and optionally
// downloads the referenced dataset before the caller sees the event.
//
// Duplicate filtering is keyed by event ID and remembers an event only once
// it has been acknowledged. A delivery whose processing failed is therefore
// never filtered when it comes around again.
type NotificationPoller struct {
	queue  NotificationQueue
	engine *TransferEngine
	policy *RetryPolicy

	maxMessages int
	wait        time.Duration

	autoDownload bool
	outputDir    string

	seen cache.Cache
}

// PollerOption customizes a NotificationPoller.
type PollerOption func(*NotificationPoller)

// WithDownloadEngine supplies the engine used for auto-downloading datasets.
// Auto-download is active only when the configuration enables it and an
// engine has been supplied.
func WithDownloadEngine(e *TransferEngine) PollerOption {
	return func(p *NotificationPoller) {
		p.engine = e
	}
}

// NewNotificationPoller constructs a poller reading from queue. A nil config
// uses defaults.
func NewNotificationPoller(queue NotificationQueue, config *Config, opts ...PollerOption) *NotificationPoller {
	if config == nil {
		config = NewConfig()
	}

	p := &NotificationPoller{
		queue:        queue,
		policy:       newRetryPolicyFromConfig(config),
		maxMessages:  config.MaxPollMessages,
		wait:         config.PollWait,
		autoDownload: config.AutoDownload,
		outputDir:    config.OutputDirectory,
		seen: cache.New(
			cache.WithMaximumSize(config.DedupMaxSize),
			cache.WithExpireAfterWrite(config.DedupWindow),
		),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Poll issues one long-poll receive and returns the parsed, deduplicated
// records. An empty slice with no error means the poll timed out with
// nothing to deliver. The caller owns acknowledgement: pass each record to
// Acknowledge once it has been processed.
func (p *NotificationPoller) Poll(ctx context.Context) ([]NotificationRecord, error) {
	defer pollTimer.UpdateSince(time.Now())

	var msgs []QueueMessage

	err := p.policy.Do(ctx, "receive notifications", func(ctx context.Context) error {
		var rerr error
		msgs, rerr = p.queue.Receive(ctx, p.maxMessages, p.wait)

		return rerr
	})
	if err != nil {
		return nil, err
	}

	records := make([]NotificationRecord, 0, len(msgs))
	batch := make(map[string]bool, len(msgs))

	for i := range msgs {
		record, ok := p.parse(ctx, msgs[i])
		if !ok {
			continue
		}

		if _, dup := p.seen.GetIfPresent(record.EventID); dup {
			duplicateCounter.Inc(1)
			log.Debugf("filtering redelivered event %s\n", record.EventID)

			// Already processed and acknowledged once, so this copy can be
			// consumed from the queue.
			if ackErr := p.queue.Acknowledge(ctx, record.ReceiptHandle); ackErr != nil {
				log.Debugf("failed to consume duplicate %s: %v\n", record.EventID, ackErr)
			}

			continue
		}

		if batch[record.EventID] {
			// Same event twice in one batch. The extra copy stays
			// unacknowledged and redelivers if the kept copy is never
			// processed.
			duplicateCounter.Inc(1)
			continue
		}

		batch[record.EventID] = true
		records = append(records, record)
	}

	return records, nil
}

// Acknowledge consumes a record's receipt handle and enters its event ID
// into the duplicate-filter window.
func (p *NotificationPoller) Acknowledge(ctx context.Context, record NotificationRecord) error {
	err := p.policy.Do(ctx, "acknowledge notification", func(ctx context.Context) error {
		return p.queue.Acknowledge(ctx, record.ReceiptHandle)
	})
	if err != nil {
		return err
	}

	p.seen.Put(record.EventID, struct{}{})

	return nil
}

// Listen starts a background goroutine that polls continuously and invokes
// handler for each record. A record is acknowledged only after handler
// returns nil; a handler error or panic is reported to the error handler and
// the record redelivers after its visibility timeout.
//
// The listener stops when Stop is called, when ctx is canceled, or when a
// receive fails beyond the retry policy's patience. Err reports the cause
// after Done is closed.
func (p *NotificationPoller) Listen(ctx context.Context, handler NotificationHandler, opts ...ListenOption) (*Listener, error) {
	if handler == nil {
		return nil, errors.New("notification handler cannot be nil")
	}

	ctx, cancel := context.WithCancel(ctx)

	l := &Listener{
		poller:  p,
		handler: handler,
		onError: func(record NotificationRecord, err error) {
			log.Debugf("notification %s failed: %v\n", record.EventID, err)
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	go l.run(ctx)

	return l, nil
}

// Close releases the poller's duplicate-filter resources. Listeners must be
// stopped first.
func (p *NotificationPoller) Close() error {
	return p.seen.Close()
}

// parse interprets one queue message. Messages that can never parse are
// discarded immediately; leaving them unacknowledged would redeliver them on
// every visibility timeout forever.
func (p *NotificationPoller) parse(ctx context.Context, msg QueueMessage) (NotificationRecord, bool) {
	var body notificationBody

	if err := json.Unmarshal([]byte(msg.Body), &body); err != nil {
		p.discard(ctx, msg, "unparseable body")
		return NotificationRecord{}, false
	}

	if body.EventID == "" || body.DatasetID == "" || body.Version == "" {
		p.discard(ctx, msg, "missing required fields")
		return NotificationRecord{}, false
	}

	return NotificationRecord{
		EventID:       body.EventID,
		DatasetID:     body.DatasetID,
		Version:       body.Version,
		PublishedAt:   body.PublishedAt,
		DeliveredAt:   time.Now(),
		ReceiptHandle: msg.ReceiptHandle,
	}, true
}

func (p *NotificationPoller) discard(ctx context.Context, msg QueueMessage, reason string) {
	poisonCounter.Inc(1)
	log.Debugf("discarding notification %s: %s\n", msg.ID, reason)

	if err := p.queue.Acknowledge(ctx, msg.ReceiptHandle); err != nil {
		log.Debugf("failed to discard notification %s: %v\n", msg.ID, err)
	}
}

// autoFetch downloads the record's dataset into the output directory and
// records the local path. The output file is created fresh each time; a
// partial file from an interrupted run is overwritten, not resumed.
func (p *NotificationPoller) autoFetch(ctx context.Context, record *NotificationRecord) error {
	if !p.autoDownload || p.engine == nil {
		return nil
	}

	objectID := record.DatasetID + "/" + record.Version
	localPath := filepath.Join(p.outputDir, fileSafe(record.DatasetID)+"_"+fileSafe(record.Version))

	if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}

	f, err := os.Create(localPath)
	if err != nil {
		return errors.Wrap(err, "creating output file")
	}

	_, downloadErr := p.engine.Download(ctx, objectID, f)

	closeErr := f.Close()

	if downloadErr != nil {
		return downloadErr
	}

	if closeErr != nil {
		return errors.Wrap(closeErr, "closing output file")
	}

	record.LocalPath = localPath

	return nil
}

// fileSafe flattens path separators out of an identifier used as a file name
// component.
func fileSafe(s string) string {
	return strings.ReplaceAll(s, "/", "_")
}

// Listener is a running background consumer obtained from Listen.
type Listener struct {
	poller  *NotificationPoller
	handler NotificationHandler
	onError ErrorHandler

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

// ListenOption customizes a Listener.
type ListenOption func(*Listener)

// WithErrorHandler replaces the default error handler, which logs at debug
// level.
func WithErrorHandler(fn ErrorHandler) ListenOption {
	return func(l *Listener) {
		if fn != nil {
			l.onError = fn
		}
	}
}

// Stop halts the listener and blocks until in-flight delivery has finished.
// It is safe to call more than once.
func (l *Listener) Stop() {
	l.once.Do(l.cancel)
	<-l.done
}

// Done is closed once the listener has fully stopped.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that stopped the listener, or nil after a clean
// Stop. It is meaningful only once Done is closed.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.err
}

func (l *Listener) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.err = err
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	for {
		if ctx.Err() != nil {
			return
		}

		records, err := l.poller.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			l.setErr(err)

			return
		}

		for i := range records {
			l.deliver(ctx, records[i])
		}
	}
}

func (l *Listener) deliver(ctx context.Context, record NotificationRecord) {
	if err := l.poller.autoFetch(ctx, &record); err != nil {
		l.onError(record, errors.Wrap(err, "auto-downloading dataset"))
		return
	}

	if err := l.safeHandle(ctx, record); err != nil {
		l.onError(record, err)
		return
	}

	if err := l.poller.Acknowledge(ctx, record); err != nil {
		l.onError(record, errors.Wrap(err, "acknowledging notification"))
	}
}

// safeHandle invokes the handler, converting a panic into an error so one
// bad record cannot take down the listener.
func (l *Listener) safeHandle(ctx context.Context, record NotificationRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()

	return l.handler(ctx, record)
}
