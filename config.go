package helixconnect

import (
	"time"
)

// Default values for Config if not overridden.
const (
	DefaultCompressionLevel    = 6
	DefaultChunkSize           = 4 * 1024 * 1024 // 4 MiB
	DefaultMaxRetries          = 4
	DefaultBackoffBase         = time.Second
	DefaultBackoffCap          = 30 * time.Second
	DefaultPollWait            = 20 * time.Second
	DefaultMaxPollMessages     = 10
	DefaultMaxConcurrentChunks = 4
	DefaultIntegrityRetries    = 2
	DefaultDedupWindow         = 5 * time.Minute
	DefaultDedupMaxSize        = 1024
)

// Config contains options to customize various behaviors in the SDK. A Config
// belongs to the ClientFactory that was built from it; engines never consult
// process-wide state.
type Config struct {
	// CompressionLevel is the DEFLATE level (1-9) used when sealing payloads.
	// Lower favors latency, higher favors size.
	CompressionLevel int
	// ChunkSize is the number of plaintext bytes per transfer chunk. Large
	// enough to amortize per-request overhead, small enough to bound memory
	// and per-chunk retry cost.
	ChunkSize int64
	// MaxRetries bounds the number of attempts made for a retryable remote
	// call before the last error is surfaced.
	MaxRetries int
	// BackoffBase is the starting delay for exponential backoff.
	BackoffBase time.Duration
	// BackoffCap is the ceiling for any computed or hinted retry delay.
	BackoffCap time.Duration
	// PollWait is how long a single long-poll request blocks server-side
	// waiting for messages.
	PollWait time.Duration
	// MaxPollMessages is the maximum number of messages requested per poll.
	MaxPollMessages int
	// MaxConcurrentChunks is the size of the per-transfer worker pool.
	MaxConcurrentChunks int
	// IntegrityRetries is the number of times a chunk with a checksum
	// mismatch is re-fetched before the transfer fails.
	IntegrityRetries int
	// DedupWindow is how long a delivered event ID is remembered for
	// duplicate filtering.
	DedupWindow time.Duration
	// DedupMaxSize bounds the number of event IDs remembered for duplicate
	// filtering.
	DedupMaxSize int
	// AutoDownload makes the notification listener download the associated
	// dataset before invoking the caller's handler.
	AutoDownload bool
	// OutputDirectory is where auto-downloaded datasets are written.
	OutputDirectory string
}

// Option is used to configure a Config.
type Option func(*Config)

// WithCompressionLevel sets the DEFLATE level (1-9) used when sealing.
func WithCompressionLevel(level int) Option {
	return func(c *Config) {
		c.CompressionLevel = level
	}
}

// WithChunkSize sets the number of plaintext bytes per transfer chunk.
func WithChunkSize(n int64) Option {
	return func(c *Config) {
		c.ChunkSize = n
	}
}

// WithMaxRetries bounds the number of attempts for retryable remote calls.
func WithMaxRetries(n int) Option {
	return func(c *Config) {
		c.MaxRetries = n
	}
}

// WithBackoff sets the exponential backoff base delay and ceiling.
func WithBackoff(base, cap time.Duration) Option {
	return func(c *Config) {
		c.BackoffBase = base
		c.BackoffCap = cap
	}
}

// WithPollWait sets how long a single long-poll request blocks server-side.
func WithPollWait(d time.Duration) Option {
	return func(c *Config) {
		c.PollWait = d
	}
}

// WithMaxPollMessages sets the maximum number of messages requested per poll.
func WithMaxPollMessages(n int) Option {
	return func(c *Config) {
		c.MaxPollMessages = n
	}
}

// WithMaxConcurrentChunks sets the size of the per-transfer worker pool.
func WithMaxConcurrentChunks(n int) Option {
	return func(c *Config) {
		c.MaxConcurrentChunks = n
	}
}

// WithIntegrityRetries sets the number of re-fetches for a chunk whose
// checksum does not match the manifest.
func WithIntegrityRetries(n int) Option {
	return func(c *Config) {
		c.IntegrityRetries = n
	}
}

// WithDedupWindow sets the duration and maximum size of the notification
// duplicate-filter window.
func WithDedupWindow(d time.Duration, maxSize int) Option {
	return func(c *Config) {
		c.DedupWindow = d
		c.DedupMaxSize = maxSize
	}
}

// WithAutoDownload makes the listener download datasets into dir before
// invoking the caller's handler.
func WithAutoDownload(dir string) Option {
	return func(c *Config) {
		c.AutoDownload = true
		c.OutputDirectory = dir
	}
}

// NewConfig returns a new Config with default values, applies opts, and
// normalizes out-of-range settings.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		CompressionLevel:    DefaultCompressionLevel,
		ChunkSize:           DefaultChunkSize,
		MaxRetries:          DefaultMaxRetries,
		BackoffBase:         DefaultBackoffBase,
		BackoffCap:          DefaultBackoffCap,
		PollWait:            DefaultPollWait,
		MaxPollMessages:     DefaultMaxPollMessages,
		MaxConcurrentChunks: DefaultMaxConcurrentChunks,
		IntegrityRetries:    DefaultIntegrityRetries,
		DedupWindow:         DefaultDedupWindow,
		DedupMaxSize:        DefaultDedupMaxSize,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.normalize()

	return c
}

// normalize clamps settings into their supported ranges so a misconfigured
// client degrades to defaults rather than failing deep inside a transfer.
func (c *Config) normalize() {
	if c.CompressionLevel < 1 || c.CompressionLevel > 9 {
		c.CompressionLevel = DefaultCompressionLevel
	}

	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}

	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}

	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}

	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}

	if c.PollWait < 0 {
		c.PollWait = DefaultPollWait
	}

	if c.MaxPollMessages < 1 {
		c.MaxPollMessages = DefaultMaxPollMessages
	}

	if c.MaxConcurrentChunks < 1 {
		c.MaxConcurrentChunks = 1
	}

	if c.IntegrityRetries < 0 {
		c.IntegrityRetries = 0
	}

	if c.DedupMaxSize < 1 {
		c.DedupMaxSize = DefaultDedupMaxSize
	}

	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
}
