package helixconnect

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/helix-data/helix-connect-go/pkg/log"
)

var retryCounter = metrics.GetOrRegisterCounter(MetricsPrefix+".retry.attempts", nil)

// retryJitterFraction is the symmetric jitter applied to computed backoff
// delays so concurrent callers do not retry in lockstep.
const retryJitterFraction = 0.25

// Class is the retry classification of an error.
type Class int

const (
	// ClassTerminal errors are surfaced immediately and never retried.
	ClassTerminal Class = iota
	// ClassRetryable errors may succeed on a subsequent attempt.
	ClassRetryable
)

// String returns the string representation of the class.
func (c Class) String() string {
	if c == ClassRetryable {
		return "retryable"
	}

	return "terminal"
}

// Classify reports whether err may succeed if retried. Rate limiting and
// transport failures flagged retryable are ClassRetryable; authentication,
// authorization, integrity, format, not-found, quota, and resume failures are
// ClassTerminal, as are context cancellation and anything unrecognized.
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTerminal
	}

	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return ClassRetryable
	}

	var network *NetworkError
	if errors.As(err, &network) {
		if network.Retryable {
			return ClassRetryable
		}

		return ClassTerminal
	}

	return ClassTerminal
}

// Decision is the outcome of consulting the RetryPolicy after a failed
// attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy is the shared backoff decision function used by the transfer
// engine, the key-wrap client, and the notification poller. Delays grow
// exponentially from Base up to Cap with symmetric jitter; a server-provided
// retry-after hint takes precedence over the computed delay but is still
// clamped to Cap. Each policy instance carries its own random source.
type RetryPolicy struct {
	maxAttempts int
	base        time.Duration
	cap         time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryPolicy returns a RetryPolicy allowing up to maxAttempts attempts
// with exponential backoff between base and cap.
func NewRetryPolicy(maxAttempts int, base, cap time.Duration) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	if base <= 0 {
		base = DefaultBackoffBase
	}

	if cap < base {
		cap = base
	}

	return &RetryPolicy{
		maxAttempts: maxAttempts,
		base:        base,
		cap:         cap,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// newRetryPolicyFromConfig builds the policy an engine shares with its
// collaborators.
func newRetryPolicyFromConfig(c *Config) *RetryPolicy {
	return NewRetryPolicy(c.MaxRetries, c.BackoffBase, c.BackoffCap)
}

// MaxAttempts returns the configured attempt bound.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether the attempt that just failed with err should be
// retried, and after what delay. attempt is the 0-based index of the failed
// attempt; once attempt+1 reaches the configured maximum no further retries
// are proposed. The returned delay never exceeds the configured cap.
func (p *RetryPolicy) ShouldRetry(attempt int, err error) Decision {
	if Classify(err) != ClassRetryable {
		return Decision{}
	}

	if attempt+1 >= p.maxAttempts {
		return Decision{}
	}

	return Decision{Retry: true, Delay: p.delay(attempt, err)}
}

// delay computes the backoff before the next attempt. A retry-after hint on a
// RateLimitError takes precedence over the exponential schedule.
func (p *RetryPolicy) delay(attempt int, err error) time.Duration {
	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) && rateLimited.RetryAfter > 0 {
		if rateLimited.RetryAfter > p.cap {
			return p.cap
		}

		return rateLimited.RetryAfter
	}

	d := p.base
	for i := 0; i < attempt && d < p.cap; i++ {
		d *= 2
	}

	if d > p.cap {
		d = p.cap
	}

	jittered := time.Duration(float64(d) * (1 + retryJitterFraction*(2*p.random()-1)))
	if jittered > p.cap {
		return p.cap
	}

	if jittered < 0 {
		return 0
	}

	return jittered
}

func (p *RetryPolicy) random() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.rng.Float64()
}

// Do runs op, retrying per the policy until it succeeds, fails terminally, or
// the attempt bound is reached. Terminal errors are returned unchanged; a
// retryable error that exhausts the bound is wrapped with the attempt count.
// The backoff sleep respects ctx; cancellation during the sleep returns the
// context's error.
func (p *RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		decision := p.ShouldRetry(attempt, err)
		if !decision.Retry {
			if Classify(err) == ClassRetryable {
				return errors.Wrapf(err, "%s: retries exhausted after %d attempts", op, attempt+1)
			}

			return err
		}

		retryCounter.Inc(1)
		log.Debugf("retrying %s in %s (attempt %d): %v\n", op, decision.Delay, attempt+1, err)

		timer := time.NewTimer(decision.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
